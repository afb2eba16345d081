package katdal

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/diag"
	"github.com/mothergoose31/contim/internal/index"
)

const (
	Telescope = "MeerKAT"
	origin    = "katdal export"
	epoch     = 2000.0
	// bytesPerSample is complex64 visibility, float32 weight and a flag byte.
	bytesPerSample = 13
)

// Adapter presents a DataSet in AIPS conventions. The correlation product
// ordering and source catalogue are cached per selection and only Select
// invalidates them.
type Adapter struct {
	ds  DataSet
	log *slog.Logger
	sel Selection
	nif int

	order     *index.ProductOrder
	catalogue []aips.SURow
}

// NewAdapter wraps ds with its current selection and a single IF.
func NewAdapter(ds DataSet, log *slog.Logger) *Adapter {
	return &Adapter{ds: ds, log: diag.OrDiscard(log).With("comp", "katdal"), nif: 1}
}

// rollback reapplies the previous selection after a failed Select.
func (a *Adapter) rollback(err error) error {
	if rerr := a.restore(); rerr != nil {
		return errors.Join(err, fmt.Errorf("failed to restore previous selection: %w", rerr))
	}
	return err
}

// DataSet returns the wrapped data source.
func (a *Adapter) DataSet() DataSet { return a.ds }

// Selection returns the active selection.
func (a *Adapter) Selection() Selection { return a.sel }

// Select applies sel to the data source. On failure the previous selection
// is restored.
func (a *Adapter) Select(sel Selection) error {
	nif := sel.NIF
	if nif <= 0 {
		nif = 1
	}
	if err := a.ds.Select(sel); err != nil {
		return a.rollback(fmt.Errorf("%w: %v", ErrSelection, err))
	}
	ntime, nchan, nprod := a.ds.Shape()
	if ntime == 0 || nchan == 0 || nprod == 0 {
		return a.rollback(fmt.Errorf("%w: shape (%d, %d, %d)", ErrEmptySelection, ntime, nchan, nprod))
	}
	if nchan%nif != 0 {
		return a.rollback(fmt.Errorf("%w: %d channels do not divide into %d IFs", ErrInvalidIFCount, nchan, nif))
	}
	a.sel = sel
	a.sel.NIF = nif
	a.nif = nif
	a.order = nil
	a.catalogue = nil
	a.log.Debug("selection applied", "ntime", ntime, "nchan", nchan, "nprod", nprod, "nif", nif)
	return nil
}

// narrow restricts the data source to one scan of the current selection
// without touching the cached product order.
func (a *Adapter) narrow(scan int) error {
	s := a.sel
	s.Scans = []int{scan}
	return a.ds.Select(s)
}

// restore re-applies the adapter selection after narrowing.
func (a *Adapter) restore() error { return a.ds.Select(a.sel) }

// ProductOrder returns the sorted correlation product layout of the
// selection.
func (a *Adapter) ProductOrder() (*index.ProductOrder, error) {
	if a.order != nil {
		return a.order, nil
	}
	products, err := index.ParseProducts(a.ds.CorrProducts())
	if err != nil {
		return nil, err
	}
	order, err := index.SortProducts(products)
	if err != nil {
		return nil, err
	}
	a.order = order
	return order, nil
}

// Scans lists the scans of the selection.
func (a *Adapter) Scans() []Scan { return a.ds.Scans() }

// Shape proxies the data source shape.
func (a *Adapter) Shape() (ntime, nchan, nprod int) { return a.ds.Shape() }

// Size is the selection size in bytes.
func (a *Adapter) Size() int64 {
	ntime, nchan, nprod := a.ds.Shape()
	return int64(ntime) * int64(nchan) * int64(nprod) * bytesPerSample
}

func (a *Adapter) NIF() int { return a.nif }

// NChan is the number of selected channels across all IFs.
func (a *Adapter) NChan() int {
	_, nchan, _ := a.ds.Shape()
	return nchan
}

// NChanPerIF is the number of channels in each IF.
func (a *Adapter) NChanPerIF() int { return a.NChan() / a.nif }

func (a *Adapter) NStokes() (int, error) {
	order, err := a.ProductOrder()
	if err != nil {
		return 0, err
	}
	return order.NStokes, nil
}

// FrqSel is the FORTRAN index of the selected spectral window.
func (a *Adapter) FrqSel() int { return a.ds.SPW() + 1 }

// RefFreq is the first channel frequency, not the band centre.
func (a *Adapter) RefFreq() float64 {
	freqs := a.ds.ChannelFreqs()
	if len(freqs) == 0 {
		return 0
	}
	return freqs[0]
}

// RefWave is the reference wavelength in metres.
func (a *Adapter) RefWave() float64 { return index.SpeedOfLight / a.RefFreq() }

// ChanInc is the channel increment.
func (a *Adapter) ChanInc() float64 { return a.ds.ChannelWidth() }

// Obsdat is the UTC observation date.
func (a *Adapter) Obsdat() string { return index.ObsDate(a.ds.StartTime()) }

// Midnight is UTC midnight on the observation date in unix seconds.
func (a *Adapter) Midnight() float64 {
	m, _ := index.Midnight(a.Obsdat())
	return m
}

// JDObs is the Julian date at 0h on the observation date.
func (a *Adapter) JDObs() float64 {
	jd, _ := index.JulianDate(a.Obsdat())
	return jd
}

// CaptureBlockID is the capture block of the observation, falling back to
// the first ten characters of the dataset name and then the experiment id.
func (a *Adapter) CaptureBlockID() string {
	if cb := a.ds.ObsParams()["capture_block_id"]; cb != "" {
		return cb
	}
	if name := a.ds.Name(); len(name) >= 10 {
		return name[:10]
	}
	return a.ds.ExperimentID()
}

// AIPSPath is the default path of this observation on the given disk type.
func (a *Adapter) AIPSPath(dtype string) aips.Path {
	name := a.CaptureBlockID()
	p := aips.NewPath(name)
	p.DType = dtype
	switch dtype {
	case aips.DiskFITS:
		p.Name = name + ".uvfits"
	default:
		if len(name) > 10 {
			p.Name = name[len(name)-10:]
		}
	}
	return p
}

// Descriptor derives the UV descriptor of the selection.
func (a *Adapter) Descriptor() (*aips.Descriptor, error) {
	nstokes, err := a.NStokes()
	if err != nil {
		return nil, err
	}
	stokesCrval := -5.0
	if nstokes == 1 {
		stokesCrval = 1.0
	}
	d := &aips.Descriptor{
		Object:   "MULTI",
		Teles:    Telescope,
		Instrume: Telescope,
		Observer: a.ds.Observer(),
		Origin:   origin,
		Obsdat:   a.Obsdat(),
		Date:     time.Now().UTC().Format(index.DateLayout),
		JDObs:    a.JDObs(),
		Epoch:    epoch,
		Equinox:  epoch,
		Isort:    "TB",

		Naxis:  6,
		Ctype:  []string{"COMPLEX", "STOKES", "FREQ", "IF", "RA", "DEC"},
		Inaxes: []int{3, nstokes, a.NChanPerIF(), a.nif, 1, 1},
		Cdelt:  []float64{1, -1, a.ChanInc(), 1, 0, 0},
		Crval:  []float64{1, stokesCrval, a.RefFreq(), 1, 0, 0},
		Crpix:  []float64{1, 1, 1, 1, 1, 1},
		Crota:  []float64{0, 0, 0, 0, 0, 0},

		Jlocc: 0, Jlocs: 1, Jlocf: 2, Jlocif: 3, Jlocr: 4, Jlocd: 5,
	}
	if err := d.SetRandomParameters(aips.StandardPtypes); err != nil {
		return nil, err
	}
	return d, nil
}

// AntennaTable builds the AN table, one row per antenna sorted by name.
func (a *Adapter) AntennaTable() (*aips.Table[aips.ANRow], error) {
	ants := append([]Antenna(nil), a.ds.Ants()...)
	sort.Slice(ants, func(i, j int) bool { return ants[i].Name < ants[j].Name })

	jd := a.JDObs()
	t := &aips.Table[aips.ANRow]{
		Keywords: aips.Keywords{
			"ARRNAM": Telescope,
			"FREQ":   a.RefFreq(),
			"FREQID": a.FrqSel(),
			"RDATE":  a.Obsdat(),
			"NO_IF":  a.nif,
			"GSTIA0": index.GST0(jd) * 15.0,
			"DEGPDY": index.EarthRotationRate(jd) * 360.0,
		},
	}
	for _, ant := range ants {
		nr, err := index.AIPSAntennaNumber(ant.Name)
		if err != nil {
			return nil, err
		}
		t.Rows = append(t.Rows, aips.ANRow{
			AnName:   ant.Name,
			StaBXYZ:  ant.PositionECEF,
			OrbParm:  []float64{},
			NoSta:    int32(nr),
			Diameter: float32(ant.Diameter),
			PolTyA:   "X",
			PolAA:    90,
			PolTyB:   "Y",
		})
	}
	return t, nil
}

// MaxAntennaNumber is the largest AIPS antenna number in the dataset.
func (a *Adapter) MaxAntennaNumber() (int, error) {
	highest := 0
	for _, ant := range a.ds.Ants() {
		nr, err := index.AIPSAntennaNumber(ant.Name)
		if err != nil {
			return 0, err
		}
		if nr > highest {
			highest = nr
		}
	}
	return highest, nil
}

// SpectralWindow is the selected spectral window.
func (a *Adapter) SpectralWindow() (SpectralWindow, error) {
	spws := a.ds.SpectralWindows()
	spw := a.ds.SPW()
	if spw < 0 || spw >= len(spws) {
		return SpectralWindow{}, fmt.Errorf("%w: spectral window %d of %d", ErrSelection, spw, len(spws))
	}
	return spws[spw], nil
}

// FrequencyTable builds the FQ table. Each IF covers NChanPerIF channels
// and IF FREQ holds its offset from the reference frequency.
func (a *Adapter) FrequencyTable() (*aips.Table[aips.FQRow], error) {
	spw, err := a.SpectralWindow()
	if err != nil {
		return nil, err
	}
	per := a.NChanPerIF()
	chinc := a.ChanInc()
	row := aips.FQRow{
		FrqSel:         int32(a.FrqSel()),
		IFFreq:         make([]float64, a.nif),
		ChWidth:        make([]float32, a.nif),
		TotalBandwidth: make([]float32, a.nif),
		Sideband:       make([]int32, a.nif),
		RxCode:         spw.Band,
	}
	for i := 0; i < a.nif; i++ {
		row.IFFreq[i] = float64(i*per) * chinc
		row.ChWidth[i] = float32(chinc)
		row.TotalBandwidth[i] = float32(math.Abs(chinc) * float64(per))
		row.Sideband[i] = int32(spw.Sideband)
	}
	return &aips.Table[aips.FQRow]{
		Keywords: aips.Keywords{"NO_IF": a.nif},
		Rows:     []aips.FQRow{row},
	}, nil
}

// Catalogue is the AIPS source catalogue over every dataset target. Source
// ids are 1-based positions in the dataset catalogue.
func (a *Adapter) Catalogue() []aips.SURow {
	if a.catalogue != nil {
		return a.catalogue
	}
	targets := a.ds.Catalogue()
	used := make([]string, 0, len(targets))
	rows := make([]aips.SURow, len(targets))
	for i, t := range targets {
		name := NormaliseTargetName(t.Name, used, SourceNameLen, a.log)
		used = append(used, name)

		var ra, dec, raa, deca float64
		if t.Name != "Nothing" {
			ra, dec = rad2deg(t.RA), rad2deg(t.Dec)
			raa, deca = rad2deg(t.AppRA), rad2deg(t.AppDec)
		}
		rows[i] = aips.SURow{
			ID:       int32(i + 1),
			Source:   AIPSSourceName(name),
			CalCode:  strings.Repeat(" ", 4),
			IFlux:    make([]float32, a.nif),
			QFlux:    make([]float32, a.nif),
			UFlux:    make([]float32, a.nif),
			VFlux:    make([]float32, a.nif),
			FreqOff:  make([]float64, a.nif),
			RAEpo:    ra,
			DecEpo:   dec,
			Epoch:    epoch,
			RAApp:    raa,
			DecApp:   deca,
			RAObs:    raa,
			DecObs:   deca,
			LSRVel:   make([]float64, a.nif),
			RestFreq: make([]float64, a.nif),
		}
	}
	a.catalogue = rows
	return rows
}

// Source returns the catalogue row of a dataset target index.
func (a *Adapter) Source(targetIndex int) (aips.SURow, error) {
	cat := a.Catalogue()
	if targetIndex < 0 || targetIndex >= len(cat) {
		return aips.SURow{}, fmt.Errorf("%w: target index %d outside catalogue of %d", ErrSelection, targetIndex, len(cat))
	}
	return cat[targetIndex], nil
}

// SourceTable builds the SU table from the selected targets.
func (a *Adapter) SourceTable() (*aips.Table[aips.SURow], error) {
	t := &aips.Table[aips.SURow]{
		Keywords: aips.Keywords{
			"NO_IF":  a.nif,
			"FREQID": a.FrqSel(),
			"VELDEF": "RADIO",
			"VELTYP": "LSR",
		},
	}
	for _, ti := range a.ds.TargetIndices() {
		row, err := a.Source(ti)
		if err != nil {
			return nil, err
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Tables builds the AN, FQ and SU tables of the selection.
func (a *Adapter) Tables() (aips.TableSet, error) {
	an, err := a.AntennaTable()
	if err != nil {
		return aips.TableSet{}, err
	}
	fq, err := a.FrequencyTable()
	if err != nil {
		return aips.TableSet{}, err
	}
	su, err := a.SourceTable()
	if err != nil {
		return aips.TableSet{}, err
	}
	return aips.TableSet{AN: an, FQ: fq, SU: su}, nil
}

func rad2deg(r float64) float64 { return r * 180 / math.Pi }
