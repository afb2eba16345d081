// Package merge exports a selection scan by scan, baseline averages each
// scan with the imaging engine and stitches the averaged scans into one
// merge file.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/diag"
	"github.com/mothergoose31/contim/internal/katdal"
	"github.com/mothergoose31/contim/internal/obit"
	"github.com/mothergoose31/contim/internal/uvexport"
)

var (
	ErrIncompatibleMerge = errors.New("merge and averaged UV files are incompatible")
	ErrInvalidClobber    = errors.New("invalid clobber")
)

func init() {
	diag.Register(diag.CodeInvalid, ErrIncompatibleMerge, ErrInvalidClobber)
}

// State is the coordinator's position in the merge lifecycle.
type State int

const (
	NoMergeFile State = iota
	MergeFileCreated
	ScanAppended
	MergeClosed
)

func (s State) String() string {
	switch s {
	case NoMergeFile:
		return "no merge file"
	case MergeFileCreated:
		return "merge file created"
	case ScanAppended:
		return "scan appended"
	case MergeClosed:
		return "merge closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Classes of the intermediate files.
const (
	ScanClass  = "raw"
	BlAvgClass = "uvav"
	MergeClass = "merge"
)

// Config controls a merge run.
type Config struct {
	NVisPIO int
	Chunks  katdal.Options
	// MergeScans merges the raw scan files without baseline averaging.
	MergeScans  bool
	Clobber     Clobber
	BlAvgParams map[string]any
	PrtLv       int
}

// Coordinator owns the merge file from creation until Close.
type Coordinator struct {
	cfg  Config
	eng  *obit.Context
	a    *katdal.Adapter
	path aips.Path
	log  *slog.Logger

	state    State
	merge    *aips.UVFile
	firstVis int
	nx       []aips.NXRow
	total    int
}

// New returns a coordinator that merges into path.
func New(eng *obit.Context, a *katdal.Adapter, path aips.Path, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.NVisPIO <= 0 {
		cfg.NVisPIO = aips.DefaultNVisPIO
	}
	if cfg.Clobber == nil {
		cfg.Clobber = DefaultClobber()
	}
	return &Coordinator{
		cfg:      cfg,
		eng:      eng,
		a:        a,
		path:     path,
		log:      diag.OrDiscard(log).With("comp", "merge"),
		firstVis: 1,
	}
}

func (c *Coordinator) State() State    { return c.state }
func (c *Coordinator) Path() aips.Path { return c.path }

// Run exports, averages and merges every selected scan, then closes the
// merge file. It returns the number of merged visibilities.
func (c *Coordinator) Run(ctx context.Context) (n int, err error) {
	t := diag.Start(c.log, "merge", "merging scans", "path", c.path.String())
	defer func() {
		if err != nil {
			c.abort()
			t.Fail("merge failed", err)
			return
		}
		t.Finish("merged", int64(n))
	}()

	desc, err := c.a.Descriptor()
	if err != nil {
		return 0, err
	}
	tables, err := c.a.Tables()
	if err != nil {
		return 0, err
	}
	for _, scan := range c.a.Scans() {
		if err := c.AddScan(ctx, scan, desc, tables); err != nil {
			return 0, err
		}
	}
	return c.Close()
}

// AddScan exports one scan with the global descriptor and tables, averages
// it and appends it to the merge file.
func (c *Coordinator) AddScan(ctx context.Context, scan katdal.Scan, desc *aips.Descriptor, tables aips.TableSet) (err error) {
	if c.state == MergeClosed {
		return fmt.Errorf("cannot add scan %d: %s", scan.Index, c.state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cat := c.eng.Catalogue()
	scanPath := c.path.WithClass(ScanClass).WithSeq(scan.Index)

	source := ""
	if row, err := c.a.Source(scan.TargetIndex); err == nil {
		source = strings.TrimSpace(row.Source)
	}

	c.log.Info(fmt.Sprintf("Creating '%s'", scanPath))
	uvf, err := cat.CreateUV(scanPath, desc, c.cfg.NVisPIO)
	if err != nil {
		return err
	}
	if err := uvf.WriteTables(tables); err != nil {
		uvf.Zap()
		return err
	}
	opts := c.cfg.Chunks
	opts.Scans = []int{scan.Index}
	if _, err := uvexport.Export(ctx, c.a, uvf, uvexport.Options{Chunks: opts, Log: c.log}); err != nil {
		uvf.Zap()
		return err
	}
	if err := uvf.Close(); err != nil {
		return err
	}

	scanUV, err := cat.OpenUV(scanPath, c.cfg.NVisPIO)
	if err != nil {
		return err
	}
	defer c.release(scanUV, ClobberScans, &err)

	nx, err := aips.ReadTable[aips.NXRow](scanUV, 0)
	if err != nil {
		return err
	}
	switch len(nx.Rows) {
	case 0:
		c.log.Warn(fmt.Sprintf("No visibilities to merge for scan %d", scan.Index))
		return nil
	case 1:
	default:
		return fmt.Errorf("scan file %s has %d index rows, want 1", scanPath, len(nx.Rows))
	}
	row := nx.Rows[0]
	scanNVis, err := scanUV.NVisFromNX()
	if err != nil {
		return err
	}

	blavg := scanUV
	if !c.cfg.MergeScans {
		var blavgPath aips.Path
		if blavgPath, err = c.baselineAverage(ctx, scanPath); err != nil {
			return err
		}
		if blavg, err = cat.OpenUV(blavgPath, c.cfg.NVisPIO); err != nil {
			return err
		}
		defer c.release(blavg, ClobberAvgScans, &err)
	}

	if err := c.ensureMergeFile(blavg, tables); err != nil {
		return err
	}
	if err := Validate(c.merge, blavg); err != nil {
		return err
	}

	blavgNVis, err := blavg.NVisFromNX()
	if err != nil {
		return err
	}
	if !c.cfg.MergeScans {
		msg := fmt.Sprintf("Scan %d '%s' averaged %d to %d visiblities. UVBlAvg(%s)",
			scan.Index, source, scanNVis, blavgNVis, diag.FmtParams(c.cfg.BlAvgParams))
		c.log.Info(msg)
		if err := c.merge.AppendHistory(msg); err != nil {
			return err
		}
	}
	if blavgNVis == 0 {
		c.log.Warn(fmt.Sprintf("No visibilities to merge for scan %d", scan.Index))
		return nil
	}
	c.log.Info(fmt.Sprintf("Merging '%s' into '%s'", blavg.Path(), c.path))
	if err := c.copyScan(blavg, blavgNVis, row); err != nil {
		return err
	}
	c.total += blavgNVis
	c.state = ScanAppended
	return nil
}

// release zaps f when kind is clobbered and closes it otherwise.
func (c *Coordinator) release(f *aips.UVFile, kind string, errp *error) {
	var err error
	if c.cfg.Clobber.Has(kind) {
		c.log.Info(fmt.Sprintf("Zapping '%s'", f.Path()))
		err = f.Zap()
	} else {
		err = f.Close()
	}
	if err != nil && *errp == nil {
		*errp = err
	}
}

// baselineAverage runs UVBlAvg on scanPath and returns the averaged path.
func (c *Coordinator) baselineAverage(ctx context.Context, scanPath aips.Path) (aips.Path, error) {
	out := scanPath.WithClass(BlAvgClass)
	kwargs := scanPath.TaskInputKwargs()
	maps.Copy(kwargs, out.TaskOutputKwargs())
	kwargs["prtLv"] = c.cfg.PrtLv
	maps.Copy(kwargs, c.cfg.BlAvgParams)

	c.log.Info(fmt.Sprintf("Time-dependent baseline averaging '%s' to '%s'", scanPath, out))
	if err := c.eng.Run(ctx, "UVBlAvg", kwargs); err != nil {
		if c.cfg.Clobber.Has(ClobberAvgScans) {
			c.eng.Catalogue().Zap(out)
		}
		return out, err
	}
	return out, nil
}

// ensureMergeFile creates the merge file from the first averaged scan. The
// averaged descriptor and FQ table condition it since channel averaging
// changes both.
func (c *Coordinator) ensureMergeFile(blavg *aips.UVFile, global aips.TableSet) error {
	if c.merge != nil {
		return nil
	}
	fq, err := aips.ReadTable[aips.FQRow](blavg, 0)
	if err != nil {
		return err
	}
	c.log.Info(fmt.Sprintf("Creating '%s'", c.path))
	merge, err := c.eng.Catalogue().CreateUV(c.path, blavg.Desc(), c.cfg.NVisPIO)
	if err != nil {
		return err
	}
	fq.Version = 0
	if err := merge.WriteTables(aips.TableSet{AN: global.AN, FQ: fq, SU: global.SU}); err != nil {
		merge.Close()
		return err
	}
	if err := uvexport.ObservationHistory(c.a, merge); err != nil {
		merge.Close()
		return err
	}
	if err := uvexport.SelectionHistory(c.a.Selection(), merge); err != nil {
		merge.Close()
		return err
	}
	c.merge = merge
	c.state = MergeFileCreated
	return nil
}

// copyScan copies nvis records of blavg to the end of the merge file in
// batches of nvispio and records the scan's index row in merge
// coordinates.
func (c *Coordinator) copyScan(blavg *aips.UVFile, nvis int, row aips.NXRow) error {
	row.StartVis = int32(c.firstVis)
	lrec := blavg.Desc().Lrec()
	for first := 1; first <= nvis; first += c.cfg.NVisPIO {
		n := min(c.cfg.NVisPIO, nvis-first+1)
		if err := blavg.Read(first, n); err != nil {
			return err
		}
		copy(c.merge.VisBuf()[:n*lrec], blavg.VisBuf()[:n*lrec])
		if err := c.merge.Write(c.firstVis, n); err != nil {
			return err
		}
		c.firstVis += n
	}
	row.EndVis = int32(c.firstVis - 1)
	c.nx = append(c.nx, row)
	return nil
}

// Close writes the index table once, attaches a unity CL table and closes
// the merge file. It returns the number of merged visibilities.
func (c *Coordinator) Close() (int, error) {
	if c.state == MergeClosed {
		return c.total, nil
	}
	if c.total == 0 {
		c.log.Error(fmt.Sprintf("Final merged file '%s' has ZERO averaged visibilities", c.path))
	}
	if c.merge == nil {
		c.state = MergeClosed
		return 0, nil
	}
	if err := aips.WriteTable(c.merge, &aips.Table[aips.NXRow]{Rows: c.nx}); err != nil {
		return 0, err
	}
	maxAnt, err := c.a.MaxAntennaNumber()
	if err != nil {
		return 0, err
	}
	if err := aips.AttachCLFromNX(c.merge, maxAnt); err != nil {
		return 0, err
	}
	if err := c.merge.Close(); err != nil {
		return 0, err
	}
	c.state = MergeClosed
	return c.total, nil
}

// abort releases the merge file after a failure. A clobbered merge file is
// removed.
func (c *Coordinator) abort() {
	if c.merge == nil || c.state == MergeClosed {
		return
	}
	if c.cfg.Clobber.Has(ClobberMerge) {
		c.merge.Zap()
	} else {
		c.merge.Close()
	}
	c.state = MergeClosed
}
