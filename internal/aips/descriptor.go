package aips

import (
	"fmt"
	"strings"
)

// Descriptor describes the shape and random-parameter layout of a UV or
// image file. Axis arrays are in FORTRAN order, fastest axis first.
type Descriptor struct {
	Object   string  `json:"object"`
	Teles    string  `json:"teles"`
	Instrume string  `json:"instrume"`
	Observer string  `json:"observer"`
	Origin   string  `json:"origin"`
	Obsdat   string  `json:"obsdat"`
	Date     string  `json:"date"`
	JDObs    float64 `json:"JDObs"`
	Epoch    float64 `json:"epoch"`
	Equinox  float64 `json:"equinox"`
	Isort    string  `json:"isort"`
	Bunit    string  `json:"bunit,omitempty"`

	Naxis  int       `json:"naxis"`
	Ctype  []string  `json:"ctype"`
	Inaxes []int     `json:"inaxes"`
	Cdelt  []float64 `json:"cdelt"`
	Crval  []float64 `json:"crval"`
	Crpix  []float64 `json:"crpix"`
	Crota  []float64 `json:"crota"`

	Jlocc  int `json:"jlocc"`
	Jlocs  int `json:"jlocs"`
	Jlocf  int `json:"jlocf"`
	Jlocif int `json:"jlocif"`
	Jlocr  int `json:"jlocr"`
	Jlocd  int `json:"jlocd"`

	Nrparm int      `json:"nrparm"`
	Ptype  []string `json:"ptype"`
	Ilocu  int      `json:"ilocu"`
	Ilocv  int      `json:"ilocv"`
	Ilocw  int      `json:"ilocw"`
	Ilocb  int      `json:"ilocb"`
	Iloct  int      `json:"iloct"`
	Ilocsu int      `json:"ilocsu"`
	Ilocfq int      `json:"ilocfq"`
	Ilocit int      `json:"ilocit"`
	Ilocid int      `json:"ilocid"`
	Ilocws int      `json:"ilocws"`
	Iloca1 int      `json:"iloca1"`
	Iloca2 int      `json:"iloca2"`
	Ilocsa int      `json:"ilocsa"`

	NVis int `json:"nvis"`
}

// Random parameter types.
const (
	PtypeU        = "UU-L-SIN"
	PtypeV        = "VV-L-SIN"
	PtypeW        = "WW-L-SIN"
	PtypeBaseline = "BASELINE"
	PtypeTime     = "TIME1"
	PtypeSource   = "SOURCE"
	PtypeFreqSel  = "FREQSEL"
	PtypeIntTime  = "INTTIM"
	PtypeCorrID   = "CORR-ID"
	PtypeWeight   = "WEIGHT"
	PtypeAnt1     = "ANTENNA1"
	PtypeAnt2     = "ANTENNA2"
	PtypeSubarray = "SUBARRAY"
)

// StandardPtypes is the random-parameter layout of exported scans.
var StandardPtypes = []string{PtypeU, PtypeV, PtypeW, PtypeBaseline, PtypeTime, PtypeSource}

type rparm struct {
	ptype string
	loc   func(d *Descriptor) *int
}

var rparms = []rparm{
	{PtypeU, func(d *Descriptor) *int { return &d.Ilocu }},
	{PtypeV, func(d *Descriptor) *int { return &d.Ilocv }},
	{PtypeW, func(d *Descriptor) *int { return &d.Ilocw }},
	{PtypeBaseline, func(d *Descriptor) *int { return &d.Ilocb }},
	{PtypeTime, func(d *Descriptor) *int { return &d.Iloct }},
	{PtypeSource, func(d *Descriptor) *int { return &d.Ilocsu }},
	{PtypeFreqSel, func(d *Descriptor) *int { return &d.Ilocfq }},
	{PtypeIntTime, func(d *Descriptor) *int { return &d.Ilocit }},
	{PtypeCorrID, func(d *Descriptor) *int { return &d.Ilocid }},
	{PtypeWeight, func(d *Descriptor) *int { return &d.Ilocws }},
	{PtypeAnt1, func(d *Descriptor) *int { return &d.Iloca1 }},
	{PtypeAnt2, func(d *Descriptor) *int { return &d.Iloca2 }},
	{PtypeSubarray, func(d *Descriptor) *int { return &d.Ilocsa }},
}

func samePtype(a, b string) bool {
	// UU-L, UU-L-SIN and UU---SIN all name U.
	if len(a) >= 3 && len(b) >= 3 && (a[:3] == "UU-" || a[:3] == "VV-" || a[:3] == "WW-") {
		return a[:3] == b[:3]
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// SetRandomParameters lays out the given random parameters in order and
// marks every other known parameter absent (-1).
func (d *Descriptor) SetRandomParameters(ptypes []string) error {
	for _, rp := range rparms {
		*rp.loc(d) = -1
	}
	for i, pt := range ptypes {
		found := false
		for _, rp := range rparms {
			if samePtype(rp.ptype, pt) {
				*rp.loc(d) = i
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: unknown random parameter '%s'", ErrInvalidDescriptor, pt)
		}
	}
	d.Ptype = append([]string(nil), ptypes...)
	d.Nrparm = len(ptypes)
	return nil
}

// VisSize is the number of floats in one visibility payload.
func (d *Descriptor) VisSize() int {
	n := 1
	for i := 0; i < d.Naxis && i < len(d.Inaxes); i++ {
		n *= d.Inaxes[i]
	}
	return n
}

// Lrec is the number of floats in one record.
func (d *Descriptor) Lrec() int { return d.Nrparm + d.VisSize() }

func (d *Descriptor) axis(j int) int {
	if j < 0 || j >= len(d.Inaxes) {
		return 1
	}
	return d.Inaxes[j]
}

// NStokes, NChan and NIF read the axis sizes. NChan is per IF.
func (d *Descriptor) NStokes() int { return d.axis(d.Jlocs) }
func (d *Descriptor) NChan() int   { return d.axis(d.Jlocf) }
func (d *Descriptor) NIF() int     { return d.axis(d.Jlocif) }

// RefFreq is the reference value of the frequency axis.
func (d *Descriptor) RefFreq() float64 {
	if d.Jlocf < 0 || d.Jlocf >= len(d.Crval) {
		return 0
	}
	return d.Crval[d.Jlocf]
}

// Validate checks axis array lengths and random parameter offsets.
func (d *Descriptor) Validate() error {
	if d.Naxis <= 0 {
		return fmt.Errorf("%w: naxis=%d", ErrInvalidDescriptor, d.Naxis)
	}
	for name, n := range map[string]int{
		"inaxes": len(d.Inaxes), "ctype": len(d.Ctype), "cdelt": len(d.Cdelt),
		"crval": len(d.Crval), "crpix": len(d.Crpix), "crota": len(d.Crota),
	} {
		if n < d.Naxis {
			return fmt.Errorf("%w: %s has %d elements, naxis=%d", ErrInvalidDescriptor, name, n, d.Naxis)
		}
	}
	for i := 0; i < d.Naxis; i++ {
		if d.Inaxes[i] < 1 {
			return fmt.Errorf("%w: inaxes[%d]=%d", ErrInvalidDescriptor, i, d.Inaxes[i])
		}
	}
	if d.Nrparm != len(d.Ptype) {
		return fmt.Errorf("%w: nrparm=%d but %d ptypes", ErrInvalidDescriptor, d.Nrparm, len(d.Ptype))
	}
	for _, rp := range rparms {
		if loc := *rp.loc(d); loc >= d.Nrparm || loc < -1 {
			return fmt.Errorf("%w: %s offset %d outside [0, %d)", ErrInvalidDescriptor, rp.ptype, loc, d.Nrparm)
		}
	}
	return nil
}

// Clone returns a deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	c.Ctype = append([]string(nil), d.Ctype...)
	c.Inaxes = append([]int(nil), d.Inaxes...)
	c.Cdelt = append([]float64(nil), d.Cdelt...)
	c.Crval = append([]float64(nil), d.Crval...)
	c.Crpix = append([]float64(nil), d.Crpix...)
	c.Crota = append([]float64(nil), d.Crota...)
	c.Ptype = append([]string(nil), d.Ptype...)
	return &c
}

// MergeKeys are the descriptor fields that must agree between a merge
// file and every file merged into it.
var MergeKeys = []string{
	"inaxes", "cdelt", "crval", "naxis", "crota", "crpix",
	"ilocu", "ilocv", "ilocw", "ilocb", "iloct", "ilocsu",
	"jlocc", "jlocs", "jlocf", "jlocif", "jlocr", "jlocd",
}

func (d *Descriptor) field(key string) any {
	switch key {
	case "inaxes":
		return d.Inaxes
	case "cdelt":
		return d.Cdelt
	case "crval":
		return d.Crval
	case "naxis":
		return d.Naxis
	case "crota":
		return d.Crota
	case "crpix":
		return d.Crpix
	case "ilocu":
		return d.Ilocu
	case "ilocv":
		return d.Ilocv
	case "ilocw":
		return d.Ilocw
	case "ilocb":
		return d.Ilocb
	case "iloct":
		return d.Iloct
	case "ilocsu":
		return d.Ilocsu
	case "jlocc":
		return d.Jlocc
	case "jlocs":
		return d.Jlocs
	case "jlocf":
		return d.Jlocf
	case "jlocif":
		return d.Jlocif
	case "jlocr":
		return d.Jlocr
	case "jlocd":
		return d.Jlocd
	}
	return nil
}

// MergeView renders the MergeKeys fields one per line.
func (d *Descriptor) MergeView() []string {
	lines := make([]string, len(MergeKeys))
	for i, k := range MergeKeys {
		lines[i] = fmt.Sprintf("%s = %v\n", k, d.field(k))
	}
	return lines
}

// RandomParams are the per-record random parameter values.
type RandomParams struct {
	U, V, W  float64
	Time     float64
	Baseline float32
	Source   int
	IntTime  float32
}

// PutRandomParams writes rp into rec at the descriptor offsets. Absent
// parameters are skipped.
func (d *Descriptor) PutRandomParams(rec []float32, rp RandomParams) {
	put := func(loc int, v float32) {
		if loc >= 0 {
			rec[loc] = v
		}
	}
	put(d.Ilocu, float32(rp.U))
	put(d.Ilocv, float32(rp.V))
	put(d.Ilocw, float32(rp.W))
	put(d.Iloct, float32(rp.Time))
	put(d.Ilocb, rp.Baseline)
	put(d.Ilocsu, float32(rp.Source))
	put(d.Ilocit, rp.IntTime)
}

// GetRandomParams reads the random parameters of rec.
func (d *Descriptor) GetRandomParams(rec []float32) RandomParams {
	get := func(loc int) float32 {
		if loc >= 0 {
			return rec[loc]
		}
		return 0
	}
	return RandomParams{
		U:        float64(get(d.Ilocu)),
		V:        float64(get(d.Ilocv)),
		W:        float64(get(d.Ilocw)),
		Time:     float64(get(d.Iloct)),
		Baseline: get(d.Ilocb),
		Source:   int(get(d.Ilocsu)),
		IntTime:  get(d.Ilocit),
	}
}
