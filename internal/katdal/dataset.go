// Package katdal adapts a correlator dataset to AIPS conventions: it owns
// the selection, derives UV descriptors and tables from it and streams
// scans as time chunks of AIPS ordered visibilities.
package katdal

import (
	"errors"

	"github.com/mothergoose31/contim/internal/diag"
)

var (
	ErrInvalidIFCount = errors.New("invalid IF count")
	ErrEmptySelection = errors.New("selection produced an empty dataset")
	ErrSelection      = errors.New("invalid selection")
)

func init() {
	diag.Register(diag.CodeInvalid, ErrInvalidIFCount, ErrEmptySelection, ErrSelection)
}

// Antenna is a dish in the dataset.
type Antenna struct {
	Name         string
	PositionECEF [3]float64
	Diameter     float64
}

// Target is a catalogue entry. Positions are J2000 radians.
type Target struct {
	Name        string
	Description string
	RA, Dec     float64
	AppRA       float64
	AppDec      float64
}

// SpectralWindow describes the observed band.
type SpectralWindow struct {
	CentreFreq   float64
	ChannelWidth float64
	NumChans     int
	Band         string
	Sideband     int
}

// Bandwidth is the total width of the window.
func (s SpectralWindow) Bandwidth() float64 {
	bw := s.ChannelWidth * float64(s.NumChans)
	if bw < 0 {
		return -bw
	}
	return bw
}

// Scan is one entry of the dataset's scan list.
type Scan struct {
	Index       int
	State       string
	TargetIndex int
}

// Selection restricts the dataset. Empty fields select everything.
type Selection struct {
	Scans    []int    `yaml:"scans,omitempty" json:"scans,omitempty"`
	States   []string `yaml:"states,omitempty" json:"states,omitempty"`
	Targets  []string `yaml:"targets,omitempty" json:"targets,omitempty"`
	Pol      []string `yaml:"pol,omitempty" json:"pol,omitempty"`
	Channels []int    `yaml:"channels,omitempty" json:"channels,omitempty"`
	NIF      int      `yaml:"nif,omitempty" json:"nif,omitempty"`
}

// DataSet is the correlator data source. Array accessors cover the time
// range [t0, t1) of the current selection and are laid out (time, channel,
// product), or (time, product) for UVW in metres.
type DataSet interface {
	Name() string
	ExperimentID() string
	Observer() string
	Description() string
	StartTime() float64
	DumpPeriod() float64
	ObsParams() map[string]string

	Ants() []Antenna
	CorrProducts() [][2]string
	ChannelFreqs() []float64
	ChannelWidth() float64
	SPW() int
	SpectralWindows() []SpectralWindow
	Catalogue() []Target
	TargetIndices() []int
	Scans() []Scan

	// Select replaces the current selection.
	Select(sel Selection) error
	Timestamps() []float64
	Shape() (ntime, nchan, nprod int)

	Vis(t0, t1 int) ([]complex64, error)
	Weights(t0, t1 int) ([]float32, error)
	Flags(t0, t1 int) ([]bool, error)
	UVW(t0, t1 int) (u, v, w []float64, err error)
}
