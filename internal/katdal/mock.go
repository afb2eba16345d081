package katdal

import (
	"fmt"
	"math"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// MockTarget is a target of a synthetic dataset. Positions are degrees.
type MockTarget struct {
	Name string  `yaml:"name"`
	RA   float64 `yaml:"ra"`
	Dec  float64 `yaml:"dec"`
}

// MockScan is a scan of a synthetic dataset.
type MockScan struct {
	State  string `yaml:"state"`
	Target int    `yaml:"target"`
	Dumps  int    `yaml:"dumps"`
}

// MockConfig describes a synthetic dataset.
type MockConfig struct {
	Name         string            `yaml:"name"`
	ExperimentID string            `yaml:"experiment_id"`
	Observer     string            `yaml:"observer"`
	Description  string            `yaml:"description"`
	StartTime    float64           `yaml:"start_time"`
	DumpPeriod   float64           `yaml:"dump_period"`
	Antennas     []string          `yaml:"antennas"`
	Pols         []string          `yaml:"pols"`
	Channels     int               `yaml:"channels"`
	CentreFreq   float64           `yaml:"centre_freq"`
	Bandwidth    float64           `yaml:"bandwidth"`
	Band         string            `yaml:"band"`
	Targets      []MockTarget      `yaml:"targets"`
	Scans        []MockScan        `yaml:"scans"`
	ObsParams    map[string]string `yaml:"obs_params"`
}

// DefaultMockConfig is a small L-band observation: five targets, ten scans
// alternating slew and track, four antennas with h and v feeds.
func DefaultMockConfig() MockConfig {
	cfg := MockConfig{
		Name:         "1527016443_sdp_l0",
		ExperimentID: "20180522-0001",
		Observer:     "ghost",
		Description:  "synthetic continuum observation",
		StartTime:    1527016443,
		DumpPeriod:   8,
		Antennas:     []string{"m000", "m001", "m002", "m003"},
		Pols:         []string{"h", "v"},
		Channels:     16,
		CentreFreq:   1284e6,
		Bandwidth:    856e6,
		Band:         "L",
		Targets: []MockTarget{
			{Name: "PKS 1934-63", RA: 294.8542, Dec: -63.7127},
			{Name: "0408-65", RA: 62.0849, Dec: -65.7525},
			{Name: "3C 286", RA: 202.7845, Dec: 30.5092},
			{Name: "3C/286", RA: 202.7845, Dec: 30.5092},
			{Name: "Nothing"},
		},
		ObsParams: map[string]string{"capture_block_id": "1527016443"},
	}
	for i := 0; i < 10; i++ {
		scan := MockScan{State: "slew", Target: (i / 2) % 4, Dumps: 2}
		if i%2 == 1 {
			scan.State = "track"
			scan.Dumps = 5
		}
		cfg.Scans = append(cfg.Scans, scan)
	}
	return cfg
}

// LoadMockConfig reads a YAML description of a synthetic dataset.
func LoadMockConfig(path string) (MockConfig, error) {
	cfg := DefaultMockConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read mock dataset %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse mock dataset %s: %w", path, err)
	}
	return cfg, nil
}

// MockDataSet is a deterministic in-memory DataSet. The visibility of
// dump d, channel c and correlation product p is complex(d, c*1000+p)
// with weight 1+p/100, and dumps with d%7 == 3 are flagged in channel 0.
// Indices are absolute, before selection.
type MockDataSet struct {
	cfg      MockConfig
	products [][2]string
	// dump range [start, end) of each scan
	scanDumps [][2]int

	sel      Selection
	scans    []int
	dumps    []int
	channels []int
	prods    []int
}

// NewMockDataSet builds a dataset from cfg with everything selected.
func NewMockDataSet(cfg MockConfig) *MockDataSet {
	m := &MockDataSet{cfg: cfg}
	// Products run polarisation pair major so the AIPS order has to be
	// recovered by sorting.
	for _, p1 := range cfg.Pols {
		for _, p2 := range cfg.Pols {
			for i, a1 := range cfg.Antennas {
				for _, a2 := range cfg.Antennas[i:] {
					m.products = append(m.products, [2]string{a1 + p1, a2 + p2})
				}
			}
		}
	}
	start := 0
	for _, s := range cfg.Scans {
		m.scanDumps = append(m.scanDumps, [2]int{start, start + s.Dumps})
		start += s.Dumps
	}
	m.Select(Selection{})
	return m
}

func (m *MockDataSet) Name() string                 { return m.cfg.Name }
func (m *MockDataSet) ExperimentID() string         { return m.cfg.ExperimentID }
func (m *MockDataSet) Observer() string             { return m.cfg.Observer }
func (m *MockDataSet) Description() string          { return m.cfg.Description }
func (m *MockDataSet) StartTime() float64           { return m.cfg.StartTime }
func (m *MockDataSet) DumpPeriod() float64          { return m.cfg.DumpPeriod }
func (m *MockDataSet) ObsParams() map[string]string { return m.cfg.ObsParams }
func (m *MockDataSet) SPW() int                     { return 0 }

func (m *MockDataSet) channelWidth() float64 {
	return m.cfg.Bandwidth / float64(m.cfg.Channels)
}

func (m *MockDataSet) channelFreq(c int) float64 {
	return m.cfg.CentreFreq - m.cfg.Bandwidth/2 + float64(c)*m.channelWidth()
}

func (m *MockDataSet) ChannelWidth() float64 { return m.channelWidth() }

func (m *MockDataSet) ChannelFreqs() []float64 {
	freqs := make([]float64, len(m.channels))
	for i, c := range m.channels {
		freqs[i] = m.channelFreq(c)
	}
	return freqs
}

func (m *MockDataSet) SpectralWindows() []SpectralWindow {
	return []SpectralWindow{{
		CentreFreq:   m.cfg.CentreFreq,
		ChannelWidth: m.channelWidth(),
		NumChans:     m.cfg.Channels,
		Band:         m.cfg.Band,
		Sideband:     1,
	}}
}

func (m *MockDataSet) antennaPosition(i int) [3]float64 {
	return [3]float64{
		5109224.0 + 120*float64(i),
		2006790.0 - 45*float64(i*i),
		-3239100.0 + 30*float64(i),
	}
}

func (m *MockDataSet) Ants() []Antenna {
	ants := make([]Antenna, len(m.cfg.Antennas))
	// Reverse order so consumers have to sort.
	for i, name := range m.cfg.Antennas {
		ants[len(ants)-1-i] = Antenna{Name: name, PositionECEF: m.antennaPosition(i), Diameter: 13.5}
	}
	return ants
}

func (m *MockDataSet) CorrProducts() [][2]string {
	out := make([][2]string, len(m.prods))
	for i, p := range m.prods {
		out[i] = m.products[p]
	}
	return out
}

func (m *MockDataSet) Catalogue() []Target {
	targets := make([]Target, len(m.cfg.Targets))
	for i, t := range m.cfg.Targets {
		ra, dec := t.RA*math.Pi/180, t.Dec*math.Pi/180
		targets[i] = Target{
			Name: t.Name, Description: t.Name + ", radec",
			RA: ra, Dec: dec,
			AppRA: ra + 1e-3, AppDec: dec - 1e-3,
		}
	}
	return targets
}

func (m *MockDataSet) TargetIndices() []int {
	var out []int
	for _, si := range m.scans {
		ti := m.cfg.Scans[si].Target
		if !slices.Contains(out, ti) {
			out = append(out, ti)
		}
	}
	slices.Sort(out)
	return out
}

func (m *MockDataSet) Scans() []Scan {
	out := make([]Scan, len(m.scans))
	for i, si := range m.scans {
		out[i] = Scan{Index: si, State: m.cfg.Scans[si].State, TargetIndex: m.cfg.Scans[si].Target}
	}
	return out
}

// Select filters scans by index, state and target name, channels by index
// and products by polarisation pair ("hh", "hv", ...).
func (m *MockDataSet) Select(sel Selection) error {
	var scans, dumps []int
	for si, s := range m.cfg.Scans {
		if len(sel.Scans) > 0 && !slices.Contains(sel.Scans, si) {
			continue
		}
		if len(sel.States) > 0 && !slices.Contains(sel.States, s.State) {
			continue
		}
		if len(sel.Targets) > 0 && (s.Target >= len(m.cfg.Targets) || !slices.Contains(sel.Targets, m.cfg.Targets[s.Target].Name)) {
			continue
		}
		scans = append(scans, si)
		for d := m.scanDumps[si][0]; d < m.scanDumps[si][1]; d++ {
			dumps = append(dumps, d)
		}
	}

	var channels []int
	if len(sel.Channels) == 0 {
		for c := 0; c < m.cfg.Channels; c++ {
			channels = append(channels, c)
		}
	} else {
		for _, c := range sel.Channels {
			if c < 0 || c >= m.cfg.Channels {
				return fmt.Errorf("channel %d outside [0, %d)", c, m.cfg.Channels)
			}
			channels = append(channels, c)
		}
	}

	var prods []int
	for p, pair := range m.products {
		pol := pair[0][len(pair[0])-1:] + pair[1][len(pair[1])-1:]
		if len(sel.Pol) > 0 && !slices.Contains(sel.Pol, pol) {
			continue
		}
		prods = append(prods, p)
	}

	m.sel = sel
	m.scans, m.dumps, m.channels, m.prods = scans, dumps, channels, prods
	return nil
}

func (m *MockDataSet) Timestamps() []float64 {
	ts := make([]float64, len(m.dumps))
	for i, d := range m.dumps {
		ts[i] = m.cfg.StartTime + (float64(d)+0.5)*m.cfg.DumpPeriod
	}
	return ts
}

func (m *MockDataSet) Shape() (ntime, nchan, nprod int) {
	return len(m.dumps), len(m.channels), len(m.prods)
}

func (m *MockDataSet) checkRange(t0, t1 int) error {
	if t0 < 0 || t1 > len(m.dumps) || t0 > t1 {
		return fmt.Errorf("time range [%d, %d) outside [0, %d)", t0, t1, len(m.dumps))
	}
	return nil
}

// MockVis is the visibility the mock dataset holds for absolute indices.
func MockVis(dump, channel, product int) complex64 {
	return complex(float32(dump), float32(channel*1000+product))
}

// MockWeight is the weight of an absolute product index.
func MockWeight(product int) float32 { return 1 + float32(product)/100 }

// MockFlag reports whether a sample is flagged.
func MockFlag(dump, channel int) bool { return dump%7 == 3 && channel == 0 }

func (m *MockDataSet) each(t0, t1 int, fn func(i, d, c, p int)) error {
	if err := m.checkRange(t0, t1); err != nil {
		return err
	}
	i := 0
	for _, d := range m.dumps[t0:t1] {
		for _, c := range m.channels {
			for _, p := range m.prods {
				fn(i, d, c, p)
				i++
			}
		}
	}
	return nil
}

func (m *MockDataSet) size(t0, t1 int) int {
	return (t1 - t0) * len(m.channels) * len(m.prods)
}

func (m *MockDataSet) Vis(t0, t1 int) ([]complex64, error) {
	if err := m.checkRange(t0, t1); err != nil {
		return nil, err
	}
	out := make([]complex64, m.size(t0, t1))
	err := m.each(t0, t1, func(i, d, c, p int) { out[i] = MockVis(d, c, p) })
	return out, err
}

func (m *MockDataSet) Weights(t0, t1 int) ([]float32, error) {
	if err := m.checkRange(t0, t1); err != nil {
		return nil, err
	}
	out := make([]float32, m.size(t0, t1))
	err := m.each(t0, t1, func(i, d, c, p int) { out[i] = MockWeight(p) })
	return out, err
}

func (m *MockDataSet) Flags(t0, t1 int) ([]bool, error) {
	if err := m.checkRange(t0, t1); err != nil {
		return nil, err
	}
	out := make([]bool, m.size(t0, t1))
	err := m.each(t0, t1, func(i, d, c, p int) { out[i] = MockFlag(d, c) })
	return out, err
}

// UVW rotates each baseline vector about the pole by the sidereal angle
// since the start of the observation.
func (m *MockDataSet) UVW(t0, t1 int) (u, v, w []float64, err error) {
	if err := m.checkRange(t0, t1); err != nil {
		return nil, nil, nil, err
	}
	antIndex := make(map[string]int, len(m.cfg.Antennas))
	for i, a := range m.cfg.Antennas {
		antIndex[a] = i
	}
	n := (t1 - t0) * len(m.prods)
	u, v, w = make([]float64, n), make([]float64, n), make([]float64, n)
	ts := m.Timestamps()
	i := 0
	for t := t0; t < t1; t++ {
		theta := 2 * math.Pi * (ts[t] - m.cfg.StartTime) / 86164.0905
		sin, cos := math.Sincos(theta)
		for _, p := range m.prods {
			pair := m.products[p]
			p1 := m.antennaPosition(antIndex[pair[0][:len(pair[0])-1]])
			p2 := m.antennaPosition(antIndex[pair[1][:len(pair[1])-1]])
			bx, by, bz := p2[0]-p1[0], p2[1]-p1[1], p2[2]-p1[2]
			u[i] = bx*cos - by*sin
			v[i] = bx*sin + by*cos
			w[i] = bz
			i++
		}
	}
	return u, v, w, nil
}
