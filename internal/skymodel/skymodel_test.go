package skymodel

import (
	"errors"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/mothergoose31/contim/internal/aips"
)

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Abs(b))
}

func TestFitRecoversSecondOrder(t *testing.T) {
	const nu0, s0, alpha, beta = 1.284e9, 2.0, -0.7, 0.1
	gen := func(nu float64) float64 {
		l := math.Log(nu / nu0)
		return s0 * math.Exp(alpha*l+beta*l*l)
	}
	var nu, s, sigma []float64
	for f := 0.9e9; f <= 1.7e9; f += 0.1e9 {
		nu = append(nu, f)
		s = append(s, gen(f))
		sigma = append(sigma, 0.01)
	}

	f := &Fitter{}
	m, order := f.Fit(nu, s, sigma, nu0, s0, 2)
	if order != 2 {
		t.Fatalf("order = %d, want 2", order)
	}
	for _, freq := range []float64{0.95e9, 1.284e9, 1.65e9} {
		if got, want := m.Flux(freq), gen(freq); !near(got, want, 1e-6) {
			t.Errorf("Flux(%g) = %g, want %g", freq, got, want)
		}
	}
	if !near(m.A2, beta*math.Ln10, 1e-6) {
		t.Errorf("A2 = %g, want %g", m.A2, beta*math.Ln10)
	}
}

func TestFitFallsBackToWeightedMean(t *testing.T) {
	f := &Fitter{MaxIter: 1}
	m, order := f.Fit([]float64{1e9, 1.1e9, 1.2e9}, []float64{1, 2, 3}, []float64{1, 1, 1}, 1e9, 100, 2)
	if order != -1 {
		t.Fatalf("order = %d, want -1", order)
	}
	want := FluxModel{A0: math.Log10(2)}
	if !near(m.A0, want.A0, 1e-12) || m.A1 != 0 || m.A2 != 0 {
		t.Fatalf("model = %+v, want %+v", m, want)
	}
}

func TestFitTooFewPlanesLowersOrder(t *testing.T) {
	f := &Fitter{}
	nu := []float64{1e9, 1.6e9}
	s := []float64{2, 2 * math.Exp(-0.5*math.Log(1.6))}
	_, order := f.Fit(nu, s, []float64{0.01, 0.01}, 1e9, 2, 2)
	if order != 1 {
		t.Fatalf("order = %d, want 1", order)
	}
}

func TestPlaneToSphere(t *testing.T) {
	ra0, dec0 := 1.2, -0.6
	for _, proj := range []string{"SIN", "TAN", "ARC", "STG"} {
		ra, dec, err := PlaneToSphere(proj, ra0, dec0, 0, 0)
		if err != nil {
			t.Fatalf("%s: %v", proj, err)
		}
		if !near(ra, ra0, 1e-12) || !near(dec, dec0, 1e-12) {
			t.Errorf("%s origin = (%g, %g), want (%g, %g)", proj, ra, dec, ra0, dec0)
		}
	}

	// Along the equator TAN offsets are tangents of the RA offset.
	ra, dec, err := PlaneToSphere("TAN", 0.5, 0, math.Tan(0.1), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !near(ra, 0.6, 1e-12) || math.Abs(dec) > 1e-12 {
		t.Errorf("TAN = (%g, %g), want (0.6, 0)", ra, dec)
	}

	ra, _, err = PlaneToSphere("SIN", 2*math.Pi-0.01, 0, math.Sin(0.02), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !near(ra, 0.01, 1e-9) {
		t.Errorf("wrapped RA = %g, want 0.01", ra)
	}

	if _, _, err := PlaneToSphere("SIN", 0, 0, 1.1, 0); !errors.Is(err, ErrOutsideProjection) {
		t.Errorf("SIN outside error = %v", err)
	}
	for _, proj := range []string{"CAR", "NCP", ""} {
		if _, _, err := PlaneToSphere(proj, 0, 0, 0, 0); !errors.Is(err, ErrUnsupportedProjection) {
			t.Errorf("%q error = %v", proj, err)
		}
	}
}

func TestMergeComponents(t *testing.T) {
	comps := []Component{
		{DeltaX: 0.001, DeltaY: 0.002, Flux: 1, Planes: []float64{1, 1}},
		{DeltaX: 0.00101, DeltaY: 0.00199, Flux: 2, Planes: []float64{2, 3}},
		{DeltaX: 0.005, DeltaY: 0, Flux: 5, Planes: []float64{5, 5}},
	}
	got := MergeComponents(comps, -0.001, 0.001)
	if len(got) != 2 {
		t.Fatalf("merged %d components, want 2", len(got))
	}
	if got[0].Flux != 5 || got[1].Flux != 3 {
		t.Fatalf("fluxes = %g, %g, want 5, 3", got[0].Flux, got[1].Flux)
	}
	if got[1].DeltaX != 0.001 || got[1].DeltaY != 0.002 {
		t.Errorf("merged position = (%g, %g)", got[1].DeltaX, got[1].DeltaY)
	}
	if got[1].Planes[0] != 3 || got[1].Planes[1] != 4 {
		t.Errorf("merged planes = %v, want [3 4]", got[1].Planes)
	}
	if comps[0].Planes[0] != 1 {
		t.Errorf("input planes modified: %v", comps[0].Planes)
	}
}

func TestComponentsFromTableRequiresTabulated(t *testing.T) {
	rows := []aips.CCRow{{Flux: 1, Parms: []float32{0, 0, 0, 20, 1}}, {Flux: 1, Parms: []float32{0, 0, 0, 0}}}
	if _, err := ComponentsFromTable(rows); !errors.Is(err, ErrNotTabulated) {
		t.Fatalf("error = %v, want ErrNotTabulated", err)
	}
	comps, err := ComponentsFromTable(rows[:1])
	if err != nil {
		t.Fatal(err)
	}
	if len(comps[0].Planes) != 1 || comps[0].Planes[0] != 1 {
		t.Fatalf("planes = %v", comps[0].Planes)
	}
}

func testImage(t *testing.T, rows []aips.CCRow) *aips.ImageFile {
	t.Helper()
	dir := t.TempDir()
	cat := aips.NewCatalogue([]string{filepath.Join(dir, "aips1")}, []string{filepath.Join(dir, "fits1")}, nil)
	if err := cat.Setup(); err != nil {
		t.Fatal(err)
	}
	desc := &aips.Descriptor{
		Object: "PKS_1934-63",
		Naxis:  4,
		Ctype:  []string{"RA---SIN", "DEC--SIN", "SPECLNMF", "STOKES"},
		Inaxes: []int{64, 64, 5, 1},
		Cdelt:  []float64{-0.001, 0.001, 1e6, 1},
		Crval:  []float64{100, -35, 1.284e9, 1},
		Crpix:  []float64{33, 33, 1, 1},
		Crota:  []float64{0, 0, 0, 0},
	}
	desc.Jlocr, desc.Jlocd, desc.Jlocf, desc.Jlocs = 0, 1, 2, 3
	info := aips.ImageInfo{
		NSpec:      3,
		NTerm:      2,
		PlaneFreqs: []float64{1.0e9, 1.3e9, 1.6e9},
		FreqLow:    []float64{0.9e9, 1.2e9, 1.5e9},
		FreqHigh:   []float64{1.1e9, 1.4e9, 1.7e9},
		PlaneRMS:   [][]float64{{0.1}, {0.1}, {0.01}, {0}, {0.01}},
	}
	p := aips.Path{Name: "PKS_1934-63", Disk: 1, Class: "IClean", Seq: 1, Type: "MA", DType: aips.DiskAIPS}
	img, err := cat.CreateImage(p, desc, info)
	if err != nil {
		t.Fatal(err)
	}
	if err := aips.WriteTable(img, &aips.Table[aips.CCRow]{Rows: rows}); err != nil {
		t.Fatal(err)
	}
	return img
}

func TestFromImage(t *testing.T) {
	img := testImage(t, []aips.CCRow{
		{DeltaX: 0, DeltaY: 0, Flux: 1, Parms: []float32{0, 0, 0, 20, 1, 9, 1}},
		{DeltaX: 0.01, DeltaY: 0.01, Flux: -1, Parms: []float32{0, 0, 0, 20, -1, -1, -1}},
		{DeltaX: 0.0001, DeltaY: 0, Flux: 1, Parms: []float32{0, 0, 0, 20, 1, 0, 1}},
	})

	rows, err := FromImage(img, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %q, want one component", rows)
	}
	fields := strings.Split(rows[0], ", ")
	if len(fields) != 5 || fields[0] != "CC_000000" || fields[1] != "radec" {
		t.Fatalf("row = %q", rows[0])
	}
	ra, _ := strconv.ParseFloat(fields[2], 64)
	dec, _ := strconv.ParseFloat(fields[3], 64)
	if !near(ra, 100, 1e-9) || !near(dec, -35, 1e-9) {
		t.Errorf("position = (%s, %s), want (100, -35)", fields[2], fields[3])
	}

	model := strings.Fields(strings.Trim(fields[4], "()"))
	if len(model) != 5 {
		t.Fatalf("flux model = %q", fields[4])
	}
	var v [5]float64
	for i, s := range model {
		if v[i], err = strconv.ParseFloat(s, 64); err != nil {
			t.Fatalf("flux model field %q: %v", s, err)
		}
	}
	if v[0] != 900 || v[1] != 1700 {
		t.Errorf("frequency range = (%g %g), want (900 1700)", v[0], v[1])
	}
	if !near(v[2], math.Log10(2), 1e-6) || math.Abs(v[3]) > 1e-6 || v[4] != 0 {
		t.Errorf("coefficients = %v, want (%g 0 0)", v[2:], math.Log10(2))
	}
}

func TestFromImageKeepNonPositive(t *testing.T) {
	img := testImage(t, []aips.CCRow{
		{DeltaX: 0.01, DeltaY: 0.01, Flux: -1, Parms: []float32{0, 0, 0, 20, -1, -1, -1}},
	})
	rows, err := FromImage(img, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows = %q, want none", rows)
	}
	opts := DefaultOptions()
	opts.KeepNonPositive = true
	opts.Order = 0
	if rows, err = FromImage(img, opts); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %q, want one component", rows)
	}
}

func TestFromImageNotTabulated(t *testing.T) {
	img := testImage(t, []aips.CCRow{{Flux: 1, Parms: []float32{0, 0, 0, 0}}})
	if _, err := FromImage(img, DefaultOptions()); !errors.Is(err, ErrNotTabulated) {
		t.Fatalf("error = %v, want ErrNotTabulated", err)
	}
}
