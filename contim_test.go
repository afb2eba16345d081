package contim

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/katdal"
	"github.com/mothergoose31/contim/internal/merge"
	"github.com/mothergoose31/contim/internal/obit"
	"github.com/mothergoose31/contim/internal/skymodel"
	"github.com/mothergoose31/contim/internal/telstate"
)

var trackSources = []string{"PKS_1934-63", "0408-65", "3C_286", "3C_286_1"}

// fakeImager runs UVBlAvg in process and stands in for MFImage: every
// source gets a UV file with an SN table and an image with tabulated clean
// components, except noSN and noCC which miss their table.
type fakeImager struct {
	cat      *aips.Catalogue
	local    *obit.LocalRunner
	noSN     string
	noCC     string
	mfimage  map[string]any
	mfimages int
}

func (f *fakeImager) Run(ctx context.Context, task string, params map[string]any) error {
	if task != "MFImage" {
		return f.local.Run(ctx, task, params)
	}
	f.mfimages++
	f.mfimage = params
	in, err := obit.PathFromKwargs(params, "in")
	if err != nil {
		return err
	}
	src, err := f.cat.OpenUV(in, 0)
	if err != nil {
		return err
	}
	desc := src.Desc()
	src.Close()

	sources := params["Sources"].([]string)
	uvSeq := f.nextSeq(sources, params["out2Class"].(string), "UV")
	maSeq := f.nextSeq(sources, params["outClass"].(string), "MA")
	for _, s := range sources {
		uvPath := aips.Path{Name: s, Disk: 1, Class: params["out2Class"].(string), Seq: uvSeq, Type: "UV", DType: aips.DiskAIPS}
		uvf, err := f.cat.CreateUV(uvPath, desc, 0)
		if err != nil {
			return err
		}
		if s != f.noSN {
			sn := &aips.Table[aips.SNRow]{Rows: []aips.SNRow{
				{Time: 0.5, AntennaNo: 1, Real1: []float32{1}, Imag1: []float32{0.5}, Real2: []float32{2}, Imag2: []float32{0}},
				{Time: 0.25, AntennaNo: 2, Real1: []float32{3}, Imag1: []float32{-1}},
			}}
			if err := aips.WriteTable(uvf, sn); err != nil {
				return err
			}
		}
		if err := uvf.Close(); err != nil {
			return err
		}

		maPath := aips.Path{Name: s, Disk: 1, Class: params["outClass"].(string), Seq: maSeq, Type: "MA", DType: aips.DiskAIPS}
		img, err := f.cat.CreateImage(maPath, imageDesc(s), imageInfo())
		if err != nil {
			return err
		}
		if s != f.noCC {
			cc := &aips.Table[aips.CCRow]{Rows: []aips.CCRow{
				{Flux: 1, Parms: []float32{0, 0, 0, 20, 2, 2, 2}},
			}}
			if err := aips.WriteTable(img, cc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeImager) nextSeq(sources []string, class, typ string) int {
	seq := 1
	for _, s := range sources {
		n, _ := f.cat.NextSeq(aips.Path{Name: s, Disk: 1, Class: class, Type: typ, DType: aips.DiskAIPS})
		seq = max(seq, n)
	}
	return seq
}

func imageDesc(object string) *aips.Descriptor {
	d := &aips.Descriptor{
		Object: object,
		Naxis:  4,
		Ctype:  []string{"RA---SIN", "DEC--SIN", "SPECLNMF", "STOKES"},
		Inaxes: []int{64, 64, 5, 1},
		Cdelt:  []float64{-0.001, 0.001, 1e6, 1},
		Crval:  []float64{100, -35, 1.284e9, 1},
		Crpix:  []float64{33, 33, 1, 1},
		Crota:  []float64{0, 0, 0, 0},
	}
	d.Jlocr, d.Jlocd, d.Jlocf, d.Jlocs = 0, 1, 2, 3
	return d
}

func imageInfo() aips.ImageInfo {
	return aips.ImageInfo{
		NSpec:      3,
		NTerm:      2,
		PlaneFreqs: []float64{1.0e9, 1.3e9, 1.6e9},
		FreqLow:    []float64{0.9e9, 1.2e9, 1.5e9},
		FreqHigh:   []float64{1.1e9, 1.4e9, 1.7e9},
		PlaneRMS:   [][]float64{{0.1}, {0.1}, {0.01}, {0.01}, {0.01}},
	}
}

type fixture struct {
	cat   *aips.Catalogue
	img   *fakeImager
	store *telstate.Memory
	env   Env
	ds    katdal.DataSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := aips.NewCatalogue([]string{filepath.Join(t.TempDir(), "aips")}, nil, nil)
	img := &fakeImager{cat: cat, local: &obit.LocalRunner{Cat: cat}}
	store := telstate.NewMemory()
	return &fixture{
		cat:   cat,
		img:   img,
		store: store,
		env:   Env{Catalogue: cat, Runner: img, Store: store, User: 105},
		ds:    katdal.NewMockDataSet(katdal.DefaultMockConfig()),
	}
}

func trackOptions() Options {
	return Options{
		Selection: katdal.Selection{States: []string{"track"}},
		Chunks:    katdal.Options{TimeStep: 2},
		UVBlAvg:   map[string]any{"avgFreq": 1, "chAvg": 4},
		PrtLv:     1,
	}
}

func (f *fixture) execute(t *testing.T, mode string, opts Options) (Result, error) {
	t.Helper()
	p, err := New(mode, f.ds, f.env, opts)
	if err != nil {
		t.Fatal(err)
	}
	return p.Execute(context.Background())
}

func TestRegistry(t *testing.T) {
	if got := Modes(); !reflect.DeepEqual(got, []string{ModeExport, ModeOffline, ModeOnline}) {
		t.Fatalf("Modes = %v", got)
	}
	if err := Register(ModeOnline, newOnlinePipeline); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	f := newFixture(t)
	if _, err := New("continuum", f.ds, f.env, Options{}); !errors.Is(err, ErrUnknownMode) ||
		!strings.Contains(err.Error(), "I don't know how to build a 'continuum' pipeline") {
		t.Fatalf("unknown mode error = %v", err)
	}
	env := f.env
	env.Store = nil
	if _, err := New(ModeOnline, f.ds, env, Options{}); !errors.Is(err, ErrNoStore) {
		t.Fatalf("online without store error = %v", err)
	}
}

func TestFractionalBandwidth(t *testing.T) {
	d := &aips.Descriptor{
		Ctype:  []string{"COMPLEX", "STOKES", "FREQ", "IF", "RA", "DEC"},
		Inaxes: []int{3, 2, 4, 1, 1, 1},
		Cdelt:  []float64{1, -1, 100e6, 1, 1, 1},
		Crval:  []float64{1, -5, 900e6, 1, 0, 0},
	}
	got, err := FractionalBandwidth(d, nil)
	if err != nil {
		t.Fatal(err)
	}
	if want := 2 * 400e6 / 2200e6; math.Abs(got-want) > 1e-12 {
		t.Fatalf("FractionalBandwidth = %g, want %g", got, want)
	}
	// Two IFs of 400 MHz: the band runs from 900 MHz to 1700 MHz.
	got, err = FractionalBandwidth(d, []float64{0, 400e6})
	if err != nil {
		t.Fatal(err)
	}
	if want := 2 * 800e6 / 2600e6; math.Abs(got-want) > 1e-12 {
		t.Fatalf("two IF FractionalBandwidth = %g, want %g", got, want)
	}
	if _, err := FractionalBandwidth(&aips.Descriptor{Ctype: []string{"RA"}}, nil); !errors.Is(err, aips.ErrInvalidDescriptor) {
		t.Fatalf("missing FREQ axis error = %v", err)
	}
}

func TestMFImageParams(t *testing.T) {
	d := &aips.Descriptor{
		Ctype:  []string{"FREQ"},
		Inaxes: []int{10},
		Cdelt:  []float64{10e6},
		Crval:  []float64{1e9},
	}
	in := aips.Path{Name: "1527016443", Disk: 1, Class: "merge", Seq: 2, Type: "UV", DType: aips.DiskAIPS}
	params, err := MFImageParams(in, d, nil, []string{"A", "B"}, 1, 2, map[string]any{"Niter": 100, "prtLv": 5})
	if err != nil {
		t.Fatal(err)
	}
	checks := map[string]any{
		"inName": "1527016443", "inClass": "merge", "inSeq": 2,
		"outName": "", "outClass": CleanClass, "outSeq": 0,
		"out2Name": "", "out2Class": UVClass, "out2Seq": 0,
		"Niter": 100, "prtLv": 5,
	}
	for k, want := range checks {
		if params[k] != want {
			t.Errorf("%s = %v, want %v", k, params[k], want)
		}
	}
	if fbw := 2 * 100e6 / 2.1e9; math.Abs(params["maxFBW"].(float64)-fbw/20) > 1e-12 {
		t.Errorf("maxFBW = %v", params["maxFBW"])
	}
	if !reflect.DeepEqual(params["Sources"], []string{"A", "B"}) {
		t.Errorf("Sources = %v", params["Sources"])
	}
}

func TestExportMode(t *testing.T) {
	f := newFixture(t)
	res, err := f.execute(t, ModeExport, trackOptions())
	if err != nil {
		t.Fatal(err)
	}
	want := aips.Path{Name: "1527016443", Disk: 1, Class: merge.MergeClass, Seq: 1, Type: "UV", Label: "katuv", DType: aips.DiskAIPS}
	if res.MergePath != want || res.NVis != 250 {
		t.Fatalf("export result = %+v", res)
	}
	if !f.cat.Exists(res.MergePath) {
		t.Fatalf("%s was not kept", res.MergePath)
	}
	if f.img.mfimages != 0 {
		t.Fatal("export mode ran MFImage")
	}

	// Seq 0 picks the next free sequence, an existing path is refused.
	opts := trackOptions()
	out := want.WithSeq(0)
	opts.OutPath = &out
	res, err = f.execute(t, ModeExport, opts)
	if err != nil || res.MergePath.Seq != 2 {
		t.Fatalf("second export = %+v, %v", res, err)
	}
	taken := want
	opts.OutPath = &taken
	if _, err := f.execute(t, ModeExport, opts); !errors.Is(err, ErrExists) {
		t.Fatalf("existing output error = %v", err)
	}
}

func TestOnlineMode(t *testing.T) {
	f := newFixture(t)
	f.img.noSN, f.img.noCC = "0408-65", "3C_286_1"
	opts := trackOptions()
	opts.MFImage = map[string]any{"Niter": 10}
	opts.TelstateID = "sdp_continuum"
	res, err := f.execute(t, ModeOnline, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.NVis != 250 || !reflect.DeepEqual(res.Sources, trackSources) || !reflect.DeepEqual(res.TargetIndices, []int{0, 1, 2, 3}) {
		t.Fatalf("online result = %+v", res)
	}
	if f.img.mfimage["Niter"] != 10 || f.img.mfimage["user"] != 105 || f.img.mfimage["prtLv"] != 1 {
		t.Errorf("MFImage params = %v", f.img.mfimage)
	}

	for _, p := range append(append([]aips.Path{res.MergePath}, res.UVFiles...), res.CleanFiles...) {
		if f.cat.Exists(p) {
			t.Errorf("%s was not cleaned up", p)
		}
	}

	ctx := context.Background()
	m000, err := f.store.Get(ctx, "sdp_continuum_m000_gains")
	if err != nil {
		t.Fatal(err)
	}
	if len(m000) != 3 {
		t.Fatalf("m000 gains = %d samples, want one per source with solutions", len(m000))
	}
	var gains [2][]telstate.Complex
	if err := m000[0].Decode(&gains); err != nil {
		t.Fatal(err)
	}
	if gains[0][0] != telstate.Complex(complex(1, 0.5)) || gains[1][0] != telstate.Complex(complex(2, 0)) {
		t.Errorf("m000 gains = %v", gains)
	}
	midnight := 1526947200.0
	if m000[0].TS != midnight+0.5*86400 {
		t.Errorf("m000 timestamp = %f", m000[0].TS)
	}
	m001, err := f.store.Get(ctx, "sdp_continuum_m001_gains")
	if err != nil {
		t.Fatal(err)
	}
	if err := m001[0].Decode(&gains); err != nil {
		t.Fatal(err)
	}
	if gains[0][0] != gains[1][0] || gains[0][0] != telstate.Complex(complex(3, -1)) {
		t.Errorf("single polarisation gains = %v", gains)
	}

	for i, desc := range []string{"PKS 1934-63, radec", "0408-65, radec", "3C 286, radec"} {
		key := telstate.Join("sdp_continuum", "target"+string(rune('0'+i)), "clean_components")
		entries, err := f.store.Get(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		var cc CleanComponents
		if err := entries[0].Decode(&cc); err != nil {
			t.Fatal(err)
		}
		if !entries[0].Immutable || cc.Description != desc || len(cc.Components) != 1 ||
			!strings.HasPrefix(cc.Components[0], "CC_000000, radec, ") ||
			!strings.Contains(cc.Components[0], "(900 1700 ") {
			t.Errorf("%s = %+v", key, cc)
		}
	}
	if _, err := f.store.Get(ctx, "sdp_continuum_target3_clean_components"); !errors.Is(err, telstate.ErrNotFound) {
		t.Errorf("image without clean components was exported: %v", err)
	}
}

func TestOfflineMode(t *testing.T) {
	f := newFixture(t)
	opts := trackOptions()
	opts.Clobber = merge.Clobber{merge.ClobberScans: {}, merge.ClobberAvgScans: {}, merge.ClobberMFImage: {}}
	res, err := f.execute(t, ModeOffline, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !f.cat.Exists(res.MergePath) {
		t.Errorf("merge file %s should be kept", res.MergePath)
	}
	for i := range res.UVFiles {
		if f.cat.Exists(res.UVFiles[i]) {
			t.Errorf("%s should be clobbered", res.UVFiles[i])
		}
		if !f.cat.Exists(res.CleanFiles[i]) {
			t.Fatalf("%s should be kept", res.CleanFiles[i])
		}
		img, err := f.cat.OpenImage(res.CleanFiles[i])
		if err != nil {
			t.Fatal(err)
		}
		if !aips.HasTable(img, aips.TableSN) {
			t.Errorf("%s has no calibration solutions attached", res.CleanFiles[i])
		}
		img.Close()
	}
	if len(f.store.Keys()) != 0 {
		t.Errorf("offline mode published %v", f.store.Keys())
	}

	// Reuse images the existing merge file without merging again.
	opts.Reuse = true
	again, err := f.execute(t, ModeOffline, opts)
	if err != nil {
		t.Fatal(err)
	}
	if again.MergePath != res.MergePath || again.NVis != res.NVis {
		t.Fatalf("reuse = %+v, want merge file %s with %d visibilities", again, res.MergePath, res.NVis)
	}
	if again.CleanFiles[0].Seq != 2 || f.img.mfimages != 2 {
		t.Fatalf("reuse imaged into %s after %d MFImage runs", again.CleanFiles[0], f.img.mfimages)
	}
}

func TestOfflineReuseWithoutMergeFile(t *testing.T) {
	f := newFixture(t)
	opts := trackOptions()
	opts.Reuse = true
	if _, err := f.execute(t, ModeOffline, opts); !errors.Is(err, ErrNoMergeFile) ||
		!strings.Contains(err.Error(), "has no 'merge' file to reuse") {
		t.Fatalf("reuse error = %v", err)
	}
}

func TestExportSkipsMissingTables(t *testing.T) {
	f := newFixture(t)
	if err := f.cat.Setup(); err != nil {
		t.Fatal(err)
	}
	p := aips.Path{Name: "PKS_1934-63", Disk: 1, Class: CleanClass, Seq: 1, Type: "MA", DType: aips.DiskAIPS}
	img, err := f.cat.CreateImage(p, imageDesc(p.Name), imageInfo())
	if err != nil {
		t.Fatal(err)
	}
	img.Close()
	missing := p.WithName("0408-65")

	ExportCleanComponents(context.Background(), f.cat, []aips.Path{p, missing}, []int{0, 1}, f.ds, f.store, "", skymodel.DefaultOptions(), nil)
	if keys := f.store.Keys(); len(keys) != 0 {
		t.Fatalf("exported %v without clean components", keys)
	}
}
