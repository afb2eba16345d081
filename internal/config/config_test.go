package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/mothergoose31/contim/internal/katdal"
)

func TestLoadEnvFileAndOverlay(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "CONTIM_NVISPIO=256\nCONTIM_ENGINE=local\nCONTIM_AIPS_DIRS=/a1, /a2\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(envFile, []string{"CONTIM_NVISPIO=512", "CONTIM_PRTLV=0", "CONTIM_CLOBBER=", "PATH=/bin"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NVisPIO != 512 {
		t.Errorf("NVisPIO = %d, environment should win over .env", cfg.NVisPIO)
	}
	if cfg.Engine != EngineLocal {
		t.Errorf("Engine = %s", cfg.Engine)
	}
	if !reflect.DeepEqual(cfg.AIPSDirs, []string{"/a1", "/a2"}) {
		t.Errorf("AIPSDirs = %q", cfg.AIPSDirs)
	}
	if cfg.PrtLv != 0 {
		t.Errorf("PrtLv = %d, an explicit 0 should override", cfg.PrtLv)
	}
	if cfg.Clobber == nil || len(cfg.Clobber) != 0 {
		t.Errorf("Clobber = %#v, want empty", cfg.Clobber)
	}
	if cfg.ObitTask != Defaults().ObitTask {
		t.Errorf("ObitTask = %s", cfg.ObitTask)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, Merge(Defaults(), Config{PrtLv: -1})) {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := [][]string{
		{"CONTIM_NVISPIO=lots"},
		{"CONTIM_ENGINE=aips"},
		{"CONTIM_NVISPIO=-1"},
	}
	for _, env := range cases {
		if _, err := Load("", env); !errors.Is(err, ErrInvalid) {
			t.Errorf("Load(%q) error = %v", env, err)
		}
	}
}

func TestDisks(t *testing.T) {
	cfg := Defaults()
	cfg.WorkDir = "/work"
	a, f := cfg.Disks("1527016443")
	if a[0] != "/work/1527016443_aipsdisk" || f[0] != "/work/FITS" {
		t.Fatalf("Disks = %q, %q", a, f)
	}
}

func TestParseAssigns(t *testing.T) {
	got, err := ParseAssigns("scans='track';spw=0;pol='HH,VV';targets='PHOENIX_DEEP';channels=slice(0,4096)")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"scans":    "track",
		"spw":      0,
		"pol":      "HH,VV",
		"targets":  "PHOENIX_DEEP",
		"channels": Slice{Start: 0, Stop: 4096, Step: 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseAssigns = %#v\nwant %#v", got, want)
	}
}

func TestParseAssignsUnpacking(t *testing.T) {
	got, err := ParseAssigns("a,b=[1,2]; c=[1,2]; d=(1,2,3); g,h=(1,2); x=-1.5e3; y=None; z=True; w=(slice(8),)")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"a": 1, "b": 2,
		"c": []any{1, 2},
		"d": Tuple{1, 2, 3},
		"g": 1, "h": 2,
		"x": -1500.0,
		"y": nil,
		"z": true,
		"w": Tuple{Slice{Stop: 8, Step: 1}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseAssigns = %#v\nwant %#v", got, want)
	}
}

func TestParseAssignsErrors(t *testing.T) {
	cases := map[string]string{
		"a=eval('import sys; sys.exit=DR EVIL')": "undefined: eval",
		"a, b = [1,2,3]":                         "",
		"1 = 'a'":                                "",
		"a":                                      "not a variable assignment",
		"a += 1":                                 "not a variable assignment",
		"a='open":                                "",
		"a=b":                                    "undefined: b",
		"a=slice('x')":                           "want int",
		"a=slice(0, 4, 0)":                       "step cannot be zero",
		"a={'k': 1}":                             "not a literal",
	}
	for src, frag := range cases {
		_, err := ParseAssigns(src)
		if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), frag) {
			t.Errorf("ParseAssigns(%q) error = %v, want %q", src, err, frag)
		}
	}
	if got, err := ParseAssigns("  "); err != nil || len(got) != 0 {
		t.Errorf("empty string = %v, %v", got, err)
	}
}

func TestSliceIndices(t *testing.T) {
	cases := []struct {
		s    Slice
		n    int
		want []int
	}{
		{Slice{Start: 0, Stop: 4, Step: 1}, 10, []int{0, 1, 2, 3}},
		{Slice{Start: 2, Stop: 100, Step: 3}, 10, []int{2, 5, 8}},
		{Slice{Start: -3, Stop: 10, Step: 1}, 10, []int{7, 8, 9}},
		{Slice{Start: 5, Stop: 2, Step: 1}, 10, nil},
	}
	for _, c := range cases {
		if got := c.s.Indices(c.n); !reflect.DeepEqual(got, c.want) {
			t.Errorf("%+v.Indices(%d) = %v, want %v", c.s, c.n, got, c.want)
		}
	}
}

func TestSelection(t *testing.T) {
	assigns, err := ParseAssigns("scans='track,3'; targets='PKS 1934-63,3C 286'; pol='HH,VV'; channels=slice(2,6); nif=2")
	if err != nil {
		t.Fatal(err)
	}
	sel, err := Selection(assigns, 16)
	if err != nil {
		t.Fatal(err)
	}
	want := katdal.Selection{
		Scans:    []int{3},
		States:   []string{"track"},
		Targets:  []string{"PKS 1934-63", "3C 286"},
		Pol:      []string{"hh", "vv"},
		Channels: []int{2, 3, 4, 5},
		NIF:      2,
	}
	if !reflect.DeepEqual(sel, want) {
		t.Fatalf("Selection = %+v\nwant %+v", sel, want)
	}

	for _, src := range []string{"nif=0", "bogus=1", "spw=1", "targets=[1]"} {
		a, err := ParseAssigns(src)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Selection(a, 16); !errors.Is(err, ErrInvalid) {
			t.Errorf("Selection(%s) error = %v", src, err)
		}
	}
}

func TestTaskParams(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "wide_L.yaml")
	yml := "uvblavg:\n  FOV: 1.0\n  chAvg: 8\nmfimage:\n  Niter: 50000\n  opts:\n    a: 1\n    b: 2\n"
	if err := os.WriteFile(file, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := TaskParams(file, CollectionMFImage, map[string]any{"Niter": 10, "opts": map[string]any{"b": 3}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"Niter": 10, "opts": map[string]any{"a": 1, "b": 3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("TaskParams = %#v, want %#v", got, want)
	}

	got, err = TaskParams(filepath.Join(dir, "missing.yaml"), CollectionUVBlAvg, map[string]any{"chAvg": 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, map[string]any{"chAvg": 4}) {
		t.Fatalf("missing file params = %#v", got)
	}
}

func TestDefaultParameterFileAndInference(t *testing.T) {
	cfg := katdal.DefaultMockConfig()
	cfg.Channels = 4096
	cfg.ObsParams["cal_refant"] = "m002"
	ds := katdal.NewMockDataSet(cfg)

	name, err := DefaultParameterFile(ds, false)
	if err != nil || name != "wide_L.yaml" {
		t.Fatalf("DefaultParameterFile = %s, %v", name, err)
	}
	if name, _ := DefaultParameterFile(ds, true); name != "MKAT_wide_L.yaml" {
		t.Fatalf("online DefaultParameterFile = %s", name)
	}
	dir := t.TempDir()
	if p, _ := ParameterFile(ds, dir, false); p != filepath.Join(dir, "wide_L.yaml") {
		t.Fatalf("ParameterFile(dir) = %s", p)
	}
	if p, _ := ParameterFile(ds, "custom.yaml", false); p != "custom.yaml" {
		t.Fatalf("ParameterFile(file) = %s", p)
	}

	inf, err := InferDefaults(ds)
	if err != nil {
		t.Fatal(err)
	}
	if inf.UVBlAvg["chAvg"] != 4 || inf.UVBlAvg["avgFreq"] != 1 {
		t.Errorf("UVBlAvg = %v", inf.UVBlAvg)
	}
	if inf.MFImage["refAnt"] != 3 {
		t.Errorf("MFImage = %v", inf.MFImage)
	}
	if inf.NIF != 8 {
		t.Errorf("NIF = %d", inf.NIF)
	}

	cfg = katdal.DefaultMockConfig()
	cfg.Bandwidth = 107e6
	inf, err = InferDefaults(katdal.NewMockDataSet(cfg))
	if err != nil {
		t.Fatal(err)
	}
	if inf.NIF != 2 || len(inf.UVBlAvg) != 0 || len(inf.MFImage) != 0 {
		t.Errorf("narrow inference = %+v", inf)
	}
	if name, _ := DefaultParameterFile(katdal.NewMockDataSet(cfg), false); name != "narrow_L.yaml" {
		t.Errorf("narrow DefaultParameterFile = %s", name)
	}
}
