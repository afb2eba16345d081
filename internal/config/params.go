package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mothergoose31/contim/internal/diag"
	"github.com/mothergoose31/contim/internal/index"
	"github.com/mothergoose31/contim/internal/katdal"
	"gopkg.in/yaml.v3"
)

// Task parameter collections in a parameter file.
const (
	CollectionUVBlAvg = "uvblavg"
	CollectionMFImage = "mfimage"
)

// narrowBandwidth separates narrow and wide band observations in Hz.
const narrowBandwidth = 200e6

// targetChannels is the channel count averaging aims for.
const targetChannels = 1024

// RecursiveMerge merges src into dst: nested maps are merged, everything
// else in src replaces dst. dst is returned.
func RecursiveMerge(src, dst map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			node, ok := dst[k].(map[string]any)
			if !ok {
				node = map[string]any{}
			}
			dst[k] = RecursiveMerge(sub, node)
			continue
		}
		dst[k] = v
	}
	return dst
}

// TaskParams loads collection from the YAML parameter file and merges
// user over it. A missing file logs a warning and yields user only.
func TaskParams(file, collection string, user map[string]any, log *slog.Logger) (map[string]any, error) {
	log = diag.OrDiscard(log)
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn(fmt.Sprintf("Specified configuration file %s not found. Using Obit default parameters.", file))
		return RecursiveMerge(user, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read parameter file %s: %v", ErrInvalid, file, err)
	}
	var doc map[string]map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse parameter file %s: %v", ErrInvalid, file, err)
	}
	params := doc[collection]
	if params == nil {
		params = map[string]any{}
	}
	return RecursiveMerge(user, params), nil
}

// DefaultParameterFile names the parameter file for the selected spectral
// window: {narrow|wide}_<band>.yaml, prefixed with MKAT_ for online runs.
func DefaultParameterFile(ds katdal.DataSet, online bool) (string, error) {
	sw, err := spectralWindow(ds)
	if err != nil {
		return "", err
	}
	mode := "wide"
	if sw.Bandwidth() < narrowBandwidth {
		mode = "narrow"
	}
	name := fmt.Sprintf("%s_%s.yaml", mode, sw.Band)
	if online {
		name = "MKAT_" + name
	}
	return name, nil
}

// ParameterFile resolves path: a directory yields the default parameter
// file inside it, anything else is returned unchanged.
func ParameterFile(ds katdal.DataSet, path string, online bool) (string, error) {
	if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
		return path, nil
	}
	name, err := DefaultParameterFile(ds, online)
	if err != nil {
		return "", err
	}
	return filepath.Join(path, name), nil
}

// Inferred holds defaults derived from the dataset.
type Inferred struct {
	UVBlAvg map[string]any
	MFImage map[string]any
	NIF     int
}

// InferDefaults derives averaging, imaging and IF defaults from the data:
// average towards ~1024 channels, use the calibration reference antenna and
// split wide bands into 8 IFs, narrow ones into 2.
func InferDefaults(ds katdal.DataSet) (Inferred, error) {
	inf := Inferred{UVBlAvg: map[string]any{}, MFImage: map[string]any{}, NIF: 8}
	if factor := len(ds.ChannelFreqs()) / targetChannels; factor > 1 {
		inf.UVBlAvg["avgFreq"] = 1
		inf.UVBlAvg["chAvg"] = factor
	}
	if ref := ds.ObsParams()["cal_refant"]; ref != "" {
		nr, err := index.AIPSAntennaNumber(ref)
		if err != nil {
			return inf, err
		}
		inf.MFImage["refAnt"] = nr
	}
	sw, err := spectralWindow(ds)
	if err != nil {
		return inf, err
	}
	if sw.Bandwidth() < narrowBandwidth {
		inf.NIF = 2
	}
	return inf, nil
}

func spectralWindow(ds katdal.DataSet) (katdal.SpectralWindow, error) {
	spws := ds.SpectralWindows()
	if spw := ds.SPW(); spw >= 0 && spw < len(spws) {
		return spws[spw], nil
	}
	return katdal.SpectralWindow{}, fmt.Errorf("%w: spectral window %d of %d", ErrInvalid, ds.SPW(), len(spws))
}
