package contim

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"runtime"
	"strings"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/diag"
	"github.com/mothergoose31/contim/internal/obit"
)

// FractionalBandwidth is 2(f2-f1)/(f2+f1) over the band of desc, where f1
// is the reference frequency and f2 the far edge of the highest IF.
// ifFreqs are the IF offsets of the FQ table; nil means a single IF.
func FractionalBandwidth(desc *aips.Descriptor, ifFreqs []float64) (float64, error) {
	for i, ct := range desc.Ctype {
		if !strings.HasPrefix(strings.TrimSpace(ct), "FREQ") {
			continue
		}
		if i >= len(desc.Crval) || i >= len(desc.Cdelt) || i >= len(desc.Inaxes) {
			break
		}
		f1 := desc.Crval[i]
		span := float64(desc.Inaxes[i]) * desc.Cdelt[i]
		offset := 0.0
		for _, o := range ifFreqs {
			if math.Abs(o) > math.Abs(offset) {
				offset = o
			}
		}
		f2 := f1 + offset + span
		if f1+f2 == 0 {
			break
		}
		return 2 * (f2 - f1) / (f2 + f1), nil
	}
	return 0, fmt.Errorf("%w: no usable FREQ axis in %q", aips.ErrInvalidDescriptor, desc.Ctype)
}

// ifOffsets returns the IF offsets of the first FQ row of uvf, or nil when
// the file has no FQ table.
func ifOffsets(uvf *aips.UVFile) ([]float64, error) {
	fq, err := aips.ReadTable[aips.FQRow](uvf, 0)
	if errors.Is(err, aips.ErrNoTable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(fq.Rows) == 0 {
		return nil, nil
	}
	return fq.Rows[0].IFFreq, nil
}

// MFImageParams builds the MFImage arguments that image mergePath into
// one IClean image and one MFImag UV file per source. user overrides
// every default.
func MFImageParams(mergePath aips.Path, desc *aips.Descriptor, ifFreqs []float64, sources []string, disk, prtLv int, user map[string]any) (map[string]any, error) {
	fbw, err := FractionalBandwidth(desc, ifFreqs)
	if err != nil {
		return nil, err
	}
	out := aips.Path{Class: CleanClass, Disk: disk, Type: "MA", DType: aips.DiskAIPS}
	out2 := aips.Path{Class: UVClass, Disk: disk, Type: "UV", DType: aips.DiskAIPS}

	params := mergePath.TaskInputKwargs()
	maps.Copy(params, out.TaskOutputKwargs())
	maps.Copy(params, out2.TaskOutput2Kwargs())
	params["maxFBW"] = fbw / 20
	params["nThreads"] = runtime.NumCPU()
	params["prtLv"] = prtLv
	params["Sources"] = sources
	maps.Copy(params, user)
	return params, nil
}

// runMFImage images the merge file.
func (r *run) runMFImage(ctx context.Context, eng *obit.Context, res *Result) error {
	uvf, err := r.cat().OpenUV(res.MergePath, r.opts.NVisPIO)
	if err != nil {
		return err
	}
	desc := uvf.Desc()
	ifFreqs, err := ifOffsets(uvf)
	if cerr := uvf.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	params, err := MFImageParams(res.MergePath, desc, ifFreqs, res.Sources, r.opts.Disk, r.opts.PrtLv, r.opts.MFImage)
	if err != nil {
		return err
	}
	r.log.Info("MFImage arguments", "params", diag.FmtParams(params))
	return eng.Run(ctx, "MFImage", params)
}

// attachSNTables copies every calibration solution table of each source
// UV file onto the matching image, keeping version numbers.
func (r *run) attachSNTables(res Result) error {
	for i, uvPath := range res.UVFiles {
		cleanPath := res.CleanFiles[i]
		if !r.cat().Exists(uvPath) || !r.cat().Exists(cleanPath) {
			r.log.Warn(fmt.Sprintf("Cannot attach calibration solutions of '%s' to '%s'", uvPath, cleanPath))
			continue
		}
		if err := r.copySN(uvPath, cleanPath); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) copySN(uvPath, cleanPath aips.Path) error {
	uvf, err := r.cat().OpenUV(uvPath, r.opts.NVisPIO)
	if err != nil {
		return err
	}
	defer uvf.Close()
	img, err := r.cat().OpenImage(cleanPath)
	if err != nil {
		return err
	}
	defer img.Close()

	versions, err := aips.TableVersions(uvf, aips.TableSN)
	if err != nil {
		return err
	}
	for _, v := range versions {
		sn, err := aips.ReadTable[aips.SNRow](uvf, v)
		if err != nil {
			return err
		}
		if err := aips.WriteTable(img, sn); err != nil {
			return fmt.Errorf("attach SN %d of %s to %s: %w", v, uvPath, cleanPath, err)
		}
		r.log.Debug("attached calibration solutions", "version", v, "image", cleanPath.String())
	}
	return nil
}
