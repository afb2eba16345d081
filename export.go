package contim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/diag"
	"github.com/mothergoose31/contim/internal/index"
	"github.com/mothergoose31/contim/internal/katdal"
	"github.com/mothergoose31/contim/internal/skymodel"
	"github.com/mothergoose31/contim/internal/telstate"
)

// CleanComponents is the telescope state value of one imaged target.
type CleanComponents struct {
	Description string   `json:"description"`
	Components  []string `json:"components"`
}

// ExportCalibrationSolutions publishes the latest SN table of each UV file
// as "<antenna>_gains" samples: one gain pair per IF at the solution time.
// Files without solutions are skipped with a warning, as are files that
// fail to export.
func ExportCalibrationSolutions(ctx context.Context, cat *aips.Catalogue, uvFiles []aips.Path, a *katdal.Adapter, store telstate.Store, prefix string, log *slog.Logger) {
	log = diag.OrDiscard(log).With("comp", "export")
	midnight := a.Midnight()
	for _, p := range uvFiles {
		n, err := exportSolutions(ctx, cat, p, midnight, store, prefix)
		switch {
		case errors.Is(err, ErrNoTable):
			log.Warn(fmt.Sprintf("No calibration solutions in '%s'", p))
		case err != nil:
			log.Warn(fmt.Sprintf("Export of calibration solutions from '%s' failed.\n%s", p, err))
		default:
			log.Info("exported calibration solutions", "path", p.String(), "samples", n)
		}
	}
}

func exportSolutions(ctx context.Context, cat *aips.Catalogue, p aips.Path, midnight float64, store telstate.Store, prefix string) (int, error) {
	uvf, err := cat.OpenUV(p, 0)
	if err != nil {
		return 0, err
	}
	defer uvf.Close()
	sn, err := aips.ReadTable[aips.SNRow](uvf, 0)
	if err != nil {
		return 0, err
	}
	samples := make([]telstate.Sample, 0, len(sn.Rows))
	for _, row := range sn.Rows {
		ant := index.AntennaName(int(row.AntennaNo))
		samples = append(samples, telstate.Sample{
			Key:   telstate.Join(prefix, ant+telstate.Separator+"gains"),
			Value: Gains(row),
			TS:    index.UTCSeconds(row.Time, midnight),
		})
	}
	return len(samples), store.AddSamples(ctx, samples)
}

// Gains is the complex gain of each polarisation and IF of a solution.
// Single polarisation solutions repeat the first polarisation.
func Gains(row aips.SNRow) [2][]telstate.Complex {
	var g [2][]telstate.Complex
	g[0] = gainsOf(row.Real1, row.Imag1)
	if len(row.Real2) == 0 {
		g[1] = slices.Clone(g[0])
	} else {
		g[1] = gainsOf(row.Real2, row.Imag2)
	}
	return g
}

func gainsOf(re, im []float32) []telstate.Complex {
	out := make([]telstate.Complex, len(re))
	for i := range re {
		var v float32
		if i < len(im) {
			v = im[i]
		}
		out[i] = telstate.Complex(complex(re[i], v))
	}
	return out
}

// ExportCleanComponents converts the clean components of each image into
// sky model strings and stores them immutably under
// "target<i>_clean_components", where i is the position of the image.
// targetIndices maps each image to its dataset target.
func ExportCleanComponents(ctx context.Context, cat *aips.Catalogue, cleanFiles []aips.Path, targetIndices []int, ds katdal.DataSet, store telstate.Store, prefix string, opts skymodel.Options, log *slog.Logger) {
	log = diag.OrDiscard(log).With("comp", "export")
	if opts.Log == nil {
		opts.Log = log
	}
	targets := ds.Catalogue()
	for si, p := range cleanFiles {
		if si >= len(targetIndices) || targetIndices[si] >= len(targets) {
			log.Warn(fmt.Sprintf("No target for clean components in '%s'", p))
			continue
		}
		key := telstate.Join(prefix, fmt.Sprintf("target%d", si), "clean_components")
		n, err := exportComponents(ctx, cat, p, targets[targetIndices[si]].Description, store, key, opts)
		switch {
		case errors.Is(err, ErrNoTable):
			log.Warn(fmt.Sprintf("No clean components in '%s'", p))
		case err != nil:
			log.Warn(fmt.Sprintf("Export of clean components from '%s' failed.\n%s", p, err))
		default:
			log.Info("exported clean components", "path", p.String(), "key", key, "components", n)
		}
	}
}

func exportComponents(ctx context.Context, cat *aips.Catalogue, p aips.Path, description string, store telstate.Store, key string, opts skymodel.Options) (int, error) {
	img, err := cat.OpenImage(p)
	if err != nil {
		return 0, err
	}
	defer img.Close()
	if !aips.HasTable(img, aips.TableCC) {
		return 0, fmt.Errorf("%w: '%s' in %s", ErrNoTable, aips.TableCC, p)
	}
	comps, err := skymodel.FromImage(img, opts)
	if err != nil {
		return 0, err
	}
	return len(comps), store.AddImmutable(ctx, key, CleanComponents{Description: description, Components: comps})
}
