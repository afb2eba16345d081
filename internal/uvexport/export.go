// Package uvexport writes a dataset selection into an AIPS UV file, one
// index row per scan.
package uvexport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/diag"
	"github.com/mothergoose31/contim/internal/index"
	"github.com/mothergoose31/contim/internal/katdal"
)

// Options configure an export.
type Options struct {
	Chunks katdal.Options
	Log    *slog.Logger
}

// Result summarises an export.
type Result struct {
	NVis  int
	Index []aips.NXRow
}

// Export writes every selected scan to uvf starting at visibility 1, then
// attaches the NX table and a unity CL table derived from it. The file must
// have been created with the adapter's descriptor.
func Export(ctx context.Context, a *katdal.Adapter, uvf *aips.UVFile, opts Options) (*Result, error) {
	log := diag.OrDiscard(opts.Log).With("comp", "uvexport")
	timer := diag.Start(log, "uvexport", "exporting", "path", uvf.String())

	w := aips.NewWriter(uvf, 1, log)
	midnight := a.Midnight()
	var nx []aips.NXRow

	err := katdal.TimeChunkedScans(ctx, a, opts.Chunks, func(sd *katdal.ScanData) error {
		ts := a.DataSet().Timestamps()
		if len(ts) == 0 {
			log.Warn(fmt.Sprintf("scan %d has no dumps", sd.Index))
			return nil
		}
		start := index.JulianOffset(ts[0], midnight)
		end := index.JulianOffset(ts[len(ts)-1], midnight)
		sourceName := strings.TrimSpace(sd.Source.Source)
		sourceID := int(sd.Source.ID)

		log.Info(fmt.Sprintf("'%s - %s' 'scan % 4d' writing '%s' of source '%s'",
			dayToDHMS(start), dayToDHMS(end), sd.Index, diag.FmtBytes(float64(a.Size())), sourceName))

		startVis := w.Cursor()
		err := sd.Chunks.Each(ctx, func(_ int, c *katdal.Chunk) error {
			for t := 0; t < c.NTime; t++ {
				for b := 0; b < c.NBaseline; b++ {
					if err := w.WriteRecord(c.Params(t, b, sourceID), c.Record(t, b)); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to export scan %d: %w", sd.Index, err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to export scan %d: %w", sd.Index, err)
		}

		nx = append(nx, aips.NXRow{
			Time:         float32((start + end) / 2),
			TimeInterval: float32(end - start),
			SourceID:     int32(sourceID),
			Subarray:     1,
			FreqID:       1,
			StartVis:     int32(startVis),
			EndVis:       int32(w.Cursor() - 1),
		})
		return nil
	})
	if err != nil {
		timer.Fail("export failed", err)
		return nil, err
	}

	if err := aips.WriteTable(uvf, &aips.Table[aips.NXRow]{Rows: nx}); err != nil {
		timer.Fail("export failed", err)
		return nil, err
	}
	maxAnt, err := a.MaxAntennaNumber()
	if err != nil {
		return nil, err
	}
	if err := aips.AttachCLFromNX(uvf, maxAnt); err != nil {
		timer.Fail("export failed", err)
		return nil, err
	}
	res := &Result{NVis: w.Cursor() - 1, Index: nx}
	timer.Finish("exported", int64(res.NVis))
	return res, nil
}

// dayToDHMS renders a day offset as "D/HH:MM:SS.S".
func dayToDHMS(day float64) string {
	d := int(day)
	rem := (day - float64(d)) * 24
	h := int(rem)
	rem = (rem - float64(h)) * 60
	m := int(rem)
	s := (rem - float64(m)) * 60
	return fmt.Sprintf("%d/%02d:%02d:%04.1f", d, h, m, s)
}
