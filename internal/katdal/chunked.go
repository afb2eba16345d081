package katdal

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/diag"
	"github.com/mothergoose31/contim/internal/index"
	"github.com/mothergoose31/contim/internal/reorg"
)

const (
	DefaultTimeStep = 4
	// ChunkWarnBytes is the visibility chunk size above which a warning
	// about available memory is logged.
	ChunkWarnBytes int64 = 8 << 30
)

// Options control chunked reads.
type Options struct {
	TimeStep  int
	Workers   int
	WarnBytes int64
	// Scans restricts iteration to these scan indices when set.
	Scans []int
}

func (o Options) withDefaults() Options {
	if o.TimeStep <= 0 {
		o.TimeStep = DefaultTimeStep
	}
	if o.WarnBytes <= 0 {
		o.WarnBytes = ChunkWarnBytes
	}
	return o
}

// Chunk is a block of time of one scan in AIPS order. U, V and W are in
// wavelengths laid out (time, baseline). Time holds Julian day offsets from
// midnight on the observation date. Vis is (time, baseline, channel,
// stokes, 3).
type Chunk struct {
	U, V, W   []float64
	Time      []float64
	Baselines []float32
	Vis       []float32

	NTime, NBaseline, NChan, NStokes int
}

// Record returns the visibility payload of one (time, baseline) record.
func (c *Chunk) Record(t, b int) []float32 {
	n := c.NChan * c.NStokes * 3
	off := (t*c.NBaseline + b) * n
	return c.Vis[off : off+n : off+n]
}

// Params returns the random parameters of one record.
func (c *Chunk) Params(t, b int, source int) aips.RandomParams {
	i := t*c.NBaseline + b
	return aips.RandomParams{
		U: c.U[i], V: c.V[i], W: c.W[i],
		Time:     c.Time[t],
		Baseline: c.Baselines[b],
		Source:   source,
	}
}

// ScanData is handed to the TimeChunkedScans callback. Chunks is only
// valid during the callback.
type ScanData struct {
	Index       int
	State       string
	TargetIndex int
	Source      aips.SURow
	Chunks      *ChunkReader
}

// ChunkReader reads time chunks of the current scan. Chunk i covers
// [i*step, min((i+1)*step, ntime)) and can be read independently.
type ChunkReader struct {
	ds       DataSet
	order    *index.ProductOrder
	opts     Options
	log      *slog.Logger
	refwave  float64
	midnight float64
	ntime    int
	nchan    int
	nprod    int
}

// Len is the number of chunks.
func (r *ChunkReader) Len() int {
	return (r.ntime + r.opts.TimeStep - 1) / r.opts.TimeStep
}

// NTime is the number of dumps in the scan.
func (r *ChunkReader) NTime() int { return r.ntime }

// Read loads chunk i.
func (r *ChunkReader) Read(i int) (*Chunk, error) {
	if i < 0 || i >= r.Len() {
		return nil, fmt.Errorf("%w: chunk %d outside [0, %d)", ErrSelection, i, r.Len())
	}
	t0 := i * r.opts.TimeStep
	t1 := min(t0+r.opts.TimeStep, r.ntime)
	ntime := t1 - t0

	estimate := int64(ntime) * int64(r.nchan) * int64(r.nprod) * 8
	if estimate > r.opts.WarnBytes {
		r.log.Warn(fmt.Sprintf("Visibility chunk '%s' is greater than '%s'. Check that sufficient memory is available",
			diag.FmtBytes(float64(estimate)), diag.FmtBytes(float64(r.opts.WarnBytes))))
	}

	vis, err := r.ds.Vis(t0, t1)
	if err != nil {
		return nil, fmt.Errorf("failed to read visibilities [%d, %d): %w", t0, t1, err)
	}
	weights, err := r.ds.Weights(t0, t1)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights [%d, %d): %w", t0, t1, err)
	}
	flags, err := r.ds.Flags(t0, t1)
	if err != nil {
		return nil, fmt.Errorf("failed to read flags [%d, %d): %w", t0, t1, err)
	}
	cube := make([]float32, 3*len(vis))
	if err := reorg.Pack(vis, weights, flags, cube); err != nil {
		return nil, err
	}

	shape := reorg.Shape{
		NTime: ntime, NChan: r.nchan, NProd: r.nprod,
		NBaseline: r.order.NBaseline, NStokes: r.order.NStokes,
	}
	out := make([]float32, shape.OutLen())
	if err := reorg.Reorganize(out, cube, shape, r.order.Perm, r.opts.Workers); err != nil {
		return nil, err
	}

	u, v, w, err := r.ds.UVW(t0, t1)
	if err != nil {
		return nil, fmt.Errorf("failed to read uvw [%d, %d): %w", t0, t1, err)
	}
	c := &Chunk{
		Baselines: r.order.Baselines,
		Vis:       out,
		NTime:     ntime,
		NBaseline: r.order.NBaseline,
		NChan:     r.nchan,
		NStokes:   r.order.NStokes,
	}
	for _, coord := range []struct {
		dst *[]float64
		src []float64
	}{{&c.U, u}, {&c.V, v}, {&c.W, w}} {
		*coord.dst = make([]float64, ntime*r.order.NBaseline)
		if err := reorg.Select(*coord.dst, coord.src, ntime, r.nprod, r.order.BaselineArgsort); err != nil {
			return nil, err
		}
		index.ScaleInPlace(*coord.dst, r.refwave)
	}

	ts := r.ds.Timestamps()[t0:t1]
	c.Time = make([]float64, ntime)
	for k, t := range ts {
		c.Time[k] = index.JulianOffset(t, r.midnight)
	}
	return c, nil
}

// Each reads every chunk in time order.
func (r *ChunkReader) Each(ctx context.Context, fn func(i int, c *Chunk) error) error {
	for i := 0; i < r.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := r.Read(i)
		if err != nil {
			return err
		}
		if err := fn(i, c); err != nil {
			return err
		}
	}
	return nil
}

// TimeChunkedScans narrows the adapter selection to each selected scan in
// turn and calls fn with a reader over its time chunks. The selection is
// restored before returning.
func TimeChunkedScans(ctx context.Context, a *Adapter, opts Options, fn func(*ScanData) error) (err error) {
	opts = opts.withDefaults()
	order, err := a.ProductOrder()
	if err != nil {
		return err
	}
	scans := a.ds.Scans()
	defer func() {
		if rerr := a.restore(); rerr != nil && err == nil {
			err = fmt.Errorf("failed to restore selection: %w", rerr)
		}
	}()

	refwave, midnight := a.RefWave(), a.Midnight()
	for _, scan := range scans {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(opts.Scans) > 0 && !slices.Contains(opts.Scans, scan.Index) {
			continue
		}
		if err := a.narrow(scan.Index); err != nil {
			return fmt.Errorf("failed to select scan %d: %w", scan.Index, err)
		}
		source, err := a.Source(scan.TargetIndex)
		if err != nil {
			return err
		}
		ntime, nchan, nprod := a.ds.Shape()
		if nprod != len(order.Argsort) {
			return fmt.Errorf("%w: scan %d has %d products, selection has %d",
				ErrSelection, scan.Index, nprod, len(order.Argsort))
		}
		sd := &ScanData{
			Index:       scan.Index,
			State:       scan.State,
			TargetIndex: scan.TargetIndex,
			Source:      source,
			Chunks: &ChunkReader{
				ds:       a.ds,
				order:    order,
				opts:     opts,
				log:      a.log,
				refwave:  refwave,
				midnight: midnight,
				ntime:    ntime,
				nchan:    nchan,
				nprod:    nprod,
			},
		}
		if err := fn(sd); err != nil {
			return err
		}
	}
	return nil
}
