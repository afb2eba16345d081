package contim

import (
	"context"
	"fmt"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/katdal"
	"github.com/mothergoose31/contim/internal/merge"
	"github.com/mothergoose31/contim/internal/obit"
	"github.com/mothergoose31/contim/internal/skymodel"
)

func init() {
	mustRegister(ModeExport, newExportPipeline)
	mustRegister(ModeOffline, newOfflinePipeline)
	mustRegister(ModeOnline, newOnlinePipeline)
}

// exportPipeline writes the merged selection to an AIPS UV file and
// stops there.
type exportPipeline struct{ *run }

func newExportPipeline(ds katdal.DataSet, env Env, opts Options) (Pipeline, error) {
	return &exportPipeline{newRun(ModeExport, ds, env, opts)}, nil
}

func (p *exportPipeline) Execute(ctx context.Context) (res Result, err error) {
	res.Mode = p.mode
	err = p.session(func(eng *obit.Context) error {
		out, err := p.outPath()
		if err != nil {
			return err
		}
		res.MergePath = out
		if err := p.selectData(); err != nil {
			return err
		}
		clobber := merge.Clobber{merge.ClobberScans: {}, merge.ClobberAvgScans: {}}
		n, err := p.runMerge(ctx, eng, out, clobber)
		if err != nil {
			return err
		}
		res.NVis = n
		p.log.Info(fmt.Sprintf("Exported %d visibilities to %s", n, out))
		return nil
	})
	return res, err
}

// outPath resolves the requested output path. An existing file is never
// overwritten.
func (p *exportPipeline) outPath() (aips.Path, error) {
	if p.opts.OutPath == nil {
		return p.mergeDefault()
	}
	out, err := p.opts.OutPath.Normalise()
	if err != nil {
		return out, err
	}
	if out.Seq == 0 {
		seq, err := p.cat().NextSeq(out)
		if err != nil {
			return out, err
		}
		out.Seq = seq
	}
	if p.cat().Exists(out) {
		return out, fmt.Errorf("%w: output path '%s'", ErrExists, out)
	}
	return out, nil
}

// offlinePipeline merges (or reuses a merge file) and images it, keeping
// whatever the clobber set does not name.
type offlinePipeline struct{ *run }

func newOfflinePipeline(ds katdal.DataSet, env Env, opts Options) (Pipeline, error) {
	return &offlinePipeline{newRun(ModeOffline, ds, env, opts)}, nil
}

func (p *offlinePipeline) Execute(ctx context.Context) (res Result, err error) {
	res.Mode = p.mode
	err = p.session(func(eng *obit.Context) error {
		if err := p.selectData(); err != nil {
			return err
		}
		if err := p.sourceInfo(&res); err != nil {
			return err
		}
		if p.opts.Clobber.Has(merge.ClobberMFImage) {
			p.addCleanup(res.UVFiles...)
		}
		if p.opts.Clobber.Has(merge.ClobberClean) {
			p.addCleanup(res.CleanFiles...)
		}

		if p.opts.Reuse {
			if err := p.reuse(&res); err != nil {
				return err
			}
		} else {
			path, err := p.mergeDefault()
			if err != nil {
				return err
			}
			res.MergePath = path
			if res.NVis, err = p.runMerge(ctx, eng, path, p.opts.Clobber); err != nil {
				return err
			}
		}
		if p.opts.Clobber.Has(merge.ClobberMerge) {
			p.addCleanup(res.MergePath)
		}
		if res.NVis < 1 {
			p.log.Warn(fmt.Sprintf("There are %d visibilities in the merged file", res.NVis))
			return nil
		}
		if err := p.runMFImage(ctx, eng, &res); err != nil {
			return err
		}
		return p.attachSNTables(res)
	})
	return res, err
}

// reuse picks the highest existing merge file.
func (p *offlinePipeline) reuse(res *Result) error {
	path, err := p.mergeDefault()
	if err != nil {
		return err
	}
	if path.Seq-1 < 1 {
		disk := ""
		if p.opts.Disk-1 < len(p.cat().AIPSDirs) {
			disk = p.cat().AIPSDirs[p.opts.Disk-1]
		}
		return fmt.Errorf("%w: AIPS disk at '%s' has no 'merge' file to reuse", ErrNoMergeFile, disk)
	}
	path = path.WithSeq(path.Seq - 1)
	p.log.Info(fmt.Sprintf("Re-using UV data in '%s'...", path))
	uvf, err := p.cat().OpenUV(path, p.opts.NVisPIO)
	if err != nil {
		return err
	}
	defer uvf.Close()
	n, err := uvf.NVisFromNX()
	if err != nil {
		return err
	}
	res.MergePath, res.NVis = path, n
	return nil
}

// onlinePipeline merges, images and publishes calibration solutions and
// clean components, removing every intermediate file.
type onlinePipeline struct{ *run }

func newOnlinePipeline(ds katdal.DataSet, env Env, opts Options) (Pipeline, error) {
	if env.Store == nil {
		return nil, fmt.Errorf("%w: '%s' pipeline publishes its products", ErrNoStore, ModeOnline)
	}
	return &onlinePipeline{newRun(ModeOnline, ds, env, opts)}, nil
}

func (p *onlinePipeline) Execute(ctx context.Context) (res Result, err error) {
	res.Mode = p.mode
	err = p.session(func(eng *obit.Context) error {
		if err := p.selectData(); err != nil {
			return err
		}
		if err := p.sourceInfo(&res); err != nil {
			return err
		}
		path, err := p.mergeDefault()
		if err != nil {
			return err
		}
		res.MergePath = path
		p.addCleanup(path)
		if res.NVis, err = p.runMerge(ctx, eng, path, p.opts.Clobber); err != nil {
			return err
		}
		p.log.Info(fmt.Sprintf("There are %d visibilities in the merged file", res.NVis))
		if res.NVis < 1 {
			return nil
		}

		p.addCleanup(res.UVFiles...)
		p.addCleanup(res.CleanFiles...)
		if err := p.runMFImage(ctx, eng, &res); err != nil {
			return err
		}
		if err := p.attachSNTables(res); err != nil {
			return err
		}
		ExportCalibrationSolutions(ctx, p.cat(), res.UVFiles, p.a, p.env.Store, p.opts.TelstateID, p.log)
		sky := skymodel.DefaultOptions()
		if p.opts.Sky != nil {
			sky = *p.opts.Sky
		}
		ExportCleanComponents(ctx, p.cat(), res.CleanFiles, res.TargetIndices, p.a.DataSet(), p.env.Store,
			p.opts.TelstateID, sky, p.log)
		return nil
	})
	return res, err
}
