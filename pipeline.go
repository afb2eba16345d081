// Package contim runs the continuum export and imaging work modes: it
// exports a katdal selection to AIPS, merges the averaged scans, images the
// merge file and publishes calibration solutions and clean components to the
// telescope state.
package contim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/diag"
	"github.com/mothergoose31/contim/internal/katdal"
	"github.com/mothergoose31/contim/internal/merge"
	"github.com/mothergoose31/contim/internal/obit"
	"github.com/mothergoose31/contim/internal/skymodel"
	"github.com/mothergoose31/contim/internal/telstate"
)

var (
	// ErrNoTable marks an output file without the table being exported.
	ErrNoTable = aips.ErrNoTable
	// ErrExists is returned when an output path is already taken.
	ErrExists = aips.ErrExists
	// ErrUnknownMode is returned for a work mode nobody registered.
	ErrUnknownMode = errors.New("unknown work mode")
	// ErrNoMergeFile is returned when a reused merge file is missing.
	ErrNoMergeFile = errors.New("no merge file")
	// ErrNoStore is returned when a publishing mode has no telescope state.
	ErrNoStore = errors.New("no telescope state")
)

func init() {
	diag.Register(diag.CodeInvalid, ErrUnknownMode, ErrNoMergeFile, ErrNoStore)
}

// Work modes.
const (
	ModeExport  = "export"
	ModeOffline = "offline"
	ModeOnline  = "online"
)

// Image classes written by MFImage.
const (
	UVClass    = "MFImag"
	CleanClass = "IClean"
)

// Env holds the collaborators shared by every work mode.
type Env struct {
	Catalogue *aips.Catalogue
	Runner    obit.Runner
	// Store receives exported products. It may be nil for modes that do
	// not publish.
	Store telstate.Store
	// User is the AIPS user number.
	User int
	Log  *slog.Logger
}

// Options configures a run.
type Options struct {
	Selection katdal.Selection
	Chunks    katdal.Options
	NVisPIO   int
	PrtLv     int
	Clobber   merge.Clobber
	// MergeScans merges raw scan files without baseline averaging.
	MergeScans bool
	UVBlAvg    map[string]any
	MFImage    map[string]any
	// Disk is the AIPS disk outputs are written to.
	Disk int
	// OutputID labels per-source outputs.
	OutputID string
	// TelstateID prefixes every exported key.
	TelstateID string
	// CaptureBlockID overrides the capture block of the dataset.
	CaptureBlockID string
	// OutPath is the merge file of the export mode. A zero sequence picks
	// the next free one.
	OutPath *aips.Path
	// Reuse images the highest existing merge file instead of merging.
	Reuse bool
	// Sky configures clean component conversion. Nil uses
	// skymodel.DefaultOptions.
	Sky *skymodel.Options
}

// Result describes what a run produced.
type Result struct {
	Mode          string
	MergePath     aips.Path
	NVis          int
	Sources       []string
	TargetIndices []int
	UVFiles       []aips.Path
	CleanFiles    []aips.Path
}

// Pipeline is a configured work mode.
type Pipeline interface {
	Execute(ctx context.Context) (Result, error)
}

// Builder constructs a work mode over a dataset.
type Builder func(ds katdal.DataSet, env Env, opts Options) (Pipeline, error)

var (
	modesMu sync.RWMutex
	modes   = map[string]Builder{}
)

// Register adds a work mode. Registering a name twice is an error.
func Register(name string, b Builder) error {
	modesMu.Lock()
	defer modesMu.Unlock()
	if _, ok := modes[name]; ok {
		return fmt.Errorf("'%s' is already a registered work mode", name)
	}
	modes[name] = b
	return nil
}

func mustRegister(name string, b Builder) {
	if err := Register(name, b); err != nil {
		panic(err)
	}
}

// Modes lists the registered work modes.
func Modes() []string {
	modesMu.RLock()
	defer modesMu.RUnlock()
	names := make([]string, 0, len(modes))
	for name := range modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the work mode registered under mode.
func New(mode string, ds katdal.DataSet, env Env, opts Options) (Pipeline, error) {
	modesMu.RLock()
	b, ok := modes[mode]
	modesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: I don't know how to build a '%s' pipeline", ErrUnknownMode, mode)
	}
	if env.Catalogue == nil || env.Runner == nil {
		return nil, fmt.Errorf("'%s' pipeline needs a catalogue and a task runner", mode)
	}
	if opts.Disk < 1 {
		opts.Disk = 1
	}
	if opts.Clobber == nil {
		opts.Clobber = merge.DefaultClobber()
	}
	return b(ds, env, opts)
}

// run holds the state shared by the work modes.
type run struct {
	mode string
	env  Env
	opts Options
	a    *katdal.Adapter
	log  *slog.Logger

	cleanup []aips.Path
}

func newRun(mode string, ds katdal.DataSet, env Env, opts Options) *run {
	log := diag.OrDiscard(env.Log).With("comp", "pipeline", "mode", mode)
	return &run{mode: mode, env: env, opts: opts, a: katdal.NewAdapter(ds, log), log: log}
}

func (r *run) cat() *aips.Catalogue { return r.env.Catalogue }

// session opens an engine context around fn and zaps the cleanup files
// on every exit path.
func (r *run) session(fn func(eng *obit.Context) error) error {
	return obit.With(r.cat(), r.env.Runner, r.env.User, r.log, func(eng *obit.Context) error {
		defer r.zapCleanup()
		return fn(eng)
	})
}

func (r *run) addCleanup(paths ...aips.Path) {
	r.cleanup = append(r.cleanup, paths...)
}

func (r *run) zapCleanup() {
	for _, p := range r.cleanup {
		if !r.cat().Exists(p) {
			continue
		}
		r.log.Info(fmt.Sprintf("Zapping '%s'", p))
		if err := r.cat().Zap(p); err != nil {
			r.log.Warn("zap failed", "path", p.String(), "err", err)
		}
	}
	r.cleanup = nil
}

// selectData applies the selection and logs its size.
func (r *run) selectData() error {
	if err := r.a.Select(r.opts.Selection); err != nil {
		return err
	}
	ntime, nchan, nprod := r.a.Shape()
	r.log.Info("selection", "ntime", ntime, "nchan", nchan, "nprod", nprod,
		"nif", r.a.NIF(), "size", diag.FmtBytes(float64(r.a.Size())))
	return nil
}

func (r *run) captureBlockID() string {
	if r.opts.CaptureBlockID != "" {
		return r.opts.CaptureBlockID
	}
	return r.a.CaptureBlockID()
}

// mergeDefault is the merge file <cbid>.merge.UV at the next free
// sequence number.
func (r *run) mergeDefault() (aips.Path, error) {
	p := r.a.AIPSPath(aips.DiskAIPS).WithName(r.captureBlockID()).WithClass(merge.MergeClass)
	p.Disk = r.opts.Disk
	seq, err := r.cat().NextSeq(p)
	if err != nil {
		return p, err
	}
	return p.WithSeq(seq), nil
}

func (r *run) runMerge(ctx context.Context, eng *obit.Context, path aips.Path, clobber merge.Clobber) (int, error) {
	c := merge.New(eng, r.a, path, merge.Config{
		NVisPIO:     r.opts.NVisPIO,
		Chunks:      r.opts.Chunks,
		MergeScans:  r.opts.MergeScans,
		Clobber:     clobber,
		BlAvgParams: r.opts.UVBlAvg,
		PrtLv:       r.opts.PrtLv,
	}, r.log)
	return c.Run(ctx)
}

// sourceInfo names the per-source outputs MFImage will write.
func (r *run) sourceInfo(res *Result) error {
	su, err := r.a.SourceTable()
	if err != nil {
		return err
	}
	res.Sources = res.Sources[:0]
	for _, row := range su.Rows {
		res.Sources = append(res.Sources, strings.TrimSpace(row.Source))
	}
	res.TargetIndices = slices.Clone(r.a.DataSet().TargetIndices())

	uv, err := r.sourcePaths(res.Sources, UVClass, "UV")
	if err != nil {
		return err
	}
	clean, err := r.sourcePaths(res.Sources, CleanClass, "MA")
	if err != nil {
		return err
	}
	res.UVFiles, res.CleanFiles = uv, clean
	return nil
}

// sourcePaths returns one path per source, all at the highest next free
// sequence number among them.
func (r *run) sourcePaths(sources []string, class, typ string) ([]aips.Path, error) {
	paths := make([]aips.Path, len(sources))
	seq := 1
	for i, s := range sources {
		paths[i] = aips.Path{Name: s, Disk: r.opts.Disk, Class: class, Type: typ, Label: r.opts.OutputID, DType: aips.DiskAIPS}
		next, err := r.cat().NextSeq(paths[i])
		if err != nil {
			return nil, err
		}
		seq = max(seq, next)
	}
	for i := range paths {
		paths[i].Seq = seq
	}
	return paths, nil
}
