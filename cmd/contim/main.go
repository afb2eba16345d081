package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/mothergoose31/contim"
	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/config"
	"github.com/mothergoose31/contim/internal/diag"
	"github.com/mothergoose31/contim/internal/katdal"
	"github.com/mothergoose31/contim/internal/merge"
	"github.com/mothergoose31/contim/internal/obit"
	"github.com/mothergoose31/contim/internal/telstate"
)

type flags struct {
	input      string
	mode       string
	envFile    string
	engine     string
	workDir    string
	parameters string
	sel        string
	blavg      string
	mfimage    string
	clobber    string
	output     string
	outputID   string
	telstateID string
	nvispio    int
	prtlv      int
	timeStep   int
	reuse      bool
	mergeScans bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.input, "input", "", "YAML description of the observation (default: built-in synthetic observation)")
	flag.StringVar(&f.mode, "mode", contim.ModeOffline, "Work mode: "+strings.Join(contim.Modes(), ", "))
	flag.StringVar(&f.envFile, "env", ".env", "Environment file with CONTIM_* settings")
	flag.StringVar(&f.engine, "engine", "", "Task engine: exec or local")
	flag.StringVar(&f.workDir, "workdir", "", "Working directory for AIPS and FITS disks")
	flag.StringVar(&f.parameters, "parameters", "", "Task parameter file, or a directory holding the default parameter files")
	flag.StringVar(&f.sel, "select", "scans='track'; spw=0", "Selection assignments, e.g. \"scans='track'; pol='hh,vv'; channels=slice(0,4096)\"")
	flag.StringVar(&f.blavg, "blavg", "", "UVBlAvg parameter assignments")
	flag.StringVar(&f.mfimage, "mfimage", "", "MFImage parameter assignments")
	flag.StringVar(&f.clobber, "clobber", "", "Comma separated file kinds to remove: scans, avgscans, merge, clean, mfimage")
	flag.StringVar(&f.output, "output", "", "Export output path (name, disk, class, seq, type, label, dtype)")
	flag.StringVar(&f.outputID, "output-id", "continuum_image", "Label of per-source outputs")
	flag.StringVar(&f.telstateID, "telstate-id", "", "Prefix of published telescope state keys")
	flag.IntVar(&f.nvispio, "nvispio", 0, "Visibilities per AIPS write")
	flag.IntVar(&f.prtlv, "prtlv", -1, "Engine print level")
	flag.IntVar(&f.timeStep, "timestep", 0, "Dumps read per chunk")
	flag.BoolVar(&f.reuse, "reuse", false, "Image the existing merge file instead of merging again (offline)")
	flag.BoolVar(&f.mergeScans, "merge-scans", false, "Merge raw scans without baseline averaging")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	log := diag.NewLogger(os.Stderr, cfg.LogLevel, uuid.NewString())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, f, cfg, log); err != nil {
		attrs := []any{"code", diag.Classify(err), "err", err}
		var te *obit.TaskError
		if errors.As(err, &te) {
			attrs = append(attrs, "stage", te.Task)
			if te.LogPath != "" {
				attrs = append(attrs, "task_log", te.LogPath)
			}
		}
		log.Error("pipeline failed", attrs...)
		cancel()
		os.Exit(1)
	}
}

func loadConfig(f flags) (config.Config, error) {
	cfg, err := config.Load(f.envFile, os.Environ())
	if err != nil {
		return cfg, err
	}
	over := config.Config{
		Engine:       f.engine,
		WorkDir:      f.workDir,
		ParameterDir: f.parameters,
		NVisPIO:      f.nvispio,
		PrtLv:        f.prtlv,
	}
	if f.clobber != "" {
		over.Clobber = strings.Split(f.clobber, ",")
	}
	cfg = config.Merge(cfg, over)
	return cfg, config.Validate(cfg)
}

func loadDataSet(path string) (katdal.DataSet, error) {
	if path == "" {
		return katdal.NewMockDataSet(katdal.DefaultMockConfig()), nil
	}
	mc, err := katdal.LoadMockConfig(path)
	if err != nil {
		return nil, err
	}
	return katdal.NewMockDataSet(mc), nil
}

func run(ctx context.Context, f flags, cfg config.Config, log *slog.Logger) error {
	ds, err := loadDataSet(f.input)
	if err != nil {
		return err
	}
	opts, err := buildOptions(f, cfg, ds, log)
	if err != nil {
		return err
	}

	cbID := katdal.NewAdapter(ds, log).CaptureBlockID()
	aipsDirs, fitsDirs := cfg.Disks(cbID)
	cat := aips.NewCatalogue(aipsDirs, fitsDirs, log)

	var runner obit.Runner
	switch cfg.Engine {
	case config.EngineLocal:
		runner = &obit.LocalRunner{Cat: cat, Log: log}
	default:
		logDir := filepath.Join(cfg.WorkDir, "logs")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		runner = &obit.ExecRunner{Binary: cfg.ObitTask, WorkDir: cfg.WorkDir, LogDir: logDir, Env: os.Environ(), Log: log}
	}

	var store telstate.Store
	if cfg.TelstateURL != "" {
		pg, err := telstate.NewPostgres(ctx, cfg.TelstateURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	} else {
		mem := telstate.NewMemory()
		defer func() { log.Info("telescope state", "keys", mem.Keys()) }()
		store = mem
	}

	p, err := contim.New(f.mode, ds, contim.Env{Catalogue: cat, Runner: runner, Store: store, User: 105, Log: log}, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Running %s pipeline on capture block %s...\n", f.mode, cbID)
	res, err := p.Execute(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Merged %d visibilities into %s\n", res.NVis, res.MergePath)
	if len(res.CleanFiles) > 0 {
		fmt.Printf("Imaged %d sources\n", len(res.CleanFiles))
	}
	fmt.Println("Done!")
	return nil
}

func buildOptions(f flags, cfg config.Config, ds katdal.DataSet, log *slog.Logger) (contim.Options, error) {
	var opts contim.Options
	assigns, err := config.ParseAssigns(f.sel)
	if err != nil {
		return opts, err
	}
	sel, err := config.Selection(assigns, len(ds.ChannelFreqs()))
	if err != nil {
		return opts, err
	}
	inf, err := config.InferDefaults(ds)
	if err != nil {
		return opts, err
	}
	if sel.NIF == 0 {
		sel.NIF = inf.NIF
	}

	blavg, err := taskParams(f.blavg, config.CollectionUVBlAvg, inf.UVBlAvg, cfg, ds, f.mode, log)
	if err != nil {
		return opts, err
	}
	mfimage, err := taskParams(f.mfimage, config.CollectionMFImage, inf.MFImage, cfg, ds, f.mode, log)
	if err != nil {
		return opts, err
	}
	clobber, err := merge.ParseClobber(cfg.Clobber)
	if err != nil {
		return opts, err
	}

	opts = contim.Options{
		Selection:  sel,
		Chunks:     katdal.Options{TimeStep: f.timeStep},
		NVisPIO:    cfg.NVisPIO,
		PrtLv:      cfg.PrtLv,
		Clobber:    clobber,
		MergeScans: f.mergeScans,
		UVBlAvg:    blavg,
		MFImage:    mfimage,
		OutputID:   f.outputID,
		TelstateID: f.telstateID,
		Reuse:      f.reuse,
	}
	if f.output != "" {
		out, err := aips.ParsePath(f.output)
		if err != nil {
			return opts, err
		}
		opts.OutPath = &out
	}
	return opts, nil
}

// taskParams layers parameter file values, dataset defaults and user
// assignments, in increasing precedence.
func taskParams(src, collection string, inferred map[string]any, cfg config.Config, ds katdal.DataSet, mode string, log *slog.Logger) (map[string]any, error) {
	user, err := config.ParseAssigns(src)
	if err != nil {
		return nil, err
	}
	params := config.RecursiveMerge(user, config.RecursiveMerge(inferred, nil))
	if cfg.ParameterDir == "" {
		return params, nil
	}
	file, err := config.ParameterFile(ds, cfg.ParameterDir, mode == contim.ModeOnline)
	if err != nil {
		return nil, err
	}
	return config.TaskParams(file, collection, params, log)
}
