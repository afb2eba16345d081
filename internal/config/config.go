// Package config assembles pipeline configuration from defaults, a .env
// file, CONTIM_* environment variables and task parameter files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mothergoose31/contim/internal/diag"
)

// ErrInvalid is returned for malformed configuration values.
var ErrInvalid = errors.New("invalid configuration")

func init() {
	diag.Register(diag.CodeInvalid, ErrInvalid)
}

// Engines the pipeline can run tasks with.
const (
	EngineExec  = "exec"
	EngineLocal = "local"
)

const envPrefix = "CONTIM_"

// Config holds runtime configuration shared by every work mode.
type Config struct {
	AIPSDirs     []string
	FITSDirs     []string
	WorkDir      string
	LogLevel     string
	Engine       string
	ObitTask     string
	TelstateURL  string
	ParameterDir string
	NVisPIO      int
	// PrtLv is the engine print level. Negative means unset.
	PrtLv   int
	Clobber []string
}

// Defaults returns the base configuration.
func Defaults() Config {
	return Config{
		WorkDir:  ".",
		LogLevel: "info",
		Engine:   EngineExec,
		ObitTask: "obit_task",
		NVisPIO:  1024,
		PrtLv:    2,
		Clobber:  []string{"scans", "avgscans"},
	}
}

// Merge overlays over onto base. Empty strings, nil slices, zero NVisPIO
// and negative PrtLv do not override.
func Merge(base, over Config) Config {
	out := base
	if len(over.AIPSDirs) > 0 {
		out.AIPSDirs = append([]string(nil), over.AIPSDirs...)
	}
	if len(over.FITSDirs) > 0 {
		out.FITSDirs = append([]string(nil), over.FITSDirs...)
	}
	if over.WorkDir != "" {
		out.WorkDir = over.WorkDir
	}
	if over.LogLevel != "" {
		out.LogLevel = over.LogLevel
	}
	if over.Engine != "" {
		out.Engine = over.Engine
	}
	if over.ObitTask != "" {
		out.ObitTask = over.ObitTask
	}
	if over.TelstateURL != "" {
		out.TelstateURL = over.TelstateURL
	}
	if over.ParameterDir != "" {
		out.ParameterDir = over.ParameterDir
	}
	if over.NVisPIO != 0 {
		out.NVisPIO = over.NVisPIO
	}
	if over.PrtLv >= 0 {
		out.PrtLv = over.PrtLv
	}
	if over.Clobber != nil {
		out.Clobber = append([]string{}, over.Clobber...)
	}
	return out
}

// Load reads envFile (when it exists) and environ, which takes precedence,
// and overlays their CONTIM_* variables onto Defaults.
func Load(envFile string, environ []string) (Config, error) {
	vars := map[string]string{}
	if envFile != "" {
		fileVars, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			vars = fileVars
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrInvalid, envFile, err)
		}
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			vars[k] = v
		}
	}
	over, err := EnvOverlay(vars)
	if err != nil {
		return Config{}, err
	}
	cfg := Merge(Defaults(), over)
	return cfg, Validate(cfg)
}

// EnvOverlay builds a partial Config from CONTIM_* variables.
func EnvOverlay(vars map[string]string) (Config, error) {
	over := Config{PrtLv: -1}
	get := func(name string) string { return strings.TrimSpace(vars[envPrefix+name]) }

	over.AIPSDirs = splitComma(get("AIPS_DIRS"))
	over.FITSDirs = splitComma(get("FITS_DIRS"))
	over.WorkDir = get("WORKDIR")
	over.LogLevel = get("LOG_LEVEL")
	over.Engine = get("ENGINE")
	over.ObitTask = get("OBIT_TASK")
	over.TelstateURL = get("TELSTATE_URL")
	over.ParameterDir = get("PARAMETER_DIR")
	if v := get("NVISPIO"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return over, fmt.Errorf("%w: %sNVISPIO: %v", ErrInvalid, envPrefix, err)
		}
		over.NVisPIO = n
	}
	if v := get("PRTLV"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return over, fmt.Errorf("%w: %sPRTLV: %v", ErrInvalid, envPrefix, err)
		}
		over.PrtLv = n
	}
	if v, ok := vars[envPrefix+"CLOBBER"]; ok {
		over.Clobber = splitComma(v)
		if over.Clobber == nil {
			over.Clobber = []string{}
		}
	}
	return over, nil
}

// Validate checks values that cannot be defaulted.
func Validate(cfg Config) error {
	if cfg.Engine != EngineExec && cfg.Engine != EngineLocal {
		return fmt.Errorf("%w: engine '%s' should be %s or %s", ErrInvalid, cfg.Engine, EngineExec, EngineLocal)
	}
	if cfg.NVisPIO < 1 {
		return fmt.Errorf("%w: nvispio %d < 1", ErrInvalid, cfg.NVisPIO)
	}
	if cfg.Engine == EngineExec && cfg.ObitTask == "" {
		return fmt.Errorf("%w: no engine task runner configured", ErrInvalid)
	}
	return nil
}

// Disks returns the AIPS and FITS disk directories, defaulting to per
// capture block directories under WorkDir.
func (c Config) Disks(captureBlockID string) (aipsDirs, fitsDirs []string) {
	aipsDirs, fitsDirs = c.AIPSDirs, c.FITSDirs
	if len(aipsDirs) == 0 {
		aipsDirs = []string{filepath.Join(c.WorkDir, captureBlockID+"_aipsdisk")}
	}
	if len(fitsDirs) == 0 {
		fitsDirs = []string{filepath.Join(c.WorkDir, "FITS")}
	}
	return aipsDirs, fitsDirs
}

func splitComma(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
