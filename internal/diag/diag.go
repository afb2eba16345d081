// Package diag holds the logging and error classification shared by every
// pipeline stage.
package diag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"time"
)

// Code is a coarse error class used for log records and exit reporting.
type Code string

const (
	CodeUnknown Code = "unknown"
	CodeInvalid Code = "invalid"
	CodeIO      Code = "io"
	CodeEngine  Code = "engine"
	CodeCancel  Code = "cancel"
)

var classes = map[Code][]error{}

// Register associates sentinel errors with a class. Packages call it from
// init so that diag does not need to import them.
func Register(code Code, errs ...error) {
	classes[code] = append(classes[code], errs...)
}

// Classify maps err onto a Code using errors.Is against registered sentinels.
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	for _, code := range []Code{CodeInvalid, CodeEngine, CodeIO} {
		for _, sentinel := range classes[code] {
			if errors.Is(err, sentinel) {
				return code
			}
		}
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	return CodeUnknown
}

// ParseLevel accepts debug, info, warn and error. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a text logger writing to w tagged with the run id.
func NewLogger(w io.Writer, level, runID string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	l := slog.New(h)
	if runID != "" {
		l = l.With("run_id", runID)
	}
	return l
}

// Discard returns a logger that drops everything. Used as a nil fallback.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// Timer measures a start→finish span for one component.
type Timer struct {
	log  *slog.Logger
	comp string
	t0   time.Time
}

// Start logs a start record and returns a Timer for the matching Finish.
func Start(log *slog.Logger, comp, msg string, args ...any) *Timer {
	log = OrDiscard(log)
	log.Info(msg, append([]any{"comp", comp, "stage", "start"}, args...)...)
	return &Timer{log: log, comp: comp, t0: time.Now()}
}

// Finish logs a finish record carrying the elapsed time and count.
func (t *Timer) Finish(msg string, count int64) {
	if t == nil {
		return
	}
	t.log.Info(msg, "comp", t.comp, "stage", "finish",
		"dur_ms", time.Since(t.t0).Milliseconds(), "count", count)
}

// Fail logs an error record with the error's class.
func (t *Timer) Fail(msg string, err error) {
	if t == nil {
		return
	}
	t.log.Error(msg, "comp", t.comp, "stage", "error", "code", string(Classify(err)),
		"dur_ms", time.Since(t.t0).Milliseconds(), "err", err)
}

// FmtBytes renders a byte count as a short human readable string.
func FmtBytes(nbytes float64) string {
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if nbytes < 1024.0 {
			return fmt.Sprintf("%3.1f%s", nbytes, unit)
		}
		nbytes /= 1024.0
	}
	return fmt.Sprintf("%.1f%s", nbytes, "TB")
}

// FmtParams renders task parameters as "k=v" pairs sorted by key.
func FmtParams(params map[string]any) string {
	keys := slices.Sorted(maps.Keys(params))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, params[k])
	}
	return strings.Join(parts, ", ")
}
