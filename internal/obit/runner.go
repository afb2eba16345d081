// Package obit is the boundary to the external imaging engine. Tasks run
// through a Runner inside an explicitly opened Context that owns the disk
// catalogue.
package obit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mothergoose31/contim/internal/diag"
)

var (
	ErrTaskFailed    = errors.New("engine task failed")
	ErrContextClosed = errors.New("engine context is not open")
)

func init() {
	diag.Register(diag.CodeEngine, ErrTaskFailed, ErrContextClosed)
}

// TaskError carries the engine's last error message and the task log.
type TaskError struct {
	Task    string
	Message string
	LogPath string
	Err     error
}

func (e *TaskError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Task)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	if e.LogPath != "" {
		msg += ", see " + e.LogPath
	}
	return msg
}

func (e *TaskError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTaskFailed}
	}
	return []error{ErrTaskFailed, e.Err}
}

// Runner runs one engine task with the given parameters.
type Runner interface {
	Run(ctx context.Context, task string, params map[string]any) error
}

// FuncRunner adapts a function to Runner.
type FuncRunner func(ctx context.Context, task string, params map[string]any) error

func (f FuncRunner) Run(ctx context.Context, task string, params map[string]any) error {
	return f(ctx, task, params)
}

// ExecRunner runs tasks as "<Binary> <task> -c <params.json>" and forwards
// the task's output to the logger.
type ExecRunner struct {
	Binary  string
	WorkDir string
	LogDir  string
	Env     []string
	Log     *slog.Logger
}

func (r *ExecRunner) Run(ctx context.Context, task string, params map[string]any) error {
	log := diag.OrDiscard(r.Log).With("comp", "obit", "task", task)
	id := uuid.NewString()
	workDir := r.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	logDir := r.LogDir
	if logDir == "" {
		logDir = workDir
	}

	paramFile := filepath.Join(workDir, fmt.Sprintf("%s_%s.json", task, id))
	raw, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return &TaskError{Task: task, Err: fmt.Errorf("failed to encode parameters: %w", err)}
	}
	if err := os.WriteFile(paramFile, raw, 0o644); err != nil {
		return &TaskError{Task: task, Err: fmt.Errorf("failed to write parameters: %w", err)}
	}
	defer os.Remove(paramFile)

	logPath := filepath.Join(logDir, fmt.Sprintf("%s_%s.log", task, id))
	logFile, err := os.Create(logPath)
	if err != nil {
		return &TaskError{Task: task, Err: fmt.Errorf("failed to create task log: %w", err)}
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, r.Binary, task, "-c", paramFile)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), r.Env...)
	var stderr bytes.Buffer
	cmd.Stderr = io.MultiWriter(logFile, &stderr)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &TaskError{Task: task, LogPath: logPath, Err: err}
	}

	log.Info("running task", "params", paramFile, "log", logPath)
	if err := cmd.Start(); err != nil {
		return &TaskError{Task: task, LogPath: logPath, Err: err}
	}
	lastErr, scanErr := ForwardLog(io.TeeReader(stdout, logFile), log)
	if scanErr != nil {
		io.Copy(logFile, stdout)
	}
	waitErr := cmd.Wait()
	if waitErr != nil {
		if lastErr == "" {
			lastErr = firstLine(stderr.String())
		}
		if ctx.Err() != nil {
			waitErr = ctx.Err()
		}
		return &TaskError{Task: task, Message: lastErr, LogPath: logPath, Err: waitErr}
	}
	if scanErr != nil {
		log.Warn("task log truncated", "err", scanErr)
	}
	// The engine reports some failures only in its log.
	if lastErr != "" {
		return &TaskError{Task: task, Message: lastErr, LogPath: logPath}
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
