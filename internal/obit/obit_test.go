package obit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/mothergoose31/contim/internal/aips"
	"github.com/mothergoose31/contim/internal/diag"
	"github.com/mothergoose31/contim/internal/reorg"
)

func TestParseLogLine(t *testing.T) {
	tests := []struct {
		line  string
		level slog.Level
		fatal bool
		msg   string
	}{
		{"MFImage: info    20180523T101112 Beginning task", slog.LevelInfo, false, "MFImage: Beginning task"},
		{"UVBlAvg: warn    20180523T101112 No data", slog.LevelWarn, false, "UVBlAvg: No data"},
		{"UVBlAvg: Serious 20180523T101112 Bad file", slog.LevelError, false, "UVBlAvg: Bad file"},
		{"UVBlAvg: Fatal   20180523T101112 Abort", slog.LevelError, true, "UVBlAvg: Abort"},
		{"MFImage: no msg  20180523T101112 quiet", slog.LevelDebug, false, "MFImage: quiet"},
		{"no task name here", slog.LevelDebug, false, "no task name here"},
		{"MFImage: chatter without level", slog.LevelInfo, false, "MFImage: chatter without level"},
	}
	for _, tt := range tests {
		got, ok := ParseLogLine(tt.line)
		if !ok {
			t.Fatalf("ParseLogLine(%q) skipped", tt.line)
		}
		if got.Level != tt.level || got.Fatal != tt.fatal || got.Message != tt.msg {
			t.Errorf("ParseLogLine(%q) = %+v", tt.line, got)
		}
	}
	if _, ok := ParseLogLine("   "); ok {
		t.Error("blank line parsed")
	}
}

func TestForwardLog(t *testing.T) {
	var buf bytes.Buffer
	log := diag.NewLogger(&buf, "debug", "")
	in := strings.Join([]string{
		"MFImage: info    20180523T101112 Beginning task",
		"",
		"MFImage: Error   20180523T101112 Cannot open file",
		"MFImage: info    20180523T101112 Shutting down",
	}, "\n")
	last, err := ForwardLog(strings.NewReader(in), log)
	if err != nil {
		t.Fatal(err)
	}
	if last != "MFImage: Cannot open file" {
		t.Fatalf("last error = %q", last)
	}
	out := buf.String()
	if strings.Count(out, "obit_task=MFImage") != 3 || !strings.Contains(out, "level=ERROR") {
		t.Fatalf("forwarded log:\n%s", out)
	}
}

func testCatalogue(t *testing.T) *aips.Catalogue {
	t.Helper()
	return aips.NewCatalogue([]string{filepath.Join(t.TempDir(), "aips")}, nil, nil)
}

func TestContextRun(t *testing.T) {
	var got map[string]any
	runner := FuncRunner(func(_ context.Context, task string, params map[string]any) error {
		got = params
		if task == "Broken" {
			return &TaskError{Task: task, Message: "no such file"}
		}
		return nil
	})
	c := NewContext(testCatalogue(t), runner, 105, nil)
	if err := c.Run(context.Background(), "UVBlAvg", nil); !errors.Is(err, ErrContextClosed) {
		t.Fatalf("closed context error = %v", err)
	}

	err := With(testCatalogue(t), runner, 105, nil, func(c *Context) error {
		in := map[string]any{"inName": "x", "nAIPS": 1, "AIPSuser": 3}
		if err := c.Run(context.Background(), "UVBlAvg", in); err != nil {
			return err
		}
		if _, ok := got["nAIPS"]; ok || got["user"] != 105 || got["inName"] != "x" {
			t.Errorf("params = %v", got)
		}
		if _, ok := in["user"]; ok {
			t.Errorf("caller params mutated: %v", in)
		}
		return c.Run(context.Background(), "Broken", nil)
	})
	if !errors.Is(err, ErrTaskFailed) || diag.Classify(err) != diag.CodeEngine {
		t.Fatalf("task error = %v (%s)", err, diag.Classify(err))
	}
}

func TestExecRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "obit_task")
	body := `#!/bin/sh
echo "$1: info    20180523T101112 params $3"
test -f "$3" || exit 2
if [ "$1" = "Fail" ]; then
  echo "$1: Error   20180523T101112 Disk full"
  exit 1
fi
if [ "$1" = "UVBlAvg" ]; then
  echo "$1: Fatal   20180523T101112 Cannot open input"
fi
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	r := &ExecRunner{Binary: script, WorkDir: dir}
	if err := r.Run(context.Background(), "MFImage", map[string]any{"nThreads": 4}); err != nil {
		t.Fatal(err)
	}
	err := r.Run(context.Background(), "Fail", nil)
	var te *TaskError
	if !errors.As(err, &te) || te.Message != "Fail: Disk full" || te.LogPath == "" {
		t.Fatalf("error = %v", err)
	}
	logged, readErr := os.ReadFile(te.LogPath)
	if readErr != nil || !strings.Contains(string(logged), "Disk full") {
		t.Fatalf("task log = %q, %v", logged, readErr)
	}

	err = r.Run(context.Background(), "UVBlAvg", nil)
	if !errors.As(err, &te) || !errors.Is(err, ErrTaskFailed) || !strings.Contains(te.Message, "Cannot open input") {
		t.Fatalf("fatal log line with zero exit status: error = %v", err)
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "*.json")); len(matches) != 0 {
		t.Fatalf("parameter files left behind: %v", matches)
	}
}

func TestIntParam(t *testing.T) {
	params := map[string]any{"a": 3, "b": 4.0, "c": 4.5, "d": true, "e": "x"}
	for key, want := range map[string]int{"a": 3, "b": 4, "d": 1, "missing": 7} {
		if got, err := IntParam(params, key, 7); err != nil || got != want {
			t.Errorf("IntParam(%s) = %d, %v", key, got, err)
		}
	}
	for _, key := range []string{"c", "e"} {
		if _, err := IntParam(params, key, 0); err == nil {
			t.Errorf("IntParam(%s) accepted %v", key, params[key])
		}
	}
}

func TestPathFromKwargs(t *testing.T) {
	want := aips.NewPath("1527016443").WithClass("uvav").WithSeq(3)
	want.Label = ""
	kwargs := want.TaskOutputKwargs()
	kwargs["outSeq"] = 3.0
	got, err := PathFromKwargs(kwargs, "out")
	if err != nil || got != want {
		t.Fatalf("PathFromKwargs = %+v, %v", got, err)
	}
}

func TestAverageChannels(t *testing.T) {
	d := &aips.Descriptor{
		Naxis:  6,
		Inaxes: []int{3, 1, 4, 1, 1, 1},
		Cdelt:  []float64{1, -1, 10, 1, 1, 1},
		Crval:  []float64{1, 1, 100, 1, 0, 0},
	}
	d.Jlocs, d.Jlocf, d.Jlocif, d.Jlocr, d.Jlocd = 1, 2, 3, 4, 5
	src := []float32{
		1, 2, 1,
		3, 4, 3,
		5, 6, reorg.FlagWeight,
		7, 8, -1,
	}
	dst := make([]float32, 6)
	averageChannels(dst, src, d, 2)
	want := []float32{2.5, 3.5, 4, 0, 0, reorg.FlagWeight}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("averaged = %v, want %v", dst, want)
		}
	}
	ad := averagedDescriptor(d, 2)
	if ad.Inaxes[2] != 2 || ad.Cdelt[2] != 20 || ad.Crval[2] != 105 || d.Inaxes[2] != 4 {
		t.Fatalf("averaged descriptor = %v %v %v", ad.Inaxes, ad.Cdelt, ad.Crval)
	}
}

func TestLocalRunnerUnknownTask(t *testing.T) {
	r := &LocalRunner{Cat: testCatalogue(t)}
	if err := r.Run(context.Background(), "MFImage", nil); !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("error = %v", err)
	}
}
