package diag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
)

var errTestInvalid = errors.New("test invalid")

func TestClassify(t *testing.T) {
	Register(CodeInvalid, errTestInvalid)

	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeUnknown},
		{"cancel", fmt.Errorf("wrapped: %w", context.Canceled), CodeCancel},
		{"registered", fmt.Errorf("stage: %w", errTestInvalid), CodeInvalid},
		{"path", &os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}, CodeIO},
		{"other", errors.New("boom"), CodeUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("%s: Classify = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug {
		t.Fatalf("debug not parsed")
	}
	if ParseLevel("warning") != slog.LevelWarn {
		t.Fatalf("warning not parsed")
	}
	if ParseLevel("nonsense") != slog.LevelInfo {
		t.Fatalf("unknown level should default to info")
	}
}

func TestTimerWritesStartAndFinish(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "info", "run-1")
	tm := Start(log, "writer", "export")
	tm.Finish("export", 42)
	out := buf.String()
	for _, want := range []string{"stage=start", "stage=finish", "count=42", "run_id=run-1", "comp=writer"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestFmtBytes(t *testing.T) {
	cases := map[float64]string{
		512:                    "512.0B",
		2048:                   "2.0KB",
		3 * 1024 * 1024:        "3.0MB",
		8 * 1024 * 1024 * 1024: "8.0GB",
	}
	for n, want := range cases {
		if got := FmtBytes(n); got != want {
			t.Errorf("FmtBytes(%v) = %q, want %q", n, got, want)
		}
	}
}

func TestFmtParams(t *testing.T) {
	got := FmtParams(map[string]any{"chAvg": 4, "FOV": 1.5, "avgFreq": 1})
	if want := "FOV=1.5, avgFreq=1, chAvg=4"; got != want {
		t.Fatalf("FmtParams = %q, want %q", got, want)
	}
	if got := FmtParams(nil); got != "" {
		t.Fatalf("FmtParams(nil) = %q", got)
	}
}
