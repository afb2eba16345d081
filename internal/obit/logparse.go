package obit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// preambleLen is the width of the level and timestamp that open every
// task log line after the task name.
const preambleLen = 23

var levels = map[string]slog.Level{
	"no msg ": slog.LevelDebug,
	"info   ": slog.LevelInfo,
	"warn   ": slog.LevelWarn,
	"trace  ": slog.LevelError,
	"MildErr": slog.LevelError,
	"Error  ": slog.LevelError,
	"Serious": slog.LevelError,
	"Fatal  ": slog.LevelError,
}

// LogLine is one parsed engine log line.
type LogLine struct {
	Task    string
	Level   slog.Level
	Fatal   bool
	Message string
}

// ParseLogLine parses "<task>: <level><timestamp> <message>". Lines without
// a task name are returned at debug level. ok is false for blank lines.
func ParseLogLine(line string) (LogLine, bool) {
	if strings.TrimSpace(line) == "" {
		return LogLine{}, false
	}
	task, rest, found := strings.Cut(line, ":")
	if !found {
		return LogLine{Level: slog.LevelDebug, Message: strings.TrimRight(line, "\r\n")}, true
	}
	rest = strings.TrimLeft(rest, " ")
	key := rest
	if len(key) > 7 {
		key = key[:7]
	}
	level, known := levels[key]
	if !known {
		return LogLine{Task: task, Level: slog.LevelInfo, Message: strings.TrimRight(line, "\r\n")}, true
	}
	msg := ""
	if len(rest) > preambleLen {
		msg = rest[preambleLen:]
	}
	return LogLine{
		Task:    task,
		Level:   level,
		Fatal:   key == "Fatal  ",
		Message: task + ":" + strings.TrimRight(msg, " \r\n"),
	}, true
}

// ForwardLog re-emits every engine log line read from r on log and returns
// the last error level message.
func ForwardLog(r io.Reader, log *slog.Logger) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lastErr := ""
	for scanner.Scan() {
		l, ok := ParseLogLine(scanner.Text())
		if !ok {
			continue
		}
		attrs := []any{}
		if l.Task != "" {
			attrs = append(attrs, "obit_task", l.Task)
		}
		if l.Fatal {
			attrs = append(attrs, "fatal", true)
		}
		log.Log(context.Background(), l.Level, l.Message, attrs...)
		if l.Level >= slog.LevelError {
			lastErr = l.Message
		}
	}
	if err := scanner.Err(); err != nil {
		return lastErr, fmt.Errorf("error scanning task log: %v", err)
	}
	return lastErr, nil
}
