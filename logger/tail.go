package logger

import (
	"sync"

	"go.uber.org/zap/zapcore"
)

// tailBufferSize is the number of recent log lines retained in memory.
const tailBufferSize = 500

// ringBuffer holds recent formatted log lines for the system-logs surface.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

var tail = &ringBuffer{lines: make([]string, tailBufferSize)}

func (r *ringBuffer) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns up to n most recent lines, oldest first.
func (r *ringBuffer) snapshot(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []string
	if r.full {
		ordered = append(ordered, r.lines[r.next:]...)
		ordered = append(ordered, r.lines[:r.next]...)
	} else {
		ordered = append(ordered, r.lines[:r.next]...)
	}

	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	out := make([]string, len(ordered))
	copy(out, ordered)
	return out
}

// Tail returns up to n recent log lines, oldest first. Pass 0 for all
// retained lines.
func Tail(n int) []string {
	return tail.snapshot(n)
}

// tailCore builds a zapcore.Core that appends plain-text formatted entries
// into the tail ring buffer.
func tailCore(level zapcore.Level) zapcore.Core {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	return zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(&tailWriter{}), level)
}

type tailWriter struct{}

func (w *tailWriter) Write(p []byte) (int, error) {
	line := string(p)
	// Strip trailing newline written by the console encoder
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	tail.append(line)
	return len(p), nil
}
