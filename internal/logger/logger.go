package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Problem is a captured WARN or ERROR record the host can surface to the user.
type Problem struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Profile string
	Error   string
}

// problemRing is a fixed-size circular buffer of recent problems.
type problemRing struct {
	mu      sync.RWMutex
	entries []Problem
	head    int
	count   int

	warnCount  int
	errorCount int
}

func newProblemRing(size int) *problemRing {
	return &problemRing{entries: make([]Problem, size)}
}

func (r *problemRing) add(p Problem) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.head] = p
	r.head = (r.head + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}

	if p.Level >= slog.LevelError {
		r.errorCount++
	} else {
		r.warnCount++
	}
}

func (r *problemRing) snapshot() []Problem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := len(r.entries)
	out := make([]Problem, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.head-r.count+i+size)%size]
	}
	return out
}

func (r *problemRing) counts() (warn, err int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.warnCount, r.errorCount
}

// problemHandler captures WARN/ERROR records before passing them on.
type problemHandler struct {
	inner slog.Handler
	ring  *problemRing
	attrs []slog.Attr
}

func (h *problemHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *problemHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		p := Problem{Time: r.Time, Level: r.Level, Message: r.Message}
		collect := func(a slog.Attr) bool {
			switch a.Key {
			case "profile":
				p.Profile = a.Value.String()
			case "error":
				p.Error = a.Value.String()
			}
			return true
		}
		for _, a := range h.attrs {
			collect(a)
		}
		r.Attrs(collect)
		h.ring.add(p)
	}
	return h.inner.Handle(ctx, r)
}

func (h *problemHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &problemHandler{inner: h.inner.WithAttrs(attrs), ring: h.ring, attrs: merged}
}

func (h *problemHandler) WithGroup(name string) slog.Handler {
	return &problemHandler{inner: h.inner.WithGroup(name), ring: h.ring, attrs: h.attrs}
}

var (
	// Log is the global structured logger
	Log *slog.Logger
	// LogPath is the path to the current log file
	LogPath string

	logWriter *lumberjack.Logger
	problems  *problemRing
)

// LogLevel represents the logging level
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// InitLogger initializes the global logger.
// If logPath is empty, defaults to ~/.config/dbnav/dbnav.log
func InitLogger(level LogLevel, logPath string) {
	if logPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = os.TempDir()
		}
		logDir := filepath.Join(homeDir, ".config", "dbnav")
		_ = os.MkdirAll(logDir, 0755)
		logPath = filepath.Join(logDir, "dbnav.log")
	}
	LogPath = logPath

	logWriter = &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   true,
	}
	initWith(level, logWriter)
}

// InitWriter initializes the global logger on an arbitrary writer. Used by
// tests and by hosts that own their log sink.
func InitWriter(level LogLevel, w io.Writer) {
	initWith(level, w)
}

func initWith(level LogLevel, w io.Writer) {
	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	problems = newProblemRing(100)
	handler := &problemHandler{
		inner: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slogLevel}),
		ring:  problems,
	}

	Log = slog.New(handler)
	slog.SetDefault(Log)
}

// Close closes the log file
func Close() {
	if logWriter != nil {
		logWriter.Close()
	}
}

func getLogger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	getLogger().Debug(msg, args...)
}

// Info logs an info message
func Info(msg string, args ...any) {
	getLogger().Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	getLogger().Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	getLogger().Error(msg, args...)
}

// With creates a new logger with additional attributes
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}

// RecentProblems returns the captured WARN/ERROR records, oldest first.
func RecentProblems() []Problem {
	if problems == nil {
		return nil
	}
	return problems.snapshot()
}

// ProblemCounts returns how many warnings and errors were logged since init.
func ProblemCounts() (warn, err int) {
	if problems == nil {
		return 0, 0
	}
	return problems.counts()
}

// String formats a problem for display.
func (p Problem) String() string {
	level := "WARN"
	if p.Level >= slog.LevelError {
		level = "ERROR"
	}
	s := fmt.Sprintf("%s %-5s %s", p.Time.Format("15:04:05"), level, p.Message)
	if p.Profile != "" {
		s += " [" + p.Profile + "]"
	}
	if p.Error != "" {
		s += ": " + p.Error
	}
	return s
}
