// Package logging configures the process-wide structured loggers and
// provides per-service file loggers with rotation.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// baseHandler backs every logger this package hands out. Records are
	// discarded until Init or SetOutput installs a real handler.
	baseHandler slog.Handler = slog.DiscardHandler
	mu          sync.RWMutex
)

// handlerOp is one recorded WithAttrs or WithGroup call, replayed against
// the current base handler at log time.
type handlerOp struct {
	group string
	attrs []slog.Attr
}

// dynamicHandler resolves the process handler when a record is logged, not
// when the logger is built. Package-level loggers captured in init() this
// way pick up the handler a later Init or SetOutput call installs instead
// of holding a nil or stale one.
type dynamicHandler struct {
	ops []handlerOp
}

func (h *dynamicHandler) resolve() slog.Handler {
	mu.RLock()
	base := baseHandler
	mu.RUnlock()
	for _, op := range h.ops {
		if op.group != "" {
			base = base.WithGroup(op.group)
		} else {
			base = base.WithAttrs(op.attrs)
		}
	}
	return base
}

func (h *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	ops := make([]handlerOp, 0, len(h.ops)+1)
	ops = append(ops, h.ops...)
	ops = append(ops, handlerOp{attrs: attrs})
	return &dynamicHandler{ops: ops}
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	ops := make([]handlerOp, 0, len(h.ops)+1)
	ops = append(ops, h.ops...)
	ops = append(ops, handlerOp{group: name})
	return &dynamicHandler{ops: ops}
}

// FileRotation controls rotation of per-service log files.
type FileRotation struct {
	MaxSizeMB  int // Rotate after the file exceeds this size
	MaxBackups int // Number of rotated files to keep
	MaxAgeDays int // Drop rotated files older than this
}

// DefaultFileRotation is used when a caller passes a zero FileRotation.
var DefaultFileRotation = FileRotation{
	MaxSizeMB:  100,
	MaxBackups: 3,
	MaxAgeDays: 28,
}

// Init initializes the logging system with a structured JSON logger on
// stdout and installs it as the slog default. Loggers obtained from
// Structured or ForService before this call start emitting through the new
// handler.
func Init(level slog.Leveler) {
	mu.Lock()
	defer mu.Unlock()

	baseHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(baseHandler))
}

// SetOutput redirects the structured logger, used by tests to capture or
// silence log output.
func SetOutput(w io.Writer, level slog.Leveler) {
	mu.Lock()
	defer mu.Unlock()

	baseHandler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(baseHandler))
}

// Structured returns the globally configured structured (JSON) logger. The
// logger is safe to capture before Init; it follows whatever handler Init
// or SetOutput later installs.
func Structured() *slog.Logger {
	return slog.New(&dynamicHandler{})
}

// ForService creates a new logger instance with the 'service' attribute
// added. Safe to call from package init: the logger is never nil and picks
// up the handler a later Init installs, discarding records until then.
func ForService(serviceName string) *slog.Logger {
	return slog.New(&dynamicHandler{
		ops: []handlerOp{{attrs: []slog.Attr{slog.String("service", serviceName)}}},
	})
}

// NewFileLogger creates a slog.Logger writing JSON logs to the given file
// path, rotated by lumberjack. All records carry a 'service' attribute.
// It returns the logger, a function to close the underlying writer, and an
// error if setup fails.
func NewFileLogger(filePath, serviceName string, level slog.Leveler) (*slog.Logger, func() error, error) {
	return newFileLogger(filePath, serviceName, level, DefaultFileRotation)
}

// NewFileLoggerWithRotation is NewFileLogger with explicit rotation settings.
func NewFileLoggerWithRotation(filePath, serviceName string, level slog.Leveler, rotation FileRotation) (*slog.Logger, func() error, error) {
	return newFileLogger(filePath, serviceName, level, rotation)
}

func newFileLogger(filePath, serviceName string, level slog.Leveler, rotation FileRotation) (*slog.Logger, func() error, error) {
	// lumberjack does not create directories
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	if rotation.MaxSizeMB <= 0 {
		rotation.MaxSizeMB = DefaultFileRotation.MaxSizeMB
	}
	if rotation.MaxBackups <= 0 {
		rotation.MaxBackups = DefaultFileRotation.MaxBackups
	}
	if rotation.MaxAgeDays <= 0 {
		rotation.MaxAgeDays = DefaultFileRotation.MaxAgeDays
	}

	logWriter := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
	}

	fileHandler := slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(fileHandler).With("service", serviceName)

	closeFunc := func() error {
		return logWriter.Close()
	}

	return logger, closeFunc, nil
}
