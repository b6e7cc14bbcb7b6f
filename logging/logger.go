// Package logging provides structured logging for the persistent stack on top of log/slog.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
)

// Logger adds component scoping and structured error logging to slog.Logger.
type Logger struct {
	*slog.Logger
}

// Config selects the level, format and destination of a Logger.
type Config struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `json:"level" mapstructure:"level"`
	// Format is text or json.
	Format      string `json:"format" mapstructure:"format"`
	AddSource   bool   `json:"add_source" mapstructure:"add_source"`
	Environment string `json:"environment" mapstructure:"environment"`

	// File, when set, sends output to a size-rotated log file instead of stdout.
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
}

// DefaultConfig is used by Default when Init was never called.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	AddSource:   false,
	Environment: EnvProduction,
	MaxSizeMB:   10,
	MaxBackups:  3,
	MaxAgeDays:  28,
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Operation is a LogValuer for the operation attribute.
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

// Component is a LogValuer for the component attribute.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// ErrorValuer renders a *errors.Error as a log group.
type ErrorValuer struct {
	*stackerrors.Error
}

func (e ErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", string(e.Component)),
		slog.String("kind", e.Kind.String()),
		slog.String("code", string(e.Code)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	if len(e.Metadata) > 0 {
		meta := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(meta...)))
	}
	return slog.GroupValue(attrs...)
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return slog.Level(LevelTrace)
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

// Writer returns the output for config: a lumberjack rotator when File is set,
// stdout otherwise.
func (c Config) Writer() io.Writer {
	if c.File == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   true,
	}
}

// NewLogger writes to config.Writer().
func NewLogger(config Config) *Logger {
	return NewLoggerTo(config.Writer(), config)
}

// NewLoggerTo creates a logger that writes to w.
func NewLoggerTo(w io.Writer, config Config) *Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(config.Level),
		AddSource:   config.AddSource,
		ReplaceAttr: renameLevels,
	}
	if config.Format == "text" {
		return &Logger{Logger: slog.New(slog.NewTextHandler(w, opts))}
	}
	return &Logger{Logger: slog.New(slog.NewJSONHandler(w, opts))}
}

// renameLevels prints LevelTrace as TRACE instead of DEBUG-4.
func renameLevels(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == slog.Level(LevelTrace) {
			a.Value = slog.StringValue(LevelTrace.String())
		}
	}
	return a
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 8}))}
}

// Init installs a logger built from config as the default.
func Init(config Config) {
	SetDefault(NewLogger(config))
}

// SetDefault also replaces the slog default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// Default lazily builds a logger from DefaultConfig.
func Default() *Logger {
	defaultMu.Lock()
	l := defaultLogger
	defaultMu.Unlock()
	if l == nil {
		Init(DefaultConfig)
		return Default()
	}
	return l
}

func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// LogError logs err at error level with the caller's location. A *errors.Error
// anywhere in the chain is expanded into a stack_error group.
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+2)

	var se *stackerrors.Error
	if errors.As(err, &se) {
		args = append(args, slog.Any("stack_error", ErrorValuer{Error: se}))
	} else if err != nil {
		args = append(args, slog.String("error", err.Error()))
	}

	if pc, file, line, ok := runtime.Caller(1); ok {
		name := ""
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
		}
		args = append(args, slog.Group("caller",
			slog.String("file", file),
			slog.Int("line", line),
			slog.String("function", name),
		))
	}

	for _, attr := range attrs {
		args = append(args, attr)
	}
	l.ErrorContext(ctx, msg, args...)
}

// LogOperation runs fn and logs its outcome and duration.
func (l *Logger) LogOperation(ctx context.Context, op Operation, fn func() error) error {
	start := time.Now()
	opLogger := l.WithOperation(op)
	opLogger.DebugContext(ctx, "operation started")

	err := fn()
	duration := time.Since(start)
	if err != nil {
		opLogger.LogError(ctx, err, "operation failed",
			slog.Duration("duration", duration),
		)
		return err
	}

	opLogger.DebugContext(ctx, "operation completed",
		slog.Duration("duration", duration),
	)
	return nil
}

// WithComponent returns a child of the default logger.
func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}
