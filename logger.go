package fmq

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Logger is the logging surface the queue writes to. Messages are short and
// carry key-value pairs; adapt it to any structured logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// WithContext returns a logger bound to ctx
	WithContext(ctx context.Context) Logger

	// WithFields returns a logger with the given fields attached
	WithFields(keysAndValues ...any) Logger
}

// NoOpLogger discards everything
type NoOpLogger struct{}

var _ Logger = NoOpLogger{}

func (NoOpLogger) Debug(msg string, keysAndValues ...any)   {}
func (NoOpLogger) Info(msg string, keysAndValues ...any)    {}
func (NoOpLogger) Warn(msg string, keysAndValues ...any)    {}
func (NoOpLogger) Error(msg string, keysAndValues ...any)   {}
func (n NoOpLogger) WithContext(ctx context.Context) Logger { return n }
func (n NoOpLogger) WithFields(keysAndValues ...any) Logger { return n }

// StdLogger writes "[LEVEL] msg {k=v, ...}" lines, by default to stderr
type StdLogger struct {
	level  LogLevel
	mu     *sync.Mutex
	writer io.Writer
	fields []any
}

var _ Logger = (*StdLogger)(nil)

// NewStdLogger creates a leveled logger writing to stderr
func NewStdLogger(level LogLevel) *StdLogger {
	return NewStdLoggerTo(os.Stderr, level)
}

// NewStdLoggerTo creates a leveled logger writing to w
func NewStdLoggerTo(w io.Writer, level LogLevel) *StdLogger {
	return &StdLogger{
		level:  level,
		mu:     &sync.Mutex{},
		writer: w,
	}
}

func (s *StdLogger) log(level LogLevel, levelStr, msg string, keysAndValues ...any) {
	if level < s.level {
		return
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(levelStr)
	b.WriteString("] ")
	b.WriteString(msg)

	all := make([]any, 0, len(s.fields)+len(keysAndValues))
	all = append(all, s.fields...)
	all = append(all, keysAndValues...)
	if len(all) > 0 {
		b.WriteString(" {")
		for i := 0; i < len(all); i += 2 {
			if i > 0 {
				b.WriteString(", ")
			}
			if i+1 < len(all) {
				fmt.Fprintf(&b, "%v=%v", all[i], all[i+1])
			} else {
				fmt.Fprintf(&b, "%v=<missing>", all[i])
			}
		}
		b.WriteString("}")
	}
	b.WriteString("\n")

	s.mu.Lock()
	io.WriteString(s.writer, b.String())
	s.mu.Unlock()
}

func (s *StdLogger) Debug(msg string, keysAndValues ...any) {
	s.log(LogLevelDebug, "DEBUG", msg, keysAndValues...)
}

func (s *StdLogger) Info(msg string, keysAndValues ...any) {
	s.log(LogLevelInfo, "INFO", msg, keysAndValues...)
}

func (s *StdLogger) Warn(msg string, keysAndValues ...any) {
	s.log(LogLevelWarn, "WARN", msg, keysAndValues...)
}

func (s *StdLogger) Error(msg string, keysAndValues ...any) {
	s.log(LogLevelError, "ERROR", msg, keysAndValues...)
}

func (s *StdLogger) WithContext(ctx context.Context) Logger {
	return s
}

func (s *StdLogger) WithFields(keysAndValues ...any) Logger {
	fields := make([]any, 0, len(s.fields)+len(keysAndValues))
	fields = append(fields, s.fields...)
	fields = append(fields, keysAndValues...)
	return &StdLogger{
		level:  s.level,
		mu:     s.mu,
		writer: s.writer,
		fields: fields,
	}
}

// SlogAdapter adapts *slog.Logger to Logger
type SlogAdapter struct {
	logger *slog.Logger
	ctx    context.Context
}

var _ Logger = (*SlogAdapter)(nil)

// NewSlogAdapter wraps logger
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger, ctx: context.Background()}
}

func (s *SlogAdapter) Debug(msg string, keysAndValues ...any) {
	s.logger.DebugContext(s.ctx, msg, keysAndValues...)
}

func (s *SlogAdapter) Info(msg string, keysAndValues ...any) {
	s.logger.InfoContext(s.ctx, msg, keysAndValues...)
}

func (s *SlogAdapter) Warn(msg string, keysAndValues ...any) {
	s.logger.WarnContext(s.ctx, msg, keysAndValues...)
}

func (s *SlogAdapter) Error(msg string, keysAndValues ...any) {
	s.logger.ErrorContext(s.ctx, msg, keysAndValues...)
}

// WithContext passes ctx to the slog handler on every record
func (s *SlogAdapter) WithContext(ctx context.Context) Logger {
	return &SlogAdapter{logger: s.logger, ctx: ctx}
}

func (s *SlogAdapter) WithFields(keysAndValues ...any) Logger {
	return &SlogAdapter{logger: s.logger.With(keysAndValues...), ctx: s.ctx}
}

// createLogger picks the configured logger or builds one from the level name
func createLogger(config LogConfig) Logger {
	if config.Logger != nil {
		return config.Logger
	}

	switch strings.ToLower(config.Level) {
	case "none", "off":
		return NoOpLogger{}
	case "debug":
		return NewStdLogger(LogLevelDebug)
	case "warn", "warning":
		return NewStdLogger(LogLevelWarn)
	case "error":
		return NewStdLogger(LogLevelError)
	default:
		return NewStdLogger(LogLevelInfo)
	}
}
