package evilbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

var defaultLogWriter io.Writer = os.Stdout

// logOutput builds handlers for each subsystem. Console output is colorized
// by tint and honors the subsystem's level. When a log file is configured,
// every record at debug and above is also written there as JSON.
type logOutput struct {
	console     io.Writer
	file        *lumberjack.Logger
	fileHandler slog.Handler
}

func newLogOutput(console io.Writer, cfg *LogFileConfig) *logOutput {
	if console == nil {
		console = defaultLogWriter
	}
	o := &logOutput{console: console}
	if cfg == nil || cfg.Path == "" {
		return o
	}
	o.file = &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.maxFileSizeMB(),
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
	o.fileHandler = slog.NewJSONHandler(
		o.file,
		&slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true},
	)
	return o
}

// handler returns a handler at the given level, tagged with the
// subsystem name when one is given
func (o *logOutput) handler(level slog.Leveler, name string) slog.Handler {
	var h slog.Handler = tint.NewHandler(
		o.console, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
	if o.fileHandler != nil {
		h = fanoutHandler{handlers: []slog.Handler{h, o.fileHandler}}
	}
	if name != "" {
		h = h.WithAttrs([]slog.Attr{slog.String(loggerNameKey, name)})
	}
	return h
}

func (o *logOutput) logger(level slog.Leveler, name string) *slog.Logger {
	return slog.New(o.handler(level, name))
}

func (o *logOutput) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}

// fanoutHandler passes each record to every handler that accepts its level
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: handlers}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: handlers}
}

func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

type gormStructuredLogger struct {
	logger        *slog.Logger
	handler       slog.Handler
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		handler:       handler,
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		SlowThreshold: slowThreshold,
	}
}

// LogMode is a no-op, as levels are controlled by the handler's LevelVar
func (g gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rowsAffected := fc()
	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}
	attrs := []any{
		"elapsed", elapsed,
		"threshold", g.SlowThreshold,
		"rows", rows,
		"sql", s,
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		attrs = append(attrs, tint.Err(err))
	}

	switch {
	case g.SlowThreshold != 0 && elapsed > g.SlowThreshold:
		g.logger.WarnContext(ctx, "slow sql", attrs...)
	default:
		g.logger.DebugContext(ctx, "sql completed", attrs...)
	}
}

// gocronLogger adapts a slog.Logger to gocron.Logger
type gocronLogger struct {
	logger *slog.Logger
}

func newGocronLogger(l *slog.Logger) gocron.Logger {
	return &gocronLogger{logger: l.With(loggerNameKey, "scheduler")}
}

func (l *gocronLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *gocronLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func (l *gocronLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *gocronLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}
