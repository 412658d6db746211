// Package telemetry sets up process-wide logging and tracing.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// ServiceName tags every span and log line.
const ServiceName = "isotope"

// LogConfig configures NewLogger.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error or off.
	Level string
	// File, when set, receives JSON lines through a rotating sink.
	File string
	// Console forces the human readable writer on Out.
	Console bool
	Out     io.Writer
}

// ParseLevel maps a level name to zerolog; unknown names are an error.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "off", "disabled":
		return zerolog.Disabled, nil
	}
	return zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
}

// NewLogger builds the process logger. The returned close func flushes and
// closes the file sink, if any.
func NewLogger(cfg LogConfig) (zerolog.Logger, func() error, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("log level: %w", err)
	}
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if cfg.Console || isTerminal(out) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	closeFn := func() error { return nil }
	if cfg.File != "" {
		sink, err := rotatingFile(cfg.File)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		out = zerolog.MultiLevelWriter(out, sink)
		closeFn = sink.Close
	}
	l := zerolog.New(out).Level(lvl).With().Timestamp().Str("service", ServiceName).Logger()
	return l, closeFn, nil
}

func rotatingFile(path string) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}, nil
}

// isTerminal reports whether w is a character device such as a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// InitTracing installs a global TracerProvider. With an empty path spans are
// recorded but never exported. The returned shutdown flushes pending spans.
func InitTracing(ctx context.Context, path, version string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	var sink *lumberjack.Logger
	if path != "" {
		if sink, err = rotatingFile(path); err != nil {
			return nil, err
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(sink))
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if sink != nil {
			err = errors.Join(err, sink.Close())
		}
		return err
	}, nil
}
