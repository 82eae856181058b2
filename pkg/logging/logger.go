// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the slog loggers used by clamp commands.
//
// Default output is stderr, which keeps command output clean for piping.
// The "auto" format resolves to human-readable text on a terminal and
// JSON everywhere else, so a clamp daemon under systemd or in CI emits
// machine-parseable lines without extra configuration. An optional log
// directory adds a JSON file alongside stderr.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Output formats accepted by Options.Format.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatAuto = "auto"
)

// Options configures a logger build.
//
// The zero value gives Info-level text-or-JSON output on stderr with no
// file logging.
type Options struct {
	// Level is the minimum severity: debug, info, warn, or error.
	// Unknown or empty values fall back to info.
	Level string

	// Format is text, json, or auto. Auto picks text when stderr is a
	// terminal and JSON otherwise.
	Format string

	// Service is attached to every record as the "service" attribute
	// when non-empty.
	Service string

	// LogDir enables an additional JSON log file named
	// {service}_{date}.log in the given directory. Supports a leading
	// ~ for the home directory. File logs are always JSON.
	LogDir string

	// Output overrides the primary destination. Defaults to stderr.
	// Format auto-detection still keys off stderr.
	Output io.Writer

	// Exporter receives a copy of every record at or above Level.
	// Export is called on the logging path, so implementations must
	// buffer internally rather than block. Flushed and closed by
	// Logger.Close.
	Exporter LogExporter
}

// LogExporter forwards log entries to an external system: cloud
// storage, a log aggregator, or a test buffer.
type LogExporter interface {
	// Export sends one entry. The context carries a short timeout.
	Export(ctx context.Context, entry LogEntry) error

	// Flush sends whatever Export has buffered. Called on shutdown.
	Flush(ctx context.Context) error

	// Close releases exporter resources, after Flush.
	Close() error
}

// LogEntry is the exporter-facing form of one log record. Attribute
// groups are flattened; values keep their leaf keys.
type LogEntry struct {
	Timestamp time.Time
	Level     slog.Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// Logger couples a slog handle with the file and exporter it may own.
type Logger struct {
	slog     *slog.Logger
	file     *os.File
	exporter LogExporter
}

// ParseLevel maps a level name onto slog.
//
// Inputs:
//   - name: Case-insensitive level name. Empty means info.
//
// Outputs:
//   - slog.Level: The parsed level, info on error.
//   - error: Non-nil for unknown names.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// ResolveFormat normalizes a format name, resolving auto by terminal
// detection on stderr.
func ResolveFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatText:
		return FormatText
	case FormatJSON:
		return FormatJSON
	}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return FormatText
	}
	return FormatJSON
}

// New builds a Logger from options.
//
// Description:
//
//	Construction never fails: a bad level falls back to info and a log
//	directory that cannot be created or opened degrades to stderr-only
//	output. Callers that configured file logging should defer Close.
func New(opts Options) *Logger {
	level, _ := ParseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{Level: level}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var primary slog.Handler
	if ResolveFormat(opts.Format) == FormatJSON {
		primary = slog.NewJSONHandler(out, handlerOpts)
	} else {
		primary = slog.NewTextHandler(out, handlerOpts)
	}
	handlers := []slog.Handler{primary}

	l := &Logger{exporter: opts.Exporter}
	if opts.LogDir != "" {
		if file := openLogFile(opts.LogDir, opts.Service); file != nil {
			l.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, handlerOpts))
		}
	}
	if opts.Exporter != nil {
		handlers = append(handlers, &exporterHandler{
			exporter: opts.Exporter,
			service:  opts.Service,
			level:    level,
		})
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = &multiHandler{handlers: handlers}
	}
	if opts.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", opts.Service)})
	}

	l.slog = slog.New(handler)
	return l
}

// Slog returns the underlying slog.Logger for injection into
// components that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// SetDefault installs this logger process-wide via slog.SetDefault.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.slog)
}

// Close flushes and closes the exporter and log file when configured.
func (l *Logger) Close() error {
	var errs []error
	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		cancel()
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
		l.exporter = nil
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		l.file = nil
	}
	return errors.Join(errs...)
}

// openLogFile creates dir and opens {service}_{date}.log for append.
// Any failure returns nil; the caller degrades to stderr-only.
func openLogFile(dir, service string) *os.File {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil
	}
	if service == "" {
		service = "clamp"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil
	}
	return file
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// multiHandler fans one record out to stderr and the log file, which
// may filter at different levels in the future.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// exporterHandler adapts a LogExporter to slog.Handler so the exporter
// sees exactly the records the other destinations see. Export errors
// are dropped; a failing exporter must not take down stderr logging.
type exporterHandler struct {
	exporter LogExporter
	service  string
	level    slog.Level
	attrs    []slog.Attr
}

func (h *exporterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *exporterHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Timestamp: r.Time,
		Level:     r.Level,
		Message:   r.Message,
		Service:   h.service,
		Attrs:     make(map[string]any, r.NumAttrs()+len(h.attrs)),
	}
	for _, attr := range h.attrs {
		entry.Attrs[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(attr slog.Attr) bool {
		entry.Attrs[attr.Key] = attr.Value.Any()
		return true
	})

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = h.exporter.Export(ctx, entry)
	return nil
}

func (h *exporterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &exporterHandler{exporter: h.exporter, service: h.service, level: h.level, attrs: merged}
}

// WithGroup flattens groups; exported attributes keep their leaf keys.
func (h *exporterHandler) WithGroup(string) slog.Handler { return h }

// -----------------------------------------------------------------------------
// Built-in exporters
// -----------------------------------------------------------------------------

// NopExporter discards all entries. Useful where an exporter is
// required but export is disabled.
type NopExporter struct{}

func (e *NopExporter) Export(ctx context.Context, entry LogEntry) error { return nil }

func (e *NopExporter) Flush(ctx context.Context) error { return nil }

func (e *NopExporter) Close() error { return nil }

var _ LogExporter = (*NopExporter)(nil)

// BufferedExporter collects entries in memory so tests can assert on
// what was logged.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{entries: make([]LogEntry, 0, 100)}
}

func (e *BufferedExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

func (e *BufferedExporter) Flush(ctx context.Context) error { return nil }

func (e *BufferedExporter) Close() error { return nil }

// Entries returns a copy of everything exported so far.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]LogEntry, len(e.entries))
	copy(result, e.entries)
	return result
}

var _ LogExporter = (*BufferedExporter)(nil)

// WriterExporter writes one formatted line per entry to an io.Writer.
type WriterExporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterExporter wraps w. The exporter does not own the writer and
// Close leaves it open.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

func (e *WriterExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintf(e.w, "[%s] %s: %s %v\n",
		entry.Timestamp.Format(time.RFC3339),
		entry.Level,
		entry.Message,
		entry.Attrs,
	)
	return err
}

func (e *WriterExporter) Flush(ctx context.Context) error { return nil }

func (e *WriterExporter) Close() error { return nil }

var _ LogExporter = (*WriterExporter)(nil)
