// Package logger owns the process-wide slog loggers: the application stream
// and the audit stream that records governance decisions, plan step outcomes,
// consent transitions and policy reloads.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	AddSource   bool
	// Redact lists attribute keys whose values are masked in both streams,
	// in addition to DefaultRedactedKeys. Matching is case-insensitive.
	Redact []string
	Audit  AuditConfig
}

// AuditConfig controls the rotating audit log file.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultRedactedKeys are masked even when Config.Redact is empty. Tool
// arguments are logged verbatim, so credentials passed to tools land here.
var DefaultRedactedKeys = []string{"authorization", "password", "secret", "token", "api_key", "apikey", "client_secret"}

const redacted = "[REDACTED]"

type state struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.RWMutex
	current *state
	once    sync.Once
	initErr error
)

// Init configures the global loggers. Only the first call takes effect.
func Init(cfg Config) error {
	once.Do(func() {
		st, err := build(cfg)
		if err != nil {
			initErr = err
			return
		}
		mu.Lock()
		current = st
		mu.Unlock()
	})
	return initErr
}

func build(cfg Config) (*state, error) {
	st := &state{}
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactor(cfg.Redact),
	}

	writer, err := st.open(cfg.OutputPaths)
	if err != nil {
		st.close()
		return nil, err
	}
	st.app = slog.New(newHandler(cfg.Format, writer, opts))
	st.audit = st.app
	if cfg.Audit.Enabled {
		audit, err := st.openAudit(cfg.Audit, opts.ReplaceAttr)
		if err != nil {
			st.close()
			return nil, err
		}
		st.audit = audit
	}
	return st, nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// open resolves every output path; an empty list means stdout.
func (st *state) open(outputs []string) (io.Writer, error) {
	if len(outputs) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		w, err := st.openWriter(out)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func (st *state) openWriter(path string) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	st.closers = append(st.closers, file)
	return file, nil
}

func (st *state) openAudit(cfg AuditConfig, replace func([]string, slog.Attr) slog.Attr) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	writer, err := newRotatingWriter(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays, cfg.Compress)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: replace})
	return slog.New(handler).With(slog.String("stream", "audit")), nil
}

func (st *state) close() error {
	var err error
	for _, c := range st.closers {
		err = errors.Join(err, c.Close())
	}
	st.closers = nil
	return err
}

// redactor masks attributes whose key matches one of the configured names,
// including keys nested under groups such as args.password.
func redactor(extra []string) func([]string, slog.Attr) slog.Attr {
	keys := make(map[string]struct{}, len(DefaultRedactedKeys)+len(extra))
	for _, k := range append(append([]string(nil), DefaultRedactedKeys...), extra...) {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys[k] = struct{}{}
		}
	}
	return func(_ []string, a slog.Attr) slog.Attr {
		if _, ok := keys[strings.ToLower(a.Key)]; ok {
			return slog.String(a.Key, redacted)
		}
		if a.Value.Kind() == slog.KindAny {
			if m, ok := a.Value.Any().(map[string]any); ok {
				return slog.Any(a.Key, redactMap(m, keys))
			}
		}
		return a
	}
}

func redactMap(m map[string]any, keys map[string]struct{}) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, ok := keys[strings.ToLower(k)]; ok {
			out[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = redactMap(nested, keys)
		}
		out[k] = v
	}
	return out
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func loaded() *state {
	mu.RLock()
	st := current
	mu.RUnlock()
	if st != nil {
		return st
	}
	if err := Init(Config{}); err != nil {
		fallback := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		return &state{app: fallback, audit: fallback}
	}
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// L returns the application logger, initialising defaults on first use.
func L() *slog.Logger {
	return loaded().app
}

// Audit returns the audit logger. Without a dedicated audit file it shares
// the application stream.
func Audit() *slog.Logger {
	return loaded().audit
}

// Sync closes every file opened by Init.
func Sync() error {
	mu.RLock()
	st := current
	mu.RUnlock()
	if st == nil {
		return nil
	}
	return st.close()
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Discard returns a logger that drops every record. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
