package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/clichat/internal/logger"
)

// Runtime is the live configuration: the current snapshot, the logger and
// the level it writes at. Snapshots are immutable; Reload swaps them.
type Runtime struct {
	path  string
	log   *slog.Logger
	level *slog.LevelVar

	mu       sync.RWMutex
	cfg      *Config
	onReload []func(*Config)
}

func NewRuntime(path string, cfg *Config, log *slog.Logger, level *slog.LevelVar) *Runtime {
	return &Runtime{path: path, cfg: cfg, log: log, level: level}
}

// Config returns the current snapshot. Callers must not modify it.
func (r *Runtime) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Runtime) Path() string { return r.path }

// OnReload registers fn to run after each successful reload.
func (r *Runtime) OnReload(fn func(*Config)) {
	r.mu.Lock()
	r.onReload = append(r.onReload, fn)
	r.mu.Unlock()
}

// Reload re-reads the file. On error the previous snapshot stays in place.
// Only the log level and components registered through OnReload pick up the
// new values; listeners and stores keep their startup settings.
func (r *Runtime) Reload() error {
	cfg, err := Load(r.path)
	if err != nil {
		return err
	}
	if lvl, ok := logger.ParseLevel(cfg.Logging.Level); ok && r.level != nil {
		r.level.Set(lvl)
	}
	r.mu.Lock()
	r.cfg = cfg
	hooks := append([]func(*Config){}, r.onReload...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(cfg)
	}
	r.log.Info("config reloaded", slog.String("component", "config"), "path", r.path, "level", cfg.Logging.Level)
	return nil
}

// Watch reloads whenever the config file changes, until ctx is done.
func (r *Runtime) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log := r.log.With(slog.String("component", "config"))
	target := filepath.Clean(r.path)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := r.Reload(); err != nil {
					log.Warn("config reload failed", "err", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "err", err)
			}
		}
	}()
	return nil
}
