package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// reloadTimeout bounds a single signal-triggered reload
const reloadTimeout = 30 * time.Second

// ReloadCallback applies a reloaded configuration to a running node
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// Reloader re-reads the configuration on SIGHUP. A running node can only
// apply the log level and the broker's default timeout; changes to any other
// setting are reported and the running value is kept until restart.
// It logs through a plain slog.Logger since internal/logger depends on this package.
type Reloader struct {
	path   string
	log    *slog.Logger
	loadFn func(path string) (*Config, error)

	reloadMu  sync.Mutex
	current   atomic.Pointer[Config]
	reloads   atomic.Int64
	cbMu      sync.RWMutex
	callbacks []ReloadCallback
}

// NewReloader creates a reloader for the file at path
func NewReloader(path string, initial *Config, log *slog.Logger) *Reloader {
	if log == nil {
		log = slog.Default()
	}
	r := &Reloader{
		path:   path,
		log:    log.With("component", "config_reloader"),
		loadFn: Load,
	}
	r.current.Store(initial)
	return r
}

// AddCallback registers a reload callback. Callbacks run in order.
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// Run reloads on every SIGHUP until ctx is done
func (r *Reloader) Run(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)
	defer signal.Stop(sigs)

	r.log.Info("Config reloader started", "config_path", r.path)
	for {
		select {
		case sig := <-sigs:
			r.log.Info("Reload signal received", "signal", sig.String())
			reloadCtx, cancel := context.WithTimeout(ctx, reloadTimeout)
			if err := r.Reload(reloadCtx); err != nil {
				r.log.Error("Configuration reload failed", "error", err)
			}
			cancel()
		case <-ctx.Done():
			r.log.Info("Config reloader stopped")
			return nil
		}
	}
}

// Reload loads the configuration again and runs the callbacks. The current
// configuration is only replaced if every callback accepts the new one.
// A reload requested while another is running is skipped.
func (r *Reloader) Reload(ctx context.Context) error {
	if !r.reloadMu.TryLock() {
		r.log.Debug("Reload already in progress, skipping")
		return nil
	}
	defer r.reloadMu.Unlock()

	loaded, err := r.loadFn(r.path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	old := r.current.Load()
	next, pinned := applicable(old, loaded)
	if len(pinned) > 0 {
		r.log.Warn("Configuration changes require a restart and were not applied", "settings", pinned)
	}

	r.cbMu.RLock()
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.cbMu.RUnlock()

	for i, callback := range callbacks {
		if err := callback(ctx, next); err != nil {
			return fmt.Errorf("reload callback %d failed: %w", i, err)
		}
	}

	r.current.Store(next)
	r.reloads.Add(1)
	r.log.Info("Configuration reloaded",
		"log_level", next.Logging.Level,
		"default_timeout", next.Broker.DefaultTimeout)
	return nil
}

// GetConfig returns the configuration currently in effect
func (r *Reloader) GetConfig() *Config {
	return r.current.Load()
}

// Reloads returns how many reloads were applied
func (r *Reloader) Reloads() int64 {
	return r.reloads.Load()
}

// applicable returns loaded with every setting that cannot change at runtime
// reset to its value in old, and the names of the settings that were reset.
func applicable(old, loaded *Config) (*Config, []string) {
	next := *old
	next.Logging.Level = loaded.Logging.Level
	next.Broker.DefaultTimeout = loaded.Broker.DefaultTimeout

	var pinned []string
	pin := func(name string, changed bool) {
		if changed {
			pinned = append(pinned, name)
		}
	}
	pin("logging.format", old.Logging.Format != loaded.Logging.Format)
	pin("logging.output", old.Logging.Output != loaded.Logging.Output)
	pin("app", old.App != loaded.App)
	pin("broker.reply_queue_size", old.Broker.ReplyQueueSize != loaded.Broker.ReplyQueueSize)
	pin("broker.default_recipient", old.Broker.DefaultRecipient != loaded.Broker.DefaultRecipient)
	pin("broker.require_bearer", old.Broker.RequireBearer != loaded.Broker.RequireBearer)
	pin("channel", old.Channel != loaded.Channel)
	pin("serialization", old.Serialization != loaded.Serialization)
	pin("health", old.Health != loaded.Health)
	return &next, pinned
}
