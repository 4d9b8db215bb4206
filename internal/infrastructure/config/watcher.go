package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// HotReloadable is the subset of Config safe to change at runtime:
// fallback-model list, retry thresholds, and the two verifier feature
// flags. Everything else (HTTP bind address, database DSN, ...) requires a
// process restart.
type HotReloadable struct {
	FallbackModels                []string
	MaxRetries                    int
	RetryBackoffBase              float64
	MinConfidenceWarningThreshold float64
	EnableEvidencePresenceCheck   bool
	EnableKeywordPresenceCheck    bool
}

// Watcher watches the active config file and hot-reloads HotReloadable on
// change, driven by filesystem events rather than polling.
type Watcher struct {
	mu       sync.RWMutex
	v        *viper.Viper
	path     string
	cur      HotReloadable
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	logger   *zap.Logger
	onReload func(HotReloadable)
}

// NewWatcher creates a hot-reload watcher bound to the viper instance and
// file path that produced the initial Config. onReload, if non-nil, is
// invoked with the freshly reloaded values every time the file changes, so
// callers can push them into live components (the retry engine, the
// validation pipeline) instead of only exposing them via Config().
func NewWatcher(v *viper.Viper, path string, initial HotReloadable, logger *zap.Logger, onReload ...func(HotReloadable)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		v:      v,
		path:   path,
		cur:    initial,
		fsw:    fsw,
		stopCh: make(chan struct{}),
		logger: logger.With(zap.String("component", "config-watcher")),
	}
	if len(onReload) > 0 {
		w.onReload = onReload[0]
	}
	if path != "" {
		if err := fsw.Add(path); err != nil {
			w.logger.Warn("cannot watch config file", zap.String("path", path), zap.Error(err))
		}
	}
	return w, nil
}

// Config returns the current hot-reloadable subset (thread-safe).
func (w *Watcher) Config() HotReloadable {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// Start blocks, applying fsnotify events until Stop is called.
func (w *Watcher) Start() {
	w.logger.Info("config watcher started", zap.String("path", w.path))
	for {
		select {
		case <-w.stopCh:
			w.logger.Info("config watcher stopped")
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Stop signals Start to return and closes the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.fsw.Close()
}

func (w *Watcher) reload() {
	// Re-read the watched file itself, not w.v's config search path: the
	// viper instance behind a layered Load() may have been built from the
	// global file with the local one merged on top, and ReadInConfig would
	// silently re-read the wrong layer.
	nv := viper.New()
	nv.SetConfigFile(w.path)
	if err := nv.ReadInConfig(); err != nil {
		w.logger.Warn("config reload failed", zap.Error(err))
		return
	}
	if err := w.v.MergeConfigMap(nv.AllSettings()); err != nil {
		w.logger.Warn("config merge failed", zap.Error(err))
		return
	}

	next := HotReloadable{
		FallbackModels:                w.v.GetStringSlice("retry.fallback_models"),
		MaxRetries:                    w.v.GetInt("retry.max_retries"),
		RetryBackoffBase:              w.v.GetFloat64("retry.retry_backoff_base"),
		MinConfidenceWarningThreshold: w.v.GetFloat64("validation.min_confidence_warning_threshold"),
		EnableEvidencePresenceCheck:   w.v.GetBool("validation.enable_evidence_presence_check"),
		EnableKeywordPresenceCheck:    w.v.GetBool("validation.enable_keyword_presence_check"),
	}

	w.mu.Lock()
	w.cur = next
	w.mu.Unlock()

	w.logger.Info("config reloaded", zap.Int("maxRetries", next.MaxRetries), zap.Int("fallbackModels", len(next.FallbackModels)))

	if w.onReload != nil {
		w.onReload(next)
	}
}
