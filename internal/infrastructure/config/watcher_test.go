package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func writeConfigFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func TestWatcherReloadsHotReloadableFieldsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, "retry:\n  max_retries: 3\n  retry_backoff_base: 2.0\n")

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("initial read: %v", err)
	}

	initial := HotReloadable{MaxRetries: 3, RetryBackoffBase: 2.0}

	var received HotReloadable
	done := make(chan struct{}, 1)
	w, err := NewWatcher(v, path, initial, zap.NewNop(), func(next HotReloadable) {
		received = next
		done <- struct{}{}
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	go w.Start()

	writeConfigFile(t, path, "retry:\n  max_retries: 5\n  retry_backoff_base: 3.0\n")

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}

	if received.MaxRetries != 5 {
		t.Errorf("reloaded MaxRetries = %d, want 5", received.MaxRetries)
	}
	if received.RetryBackoffBase != 3.0 {
		t.Errorf("reloaded RetryBackoffBase = %v, want 3.0", received.RetryBackoffBase)
	}
	if got := w.Config().MaxRetries; got != 5 {
		t.Errorf("Config().MaxRetries = %d, want 5", got)
	}
}
