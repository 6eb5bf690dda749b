package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnFileChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  version: v1\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader("", path)
	changeCh := make(chan Config, 4)
	errCh := make(chan error, 4)

	watcher, err := loader.Watch(ctx, func(cfg Config) {
		changeCh <- cfg
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := os.WriteFile(path, []byte("cache:\n  version: v2\n"), 0o600); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case cfg := <-changeCh:
		if cfg.Cache.Version != "v2" {
			t.Fatalf("expected version v2 after reload, got %q", cfg.Cache.Version)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
}

func TestWatchReportsInvalidSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  version: v1\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader("", path)
	errCh := make(chan error, 4)
	watcher, err := loader.Watch(ctx, func(Config) {}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := os.WriteFile(path, []byte("cache:\n  version: \"\"\n"), 0o600); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected validation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for validation error")
	}
}

func TestWatchRequiresCallbackAndFile(t *testing.T) {
	if _, err := NewLoader("", "x.yaml").Watch(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error without callback")
	}
	if _, err := NewLoader("").Watch(context.Background(), func(Config) {}, nil); err == nil {
		t.Fatalf("expected error without files")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	watcher, err := NewLoader("", path).Watch(context.Background(), func(Config) {}, nil)
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	watcher.Stop()
	watcher.Stop()

	var nilWatcher *Watcher
	nilWatcher.Stop()
}
