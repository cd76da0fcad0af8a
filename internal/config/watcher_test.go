package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const watcherTestConfig = `
backends:
  - id: claude
    command: claude-code-acp
`

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(watcherTestConfig), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.SetDebounceDelay(20 * time.Millisecond)
	w.Start()
	defer w.Close()

	updated := watcherTestConfig + `  - id: gemini
    command: gemini-acp
`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if len(cfg.Backends) != 2 {
			t.Errorf("reloaded config has %d backends, want 2", len(cfg.Backends))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload never fired")
	}
}

func TestWatcherKeepsConfigOnBrokenReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(watcherTestConfig), 0644); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloads <- cfg }, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.SetDebounceDelay(20 * time.Millisecond)
	w.Start()
	defer w.Close()

	// Break the file: the reload callback must not fire.
	if err := os.WriteFile(path, []byte("backends: ["), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloads:
		t.Fatal("reload fired for a broken config")
	case <-time.After(300 * time.Millisecond):
	}

	// Fix it again: the callback fires with the valid config.
	if err := os.WriteFile(path, []byte(watcherTestConfig), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-reloads:
		if len(cfg.Backends) != 1 {
			t.Errorf("unexpected backends: %d", len(cfg.Backends))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload never fired after repair")
	}
}
