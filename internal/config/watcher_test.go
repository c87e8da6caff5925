package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/restreamer/internal/logging"
)

type testConfig struct {
	Name  string `toml:"name"`
	Value int    `toml:"value"`
}

func loadTestConfig(path string) (testConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return testConfig{}, err
	}
	var cfg testConfig
	err = toml.Unmarshal(data, &cfg)
	return cfg, err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, path string, loader func(string) (testConfig, error), opts ...WatcherOption[testConfig]) *Watcher[testConfig] {
	t.Helper()
	opts = append([]WatcherOption[testConfig]{WithDebounce[testConfig](50 * time.Millisecond)}, opts...)
	w := NewConfigWatcher(path, loader, logging.Discard(), opts...)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := w.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	time.Sleep(50 * time.Millisecond)
	return w
}

func waitConfig(t *testing.T, ch <-chan testConfig) testConfig {
	t.Helper()
	select {
	case cfg := <-ch:
		return cfg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config reload")
		return testConfig{}
	}
}

func TestConfigWatcher_BasicReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner_limits.toml")
	writeFile(t, path, "name = \"initial\"\nvalue = 1\n")

	received := make(chan testConfig, 1)
	w := startWatcher(t, path, loadTestConfig)
	w.OnReload(func(cfg testConfig) { received <- cfg })

	writeFile(t, path, "name = \"updated\"\nvalue = 42\n")

	cfg := waitConfig(t, received)
	if cfg.Name != "updated" || cfg.Value != 42 {
		t.Errorf("got %+v, want name=updated, value=42", cfg)
	}
}

func TestConfigWatcher_AtomicReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner_limits.toml")
	writeFile(t, path, "value = 1\n")

	received := make(chan testConfig, 4)
	w := startWatcher(t, path, loadTestConfig)
	w.OnReload(func(cfg testConfig) { received <- cfg })

	if err := renameio.WriteFile(path, []byte("value = 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if cfg := waitConfig(t, received); cfg.Value != 7 {
		t.Errorf("value = %d, want 7", cfg.Value)
	}

	// A second replacement must still be observed.
	if err := renameio.WriteFile(path, []byte("value = 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if cfg := waitConfig(t, received); cfg.Value != 8 {
		t.Errorf("value = %d, want 8", cfg.Value)
	}
}

func TestConfigWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "owner_limits.toml")
	writeFile(t, path, "value = 1\n")

	var loads atomic.Int32
	startWatcher(t, path, func(p string) (testConfig, error) {
		loads.Add(1)
		return loadTestConfig(p)
	})

	writeFile(t, filepath.Join(dir, "other.toml"), "value = 2\n")
	time.Sleep(200 * time.Millisecond)

	if got := loads.Load(); got != 0 {
		t.Errorf("loader called %d times for an unrelated file", got)
	}
}

func TestConfigWatcher_Unsubscribe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.toml")
	writeFile(t, path, "value = 1\n")

	var first, second atomic.Int32
	done := make(chan testConfig, 1)
	w := startWatcher(t, path, loadTestConfig)
	unsub := w.OnReload(func(testConfig) { first.Add(1) })
	w.OnReload(func(cfg testConfig) {
		second.Add(1)
		done <- cfg
	})
	unsub()

	writeFile(t, path, "value = 2\n")
	waitConfig(t, done)

	if first.Load() != 0 {
		t.Error("unsubscribed handler was called")
	}
	if second.Load() != 1 {
		t.Errorf("remaining handler called %d times, want 1", second.Load())
	}
}

func TestConfigWatcher_ErrorHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.toml")
	writeFile(t, path, "value = 1\n")

	errs := make(chan error, 1)
	called := make(chan testConfig, 1)
	w := startWatcher(t, path, loadTestConfig, WithErrorHandler[testConfig](func(err error) { errs <- err }))
	w.OnReload(func(cfg testConfig) { called <- cfg })

	writeFile(t, path, "value = \n")

	select {
	case err := <-errs:
		var decodeErr *toml.DecodeError
		if !errors.As(err, &decodeErr) {
			t.Errorf("expected a TOML decode error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}
	select {
	case cfg := <-called:
		t.Errorf("handler received %+v from an unparsable file", cfg)
	default:
	}
}
