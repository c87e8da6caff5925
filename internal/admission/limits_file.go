package admission

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/restreamer/internal/config"
)

// OwnerLimits is the on-disk per-owner ceiling table:
//
//	default = 5
//
//	[owners]
//	alice = 10
//	bob = 1
type OwnerLimits struct {
	Default int            `toml:"default"`
	Owners  map[string]int `toml:"owners"`
}

// LoadOwnerLimits reads an owner limits file. A missing file yields an
// empty table.
func LoadOwnerLimits(path string) (OwnerLimits, error) {
	var limits OwnerLimits
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return limits, nil
	}
	if err != nil {
		return limits, fmt.Errorf("read owner limits: %w", err)
	}
	if err := toml.Unmarshal(data, &limits); err != nil {
		return OwnerLimits{}, fmt.Errorf("parse owner limits %s: %w", path, err)
	}
	return limits, nil
}

// LimitTable serves owner ceilings to a Limiter and can be swapped at
// runtime.
type LimitTable struct {
	current atomic.Pointer[OwnerLimits]
}

// NewLimitTable creates a table holding limits.
func NewLimitTable(limits OwnerLimits) *LimitTable {
	t := &LimitTable{}
	t.Set(limits)
	return t
}

// Set replaces the table contents.
func (t *LimitTable) Set(limits OwnerLimits) {
	t.current.Store(&limits)
}

// Resolve implements LimitResolver.
func (t *LimitTable) Resolve(ownerID string) (int, bool) {
	limits := t.current.Load()
	if limits == nil {
		return 0, false
	}
	if limit, ok := limits.Owners[ownerID]; ok {
		return limit, true
	}
	if limits.Default > 0 {
		return limits.Default, true
	}
	return 0, false
}

// WatchOwnerLimits loads path into table and keeps it current as the file
// changes. A reload that fails to parse keeps the previous table.
func WatchOwnerLimits(path string, table *LimitTable, logger *slog.Logger, opts ...config.WatcherOption[OwnerLimits]) (*config.Watcher[OwnerLimits], error) {
	limits, err := LoadOwnerLimits(path)
	if err != nil {
		logger.Warn("Owner limits unreadable, using defaults", "path", path, "error", err)
	} else {
		table.Set(limits)
	}

	w := config.NewConfigWatcher(path, LoadOwnerLimits, logger, opts...)
	w.OnReload(func(limits OwnerLimits) {
		table.Set(limits)
		logger.Info("Owner limits reloaded", "owners", len(limits.Owners), "default", limits.Default)
	})
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("watch owner limits: %w", err)
	}
	return w, nil
}
