package streams

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/smazurov/restreamer/internal/ffmpeg"
)

// StartReconciler runs Reconcile every ReconcileInterval until Close.
func (o *Orchestrator) StartReconciler() {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ticker := time.NewTicker(o.cfg.ReconcileInterval)
		defer ticker.Stop()

		o.logger.Info("Reconciler started", "interval", o.cfg.ReconcileInterval)
		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.C:
				if err := o.Reconcile(o.ctx); err != nil {
					o.logger.Warn("Reconcile failed", "error", err)
				}
			}
		}
	}()
}

// Reconcile corrects drift between persisted status and the run table in
// both directions:
//
//   - persisted live without a run is set offline
//   - a run whose row is not live is set live again
//   - a run whose stream no longer exists is stopped
//   - a run the limiter no longer counts is registered again
//
// Stale playlist manifests are removed as well.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	live, err := o.store.ListStreams(StatusLive)
	if err != nil {
		return err
	}

	persisted := make(map[string]bool, len(live))
	for _, cfg := range live {
		persisted[cfg.ID] = true
		if o.IsActive(cfg.ID) {
			continue
		}
		o.correctStale(cfg.ID)
	}

	for _, id := range o.ListActive() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.correctUnregistered(id)
		if persisted[id] {
			continue
		}
		o.correctUnpersisted(id)
	}

	o.CleanupManifests()
	return nil
}

func (o *Orchestrator) correctStale(id string) {
	unlock := o.locks.Lock(id)
	defer unlock()
	if o.lookup(id) != nil {
		return
	}
	if err := o.store.UpdateStatus(id, StatusUpdate{Status: StatusOffline}); err != nil {
		o.logger.Warn("Failed to correct stale live status", "stream_id", id, "error", err)
		return
	}
	o.cancelTermination(id)
	o.logger.Warn("Corrected live stream with no process to offline", "stream_id", id)
}

func (o *Orchestrator) correctUnregistered(id string) {
	unlock := o.locks.Lock(id)
	defer unlock()

	r := o.lookup(id)
	if r == nil || o.limiter.IsRegistered(id) {
		return
	}
	o.limiter.Register(id, r.ownerID)
	o.logger.Warn("Registered running stream with the limiter again", "stream_id", id, "owner_id", r.ownerID)
}

func (o *Orchestrator) correctUnpersisted(id string) {
	unlock := o.locks.Lock(id)
	defer unlock()

	r := o.lookup(id)
	if r == nil {
		return
	}

	cfg, err := o.store.GetStream(id)
	if errors.Is(err, ErrNotFound) {
		o.logger.Warn("Stopping encoder of deleted stream", "stream_id", id)
		if _, err := o.stopLocked(id, "deleted"); err != nil {
			o.logger.Warn("Failed to stop orphaned encoder", "stream_id", id, "error", err)
		}
		return
	}
	if err != nil {
		o.logger.Warn("Failed to load stream during reconcile", "stream_id", id, "error", err)
		return
	}
	if cfg.Status == StatusLive {
		return
	}

	pid := 0
	o.mu.Lock()
	if h, ok := o.handles[id]; ok {
		pid = h.pid
	}
	o.mu.Unlock()

	startedAt := r.startedAt
	if err := o.store.UpdateStatus(id, StatusUpdate{
		Status:         StatusLive,
		StartedAt:      &startedAt,
		ScheduledEndAt: r.deadline,
		PID:            pid,
	}); err != nil {
		o.logger.Warn("Failed to correct status to live", "stream_id", id, "error", err)
		return
	}
	o.logger.Warn("Corrected running stream status to live", "stream_id", id, "was", cfg.Status)
}

// CleanupManifests removes playlist manifests in the temp directory that
// belong to no live run.
func (o *Orchestrator) CleanupManifests() {
	dir := o.processor.TempDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			o.logger.Warn("Failed to read temp directory", "dir", dir, "error", err)
		}
		return
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := ffmpeg.ManifestStreamID(entry.Name())
		if !ok {
			continue
		}
		if o.removeOrphanManifest(id, filepath.Join(dir, entry.Name())) {
			removed++
		}
	}
	if removed > 0 {
		o.logger.Info("Removed orphaned playlist manifests", "count", removed)
	}
}

func (o *Orchestrator) removeOrphanManifest(id, path string) bool {
	unlock := o.locks.Lock(id)
	defer unlock()
	if o.lookup(id) != nil {
		return false
	}
	if err := ffmpeg.RemoveManifest(path); err != nil {
		o.logger.Warn("Failed to remove orphaned manifest", "path", path, "error", err)
		return false
	}
	return true
}
