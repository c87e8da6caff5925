package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smazurov/restreamer/internal/admission"
	"github.com/smazurov/restreamer/internal/events"
	"github.com/smazurov/restreamer/internal/ffmpeg"
	"github.com/smazurov/restreamer/internal/logging"
	"github.com/smazurov/restreamer/internal/process"
)

// Orchestrator defaults.
const (
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 3 * time.Second
	DefaultForceKillTimeout  = 5 * time.Second
	DefaultLogLines          = 100
	DefaultReconcileInterval = 5 * time.Minute

	// killWait bounds how long Stop waits for the process after SIGKILL.
	killWait = 2 * time.Second
	// historyTimeout bounds a single history write.
	historyTimeout = 10 * time.Second
)

// Config tunes retry and shutdown behavior.
type Config struct {
	MaxRetries        int
	RetryDelay        time.Duration
	ForceKillTimeout  time.Duration
	LogLines          int
	ReconcileInterval time.Duration
	EncoderFallback   bool
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ForceKillTimeout <= 0 {
		c.ForceKillTimeout = DefaultForceKillTimeout
	}
	if c.LogLines <= 0 {
		c.LogLines = DefaultLogLines
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	return c
}

// StartOptions alter a start request.
type StartOptions struct {
	// SkipActiveCheck turns a start of an already active stream into a
	// successful no-op instead of a rejection
	SkipActiveCheck bool

	// SkipAdmission bypasses the concurrency limits
	SkipAdmission bool

	// StartedAt preserves the origin of a resumed run
	StartedAt *time.Time

	// Duration overrides the stream's configured limit, counted from now
	Duration time.Duration

	// Reason is recorded on the live transition
	Reason string
}

// run is one logical live session of a stream. It spans retries and ends
// with exactly one release.
type run struct {
	streamID  string
	ownerID   string
	config    StreamConfig
	startedAt time.Time
	deadline  *time.Time
	logs      *logging.RingBuffer

	// guarded by the stream lock
	encoder       string
	manifest      string
	forceSoftware bool
	retryTimer    *time.Timer
	released      bool

	retries int // guarded by Orchestrator.mu
}

// handle is the supervision record of one spawned process.
type handle struct {
	run       *run
	proc      Process
	pid       int
	encoder   string
	spawnedAt time.Time

	// guarded by the stream lock
	manualStop bool
	forceKill  *time.Timer

	state process.State // guarded by Orchestrator.mu
}

// Orchestrator supervises one encoder process per live stream: it gates
// starts on admission, spawns and watches encoders, retries failures and
// keeps persisted status in line with what is actually running.
type Orchestrator struct {
	cfg       Config
	store     Store
	processor *Processor
	limiter   *admission.Limiter
	launcher  Launcher
	monitor   ResourceMonitor
	history   HistorySink
	bus       *events.Bus
	logger    *slog.Logger
	now       func() time.Time

	locks *keyedMutex

	mu       sync.Mutex
	runs     map[string]*run
	handles  map[string]*handle
	watchdog Watchdog

	ctx      context.Context
	cancel   context.CancelFunc
	bg       sync.WaitGroup // history writes, reconcile loop
	watchers sync.WaitGroup // exit watchers, one per spawned process
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(o *Orchestrator) { o.launcher = l }
}

// WithMonitor attaches a resource monitor.
func WithMonitor(m ResourceMonitor) Option {
	return func(o *Orchestrator) { o.monitor = m }
}

// WithHistory attaches a history sink.
func WithHistory(h HistorySink) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithEventBus publishes lifecycle events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithLogger overrides the module logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg Config, store Store, processor *Processor, limiter *admission.Limiter, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     store,
		processor: processor,
		limiter:   limiter,
		launcher:  NewExecLauncher(),
		logger:    logging.GetLogger("orchestrator"),
		now:       time.Now,
		locks:     newKeyedMutex(),
		runs:      make(map[string]*run),
		handles:   make(map[string]*handle),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetWatchdog attaches the duration watchdog. The watchdog depends on the
// orchestrator, so it is wired after construction.
func (o *Orchestrator) SetWatchdog(w Watchdog) {
	o.mu.Lock()
	o.watchdog = w
	o.mu.Unlock()
}

func (o *Orchestrator) scheduleTermination(streamID string, d time.Duration) {
	o.mu.Lock()
	w := o.watchdog
	o.mu.Unlock()
	if w != nil {
		w.ScheduleTermination(streamID, d)
	}
}

func (o *Orchestrator) cancelTermination(streamID string) {
	o.mu.Lock()
	w := o.watchdog
	o.mu.Unlock()
	if w != nil {
		w.CancelTermination(streamID)
	}
}

func fail(err error) (Result, error) {
	var se *StreamError
	if errors.As(err, &se) {
		return Result{Message: se.Message}, err
	}
	return Result{Message: err.Error()}, err
}

// Start spawns the encoder for streamID. The result is known once the spawn
// itself succeeds or fails.
func (o *Orchestrator) Start(ctx context.Context, streamID string, opts StartOptions) (Result, error) {
	unlock := o.locks.Lock(streamID)
	defer unlock()

	if o.lookup(streamID) != nil {
		if opts.SkipActiveCheck {
			o.logger.Info("Stream already active, nothing to resume", "stream_id", streamID)
			return Result{Success: true, Message: "Stream already active"}, nil
		}
		return fail(NewStreamError(ErrCodeStreamActive, "Stream is already active", nil))
	}

	cfg, err := o.store.GetStream(streamID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fail(NewStreamError(ErrCodeStreamNotFound, "Stream not found", err))
		}
		return fail(NewStreamError(ErrCodePersistenceError, "Failed to load stream", err))
	}

	if !opts.SkipAdmission {
		if d := o.limiter.TryRegister(streamID, cfg.OwnerID); !d.Allowed {
			return fail(NewStreamError(ErrCodeAdmissionDenied, d.Reason, nil))
		}
	}

	now := o.now()
	r := &run{
		streamID:  streamID,
		ownerID:   cfg.OwnerID,
		config:    cfg,
		startedAt: now,
		logs:      logging.NewRingBuffer(o.cfg.LogLines),
	}
	if opts.StartedAt != nil && !opts.StartedAt.IsZero() {
		r.startedAt = *opts.StartedAt
	}
	switch {
	case opts.Duration > 0:
		end := now.Add(opts.Duration)
		r.deadline = &end
	case cfg.MaxDuration() > 0:
		end := r.startedAt.Add(cfg.MaxDuration())
		r.deadline = &end
	}

	if err := o.spawn(ctx, r); err != nil {
		o.limiter.Unregister(streamID)
		o.logger.Error("Failed to start stream", "stream_id", streamID, "error", err)
		return fail(err)
	}

	if opts.SkipAdmission {
		o.limiter.Register(streamID, cfg.OwnerID)
	}
	if r.deadline != nil {
		o.scheduleTermination(streamID, r.deadline.Sub(now))
	}

	reason := opts.Reason
	if reason == "" {
		reason = "start"
	}
	o.publishState(r, StatusLive, reason)
	o.logger.Info("Stream started", "stream_id", streamID, "owner_id", cfg.OwnerID,
		"encoder", r.encoder, "reason", reason)
	return Result{Success: true, Message: "Stream started"}, nil
}

// spawn launches one attempt of r and installs its handle. Caller holds the
// stream lock.
func (o *Orchestrator) spawn(ctx context.Context, r *run) error {
	processed, err := o.processor.ProcessStream(ctx, r.config, ProcessOptions{ForceSoftware: r.forceSoftware})
	if err != nil {
		return err
	}

	proc, err := o.launcher.Launch(process.Spec{
		ID:     r.streamID,
		Binary: processed.Binary,
		Args:   processed.Args,
	}, o.outputHandler(r))
	if err != nil {
		o.removeManifest(processed.Manifest)
		return NewStreamError(ErrCodeSpawnFailed, "Failed to spawn encoder", err)
	}

	r.encoder = processed.Encoder
	r.manifest = processed.Manifest
	h := &handle{
		run:       r,
		proc:      proc,
		pid:       proc.Pid(),
		encoder:   processed.Encoder,
		spawnedAt: o.now(),
		state:     process.StateRunning,
	}

	o.mu.Lock()
	o.runs[r.streamID] = r
	o.handles[r.streamID] = h
	o.mu.Unlock()

	startedAt := r.startedAt
	if err := o.store.UpdateStatus(r.streamID, StatusUpdate{
		Status:         StatusLive,
		StartedAt:      &startedAt,
		ScheduledEndAt: r.deadline,
		PID:            h.pid,
	}); err != nil {
		o.logger.Error("Failed to persist live status", "stream_id", r.streamID, "error", err)
	}

	if o.monitor != nil {
		o.monitor.StartMonitoring(r.streamID, h.pid)
	}

	o.watchers.Add(1)
	go func() {
		defer o.watchers.Done()
		<-proc.Done()
		o.handleExit(h, proc.Exit())
	}()

	o.logger.Debug("Encoder spawned", "stream_id", r.streamID, "pid", h.pid, "command", processed.RedactedCommand())
	return nil
}

func (o *Orchestrator) outputHandler(r *run) process.OutputHandler {
	return process.OutputHandlerFunc(func(source, line string) {
		r.logs.Write(logging.LogEntry{
			Timestamp: time.Now(),
			Module:    source,
			Message:   line,
		})
	})
}

// Stop ends a stream's run. A stream with no run whose persisted status is
// still live has that status corrected and counts as stopped.
func (o *Orchestrator) Stop(ctx context.Context, streamID string) (Result, error) {
	return o.StopWithReason(ctx, streamID, "manual_stop")
}

// StopWithReason is Stop with the reason recorded in history and events.
func (o *Orchestrator) StopWithReason(_ context.Context, streamID, reason string) (Result, error) {
	unlock := o.locks.Lock(streamID)
	defer unlock()
	return o.stopLocked(streamID, reason)
}

func (o *Orchestrator) stopLocked(streamID, reason string) (Result, error) {
	o.mu.Lock()
	r := o.runs[streamID]
	h := o.handles[streamID]
	o.mu.Unlock()

	if r == nil {
		return o.repairStatus(streamID)
	}

	if h != nil {
		h.manualStop = true
		o.setState(h, process.StateStopping)
		o.terminate(h)

		o.mu.Lock()
		if o.handles[streamID] == h {
			delete(o.handles, streamID)
		}
		o.mu.Unlock()
	}

	o.release(r, reason)
	return Result{Success: true, Message: "Stream stopped"}, nil
}

// repairStatus handles Stop for a stream with no run.
func (o *Orchestrator) repairStatus(streamID string) (Result, error) {
	cfg, err := o.store.GetStream(streamID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fail(NewStreamError(ErrCodeStreamNotFound, "Stream not found", err))
		}
		return fail(NewStreamError(ErrCodePersistenceError, "Failed to load stream", err))
	}
	if cfg.Status != StatusLive {
		return fail(NewStreamError(ErrCodeStreamNotActive, "Stream is not active", nil))
	}

	if err := o.store.UpdateStatus(streamID, StatusUpdate{Status: StatusOffline}); err != nil {
		return fail(NewStreamError(ErrCodePersistenceError, "Failed to correct stream status", err))
	}
	o.cancelTermination(streamID)
	o.logger.Warn("Stream marked live without a process, corrected to offline", "stream_id", streamID)
	o.bus.Publish(events.StreamStateChangedEvent{
		StreamID:  streamID,
		OwnerID:   cfg.OwnerID,
		Status:    string(StatusOffline),
		Reason:    "status_repair",
		Timestamp: o.now().Format(time.RFC3339),
	})
	return Result{Success: true, Message: "Stream was not running, status corrected"}, nil
}

// terminate sends SIGTERM, arms the force-kill timer and waits a bounded
// time for the process to go away. Caller holds the stream lock.
func (o *Orchestrator) terminate(h *handle) {
	id := h.run.streamID
	if err := h.proc.Terminate(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		o.logger.Warn("Failed to send SIGTERM", "stream_id", id, "pid", h.pid, "error", err)
	}

	h.forceKill = time.AfterFunc(o.cfg.ForceKillTimeout, func() {
		o.logger.Warn("Encoder ignored SIGTERM, killing", "stream_id", id, "pid", h.pid, "timeout", o.cfg.ForceKillTimeout)
		if err := h.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			o.logger.Error("Failed to kill encoder", "stream_id", id, "pid", h.pid, "error", err)
		}
	})

	wait := time.NewTimer(o.cfg.ForceKillTimeout + killWait)
	defer wait.Stop()
	select {
	case <-h.proc.Done():
	case <-wait.C:
		o.logger.Error("Encoder did not exit after kill", "stream_id", id, "pid", h.pid)
	}
	h.forceKill.Stop()
}

// release ends a run: persisted status goes offline and every piece of
// engine bookkeeping is dropped. Runs exactly once per run. Caller holds the
// stream lock.
func (o *Orchestrator) release(r *run, reason string) {
	if r.released {
		return
	}
	r.released = true

	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}

	id := r.streamID
	o.mu.Lock()
	if o.runs[id] == r {
		delete(o.runs, id)
	}
	if h, ok := o.handles[id]; ok && h.run == r {
		delete(o.handles, id)
	}
	o.mu.Unlock()

	if o.monitor != nil {
		o.monitor.StopMonitoring(id)
	}
	o.limiter.Unregister(id)
	o.cancelTermination(id)
	o.removeManifest(r.manifest)

	endedAt := o.now()
	if err := o.store.UpdateStatus(id, StatusUpdate{Status: StatusOffline}); err != nil {
		if errors.Is(err, ErrNotFound) {
			o.logger.Debug("Stream removed while running", "stream_id", id)
		} else {
			o.logger.Error("Failed to persist offline status", "stream_id", id, "error", err)
		}
	}
	o.recordHistory(r, endedAt, reason)
	o.publishState(r, StatusOffline, reason)
	o.logger.Info("Stream stopped", "stream_id", id, "reason", reason,
		"duration", endedAt.Sub(r.startedAt).Round(time.Second))
}

func (o *Orchestrator) removeManifest(path string) {
	if path == "" {
		return
	}
	if err := ffmpeg.RemoveManifest(path); err != nil {
		o.logger.Warn("Failed to remove playlist manifest", "path", path, "error", err)
	}
}

// recordHistory writes the run to the history sink in the background.
// Runs shorter than a second are not recorded.
func (o *Orchestrator) recordHistory(r *run, endedAt time.Time, reason string) {
	if o.history == nil || r.startedAt.IsZero() {
		return
	}
	duration := endedAt.Sub(r.startedAt)
	if duration < time.Second {
		o.logger.Debug("Run too short for history", "stream_id", r.streamID, "duration", duration)
		return
	}

	rec := HistoryRecord{
		StreamID:        r.streamID,
		OwnerID:         r.ownerID,
		StartedAt:       r.startedAt,
		EndedAt:         endedAt,
		DurationSeconds: int64(duration / time.Second),
		Reason:          reason,
		Encoder:         r.encoder,
		Config:          r.config,
	}

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := o.history.Record(ctx, rec); err != nil {
			o.logger.Error("Failed to record stream history", "stream_id", rec.StreamID, "error", err)
		}
	}()
}

func (o *Orchestrator) publishState(r *run, status Status, reason string) {
	o.bus.Publish(events.StreamStateChangedEvent{
		StreamID:  r.streamID,
		OwnerID:   r.ownerID,
		Status:    string(status),
		Reason:    reason,
		Encoder:   r.encoder,
		Timestamp: o.now().Format(time.RFC3339),
	})
}

func (o *Orchestrator) lookup(streamID string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[streamID]
}

func (o *Orchestrator) setState(h *handle, state process.State) {
	o.mu.Lock()
	h.state = state
	o.mu.Unlock()
}

// IsActive reports whether streamID has a live run, including one waiting
// out a retry delay.
func (o *Orchestrator) IsActive(streamID string) bool {
	return o.lookup(streamID) != nil
}

// ListActive returns the ids of all live runs in sorted order.
func (o *Orchestrator) ListActive() []string {
	o.mu.Lock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Info describes the supervision state of a stream.
func (o *Orchestrator) Info(streamID string) (process.Info, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[streamID]
	if !ok {
		return process.Info{ID: streamID, State: process.StateAbsent}, false
	}
	info := process.Info{
		ID:         streamID,
		State:      process.StateExited,
		StartedAt:  r.startedAt,
		RetryCount: r.retries,
	}
	if h, ok := o.handles[streamID]; ok {
		info.State = h.state
		info.PID = h.pid
		info.Encoder = h.encoder
	}
	return info, true
}

// GetLogs returns the captured encoder output of the current run.
func (o *Orchestrator) GetLogs(streamID string) []LogLine {
	r := o.lookup(streamID)
	if r == nil {
		return []LogLine{}
	}
	entries := r.logs.ReadAll()
	lines := make([]LogLine, len(entries))
	for i, e := range entries {
		lines[i] = LogLine{Timestamp: e.Timestamp, Message: e.Message}
	}
	return lines
}

// GetLimiterStats returns admission occupancy, scoped to ownerID when set.
func (o *Orchestrator) GetLimiterStats(ownerID string) admission.Stats {
	return o.limiter.GetStats(ownerID)
}

// StopAll stops every live run concurrently.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(8)
	for _, id := range o.ListActive() {
		g.Go(func() error {
			if _, err := o.Stop(ctx, id); err != nil && ErrorCode(err) != ErrCodeStreamNotActive {
				return fmt.Errorf("stop %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops background work. Running encoders are left alone; pending
// retries are abandoned and their streams stay live for recovery.
func (o *Orchestrator) Close() {
	o.cancel()

	o.mu.Lock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		unlock := o.locks.Lock(r.streamID)
		if r.retryTimer != nil {
			r.retryTimer.Stop()
			r.retryTimer = nil
		}
		unlock()
	}

	o.waitBackground()
}

// waitBackground waits for history writes and the reconcile loop. Exit
// watchers of detached encoders are not waited for.
func (o *Orchestrator) waitBackground() {
	done := make(chan struct{})
	go func() {
		o.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(historyTimeout):
		o.logger.Warn("Timed out waiting for background work")
	}
}
