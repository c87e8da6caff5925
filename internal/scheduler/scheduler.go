// Package scheduler starts streams from persisted schedule entries and
// stops them when their allotted time runs out.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/restreamer/internal/events"
	"github.com/smazurov/restreamer/internal/logging"
	"github.com/smazurov/restreamer/internal/streams"
)

// Scheduler defaults.
const (
	DefaultInterval  = 60 * time.Second
	DefaultLookahead = 60 * time.Second

	// recurringWindow is the tolerance, in minutes, around a recurring
	// entry's time of day.
	recurringWindow = 1
)

// Trigger results published with ScheduleTriggeredEvent.
const (
	ResultStarted = "started"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// Orchestrator is the part of the process orchestrator the scheduler drives.
type Orchestrator interface {
	Start(ctx context.Context, streamID string, opts streams.StartOptions) (streams.Result, error)
	StopWithReason(ctx context.Context, streamID, reason string) (streams.Result, error)
	IsActive(streamID string) bool
}

// Config tunes the polling loops.
type Config struct {
	Interval  time.Duration
	Lookahead time.Duration
	// Location is the zone recurring entries are matched in. Nil means local.
	Location *time.Location
}

type termination struct {
	timer *time.Timer
	at    time.Time
}

// Scheduler runs the trigger loop and the duration watchdog. It implements
// streams.Watchdog.
type Scheduler struct {
	cfg    Config
	store  streams.Store
	orch   Orchestrator
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	timers map[string]*termination
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEventBus publishes trigger events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithLogger replaces the module logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. Zero config fields take the defaults.
func New(cfg Config, store streams.Store, orch Orchestrator, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		store:  store,
		orch:   orch,
		logger: logging.GetLogger("scheduler"),
		now:    time.Now,
		timers: make(map[string]*termination),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs both loops. Each checks once immediately and then on every
// interval.
func (s *Scheduler) Start() {
	s.logger.Info("Scheduler started", "interval", s.cfg.Interval, "lookahead", s.cfg.Lookahead,
		"timezone", s.cfg.Location.String())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.loop(s.CheckSchedules)
	}()
	go func() {
		defer s.wg.Done()
		s.loop(s.CheckDurations)
	}()
}

func (s *Scheduler) loop(check func(context.Context)) {
	check(s.ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			check(s.ctx)
		}
	}
}

// Stop ends both loops, disarms every termination timer and waits for
// in-flight work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// CheckSchedules is one pass of the trigger loop.
func (s *Scheduler) CheckSchedules(ctx context.Context) {
	entries, err := s.store.ListSchedules(streams.ExecPending)
	if err != nil {
		s.logger.Error("Failed to load schedules", "error", err)
		return
	}

	now := s.now().In(s.cfg.Location)
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if !s.due(e, now) {
			continue
		}
		s.trigger(ctx, e, now)
	}
}

// due reports whether e fires at now.
func (s *Scheduler) due(e streams.ScheduleEntry, now time.Time) bool {
	switch e.Kind {
	case streams.ScheduleRecurring:
		if !e.RunsOn(now.Weekday()) {
			return false
		}
		clock, err := e.Clock()
		if err != nil {
			s.logger.Warn("Skipping schedule with bad time of day", "schedule_id", e.ID, "error", err)
			return false
		}
		diff := now.Hour()*60 + now.Minute() - clock
		if diff < -recurringWindow || diff > recurringWindow {
			return false
		}
		// One fire per occurrence even if the stream stopped inside the window.
		if e.LastExecutedAt != nil && now.Sub(*e.LastExecutedAt) <= 2*recurringWindow*time.Minute {
			return false
		}
		return true

	case streams.ScheduleOneTime:
		if e.At == nil {
			return false
		}
		return !e.At.Before(now.Add(-s.cfg.Lookahead)) && !e.At.After(now.Add(s.cfg.Lookahead))
	}
	return false
}

func (s *Scheduler) trigger(ctx context.Context, e streams.ScheduleEntry, now time.Time) {
	logger := s.logger.With("schedule_id", e.ID, "stream_id", e.StreamID, "kind", e.Kind)

	if s.orch.IsActive(e.StreamID) {
		logger.Debug("Stream already live, skipping trigger")
		s.publish(e, ResultSkipped, now)
		return
	}

	opts := streams.StartOptions{Reason: "schedule"}
	if e.DurationMinutes > 0 {
		window := time.Duration(e.DurationMinutes) * time.Minute
		opts.Duration = window
		if e.Kind == streams.ScheduleOneTime {
			// One-time windows are anchored to their start time.
			opts.Duration = max(e.At.Add(window).Sub(now), time.Second)
		}
	}

	_, err := s.orch.Start(ctx, e.StreamID, opts)
	result := ResultStarted
	status := streams.ExecPending
	if e.Kind == streams.ScheduleOneTime {
		status = streams.ExecRunning
	}
	if err != nil {
		result = ResultFailed
		if e.Kind == streams.ScheduleOneTime {
			status = streams.ExecFailed
		}
		logger.Error("Scheduled start failed", "error", err, "code", streams.ErrorCode(err))
	} else {
		logger.Info("Scheduled start", "duration", opts.Duration)
	}

	if updateErr := s.store.UpdateScheduleStatus(e.ID, status, now); updateErr != nil {
		logger.Error("Failed to update schedule status", "status", status, "error", updateErr)
	}
	s.publish(e, result, now)
}

func (s *Scheduler) publish(e streams.ScheduleEntry, result string, now time.Time) {
	s.bus.Publish(events.ScheduleTriggeredEvent{
		ScheduleID: e.ID,
		StreamID:   e.StreamID,
		Kind:       string(e.Kind),
		Result:     result,
		Timestamp:  now.Format(time.RFC3339),
	})
}
