// Package recovery resumes streams after a restart of the service.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/smazurov/restreamer/internal/logging"
	"github.com/smazurov/restreamer/internal/monitor"
	"github.com/smazurov/restreamer/internal/process"
	"github.com/smazurov/restreamer/internal/streams"
)

// Recovery defaults.
const (
	DefaultMaxAge    = 24 * time.Hour
	DefaultDelay     = 5 * time.Second
	DefaultKillGrace = 5 * time.Second
)

// Orchestrator starts streams on behalf of the coordinator.
type Orchestrator interface {
	Start(ctx context.Context, streamID string, opts streams.StartOptions) (streams.Result, error)
}

// Config tunes the recovery pass.
type Config struct {
	// MaxAge is how old a live run may be and still be resumed
	MaxAge time.Duration
	// Delay is waited before the pass so the rest of the service is up
	Delay time.Duration
	// Binary names the encoder, used to recognize orphaned processes
	Binary string
	// KillGrace is how long an orphan gets between SIGTERM and SIGKILL
	KillGrace time.Duration
	// Location is the zone recurring entries are matched in
	Location *time.Location
}

// Report summarizes one recovery pass.
type Report struct {
	Resumed          []string `json:"resumed"`
	MarkedOffline    []string `json:"marked_offline"`
	OrphansKilled    []int    `json:"orphans_killed"`
	SchedulesResumed []string `json:"schedules_resumed"`
	Failed           []string `json:"failed"`
}

// Coordinator runs once at startup.
type Coordinator struct {
	cfg       Config
	store     streams.Store
	orch      Orchestrator
	sampler   monitor.Sampler
	terminate func(pid int, grace time.Duration) error
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSampler enables orphan detection through s.
func WithSampler(s monitor.Sampler) Option {
	return func(c *Coordinator) { c.sampler = s }
}

// WithLogger replaces the module logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator. Zero config fields take the defaults.
func New(cfg Config, store streams.Store, orch Orchestrator, opts ...Option) *Coordinator {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	c := &Coordinator{
		cfg:       cfg,
		store:     store,
		orch:      orch,
		terminate: process.TerminatePID,
		logger:    logging.GetLogger("recovery"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run waits for the configured delay and then recovers. It returns early
// with a zero report if ctx ends first.
func (c *Coordinator) Run(ctx context.Context) Report {
	if c.cfg.Delay > 0 {
		t := time.NewTimer(c.cfg.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Report{}
		case <-t.C:
		}
	}
	return c.Recover(ctx)
}

// Recover resumes live runs younger than MaxAge, then restarts streams whose
// schedule window is open right now with only the remaining time.
func (c *Coordinator) Recover(ctx context.Context) Report {
	var report Report
	c.logger.Info("Recovery started")

	c.resumeLive(ctx, &report)
	if ctx.Err() == nil {
		c.resumeSchedules(ctx, &report)
	}

	c.logger.Info("Recovery finished",
		"resumed", len(report.Resumed),
		"marked_offline", len(report.MarkedOffline),
		"orphans_killed", len(report.OrphansKilled),
		"schedules_resumed", len(report.SchedulesResumed),
		"failed", len(report.Failed))
	return report
}

func (c *Coordinator) resumeLive(ctx context.Context, report *Report) {
	live, err := c.store.ListStreams(streams.StatusLive)
	if err != nil {
		c.logger.Error("Failed to load live streams", "error", err)
		return
	}

	now := c.now()
	for _, st := range live {
		if ctx.Err() != nil {
			return
		}
		logger := c.logger.With("stream_id", st.ID)

		if c.killOrphan(st, logger) {
			report.OrphansKilled = append(report.OrphansKilled, st.PID)
		}

		switch {
		case st.StartedAt == nil:
			logger.Info("Live stream has no start time, marking offline")
			c.markOffline(st.ID, logger, report)
			continue
		case now.Sub(*st.StartedAt) >= c.cfg.MaxAge:
			logger.Info("Live stream too old to resume, marking offline", "started_at", *st.StartedAt)
			c.markOffline(st.ID, logger, report)
			continue
		case st.ScheduledEndAt != nil && !st.ScheduledEndAt.After(now):
			logger.Info("Live stream ended while down, marking offline", "scheduled_end_at", *st.ScheduledEndAt)
			c.markOffline(st.ID, logger, report)
			continue
		}

		opts := streams.StartOptions{
			SkipActiveCheck: true,
			SkipAdmission:   true,
			StartedAt:       st.StartedAt,
			Reason:          "recovery",
		}
		if st.ScheduledEndAt != nil {
			opts.Duration = st.ScheduledEndAt.Sub(now)
		}

		if _, err := c.orch.Start(ctx, st.ID, opts); err != nil {
			logger.Error("Failed to resume stream", "error", err)
			report.Failed = append(report.Failed, st.ID)
			c.markOffline(st.ID, logger, nil)
			continue
		}
		logger.Info("Stream resumed", "elapsed", now.Sub(*st.StartedAt).Round(time.Second))
		report.Resumed = append(report.Resumed, st.ID)
	}
}

// killOrphan stops an encoder a previous instance left running for st.
func (c *Coordinator) killOrphan(st streams.StreamConfig, logger *slog.Logger) bool {
	if c.sampler == nil || st.PID <= 0 {
		return false
	}
	if !monitor.RunsBinary(c.sampler, st.PID, c.cfg.Binary) {
		return false
	}
	logger.Warn("Terminating orphaned encoder", "pid", st.PID)
	if err := c.terminate(st.PID, c.cfg.KillGrace); err != nil {
		logger.Error("Failed to terminate orphaned encoder", "pid", st.PID, "error", err)
		return false
	}
	return true
}

func (c *Coordinator) markOffline(id string, logger *slog.Logger, report *Report) {
	if err := c.store.UpdateStatus(id, streams.StatusUpdate{Status: streams.StatusOffline}); err != nil {
		logger.Error("Failed to mark stream offline", "error", err)
		return
	}
	if report != nil {
		report.MarkedOffline = append(report.MarkedOffline, id)
	}
}

func (c *Coordinator) resumeSchedules(ctx context.Context, report *Report) {
	entries, err := c.store.ListSchedules(streams.ExecPending, streams.ExecRunning)
	if err != nil {
		c.logger.Error("Failed to load schedules", "error", err)
		return
	}

	now := c.now().In(c.cfg.Location)
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		logger := c.logger.With("schedule_id", e.ID, "stream_id", e.StreamID)

		end, ok := c.openWindow(e, now, logger)
		if !ok {
			continue
		}
		remaining := max(time.Duration(end.Sub(now).Minutes())*time.Minute, time.Minute)

		_, err := c.orch.Start(ctx, e.StreamID, streams.StartOptions{
			SkipActiveCheck: true,
			SkipAdmission:   true,
			Duration:        remaining,
			Reason:          "recovery",
		})
		if err != nil {
			logger.Error("Failed to resume scheduled stream", "error", err)
			report.Failed = append(report.Failed, e.StreamID)
			continue
		}

		status := streams.ExecPending
		if e.Kind == streams.ScheduleOneTime {
			status = streams.ExecRunning
		}
		if err := c.store.UpdateScheduleStatus(e.ID, status, now); err != nil {
			logger.Error("Failed to update schedule status", "error", err)
		}
		logger.Info("Scheduled stream resumed", "remaining", remaining)
		report.SchedulesResumed = append(report.SchedulesResumed, e.StreamID)
	}
}

// openWindow returns the end of e's window when now falls inside it.
// Recurring windows are only matched from today's start time, so the part
// of a window that runs past midnight is not recovered.
func (c *Coordinator) openWindow(e streams.ScheduleEntry, now time.Time, logger *slog.Logger) (time.Time, bool) {
	if e.DurationMinutes <= 0 {
		return time.Time{}, false
	}
	length := time.Duration(e.DurationMinutes) * time.Minute

	switch e.Kind {
	case streams.ScheduleOneTime:
		if e.At == nil {
			return time.Time{}, false
		}
		end := e.At.Add(length)
		return end, !now.Before(*e.At) && now.Before(end)

	case streams.ScheduleRecurring:
		clock, err := e.Clock()
		if err != nil {
			logger.Warn("Skipping schedule with bad time of day", "error", err)
			return time.Time{}, false
		}
		if clock+e.DurationMinutes > 24*60 {
			logger.Warn("Recurring window crosses midnight, the part after midnight is not recovered",
				"time_of_day", e.TimeOfDay, "duration_minutes", e.DurationMinutes)
		}
		if !e.RunsOn(now.Weekday()) {
			return time.Time{}, false
		}
		y, m, d := now.Date()
		start := time.Date(y, m, d, clock/60, clock%60, 0, 0, now.Location())
		end := start.Add(length)
		return end, !now.Before(start) && now.Before(end)
	}
	return time.Time{}, false
}
