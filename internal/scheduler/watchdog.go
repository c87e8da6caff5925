package scheduler

import (
	"context"
	"time"

	"github.com/smazurov/restreamer/internal/streams"
)

const reasonDurationExpired = "duration_expired"

// CheckDurations is one pass of the duration watchdog. Live streams past
// their end are stopped; the rest have their timer re-armed.
func (s *Scheduler) CheckDurations(ctx context.Context) {
	live, err := s.store.ListStreams(streams.StatusLive)
	if err != nil {
		s.logger.Error("Failed to load live streams", "error", err)
		return
	}

	now := s.now()
	for _, st := range live {
		if ctx.Err() != nil {
			return
		}
		end, ok := endOf(st)
		if !ok {
			continue
		}
		if !end.After(now) {
			s.logger.Info("Stream past its end time", "stream_id", st.ID, "ended_at", end, "overrun", now.Sub(end))
			s.expire(ctx, st.ID)
			continue
		}
		s.arm(st.ID, end.Sub(now), end)
	}
}

// endOf returns when a live stream is due to stop.
func endOf(st streams.StreamConfig) (time.Time, bool) {
	if st.ScheduledEndAt != nil {
		return *st.ScheduledEndAt, true
	}
	if st.StartedAt != nil && st.MaxDuration() > 0 {
		return st.StartedAt.Add(st.MaxDuration()), true
	}
	return time.Time{}, false
}

// ScheduleTermination stops streamID after d, replacing any timer already
// armed for it. A non-positive d stops the stream right away, but never on
// the caller's goroutine.
func (s *Scheduler) ScheduleTermination(streamID string, d time.Duration) {
	s.arm(streamID, d, s.now().Add(d))
	s.logger.Debug("Termination scheduled", "stream_id", streamID, "after", d)
}

func (s *Scheduler) arm(streamID string, d time.Duration, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if old, ok := s.timers[streamID]; ok {
		if old.at.Equal(at) {
			return
		}
		old.timer.Stop()
	}
	t := &termination{at: at}
	t.timer = time.AfterFunc(max(d, 0), func() { s.fire(streamID, t) })
	s.timers[streamID] = t
}

// CancelTermination disarms the timer for streamID. Unknown ids are ignored.
func (s *Scheduler) CancelTermination(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[streamID]; ok {
		t.timer.Stop()
		delete(s.timers, streamID)
		s.logger.Debug("Termination cancelled", "stream_id", streamID)
	}
}

// Pending returns when streamID is due to be stopped.
func (s *Scheduler) Pending(streamID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[streamID]
	if !ok {
		return time.Time{}, false
	}
	return t.at, true
}

func (s *Scheduler) fire(streamID string, t *termination) {
	s.mu.Lock()
	if s.closed || s.timers[streamID] != t {
		s.mu.Unlock()
		return
	}
	delete(s.timers, streamID)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.expire(s.ctx, streamID)
}

func (s *Scheduler) expire(ctx context.Context, streamID string) {
	_, err := s.orch.StopWithReason(ctx, streamID, reasonDurationExpired)
	if err != nil {
		if streams.ErrorCode(err) == streams.ErrCodeStreamNotActive {
			s.logger.Debug("Expired stream already stopped", "stream_id", streamID)
			return
		}
		s.logger.Error("Failed to stop expired stream", "stream_id", streamID, "error", err)
		return
	}
	s.logger.Info("Stream stopped at end of its duration", "stream_id", streamID)
}
