package streams

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ScheduleKind is the trigger kind of a ScheduleEntry.
type ScheduleKind string

// Schedule kinds.
const (
	ScheduleOneTime   ScheduleKind = "one_time"
	ScheduleRecurring ScheduleKind = "recurring"
)

// ExecStatus is the execution status of a ScheduleEntry.
type ExecStatus string

// Execution statuses.
const (
	ExecPending ExecStatus = "pending"
	ExecRunning ExecStatus = "running"
	ExecFailed  ExecStatus = "failed"
)

// ScheduleEntry is a persisted trigger bound to one stream.
type ScheduleEntry struct {
	ID       string       `toml:"id" json:"id"`
	StreamID string       `toml:"stream_id" json:"stream_id"`
	Kind     ScheduleKind `toml:"kind" json:"kind" enum:"one_time,recurring"`

	// At is the absolute start of a one-time entry
	At *time.Time `toml:"at,omitempty" json:"at,omitempty"`

	// TimeOfDay ("HH:MM") and Weekdays describe a recurring entry
	TimeOfDay string         `toml:"time_of_day,omitempty" json:"time_of_day,omitempty"`
	Weekdays  []time.Weekday `toml:"weekdays,omitempty" json:"weekdays,omitempty"`

	DurationMinutes int        `toml:"duration_minutes" json:"duration_minutes"`
	Status          ExecStatus `toml:"status" json:"status"`
	LastExecutedAt  *time.Time `toml:"last_executed_at,omitempty" json:"last_executed_at,omitempty"`
}

// Clock parses TimeOfDay into minutes after midnight.
func (e ScheduleEntry) Clock() (int, error) {
	t, err := time.Parse("15:04", e.TimeOfDay)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", e.TimeOfDay, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// RunsOn reports whether a recurring entry fires on day.
func (e ScheduleEntry) RunsOn(day time.Weekday) bool {
	return slices.Contains(e.Weekdays, day)
}

// Validate checks that the entry is well formed for its kind.
func (e ScheduleEntry) Validate() error {
	if e.StreamID == "" {
		return errors.New("schedule has no stream id")
	}
	switch e.Kind {
	case ScheduleOneTime:
		if e.At == nil || e.At.IsZero() {
			return errors.New("one-time schedule needs a start time")
		}
	case ScheduleRecurring:
		if _, err := e.Clock(); err != nil {
			return err
		}
		if len(e.Weekdays) == 0 {
			return errors.New("recurring schedule needs at least one weekday")
		}
		for _, d := range e.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("invalid weekday %d", d)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", e.Kind)
	}
	if e.DurationMinutes < 0 {
		return errors.New("negative duration")
	}
	return nil
}
