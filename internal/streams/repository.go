package streams

import (
	"context"
	"time"
)

// Store is the durable view of streams and schedules the engine needs.
// Implementations return ErrNotFound (possibly wrapped) for unknown ids.
type Store interface {
	// GetStream retrieves a stream by ID
	GetStream(id string) (StreamConfig, error)

	// ListStreams returns all streams, optionally filtered by status
	ListStreams(statuses ...Status) ([]StreamConfig, error)

	// UpdateStatus persists a lifecycle transition
	UpdateStatus(id string, update StatusUpdate) error

	// ListSchedules returns schedule entries, optionally filtered by status
	ListSchedules(statuses ...ExecStatus) ([]ScheduleEntry, error)

	// UpdateScheduleStatus records the outcome of a trigger
	UpdateScheduleStatus(id string, status ExecStatus, executedAt time.Time) error
}

// ResolvedSource is an ordered list of absolute input files.
type ResolvedSource struct {
	Files    []string
	Playlist bool
}

// AssetResolver turns a SourceRef into files on disk. It returns
// ErrAssetMissing when any file is absent.
type AssetResolver interface {
	Resolve(ref SourceRef) (ResolvedSource, error)
}

// HistorySink stores completed runs.
type HistorySink interface {
	Record(ctx context.Context, rec HistoryRecord) error
}

// Watchdog enforces run durations.
type Watchdog interface {
	// ScheduleTermination stops streamID after d, replacing any armed timer
	ScheduleTermination(streamID string, d time.Duration)

	// CancelTermination disarms the timer for streamID if one exists
	CancelTermination(streamID string)
}

// ResourceMonitor observes encoder processes.
type ResourceMonitor interface {
	StartMonitoring(streamID string, pid int)
	StopMonitoring(streamID string)
}

// EncoderSelector picks the video encoder for profile mode.
type EncoderSelector interface {
	Select(ctx context.Context, useHardware bool) string
}
