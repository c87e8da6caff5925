package streams

import (
	"time"

	"github.com/smazurov/restreamer/internal/ffmpeg"
)

// Status is the persisted lifecycle status of a stream.
type Status string

// Stream statuses.
const (
	StatusOffline   Status = "offline"
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
)

// SourceKind discriminates the source reference.
type SourceKind string

// Source kinds.
const (
	SourceVideo    SourceKind = "video"
	SourcePlaylist SourceKind = "playlist"
)

// SourceRef points at either a single video or a playlist in the asset catalog.
type SourceRef struct {
	Kind SourceKind `toml:"kind" json:"kind" enum:"video,playlist"`
	ID   string     `toml:"id" json:"id"`
}

// StreamConfig is the persisted configuration of one egress target.
type StreamConfig struct {
	// ID is the unique identifier for this stream
	ID string `toml:"id" json:"id"`

	// OwnerID is the tenant the stream counts against for admission
	OwnerID string `toml:"owner_id" json:"owner_id"`

	// Title is a human-readable label
	Title string `toml:"title,omitempty" json:"title,omitempty"`

	// Source is the video or playlist to push
	Source SourceRef `toml:"source" json:"source"`

	// EgressURL is the ingest base URL; rtmp:// is assumed without a scheme
	EgressURL string `toml:"egress_url" json:"egress_url"`

	// EgressKey is the secret appended to EgressURL
	EgressKey string `toml:"egress_key" json:"-"`

	// Mode is copy (remux only) or profile (re-encode)
	Mode ffmpeg.Mode `toml:"mode" json:"mode" enum:"copy,profile"`

	// Loop repeats the source. Playlists repeat through the manifest.
	Loop bool `toml:"loop" json:"loop"`

	// Profile holds the re-encode settings used in profile mode
	Profile Profile `toml:"profile" json:"profile"`

	// MaxDurationMinutes bounds a run; nil or non-positive means unbounded
	MaxDurationMinutes *int `toml:"max_duration_minutes,omitempty" json:"max_duration_minutes,omitempty"`

	// Status is maintained by the engine
	Status Status `toml:"status" json:"status"`

	// StartedAt is the last known start time of the current or previous run
	StartedAt *time.Time `toml:"started_at,omitempty" json:"started_at,omitempty"`

	// ScheduledEndAt is when the duration watchdog will stop the live run
	ScheduledEndAt *time.Time `toml:"scheduled_end_at,omitempty" json:"scheduled_end_at,omitempty"`

	// PID of the encoder while live, used to find orphans after a restart
	PID int `toml:"pid,omitempty" json:"pid,omitempty"`
}

// Profile contains re-encode settings. Zero fields take encoder defaults.
type Profile struct {
	Width       int `toml:"width,omitempty" json:"width,omitempty"`
	Height      int `toml:"height,omitempty" json:"height,omitempty"`
	BitrateKbps int `toml:"bitrate_kbps,omitempty" json:"bitrate_kbps,omitempty"`
	FPS         int `toml:"fps,omitempty" json:"fps,omitempty"`
}

// MaxDuration returns the configured run limit, or 0 when unbounded.
func (c StreamConfig) MaxDuration() time.Duration {
	if c.MaxDurationMinutes == nil || *c.MaxDurationMinutes <= 0 {
		return 0
	}
	return time.Duration(*c.MaxDurationMinutes) * time.Minute
}

// StatusUpdate is the engine's write to a stream row. ScheduledEndAt and PID
// are always replaced; StartedAt only when non-nil.
type StatusUpdate struct {
	Status         Status
	StartedAt      *time.Time
	ScheduledEndAt *time.Time
	PID            int
}

// HistoryRecord describes a completed run.
type HistoryRecord struct {
	ID              string       `json:"id"`
	StreamID        string       `json:"stream_id"`
	OwnerID         string       `json:"owner_id"`
	StartedAt       time.Time    `json:"started_at"`
	EndedAt         time.Time    `json:"ended_at"`
	DurationSeconds int64        `json:"duration_seconds"`
	Reason          string       `json:"reason"`
	Encoder         string       `json:"encoder,omitempty"`
	Config          StreamConfig `json:"config"`
}

// LogLine is one captured line of encoder output.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Result is the outcome of Start or Stop.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
