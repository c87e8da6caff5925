package models

import (
	"time"

	"github.com/smazurov/restreamer/internal/admission"
	"github.com/smazurov/restreamer/internal/encoders"
	"github.com/smazurov/restreamer/internal/logging"
	"github.com/smazurov/restreamer/internal/monitor"
	"github.com/smazurov/restreamer/internal/process"
	"github.com/smazurov/restreamer/internal/streams"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2024-12-15 14:30" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.11" doc:"Go compiler version"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}

// StreamPath identifies a stream in the URL.
type StreamPath struct {
	StreamID string `path:"stream_id" example:"stream-001" doc:"Stream identifier"`
}

// Start/stop models
type StartRequest struct {
	StreamID string `path:"stream_id" example:"stream-001" doc:"Stream identifier"`
	Body     struct {
		DurationMinutes int `json:"duration_minutes,omitempty" minimum:"0" example:"60" doc:"Overrides the configured maximum duration"`
	}
}

type ResultResponse struct {
	Body streams.Result
}

// Active stream models
type ActiveData struct {
	Streams []string `json:"streams" doc:"Ids of streams with a live run"`
	Count   int      `json:"count" example:"2" doc:"Number of live runs"`
}

type ActiveResponse struct {
	Body ActiveData
}

type StreamInfoData struct {
	process.Info
	Active         bool       `json:"active" doc:"Whether the stream has a live run"`
	ScheduledEndAt *time.Time `json:"scheduled_end_at,omitempty" doc:"When the run is due to be stopped, absent for unbounded runs"`
}

type StreamInfoResponse struct {
	Body StreamInfoData
}

// Log models
type LogsData struct {
	StreamID string            `json:"stream_id" example:"stream-001"`
	Lines    []streams.LogLine `json:"lines" doc:"Most recent encoder output, oldest first"`
}

type LogsResponse struct {
	Body LogsData
}

type UsageResponse struct {
	Body monitor.Sample
}

// Limiter models
type LimitsRequest struct {
	OwnerID string `query:"owner_id" example:"user-7" doc:"Scope owner counts to this owner"`
}

type LimitsData struct {
	admission.Stats
	ActiveStreams []string `json:"activeStreams,omitempty" doc:"The owner's active streams"`
}

type LimitsResponse struct {
	Body LimitsData
}

type EncodersResponse struct {
	Body encoders.Detection
}

// Schedule models
type ScheduleListRequest struct {
	StreamID string `query:"stream_id" example:"stream-001" doc:"Only entries for this stream"`
}

type ScheduleListData struct {
	Schedules []streams.ScheduleEntry `json:"schedules"`
	Count     int                     `json:"count"`
}

type ScheduleListResponse struct {
	Body ScheduleListData
}

type ScheduleRequestData struct {
	StreamID        string     `json:"stream_id" minLength:"1" example:"stream-001" doc:"Stream to start"`
	Kind            string     `json:"kind" enum:"one_time,recurring" example:"recurring"`
	At              *time.Time `json:"at,omitempty" doc:"Start of a one-time entry"`
	TimeOfDay       string     `json:"time_of_day,omitempty" pattern:"^[0-2][0-9]:[0-5][0-9]$" example:"18:30" doc:"Start of a recurring entry, HH:MM"`
	Weekdays        []int      `json:"weekdays,omitempty" doc:"Days a recurring entry runs on, 0 is Sunday"`
	DurationMinutes int        `json:"duration_minutes" minimum:"0" example:"60"`
}

type ScheduleRequest struct {
	Body ScheduleRequestData
}

type ScheduleResponse struct {
	Body streams.ScheduleEntry
}

type SchedulePath struct {
	ScheduleID string `path:"schedule_id" doc:"Schedule identifier"`
}

// History models
type HistoryRequest struct {
	StreamID string `query:"stream_id" doc:"Only runs of this stream"`
	OwnerID  string `query:"owner_id" doc:"Only runs of this owner"`
	Limit    int    `query:"limit" minimum:"0" maximum:"1000" default:"100"`
}

type HistoryData struct {
	Records []streams.HistoryRecord `json:"records"`
	Count   int                     `json:"count"`
}

type HistoryResponse struct {
	Body HistoryData
}

// Service log models
type ServiceLogsRequest struct {
	StreamID string `query:"stream_id" doc:"Only entries logged for this stream"`
	Module   string `query:"module" example:"orchestrator" doc:"Only entries of this module"`
	Level    string `query:"level" enum:"debug,info,warn,error" default:"debug" doc:"Minimum level"`
	Limit    int    `query:"limit" minimum:"1" maximum:"1000" default:"200"`
}

type ServiceLogsData struct {
	Entries []logging.LogEntry `json:"entries"`
	Count   int                `json:"count"`
}

type ServiceLogsResponse struct {
	Body ServiceLogsData
}
