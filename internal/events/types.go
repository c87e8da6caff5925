package events

// Event type constants for kelindar/event.
const (
	TypeStreamStateChanged uint32 = iota + 1
	TypeStreamRetry
	TypeStreamExited
	TypeResourceSample
	TypeResourceWarning
	TypeAdmissionRejected
	TypeScheduleTriggered
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StreamStateChangedEvent is published on every persisted lifecycle transition.
type StreamStateChangedEvent struct {
	StreamID  string `json:"stream_id" example:"stream-001" doc:"Stream identifier"`
	OwnerID   string `json:"owner_id" example:"user-7" doc:"Owner of the stream"`
	Status    string `json:"status" example:"live" doc:"New status: offline, scheduled, live"`
	Reason    string `json:"reason" example:"manual_stop" doc:"What caused the transition"`
	Encoder   string `json:"encoder,omitempty" example:"h264_nvenc" doc:"Encoder in use when going live"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStateChangedEvent.
func (e StreamStateChangedEvent) Type() uint32 { return TypeStreamStateChanged }

// StreamRetryEvent is published when a failed encoder is scheduled for restart.
type StreamRetryEvent struct {
	StreamID  string `json:"stream_id"`
	Attempt   int    `json:"attempt"`
	Reason    string `json:"reason" example:"crash" doc:"crash, exit_code or encoder_fallback"`
	Delay     string `json:"delay" example:"3s"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for StreamRetryEvent.
func (e StreamRetryEvent) Type() uint32 { return TypeStreamRetry }

// StreamExitedEvent is published whenever a supervised encoder process exits.
type StreamExitedEvent struct {
	StreamID  string `json:"stream_id"`
	ExitCode  int    `json:"exit_code" doc:"Exit code, -1 when terminated by a signal"`
	Signal    string `json:"signal,omitempty"`
	Decision  string `json:"decision" example:"retry" doc:"stopped, retry, fallback or give_up"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for StreamExitedEvent.
func (e StreamExitedEvent) Type() uint32 { return TypeStreamExited }

// ResourceSampleEvent carries the latest CPU and memory sample for a stream.
type ResourceSampleEvent struct {
	StreamID   string  `json:"stream_id"`
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	Timestamp  string  `json:"timestamp"`
}

// Type returns the event type identifier for ResourceSampleEvent.
func (e ResourceSampleEvent) Type() uint32 { return TypeResourceSample }

// ResourceWarningEvent is published when a sample crosses a configured threshold.
type ResourceWarningEvent struct {
	StreamID  string  `json:"stream_id"`
	PID       int     `json:"pid"`
	Resource  string  `json:"resource" example:"cpu" doc:"cpu or memory"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Timestamp string  `json:"timestamp"`
}

// Type returns the event type identifier for ResourceWarningEvent.
func (e ResourceWarningEvent) Type() uint32 { return TypeResourceWarning }

// AdmissionRejectedEvent is published when a start request is refused.
type AdmissionRejectedEvent struct {
	OwnerID   string `json:"owner_id"`
	Scope     string `json:"scope" example:"global" doc:"global or owner"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for AdmissionRejectedEvent.
func (e AdmissionRejectedEvent) Type() uint32 { return TypeAdmissionRejected }

// ScheduleTriggeredEvent is published when a schedule entry fires.
type ScheduleTriggeredEvent struct {
	ScheduleID string `json:"schedule_id"`
	StreamID   string `json:"stream_id"`
	Kind       string `json:"kind" example:"recurring"`
	Result     string `json:"result" example:"started" doc:"started, skipped or failed"`
	Timestamp  string `json:"timestamp"`
}

// Type returns the event type identifier for ScheduleTriggeredEvent.
func (e ScheduleTriggeredEvent) Type() uint32 { return TypeScheduleTriggered }
