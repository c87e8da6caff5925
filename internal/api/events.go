package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/restreamer/internal/events"
)

// registerSSERoutes registers the engine event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of lifecycle, retry, resource, admission and schedule events",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"stream-state-changed": events.StreamStateChangedEvent{},
		"stream-retry":         events.StreamRetryEvent{},
		"stream-exited":        events.StreamExitedEvent{},
		"resource-sample":      events.ResourceSampleEvent{},
		"resource-warning":     events.ResourceWarningEvent{},
		"admission-rejected":   events.AdmissionRejectedEvent{},
		"schedule-triggered":   events.ScheduleTriggeredEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		bus := s.options.EventBus
		eventCh := make(chan any, 32)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.StreamStateChangedEvent](bus, eventCh),
			events.SubscribeToChannel[events.StreamRetryEvent](bus, eventCh),
			events.SubscribeToChannel[events.StreamExitedEvent](bus, eventCh),
			events.SubscribeToChannel[events.ResourceSampleEvent](bus, eventCh),
			events.SubscribeToChannel[events.ResourceWarningEvent](bus, eventCh),
			events.SubscribeToChannel[events.AdmissionRejectedEvent](bus, eventCh),
			events.SubscribeToChannel[events.ScheduleTriggeredEvent](bus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
