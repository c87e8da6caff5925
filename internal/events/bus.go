package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
// Delivery is asynchronous; each subscriber receives events in publish order.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers.
// A nil bus is a valid no-op publisher.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case StreamStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case StreamRetryEvent:
		event.Publish(b.dispatcher, e)
	case StreamExitedEvent:
		event.Publish(b.dispatcher, e)
	case ResourceSampleEvent:
		event.Publish(b.dispatcher, e)
	case ResourceWarningEvent:
		event.Publish(b.dispatcher, e)
	case AdmissionRejectedEvent:
		event.Publish(b.dispatcher, e)
	case ScheduleTriggeredEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler for the event type named by its parameter and
// returns an unsubscribe function. Unknown handler types are ignored.
//
//	unsub := bus.Subscribe(func(e StreamStateChangedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(StreamStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamRetryEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamExitedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ResourceSampleEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ResourceWarningEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(AdmissionRejectedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ScheduleTriggeredEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

