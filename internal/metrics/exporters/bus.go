package exporters

import (
	"sync"

	"github.com/smazurov/restreamer/internal/events"
	"github.com/smazurov/restreamer/internal/metrics"
)

// EventSubscriber is the part of the event bus the exporter needs.
type EventSubscriber interface {
	Subscribe(handler any) func()
}

// BusExporter turns engine events into metric updates.
type BusExporter struct {
	bus    EventSubscriber
	mu     sync.Mutex
	unsubs []func()
}

// NewBusExporter creates a new bus exporter.
func NewBusExporter(bus EventSubscriber) *BusExporter {
	return &BusExporter{bus: bus}
}

// Start subscribes to every event type that carries a metric.
func (b *BusExporter) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsubs != nil {
		return
	}
	b.unsubs = []func(){
		b.bus.Subscribe(func(e events.StreamStateChangedEvent) {
			if e.Status == "live" {
				metrics.SetStreamLive(e.StreamID, e.Reason)
				return
			}
			metrics.SetStreamOffline(e.StreamID, e.Status, e.Reason)
		}),
		b.bus.Subscribe(func(e events.StreamRetryEvent) {
			metrics.IncRetry(e.Reason)
		}),
		b.bus.Subscribe(func(e events.StreamExitedEvent) {
			metrics.IncExit(e.Decision)
		}),
		b.bus.Subscribe(func(e events.ResourceSampleEvent) {
			metrics.SetResourceUsage(e.StreamID, e.CPUPercent, e.MemoryMB)
		}),
		b.bus.Subscribe(func(e events.ResourceWarningEvent) {
			metrics.IncResourceWarning(e.Resource)
		}),
		b.bus.Subscribe(func(e events.AdmissionRejectedEvent) {
			metrics.IncAdmissionRejection(e.Scope)
		}),
		b.bus.Subscribe(func(e events.ScheduleTriggeredEvent) {
			metrics.IncScheduleTrigger(e.Kind, e.Result)
		}),
	}
}

// Stop unsubscribes from the bus.
func (b *BusExporter) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
}
