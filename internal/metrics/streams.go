// Package metrics provides Prometheus metrics for supervised streams.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "restreamer"

var (
	streamsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "streams",
		Name:      "live",
		Help:      "Number of streams currently live",
	})

	streamTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "streams",
		Name:      "transitions_total",
		Help:      "Persisted status transitions by new status and reason",
	}, []string{"status", "reason"})

	streamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "streams",
		Name:      "retries_total",
		Help:      "Encoder restarts after an unexpected exit",
	}, []string{"reason"})

	streamExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "streams",
		Name:      "exits_total",
		Help:      "Encoder exits by the decision taken",
	}, []string{"decision"})

	encoderCPU = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "encoder",
		Name:      "cpu_percent",
		Help:      "Latest CPU usage of a stream's encoder",
	}, []string{"stream_id"})

	encoderMemory = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "encoder",
		Name:      "memory_mb",
		Help:      "Latest resident memory of a stream's encoder",
	}, []string{"stream_id"})

	resourceWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "encoder",
		Name:      "resource_warnings_total",
		Help:      "Samples that crossed a threshold",
	}, []string{"resource"})

	admissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "rejections_total",
		Help:      "Start requests refused by the limiter",
	}, []string{"scope"})

	scheduleTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "triggers_total",
		Help:      "Schedule entries that fired, by kind and result",
	}, []string{"kind", "result"})

	// Local cache of live streams and their latest usage.
	usageCache   = make(map[string]*StreamUsage)
	usageCacheMu sync.RWMutex
)

// StreamUsage holds the latest resource values for a live stream.
type StreamUsage struct {
	CPUPercent float64
	MemoryMB   float64
}

// SetStreamLive records a transition to live.
func SetStreamLive(streamID, reason string) {
	streamTransitions.WithLabelValues("live", reason).Inc()

	usageCacheMu.Lock()
	defer usageCacheMu.Unlock()
	if _, ok := usageCache[streamID]; !ok {
		usageCache[streamID] = &StreamUsage{}
	}
	streamsLive.Set(float64(len(usageCache)))
}

// SetStreamOffline records a transition away from live and drops the
// stream's per-stream series.
func SetStreamOffline(streamID, status, reason string) {
	streamTransitions.WithLabelValues(status, reason).Inc()
	DeleteStreamMetrics(streamID)
}

// SetResourceUsage sets the latest CPU and memory of a stream's encoder.
// Samples for streams not known to be live are ignored so a late sample
// cannot resurrect a deleted series.
func SetResourceUsage(streamID string, cpuPercent, memoryMB float64) {
	usageCacheMu.Lock()
	defer usageCacheMu.Unlock()
	u, ok := usageCache[streamID]
	if !ok {
		return
	}
	u.CPUPercent = cpuPercent
	u.MemoryMB = memoryMB
	encoderCPU.WithLabelValues(streamID).Set(cpuPercent)
	encoderMemory.WithLabelValues(streamID).Set(memoryMB)
}

// IncRetry counts one scheduled restart.
func IncRetry(reason string) {
	streamRetries.WithLabelValues(reason).Inc()
}

// IncExit counts one encoder exit.
func IncExit(decision string) {
	streamExits.WithLabelValues(decision).Inc()
}

// IncResourceWarning counts one threshold crossing.
func IncResourceWarning(resource string) {
	resourceWarnings.WithLabelValues(resource).Inc()
}

// IncAdmissionRejection counts one refused start.
func IncAdmissionRejection(scope string) {
	admissionRejections.WithLabelValues(scope).Inc()
}

// IncScheduleTrigger counts one fired schedule entry.
func IncScheduleTrigger(kind, result string) {
	scheduleTriggers.WithLabelValues(kind, result).Inc()
}

// DeleteStreamMetrics removes all per-stream series for a stream.
func DeleteStreamMetrics(streamID string) {
	encoderCPU.DeleteLabelValues(streamID)
	encoderMemory.DeleteLabelValues(streamID)

	usageCacheMu.Lock()
	delete(usageCache, streamID)
	streamsLive.Set(float64(len(usageCache)))
	usageCacheMu.Unlock()
}

// GetStreamUsage returns the cached usage of a live stream.
func GetStreamUsage(streamID string) *StreamUsage {
	usageCacheMu.RLock()
	defer usageCacheMu.RUnlock()
	if u, ok := usageCache[streamID]; ok {
		dup := *u
		return &dup
	}
	return nil
}

// LiveStreams returns the number of streams currently counted as live.
func LiveStreams() int {
	usageCacheMu.RLock()
	defer usageCacheMu.RUnlock()
	return len(usageCache)
}
