package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/restreamer/internal/events"
	"github.com/smazurov/restreamer/internal/logging"
)

// Default thresholds and interval.
const (
	DefaultInterval          = 30 * time.Second
	DefaultCPUThreshold      = 80.0
	DefaultMemoryThresholdMB = 500.0
)

// Config controls sampling cadence and warning thresholds.
type Config struct {
	Interval          time.Duration
	CPUThreshold      float64 // percent of one core
	MemoryThresholdMB float64
}

// Sample is the most recent resource reading for a stream.
type Sample struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	Timestamp  time.Time `json:"timestamp"`
}

type watch struct {
	pid    int
	cancel context.CancelFunc
	last   Stat
	sample *Sample
}

// Monitor samples the CPU and memory of encoder processes, one ticker per
// stream. It only observes; exceeding a threshold publishes a warning.
type Monitor struct {
	cfg     Config
	sampler Sampler
	bus     *events.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch
	wg      sync.WaitGroup
}

// New creates a Monitor. Zero config fields take the defaults.
func New(cfg Config, sampler Sampler, bus *events.Bus) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = DefaultCPUThreshold
	}
	if cfg.MemoryThresholdMB <= 0 {
		cfg.MemoryThresholdMB = DefaultMemoryThresholdMB
	}
	return &Monitor{
		cfg:     cfg,
		sampler: sampler,
		bus:     bus,
		logger:  logging.GetLogger("monitor"),
		watches: make(map[string]*watch),
	}
}

// StartMonitoring begins sampling pid on behalf of streamID, replacing any
// previous watch for the stream.
func (m *Monitor) StartMonitoring(streamID string, pid int) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{pid: pid, cancel: cancel}

	m.mu.Lock()
	if old, ok := m.watches[streamID]; ok {
		old.cancel()
	}
	m.watches[streamID] = w
	m.mu.Unlock()

	m.logger.Debug("Monitoring started", "stream_id", streamID, "pid", pid, "interval", m.cfg.Interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, streamID, w)
	}()
}

// StopMonitoring stops sampling a stream. Unknown ids are ignored.
func (m *Monitor) StopMonitoring(streamID string) {
	m.mu.Lock()
	w, ok := m.watches[streamID]
	if ok {
		delete(m.watches, streamID)
	}
	m.mu.Unlock()

	if ok {
		w.cancel()
		m.logger.Debug("Monitoring stopped", "stream_id", streamID)
	}
}

// GetUsage returns the latest sample for a stream.
func (m *Monitor) GetUsage(streamID string) (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[streamID]
	if !ok || w.sample == nil {
		return Sample{}, false
	}
	return *w.sample, true
}

// monitored lists the stream ids currently being sampled.
func (m *Monitor) monitored() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.watches))
	for id := range m.watches {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every watch and waits for the sampling goroutines to return.
func (m *Monitor) Close() {
	m.mu.Lock()
	for id, w := range m.watches {
		w.cancel()
		delete(m.watches, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, streamID string, w *watch) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.tick(streamID, w) {
				return
			}
		}
	}
}

// tick takes one sample. It returns false once the watch has ended.
func (m *Monitor) tick(streamID string, w *watch) bool {
	stat, err := m.sampler.Sample(w.pid)
	if errors.Is(err, ErrProcessGone) {
		m.mu.Lock()
		if m.watches[streamID] == w {
			delete(m.watches, streamID)
		}
		m.mu.Unlock()
		w.cancel()
		m.logger.Debug("Monitored process is gone, deregistering", "stream_id", streamID, "pid", w.pid)
		return false
	}
	if err != nil {
		m.logger.Debug("Failed to sample process", "stream_id", streamID, "pid", w.pid, "error", err)
		return true
	}

	sample := Sample{
		PID:        w.pid,
		CPUPercent: cpuPercent(w.last, stat),
		MemoryMB:   float64(stat.RSSBytes) / (1024 * 1024),
		Timestamp:  stat.SampledAt,
	}

	m.mu.Lock()
	if m.watches[streamID] != w {
		m.mu.Unlock()
		return false
	}
	w.last = stat
	w.sample = &sample
	m.mu.Unlock()

	ts := sample.Timestamp.Format(time.RFC3339)
	m.bus.Publish(events.ResourceSampleEvent{
		StreamID:   streamID,
		PID:        w.pid,
		CPUPercent: sample.CPUPercent,
		MemoryMB:   sample.MemoryMB,
		Timestamp:  ts,
	})

	if sample.CPUPercent > m.cfg.CPUThreshold {
		m.warn(streamID, w.pid, "cpu", sample.CPUPercent, m.cfg.CPUThreshold, ts)
	}
	if sample.MemoryMB > m.cfg.MemoryThresholdMB {
		m.warn(streamID, w.pid, "memory", sample.MemoryMB, m.cfg.MemoryThresholdMB, ts)
	}
	return true
}

func (m *Monitor) warn(streamID string, pid int, resource string, value, threshold float64, ts string) {
	m.logger.Warn("Resource threshold exceeded",
		"stream_id", streamID, "pid", pid, "resource", resource,
		"value", value, "threshold", threshold)
	m.bus.Publish(events.ResourceWarningEvent{
		StreamID:  streamID,
		PID:       pid,
		Resource:  resource,
		Value:     value,
		Threshold: threshold,
		Timestamp: ts,
	})
}

// cpuPercent averages CPU use since the previous sample, or since process
// start for the first one.
func cpuPercent(prev, cur Stat) float64 {
	var cpu float64
	var wall time.Duration
	if prev.SampledAt.IsZero() {
		if cur.StartedAt.IsZero() {
			return 0
		}
		cpu = cur.CPUSeconds
		wall = cur.SampledAt.Sub(cur.StartedAt)
	} else {
		cpu = cur.CPUSeconds - prev.CPUSeconds
		wall = cur.SampledAt.Sub(prev.SampledAt)
	}
	if wall <= 0 || cpu < 0 {
		return 0
	}
	return cpu / wall.Seconds() * 100
}
