package streams

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/smazurov/restreamer/internal/admission"
	"github.com/smazurov/restreamer/internal/encoders"
	"github.com/smazurov/restreamer/internal/logging"
	"github.com/smazurov/restreamer/internal/process"
)

// memStore is an in-memory Store.
type memStore struct {
	mu        sync.Mutex
	streams   map[string]StreamConfig
	schedules map[string]ScheduleEntry
}

func newMemStore(cfgs ...StreamConfig) *memStore {
	s := &memStore{streams: make(map[string]StreamConfig), schedules: make(map[string]ScheduleEntry)}
	for _, c := range cfgs {
		if c.Status == "" {
			c.Status = StatusOffline
		}
		s.streams[c.ID] = c
	}
	return s
}

func (s *memStore) GetStream(id string) (StreamConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.streams[id]
	if !ok {
		return StreamConfig{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (s *memStore) ListStreams(statuses ...Status) ([]StreamConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StreamConfig
	for _, c := range s.streams {
		if len(statuses) == 0 || slices.Contains(statuses, c.Status) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) UpdateStatus(id string, u StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.streams[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = u.Status
	if u.StartedAt != nil {
		c.StartedAt = u.StartedAt
	}
	c.ScheduledEndAt = u.ScheduledEndAt
	c.PID = u.PID
	s.streams[id] = c
	return nil
}

func (s *memStore) ListSchedules(statuses ...ExecStatus) ([]ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduleEntry
	for _, e := range s.schedules {
		if len(statuses) == 0 || slices.Contains(statuses, e.Status) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) UpdateScheduleStatus(id string, status ExecStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.LastExecutedAt = &at
	s.schedules[id] = e
	return nil
}

func (s *memStore) status(id string) Status {
	c, _ := s.GetStream(id)
	return c.Status
}

func (s *memStore) put(c StreamConfig) {
	s.mu.Lock()
	s.streams[c.ID] = c
	s.mu.Unlock()
}

func (s *memStore) remove(id string) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// fakeAssets resolves video ids to files and playlist ids to file lists.
type fakeAssets map[string][]string

func (a fakeAssets) Resolve(ref SourceRef) (ResolvedSource, error) {
	files, ok := a[ref.ID]
	if !ok {
		return ResolvedSource{}, fmt.Errorf("%s %s: %w", ref.Kind, ref.ID, ErrAssetMissing)
	}
	return ResolvedSource{Files: files, Playlist: ref.Kind == SourcePlaylist}, nil
}

// fakeSelector reports NVENC when hardware is allowed.
type fakeSelector struct{}

func (fakeSelector) Select(_ context.Context, useHardware bool) string {
	if useHardware {
		return encoders.NVENC
	}
	return encoders.Software
}

// fakeProcess is a controllable Process.
type fakeProcess struct {
	pid        int
	ignoreTerm bool

	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	exit       process.Exit
	terminated bool
	killed     bool
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Exit() process.Exit {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *fakeProcess) finish(e process.Exit) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exit = e
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	if !p.ignoreTerm {
		p.finish(process.Exit{Code: 255})
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish(process.Exit{Code: -1, Signal: syscall.SIGKILL})
	return nil
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// fakeLauncher records launches. onLaunch runs synchronously inside Launch
// with the attempt number starting at 1.
type fakeLauncher struct {
	mu         sync.Mutex
	procs      []*fakeProcess
	specs      []process.Spec
	err        error
	ignoreTerm bool
	onLaunch   func(attempt int, p *fakeProcess, out process.OutputHandler)
}

func (l *fakeLauncher) Launch(spec process.Spec, out process.OutputHandler) (Process, error) {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return nil, l.err
	}
	p := &fakeProcess{pid: 1000 + len(l.procs), done: make(chan struct{}), ignoreTerm: l.ignoreTerm}
	l.procs = append(l.procs, p)
	l.specs = append(l.specs, spec)
	attempt := len(l.procs)
	hook := l.onLaunch
	l.mu.Unlock()

	if hook != nil {
		hook(attempt, p, out)
	}
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *fakeLauncher) spec(i int) process.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[i]
}

// fakeMonitor records monitored pids.
type fakeMonitor struct {
	mu   sync.Mutex
	pids map[string]int
}

func (m *fakeMonitor) StartMonitoring(id string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pids == nil {
		m.pids = make(map[string]int)
	}
	m.pids[id] = pid
}

func (m *fakeMonitor) StopMonitoring(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pids, id)
}

func (m *fakeMonitor) monitored(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pids[id]
	return ok
}

// fakeWatchdog records armed timers without firing them.
type fakeWatchdog struct {
	mu    sync.Mutex
	armed map[string]time.Duration
}

func (w *fakeWatchdog) ScheduleTermination(id string, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armed == nil {
		w.armed = make(map[string]time.Duration)
	}
	w.armed[id] = d
}

func (w *fakeWatchdog) CancelTermination(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.armed, id)
}

func (w *fakeWatchdog) get(id string) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.armed[id]
	return d, ok
}

// fakeHistory collects records.
type fakeHistory struct {
	mu      sync.Mutex
	records []HistoryRecord
}

func (h *fakeHistory) Record(_ context.Context, rec HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *fakeHistory) all() []HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryRecord(nil), h.records...)
}

// testClock is a settable clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// harness wires an Orchestrator to fakes.
type harness struct {
	orch     *Orchestrator
	store    *memStore
	launcher *fakeLauncher
	monitor  *fakeMonitor
	watchdog *fakeWatchdog
	history  *fakeHistory
	limiter  *admission.Limiter
	clock    *testClock
	tempDir  string
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	cfg         Config
	globalLimit int
	launcher    *fakeLauncher
	logger      *slog.Logger
}

func withConfig(cfg Config) harnessOption {
	return func(h *harnessConfig) { h.cfg = cfg }
}

func withGlobalLimit(n int) harnessOption {
	return func(h *harnessConfig) { h.globalLimit = n }
}

func withFakeLauncher(l *fakeLauncher) harnessOption {
	return func(h *harnessConfig) { h.launcher = l }
}

func withLogger(logger *slog.Logger) harnessOption {
	return func(h *harnessConfig) { h.logger = logger }
}

func newHarness(t *testing.T, store *memStore, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{
		cfg: Config{
			MaxRetries:       3,
			RetryDelay:       5 * time.Millisecond,
			ForceKillTimeout: 50 * time.Millisecond,
			EncoderFallback:  true,
		},
		globalLimit: 20,
		launcher:    &fakeLauncher{},
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(&hc)
	}

	tempDir := t.TempDir()
	assets := fakeAssets{
		"video-1":    {"/media/one.mp4"},
		"playlist-1": {"/media/one.mp4", "/media/two.mp4"},
	}
	processor := NewProcessor(ProcessorConfig{
		TempDir:              tempDir,
		HardwareAcceleration: true,
		KeyframeSeconds:      2,
		LoopRepeats:          3,
	}, assets, fakeSelector{})

	h := &harness{
		store:    store,
		launcher: hc.launcher,
		monitor:  &fakeMonitor{},
		watchdog: &fakeWatchdog{},
		history:  &fakeHistory{},
		limiter:  admission.NewLimiter(hc.globalLimit, 5, admission.WithLogger(logging.Discard())),
		clock:    &testClock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)},
		tempDir:  tempDir,
	}
	h.orch = NewOrchestrator(hc.cfg, store, processor, h.limiter,
		WithLauncher(h.launcher),
		WithMonitor(h.monitor),
		WithHistory(h.history),
		WithLogger(hc.logger),
		WithClock(h.clock.now),
	)
	h.orch.SetWatchdog(h.watchdog)
	t.Cleanup(h.orch.Close)
	return h
}

func testStream(id string) StreamConfig {
	return StreamConfig{
		ID:        id,
		OwnerID:   "owner-1",
		Source:    SourceRef{Kind: SourceVideo, ID: "video-1"},
		EgressURL: "rtmp://live.example.com/app",
		EgressKey: "key-" + id,
		Mode:      "copy",
		Status:    StatusOffline,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
