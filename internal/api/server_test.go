package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/google/go-cmp/cmp"

	"github.com/smazurov/restreamer/internal/admission"
	"github.com/smazurov/restreamer/internal/encoders"
	"github.com/smazurov/restreamer/internal/history"
	"github.com/smazurov/restreamer/internal/logging"
	"github.com/smazurov/restreamer/internal/monitor"
	"github.com/smazurov/restreamer/internal/process"
	"github.com/smazurov/restreamer/internal/streams"
)

type fakeController struct {
	mu       sync.Mutex
	active   map[string]bool
	startErr error
	stopErr  error
	started  []streams.StartOptions
}

func newFakeController() *fakeController {
	return &fakeController{active: make(map[string]bool)}
}

func (f *fakeController) Start(_ context.Context, id string, opts streams.StartOptions) (streams.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return streams.Result{Message: f.startErr.Error()}, f.startErr
	}
	f.active[id] = true
	f.started = append(f.started, opts)
	return streams.Result{Success: true, Message: "Stream started"}, nil
}

func (f *fakeController) Stop(_ context.Context, id string) (streams.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return streams.Result{Message: f.stopErr.Error()}, f.stopErr
	}
	delete(f.active, id)
	return streams.Result{Success: true, Message: "Stream stopped"}, nil
}

func (f *fakeController) IsActive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[id]
}

func (f *fakeController) ListActive() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []string{}
	for id := range f.active {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeController) Info(id string) (process.Info, bool) {
	if !f.IsActive(id) {
		return process.Info{ID: id, State: process.StateAbsent}, false
	}
	return process.Info{ID: id, State: process.StateRunning, PID: 4242, Encoder: "libx264"}, true
}

func (f *fakeController) GetLogs(string) []streams.LogLine {
	return []streams.LogLine{{Timestamp: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), Message: "[warning] low bitrate"}}
}

func (f *fakeController) GetLimiterStats(ownerID string) admission.Stats {
	stats := admission.Stats{GlobalCount: 2, GlobalLimit: 20, GlobalUsagePercent: 10, PerOwnerLimit: 5}
	if ownerID != "" {
		stats.OwnerCount = 1
	}
	return stats
}

type fakeSchedules struct {
	mu      sync.Mutex
	entries map[string]streams.ScheduleEntry
	streams map[string]bool
	nextID  int
}

func (f *fakeSchedules) GetStream(id string) (streams.StreamConfig, error) {
	if !f.streams[id] {
		return streams.StreamConfig{}, streams.ErrNotFound
	}
	return streams.StreamConfig{ID: id}, nil
}

func (f *fakeSchedules) ListSchedules(...streams.ExecStatus) ([]streams.ScheduleEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []streams.ScheduleEntry
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeSchedules) SchedulesFor(streamID string) []streams.ScheduleEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []streams.ScheduleEntry
	for _, e := range f.entries {
		if e.StreamID == streamID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeSchedules) AddSchedule(e streams.ScheduleEntry) (streams.ScheduleEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.streams[e.StreamID] {
		return streams.ScheduleEntry{}, fmt.Errorf("stream %q: %w", e.StreamID, streams.ErrNotFound)
	}
	f.nextID++
	e.ID = fmt.Sprintf("sched-%d", f.nextID)
	e.Status = streams.ExecPending
	f.entries[e.ID] = e
	return e, nil
}

func (f *fakeSchedules) RemoveSchedule(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[id]; !ok {
		return fmt.Errorf("schedule %q: %w", id, streams.ErrNotFound)
	}
	delete(f.entries, id)
	return nil
}

type fakeUsage map[string]monitor.Sample

func (f fakeUsage) GetUsage(id string) (monitor.Sample, bool) {
	s, ok := f[id]
	return s, ok
}

type fakeHistory struct {
	got history.Filter
}

func (f *fakeHistory) List(_ context.Context, filter history.Filter) ([]streams.HistoryRecord, error) {
	f.got = filter
	return []streams.HistoryRecord{{ID: "h1", StreamID: filter.StreamID, DurationSeconds: 60}}, nil
}

type fakeDetector struct{}

func (fakeDetector) Detect(context.Context) encoders.Detection {
	return encoders.Detection{Available: []string{encoders.NVENC}, Preferred: encoders.NVENC}
}

type fakeTerminations map[string]time.Time

func (f fakeTerminations) Pending(id string) (time.Time, bool) {
	at, ok := f[id]
	return at, ok
}

type testEnv struct {
	api       humatest.TestAPI
	ctrl      *fakeController
	schedules *fakeSchedules
	history   *fakeHistory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	_, api := humatest.New(t)
	env := &testEnv{
		api:  api,
		ctrl: newFakeController(),
		schedules: &fakeSchedules{
			entries: make(map[string]streams.ScheduleEntry),
			streams: map[string]bool{"stream-1": true},
		},
		history: &fakeHistory{},
	}
	s := newServer(api, &Options{
		Streams:   env.ctrl,
		Schedules: env.schedules,
		Encoders:  fakeDetector{},
		Usage: fakeUsage{"stream-1": {
			PID: 4242, CPUPercent: 35.5, MemoryMB: 120,
			Timestamp: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		}},
		History:      env.history,
		Terminations: fakeTerminations{"stream-1": time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)},
	})
	s.registerRoutes()
	return env
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return v
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)

	resp := env.api.Post("/api/streams/stream-1/start", map[string]any{"duration_minutes": 30})
	if resp.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", resp.Code, resp.Body.String())
	}
	got := decode[streams.Result](t, resp.Body.String())
	if !got.Success {
		t.Errorf("start result = %+v", got)
	}
	if d := env.ctrl.started[0].Duration; d != 30*time.Minute {
		t.Errorf("start duration = %v, want 30m", d)
	}

	resp = env.api.Get("/api/streams/active")
	active := decode[struct {
		Streams []string `json:"streams"`
		Count   int      `json:"count"`
	}](t, resp.Body.String())
	if diff := cmp.Diff([]string{"stream-1"}, active.Streams); diff != "" {
		t.Errorf("active mismatch (-want +got):\n%s", diff)
	}

	resp = env.api.Get("/api/streams/stream-1")
	info := decode[map[string]any](t, resp.Body.String())
	if info["state"] != "running" || info["active"] != true {
		t.Errorf("info = %v", info)
	}

	resp = env.api.Post("/api/streams/stream-1/stop", map[string]any{})
	if resp.Code != http.StatusOK {
		t.Fatalf("stop status = %d, body %s", resp.Code, resp.Body.String())
	}
	if env.ctrl.IsActive("stream-1") {
		t.Error("stream still active after stop")
	}
}

func TestStreamInfoScheduledEnd(t *testing.T) {
	env := newTestEnv(t)

	resp := env.api.Get("/api/streams/stream-1")
	info := decode[map[string]any](t, resp.Body.String())
	if _, ok := info["scheduled_end_at"]; ok {
		t.Errorf("inactive stream reports a scheduled end: %v", info)
	}

	env.api.Post("/api/streams/stream-1/start", map[string]any{})
	resp = env.api.Get("/api/streams/stream-1")
	info = decode[map[string]any](t, resp.Body.String())
	if info["scheduled_end_at"] != "2025-03-10T13:00:00Z" {
		t.Errorf("scheduled_end_at = %v, want 2025-03-10T13:00:00Z", info["scheduled_end_at"])
	}
}

func TestStartErrorMapping(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{streams.ErrCodeStreamNotFound, http.StatusNotFound},
		{streams.ErrCodeStreamActive, http.StatusConflict},
		{streams.ErrCodeStreamNotActive, http.StatusConflict},
		{streams.ErrCodeAdmissionDenied, http.StatusTooManyRequests},
		{streams.ErrCodeInvalidConfig, http.StatusUnprocessableEntity},
		{streams.ErrCodeAssetMissing, http.StatusUnprocessableEntity},
		{streams.ErrCodeSpawnFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			env := newTestEnv(t)
			env.ctrl.startErr = streams.NewStreamError(tt.code, "nope", nil)

			resp := env.api.Post("/api/streams/stream-1/start", map[string]any{})
			if resp.Code != tt.want {
				t.Errorf("status = %d, want %d", resp.Code, tt.want)
			}
		})
	}
}

func TestAdmissionReasonInBody(t *testing.T) {
	env := newTestEnv(t)
	env.ctrl.startErr = streams.NewStreamError(streams.ErrCodeAdmissionDenied, "Server at capacity (20/20 streams)", nil)

	resp := env.api.Post("/api/streams/stream-1/start", map[string]any{})
	if !strings.Contains(resp.Body.String(), "Server at capacity") {
		t.Errorf("body %s does not carry the limiter reason", resp.Body.String())
	}
}

func TestLogsAndUsage(t *testing.T) {
	env := newTestEnv(t)

	resp := env.api.Get("/api/streams/stream-1/logs")
	logs := decode[struct {
		Lines []streams.LogLine `json:"lines"`
	}](t, resp.Body.String())
	if len(logs.Lines) != 1 || logs.Lines[0].Message != "[warning] low bitrate" {
		t.Errorf("logs = %+v", logs.Lines)
	}

	resp = env.api.Get("/api/streams/stream-1/usage")
	usage := decode[monitor.Sample](t, resp.Body.String())
	if usage.CPUPercent != 35.5 || usage.MemoryMB != 120 {
		t.Errorf("usage = %+v", usage)
	}

	resp = env.api.Get("/api/streams/unknown/usage")
	if resp.Code != http.StatusNotFound {
		t.Errorf("unknown usage status = %d, want 404", resp.Code)
	}
}

func TestScheduleCRUD(t *testing.T) {
	env := newTestEnv(t)

	resp := env.api.Post("/api/schedules", map[string]any{
		"stream_id":        "stream-1",
		"kind":             "recurring",
		"time_of_day":      "18:30",
		"weekdays":         []int{1, 3},
		"duration_minutes": 60,
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.Code, resp.Body.String())
	}
	created := decode[streams.ScheduleEntry](t, resp.Body.String())
	if created.ID == "" || created.Status != streams.ExecPending {
		t.Errorf("created = %+v", created)
	}
	if diff := cmp.Diff([]time.Weekday{time.Monday, time.Wednesday}, created.Weekdays); diff != "" {
		t.Errorf("weekdays mismatch (-want +got):\n%s", diff)
	}

	resp = env.api.Get("/api/schedules?stream_id=stream-1")
	list := decode[struct {
		Count int `json:"count"`
	}](t, resp.Body.String())
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}

	resp = env.api.Delete("/api/schedules/" + created.ID)
	if resp.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.Code)
	}
	resp = env.api.Delete("/api/schedules/" + created.ID)
	if resp.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.Code)
	}
}

func TestScheduleRejects(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			name: "recurring without weekdays",
			body: map[string]any{"stream_id": "stream-1", "kind": "recurring", "time_of_day": "08:00", "duration_minutes": 10},
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "one-time without start",
			body: map[string]any{"stream_id": "stream-1", "kind": "one_time", "duration_minutes": 10},
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "unknown stream",
			body: map[string]any{"stream_id": "missing", "kind": "one_time", "at": "2030-01-01T10:00:00Z", "duration_minutes": 10},
			want: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			resp := env.api.Post("/api/schedules", tt.body)
			if resp.Code != tt.want {
				t.Errorf("status = %d, want %d, body %s", resp.Code, tt.want, resp.Body.String())
			}
		})
	}
}

func TestSystemRoutes(t *testing.T) {
	env := newTestEnv(t)

	resp := env.api.Get("/api/limits?owner_id=user-7")
	limits := decode[admission.Stats](t, resp.Body.String())
	want := admission.Stats{GlobalCount: 2, GlobalLimit: 20, GlobalUsagePercent: 10, OwnerCount: 1, PerOwnerLimit: 5}
	if diff := cmp.Diff(want, limits); diff != "" {
		t.Errorf("limits mismatch (-want +got):\n%s", diff)
	}

	resp = env.api.Get("/api/encoders")
	detection := decode[encoders.Detection](t, resp.Body.String())
	if detection.Preferred != encoders.NVENC {
		t.Errorf("preferred = %q", detection.Preferred)
	}

	resp = env.api.Get("/api/history?stream_id=stream-1&limit=5")
	if resp.Code != http.StatusOK {
		t.Fatalf("history status = %d, body %s", resp.Code, resp.Body.String())
	}
	if env.history.got.StreamID != "stream-1" || env.history.got.Limit != 5 {
		t.Errorf("history filter = %+v", env.history.got)
	}

	resp = env.api.Get("/api/version")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "go_version") {
		t.Errorf("version = %d %s", resp.Code, resp.Body.String())
	}
}

func TestServiceLogs(t *testing.T) {
	logging.Initialize(logging.Config{Level: "debug", Format: "json"})
	env := newTestEnv(t)

	logger := logging.GetLogger("orchestrator")
	logger.Info("Stream started", "stream_id", "logs-a")
	logger.Info("Stream started", "stream_id", "logs-b")
	logger.Warn("Retrying stream", "stream_id", "logs-a", "attempt", 1)

	resp := env.api.Get("/api/logs?stream_id=logs-a")
	if resp.Code != http.StatusOK {
		t.Fatalf("logs status = %d, body %s", resp.Code, resp.Body.String())
	}
	got := decode[struct {
		Entries []logging.LogEntry `json:"entries"`
		Count   int                `json:"count"`
	}](t, resp.Body.String())
	if got.Count != 2 {
		t.Fatalf("count = %d, want 2: %+v", got.Count, got.Entries)
	}
	if got.Entries[1].Message != "Retrying stream" || got.Entries[1].Module != "orchestrator" {
		t.Errorf("last entry = %+v", got.Entries[1])
	}

	resp = env.api.Get("/api/logs?stream_id=logs-a&level=warn")
	got = decode[struct {
		Entries []logging.LogEntry `json:"entries"`
		Count   int                `json:"count"`
	}](t, resp.Body.String())
	if got.Count != 1 {
		t.Errorf("warn count = %d, want 1", got.Count)
	}
}

func TestBasicAuth(t *testing.T) {
	s := NewServer(&Options{
		AuthUsername: "admin",
		AuthPassword: "secret",
		Streams:      newFakeController(),
		Schedules:    &fakeSchedules{entries: map[string]streams.ScheduleEntry{}},
		PrometheusHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("restreamer_streams_live 0\n"))
		}),
	})
	handler := s.Handler()

	basic := func(user, pass string) string {
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health needs no auth", "/api/health", "", http.StatusOK},
		{"metrics needs no auth", "/metrics", "", http.StatusOK},
		{"missing credentials", "/api/streams/active", "", http.StatusUnauthorized},
		{"wrong scheme", "/api/streams/active", "Bearer abc", http.StatusUnauthorized},
		{"wrong password", "/api/streams/active", basic("admin", "nope"), http.StatusUnauthorized},
		{"valid credentials", "/api/streams/active", basic("admin", "secret"), http.StatusOK},
		{"query credentials", "/api/streams/active?auth=" + base64.StdEncoding.EncodeToString([]byte("admin:secret")), "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}
