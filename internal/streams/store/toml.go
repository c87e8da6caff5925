package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/restreamer/internal/streams"
)

// config represents the complete streams file for TOML marshaling.
type config struct {
	Version   int                              `toml:"version"`
	Streams   map[string]streams.StreamConfig  `toml:"streams"`
	Schedules map[string]streams.ScheduleEntry `toml:"schedules"`
}

// TOMLStore implements streams.Store on a single TOML file. Every mutation
// is written through atomically.
type TOMLStore struct {
	configPath string
	now        func() time.Time

	mu     sync.RWMutex
	config *config
}

// NewTOML creates a new TOML-based store.
func NewTOML(configPath string) *TOMLStore {
	if configPath == "" {
		configPath = "streams.toml"
	}

	return &TOMLStore{
		configPath: configPath,
		now:        time.Now,
		config:     emptyConfig(),
	}
}

func emptyConfig() *config {
	return &config{
		Version:   1,
		Streams:   make(map[string]streams.StreamConfig),
		Schedules: make(map[string]streams.ScheduleEntry),
	}
}

// Path returns the backing file.
func (s *TOMLStore) Path() string {
	return s.configPath
}

// Load loads the streams configuration from file.
func (s *TOMLStore) Load() error {
	data, err := os.ReadFile(s.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read streams config: %w", err)
	}

	cfg := emptyConfig()
	if unmarshalErr := toml.Unmarshal(data, cfg); unmarshalErr != nil {
		return fmt.Errorf("failed to parse streams config: %w", unmarshalErr)
	}
	if cfg.Streams == nil {
		cfg.Streams = make(map[string]streams.StreamConfig)
	}
	if cfg.Schedules == nil {
		cfg.Schedules = make(map[string]streams.ScheduleEntry)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	// Map keys are authoritative.
	for id, st := range cfg.Streams {
		st.ID = id
		if st.Status == "" {
			st.Status = streams.StatusOffline
		}
		cfg.Streams[id] = st
	}
	for id, e := range cfg.Schedules {
		e.ID = id
		if e.Status == "" {
			e.Status = streams.ExecPending
		}
		cfg.Schedules[id] = e
	}

	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	return nil
}

// save writes the configuration atomically. Caller holds the write lock.
func (s *TOMLStore) save() error {
	dir := filepath.Dir(s.configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(s.config)
	if err != nil {
		return fmt.Errorf("failed to marshal streams config: %w", err)
	}

	// Stream keys are secrets.
	if writeErr := renameio.WriteFile(s.configPath, data, 0o600); writeErr != nil {
		return fmt.Errorf("failed to write streams config: %w", writeErr)
	}
	return nil
}

// GetStream retrieves a stream by ID.
func (s *TOMLStore) GetStream(id string) (streams.StreamConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.config.Streams[id]
	if !ok {
		return streams.StreamConfig{}, fmt.Errorf("stream %q: %w", id, streams.ErrNotFound)
	}
	return st, nil
}

// ListStreams returns streams sorted by ID, filtered by status when given.
func (s *TOMLStore) ListStreams(statuses ...streams.Status) ([]streams.StreamConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]streams.StreamConfig, 0, len(s.config.Streams))
	for _, st := range s.config.Streams {
		if len(statuses) == 0 || slices.Contains(statuses, st.Status) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutStream creates or replaces a stream configuration. Engine-owned fields
// (status, start and end times, pid) of an existing stream are preserved.
func (s *TOMLStore) PutStream(st streams.StreamConfig) error {
	if st.ID == "" {
		return errors.New("stream id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.config.Streams[st.ID]; ok {
		st.Status = prev.Status
		st.StartedAt = prev.StartedAt
		st.ScheduledEndAt = prev.ScheduledEndAt
		st.PID = prev.PID
	} else if st.Status == "" {
		st.Status = streams.StatusOffline
	}
	s.config.Streams[st.ID] = st
	return s.save()
}

// DeleteStream removes a stream and its schedules.
func (s *TOMLStore) DeleteStream(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.config.Streams[id]; !ok {
		return fmt.Errorf("stream %q: %w", id, streams.ErrNotFound)
	}
	delete(s.config.Streams, id)
	for sid, e := range s.config.Schedules {
		if e.StreamID == id {
			delete(s.config.Schedules, sid)
		}
	}
	return s.save()
}

// UpdateStatus persists a lifecycle transition.
func (s *TOMLStore) UpdateStatus(id string, update streams.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.config.Streams[id]
	if !ok {
		return fmt.Errorf("stream %q: %w", id, streams.ErrNotFound)
	}
	st.Status = update.Status
	if update.StartedAt != nil {
		started := *update.StartedAt
		st.StartedAt = &started
	}
	st.ScheduledEndAt = update.ScheduledEndAt
	st.PID = update.PID
	s.config.Streams[id] = st
	return s.save()
}

// ListSchedules returns schedule entries sorted by ID, filtered by status
// when given.
func (s *TOMLStore) ListSchedules(statuses ...streams.ExecStatus) ([]streams.ScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]streams.ScheduleEntry, 0, len(s.config.Schedules))
	for _, e := range s.config.Schedules {
		if len(statuses) == 0 || slices.Contains(statuses, e.Status) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SchedulesFor returns the entries bound to a stream.
func (s *TOMLStore) SchedulesFor(streamID string) []streams.ScheduleEntry {
	all, _ := s.ListSchedules()
	out := all[:0]
	for _, e := range all {
		if e.StreamID == streamID {
			out = append(out, e)
		}
	}
	return out
}

// UpdateScheduleStatus records the outcome of a trigger.
func (s *TOMLStore) UpdateScheduleStatus(id string, status streams.ExecStatus, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.config.Schedules[id]
	if !ok {
		return fmt.Errorf("schedule %q: %w", id, streams.ErrNotFound)
	}
	e.Status = status
	e.LastExecutedAt = &executedAt
	s.config.Schedules[id] = e
	return s.save()
}

// AddSchedule stores a new entry with a generated id and pending status.
// An offline stream becomes scheduled when the entry can still fire.
func (s *TOMLStore) AddSchedule(entry streams.ScheduleEntry) (streams.ScheduleEntry, error) {
	if err := entry.Validate(); err != nil {
		return streams.ScheduleEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.config.Streams[entry.StreamID]
	if !ok {
		return streams.ScheduleEntry{}, fmt.Errorf("stream %q: %w", entry.StreamID, streams.ErrNotFound)
	}

	entry.ID = uuid.NewString()
	entry.Status = streams.ExecPending
	entry.LastExecutedAt = nil
	s.config.Schedules[entry.ID] = entry

	upcoming := entry.Kind == streams.ScheduleRecurring || entry.At.After(s.now())
	if st.Status == streams.StatusOffline && upcoming {
		st.Status = streams.StatusScheduled
		s.config.Streams[st.ID] = st
	}

	if err := s.save(); err != nil {
		return streams.ScheduleEntry{}, err
	}
	return entry, nil
}

// RemoveSchedule deletes an entry. A scheduled stream left without pending
// entries goes back to offline.
func (s *TOMLStore) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.config.Schedules[id]
	if !ok {
		return fmt.Errorf("schedule %q: %w", id, streams.ErrNotFound)
	}
	delete(s.config.Schedules, id)

	if st, ok := s.config.Streams[entry.StreamID]; ok && st.Status == streams.StatusScheduled {
		pending := false
		for _, e := range s.config.Schedules {
			if e.StreamID == st.ID && e.Status == streams.ExecPending {
				pending = true
				break
			}
		}
		if !pending {
			st.Status = streams.StatusOffline
			s.config.Streams[st.ID] = st
		}
	}
	return s.save()
}
