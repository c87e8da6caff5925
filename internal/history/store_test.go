package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/smazurov/restreamer/internal/streams"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(streamID, owner string, ended time.Time, seconds int64) streams.HistoryRecord {
	return streams.HistoryRecord{
		StreamID:        streamID,
		OwnerID:         owner,
		StartedAt:       ended.Add(-time.Duration(seconds) * time.Second),
		EndedAt:         ended,
		DurationSeconds: seconds,
		Reason:          "manual_stop",
		Encoder:         "libx264",
		Config: streams.StreamConfig{
			ID:        streamID,
			OwnerID:   owner,
			EgressURL: "rtmp://live.example.com/app",
			EgressKey: "secret",
			Source:    streams.SourceRef{Kind: streams.SourceVideo, ID: "v1"},
		},
	}
}

func TestRecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	for i, rec := range []streams.HistoryRecord{
		record("s1", "alice", base, 600),
		record("s2", "bob", base.Add(time.Minute), 30),
		record("s1", "alice", base.Add(2*time.Minute), 60),
	} {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d records, want 3", len(all))
	}
	if !all[0].EndedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("records not newest first: %v", all[0].EndedAt)
	}
	if all[0].ID == "" {
		t.Error("record id not generated")
	}

	got := all[2]
	want := record("s1", "alice", base, 600)
	want.ID = got.ID
	want.Config.EgressKey = ""
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	s1, err := s.List(ctx, Filter{StreamID: "s1", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(s1) != 1 || s1[0].DurationSeconds != 60 {
		t.Errorf("filtered list = %+v", s1)
	}

	bob, err := s.List(ctx, Filter{OwnerID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(bob) != 1 || bob[0].StreamID != "s2" {
		t.Errorf("owner list = %+v", bob)
	}
}

func TestRecordKeepsGivenID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := record("s1", "alice", time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), 10)
	rec.ID = "fixed"
	if err := s.Record(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, rec); err == nil {
		t.Error("duplicate id should fail")
	}
	all, _ := s.List(ctx, Filter{})
	if len(all) != 1 || all[0].ID != "fixed" {
		t.Errorf("records = %+v", all)
	}
}

func TestTotalSeconds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	total, err := s.TotalSeconds(ctx, "alice", base)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("empty total = %d", total)
	}

	for _, rec := range []streams.HistoryRecord{
		record("s1", "alice", base.Add(-time.Hour), 100),
		record("s1", "alice", base.Add(time.Hour), 200),
		record("s2", "alice", base.Add(2*time.Hour), 300),
		record("s3", "bob", base.Add(time.Hour), 999),
	} {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	total, err = s.TotalSeconds(ctx, "alice", base)
	if err != nil {
		t.Fatal(err)
	}
	if total != 500 {
		t.Errorf("total = %d, want 500", total)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Record(context.Background(), record("s1", "alice", time.Now(), 5)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	all, err := s.List(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("got %d records after reopen, want 1", len(all))
	}
}
