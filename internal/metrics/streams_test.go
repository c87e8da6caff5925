package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStreamUsageCache(t *testing.T) {
	streamID := "usage-stream-1"
	DeleteStreamMetrics(streamID)

	if u := GetStreamUsage(streamID); u != nil {
		t.Error("expected nil for unknown stream")
	}

	// Samples before the live transition are dropped.
	SetResourceUsage(streamID, 10, 20)
	if u := GetStreamUsage(streamID); u != nil {
		t.Fatal("sample for a stream that is not live was cached")
	}

	SetStreamLive(streamID, "start")
	SetResourceUsage(streamID, 42.5, 128)

	u := GetStreamUsage(streamID)
	if u == nil {
		t.Fatal("expected usage after live transition")
	}
	if u.CPUPercent != 42.5 || u.MemoryMB != 128 {
		t.Errorf("usage = %+v, want cpu 42.5 memory 128", *u)
	}
	if got := testutil.ToFloat64(encoderCPU.WithLabelValues(streamID)); got != 42.5 {
		t.Errorf("cpu gauge = %v, want 42.5", got)
	}

	// Returned copy is independent.
	u.CPUPercent = 999
	if again := GetStreamUsage(streamID); again.CPUPercent != 42.5 {
		t.Errorf("cache was modified, cpu = %v", again.CPUPercent)
	}

	SetStreamOffline(streamID, "offline", "manual_stop")
	if u := GetStreamUsage(streamID); u != nil {
		t.Error("expected nil after offline transition")
	}
	if n := testutil.CollectAndCount(encoderCPU); n != 0 {
		t.Errorf("cpu series left after offline = %d", n)
	}
}

func TestLiveGauge(t *testing.T) {
	DeleteStreamMetrics("gauge-a")
	DeleteStreamMetrics("gauge-b")
	base := LiveStreams()

	SetStreamLive("gauge-a", "start")
	SetStreamLive("gauge-b", "schedule")
	SetStreamLive("gauge-a", "recovery")

	if got := LiveStreams(); got != base+2 {
		t.Errorf("LiveStreams() = %d, want %d", got, base+2)
	}
	if got := testutil.ToFloat64(streamsLive); got != float64(base+2) {
		t.Errorf("live gauge = %v, want %d", got, base+2)
	}

	DeleteStreamMetrics("gauge-a")
	DeleteStreamMetrics("gauge-b")
	if got := testutil.ToFloat64(streamsLive); got != float64(base) {
		t.Errorf("live gauge after delete = %v, want %d", got, base)
	}
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(streamExits.WithLabelValues("retry"))
	IncExit("retry")
	IncExit("retry")
	if got := testutil.ToFloat64(streamExits.WithLabelValues("retry")); got != before+2 {
		t.Errorf("exits{retry} = %v, want %v", got, before+2)
	}

	before = testutil.ToFloat64(admissionRejections.WithLabelValues("owner"))
	IncAdmissionRejection("owner")
	if got := testutil.ToFloat64(admissionRejections.WithLabelValues("owner")); got != before+1 {
		t.Errorf("rejections{owner} = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(scheduleTriggers.WithLabelValues("recurring", "skipped"))
	IncScheduleTrigger("recurring", "skipped")
	if got := testutil.ToFloat64(scheduleTriggers.WithLabelValues("recurring", "skipped")); got != before+1 {
		t.Errorf("triggers{recurring,skipped} = %v, want %v", got, before+1)
	}
}
