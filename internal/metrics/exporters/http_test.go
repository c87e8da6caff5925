package exporters

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/smazurov/restreamer/internal/metrics"
)

func TestHTTPHandler(t *testing.T) {
	handler := HTTPHandler()
	if handler == nil {
		t.Fatal("expected non-nil handler")
	}

	// Set a metric so there's something to export
	metrics.SetStreamLive("http-test-stream", "start")
	metrics.SetResourceUsage("http-test-stream", 12, 34)
	defer metrics.DeleteStreamMetrics("http-test-stream")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	body := w.Body.String()
	for _, name := range []string{"restreamer_streams_live", `restreamer_encoder_cpu_percent{stream_id="http-test-stream"} 12`} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %q in response", name)
		}
	}
}
