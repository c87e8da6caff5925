package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func resetState() {
	mutex.Lock()
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	isInitialized = false
	globalConfig = Config{}
	logBuffer = nil
	mutex.Unlock()
}

func TestModuleLevelOverride(t *testing.T) {
	resetState()
	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"orchestrator": "debug",
			"scheduler":    "warn",
		},
	})

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"orchestrator", true, true, true},
		{"scheduler", false, false, true},
		{"monitor", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			handler := GetLogger(tt.module).Handler()
			ctx := context.Background()

			if got := handler.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("Debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := handler.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("Info enabled = %v, want %v", got, tt.wantInfo)
			}
			if got := handler.Enabled(ctx, slog.LevelWarn); got != tt.wantWarn {
				t.Errorf("Warn enabled = %v, want %v", got, tt.wantWarn)
			}
		})
	}
}

func TestLoggerCreatedBeforeInitializeFollowsLevel(t *testing.T) {
	resetState()

	before := GetLogger("recovery").Handler()
	if before.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("logger created before Initialize should default to info")
	}

	Initialize(Config{Level: "info", Modules: map[string]string{"recovery": "debug"}})

	if !before.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("existing handler should observe the module level set by Initialize")
	}
}

func TestSetModuleLevel(t *testing.T) {
	resetState()
	Initialize(Config{Level: "info"})

	logger := GetLogger("api")
	if logger.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug should start disabled")
	}

	if !SetModuleLevel("api", "debug") {
		t.Fatal("SetModuleLevel rejected a valid level")
	}
	if !logger.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be enabled after SetModuleLevel")
	}
	if SetModuleLevel("api", "loud") {
		t.Error("SetModuleLevel accepted an unknown level")
	}
}

func TestBufferHandlerCapturesModuleAndAttrs(t *testing.T) {
	resetState()
	Initialize(Config{Level: "debug"})

	GetLogger("orchestrator").With("stream_id", "s1").Warn("retrying", "attempt", 2, "delay", 3*time.Second)

	entries := GetBuffer().ReadAll()
	if len(entries) == 0 {
		t.Fatal("expected a buffered entry")
	}
	last := entries[len(entries)-1]
	if last.Module != "orchestrator" {
		t.Errorf("Module = %q, want orchestrator", last.Module)
	}
	if last.Level != "warn" {
		t.Errorf("Level = %q, want warn", last.Level)
	}
	if last.StreamID != "s1" {
		t.Errorf("StreamID = %q, want s1", last.StreamID)
	}
	if _, ok := last.Attributes["stream_id"]; ok {
		t.Error("stream_id should not be duplicated in attributes")
	}
	if last.Attributes["delay"] != "3s" {
		t.Errorf("delay = %v, want 3s", last.Attributes["delay"])
	}
}

func TestMultiHandlerDebugOutput(t *testing.T) {
	var buf bytes.Buffer

	debugHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	infoHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	logger := slog.New(NewMultiHandler(debugHandler, infoHandler)).With("module", "test")
	logger.Debug("debug only message")
	logger.Info("both handlers")

	output := buf.String()
	if got := strings.Count(output, "debug only message"); got != 1 {
		t.Errorf("debug message written %d times, want 1. Output: %s", got, output)
	}
	if got := strings.Count(output, "both handlers"); got != 2 {
		t.Errorf("info message written %d times, want 2. Output: %s", got, output)
	}
}

func TestParseLevelValues(t *testing.T) {
	tests := []struct {
		input  string
		want   slog.Level
		wantOK bool
	}{
		{"debug", slog.LevelDebug, true},
		{"DEBUG", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"invalid", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := parseLevel(tt.input)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("parseLevel(%q) = (%v, %v), want (%v, %v)", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
