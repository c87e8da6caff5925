package api

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/restreamer/internal/admission"
	"github.com/smazurov/restreamer/internal/api/models"
	"github.com/smazurov/restreamer/internal/encoders"
	"github.com/smazurov/restreamer/internal/events"
	"github.com/smazurov/restreamer/internal/history"
	"github.com/smazurov/restreamer/internal/logging"
	"github.com/smazurov/restreamer/internal/monitor"
	"github.com/smazurov/restreamer/internal/process"
	"github.com/smazurov/restreamer/internal/streams"
	"github.com/smazurov/restreamer/internal/version"
)

const authRealm = `Basic realm="Restreamer API"`

// StreamController is the orchestrator surface exposed over HTTP.
type StreamController interface {
	Start(ctx context.Context, streamID string, opts streams.StartOptions) (streams.Result, error)
	Stop(ctx context.Context, streamID string) (streams.Result, error)
	IsActive(streamID string) bool
	ListActive() []string
	Info(streamID string) (process.Info, bool)
	GetLogs(streamID string) []streams.LogLine
	GetLimiterStats(ownerID string) admission.Stats
}

// ScheduleStore is the persistence the schedule endpoints use.
type ScheduleStore interface {
	GetStream(id string) (streams.StreamConfig, error)
	ListSchedules(statuses ...streams.ExecStatus) ([]streams.ScheduleEntry, error)
	SchedulesFor(streamID string) []streams.ScheduleEntry
	AddSchedule(entry streams.ScheduleEntry) (streams.ScheduleEntry, error)
	RemoveSchedule(id string) error
}

// EncoderDetector reports hardware encoder detection.
type EncoderDetector interface {
	Detect(ctx context.Context) encoders.Detection
}

// UsageReader returns the latest resource sample of a stream.
type UsageReader interface {
	GetUsage(streamID string) (monitor.Sample, bool)
}

// HistoryReader lists completed runs.
type HistoryReader interface {
	List(ctx context.Context, f history.Filter) ([]streams.HistoryRecord, error)
}

// OwnerStreams lists the active streams of an owner.
type OwnerStreams interface {
	ActiveByOwner(ownerID string) []string
}

// TerminationReader reports when a stream's bounded run is due to end.
type TerminationReader interface {
	Pending(streamID string) (time.Time, bool)
}

// Options wires the server to the engine.
type Options struct {
	AuthUsername      string
	AuthPassword      string
	Streams           StreamController
	Schedules         ScheduleStore
	Encoders          EncoderDetector
	Usage             UsageReader
	History           HistoryReader
	Owners            OwnerStreams
	Terminations      TerminationReader
	EventBus          *events.Bus
	PrometheusHandler http.Handler // served at /metrics without auth when set
}

// Server is the HTTP control surface of the engine.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	options    *Options
	logger     *slog.Logger
}

// basicAuthMiddleware rejects requests to secured operations that do not
// carry the configured credentials.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		op := ctx.Operation()
		if op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		credentials, problem := readCredentials(ctx)
		if problem != "" {
			ctx.SetHeader("WWW-Authenticate", authRealm)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, problem)
			return
		}

		user, pass, ok := strings.Cut(credentials, ":")
		if !ok || user != username || pass != password {
			ctx.SetHeader("WWW-Authenticate", authRealm)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "Invalid credentials")
			return
		}

		next(ctx)
	}
}

// readCredentials takes "user:pass" from the Authorization header, or from
// the auth query parameter for SSE clients that cannot set headers. A
// non-empty problem is the message to reject with.
func readCredentials(ctx huma.Context) (credentials, problem string) {
	var encoded string
	if header := ctx.Header("Authorization"); header != "" {
		const prefix = "Basic "
		if !strings.HasPrefix(header, prefix) {
			return "", "Invalid authentication type"
		}
		encoded = header[len(prefix):]
	} else {
		encoded = ctx.Query("auth")
	}
	if encoded == "" {
		return "", "Authentication required"
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "Invalid credentials format"
	}
	return string(decoded), ""
}

// NewServer creates the API server on a Go 1.22+ ServeMux.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	config := huma.DefaultConfig("Restreamer API", version.Get().Version)
	config.Info.Description = "Control surface of the streaming orchestration engine"
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)
	server := newServer(api, opts)
	server.mux = mux

	api.UseMiddleware(HTTPLoggingMiddleware)
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	server.registerRoutes()
	return server
}

func newServer(api huma.API, opts *Options) *Server {
	return &Server{
		api:     api,
		options: opts,
		logger:  logging.GetLogger("api"),
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// GetAPI returns the Huma API instance
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Start serves on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
// Open event streams are cut when ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return s.httpServer.Close()
	}
	return nil
}

// registerRoutes sets up all API endpoints
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(ctx context.Context, input *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:  "ok",
				Message: "API is healthy",
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(ctx context.Context, input *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				GoVersion: info.GoVersion,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerStreamRoutes()
	s.registerScheduleRoutes()
	s.registerSystemRoutes()
	if s.options.EventBus != nil {
		s.registerSSERoutes()
	}
}

// withAuth returns security requirement for basic auth
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
