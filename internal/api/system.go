package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/restreamer/internal/api/models"
	"github.com/smazurov/restreamer/internal/history"
	"github.com/smazurov/restreamer/internal/logging"
	"github.com/smazurov/restreamer/internal/streams"
)

// registerSystemRoutes registers limiter, encoder, history and service log endpoints.
func (s *Server) registerSystemRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-limits",
		Method:      http.MethodGet,
		Path:        "/api/limits",
		Summary:     "Admission Limits",
		Description: "Global and per-owner occupancy of the admission limiter",
		Tags:        []string{"system"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.LimitsRequest) (*models.LimitsResponse, error) {
		data := models.LimitsData{Stats: s.options.Streams.GetLimiterStats(input.OwnerID)}
		if input.OwnerID != "" && s.options.Owners != nil {
			data.ActiveStreams = s.options.Owners.ActiveByOwner(input.OwnerID)
		}
		return &models.LimitsResponse{Body: data}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-encoders",
		Method:      http.MethodGet,
		Path:        "/api/encoders",
		Summary:     "Hardware Encoders",
		Description: "Cached hardware encoder detection and the preferred encoder",
		Tags:        []string{"system"},
		Errors:      []int{401, 404},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct{}) (*models.EncodersResponse, error) {
		if s.options.Encoders == nil {
			return nil, huma.Error404NotFound("Encoder detection is disabled")
		}
		return &models.EncodersResponse{Body: s.options.Encoders.Detect(ctx)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/api/history",
		Summary:     "Stream History",
		Description: "Completed runs, newest first",
		Tags:        []string{"system"},
		Errors:      []int{401, 404, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.HistoryRequest) (*models.HistoryResponse, error) {
		if s.options.History == nil {
			return nil, huma.Error404NotFound("History is disabled")
		}
		records, err := s.options.History.List(ctx, history.Filter{
			StreamID: input.StreamID,
			OwnerID:  input.OwnerID,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to read history", err)
		}
		if records == nil {
			records = []streams.HistoryRecord{}
		}
		return &models.HistoryResponse{
			Body: models.HistoryData{Records: records, Count: len(records)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-service-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Service Logs",
		Description: "Recent service log entries from the in-memory buffer, oldest first",
		Tags:        []string{"system"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.ServiceLogsRequest) (*models.ServiceLogsResponse, error) {
		entries := []logging.LogEntry{}
		if buffer := logging.GetBuffer(); buffer != nil {
			if found := buffer.Find(logging.Query{
				StreamID: input.StreamID,
				Module:   input.Module,
				MinLevel: input.Level,
				Limit:    input.Limit,
			}); found != nil {
				entries = found
			}
		}
		return &models.ServiceLogsResponse{
			Body: models.ServiceLogsData{Entries: entries, Count: len(entries)},
		}, nil
	})
}
