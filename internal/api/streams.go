package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/restreamer/internal/api/models"
	"github.com/smazurov/restreamer/internal/streams"
)

// registerStreamRoutes registers start/stop and runtime inspection endpoints.
func (s *Server) registerStreamRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-active-streams",
		Method:      http.MethodGet,
		Path:        "/api/streams/active",
		Summary:     "List Active Streams",
		Description: "Ids of all streams with a live run, including runs waiting to retry",
		Tags:        []string{"streams"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct{}) (*models.ActiveResponse, error) {
		ids := s.options.Streams.ListActive()
		return &models.ActiveResponse{
			Body: models.ActiveData{Streams: ids, Count: len(ids)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "start-stream",
		Method:      http.MethodPost,
		Path:        "/api/streams/{stream_id}/start",
		Summary:     "Start Stream",
		Description: "Spawn the encoder for a configured stream",
		Tags:        []string{"streams"},
		Errors:      []int{401, 404, 409, 422, 429, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.StartRequest) (*models.ResultResponse, error) {
		opts := streams.StartOptions{Reason: "manual_start"}
		if input.Body.DurationMinutes > 0 {
			opts.Duration = time.Duration(input.Body.DurationMinutes) * time.Minute
		}
		result, err := s.options.Streams.Start(ctx, input.StreamID, opts)
		if err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.ResultResponse{Body: result}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-stream",
		Method:      http.MethodPost,
		Path:        "/api/streams/{stream_id}/stop",
		Summary:     "Stop Stream",
		Description: "Stop a live stream. A stream persisted as live without a process is corrected to offline.",
		Tags:        []string{"streams"},
		Errors:      []int{401, 404, 409, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.StreamPath) (*models.ResultResponse, error) {
		result, err := s.options.Streams.Stop(ctx, input.StreamID)
		if err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.ResultResponse{Body: result}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stream-info",
		Method:      http.MethodGet,
		Path:        "/api/streams/{stream_id}",
		Summary:     "Get Stream Runtime",
		Description: "Supervision state of a stream: process state, pid, encoder, retry count and scheduled end",
		Tags:        []string{"streams"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.StreamPath) (*models.StreamInfoResponse, error) {
		info, active := s.options.Streams.Info(input.StreamID)
		resp := &models.StreamInfoResponse{
			Body: models.StreamInfoData{Info: info, Active: active},
		}
		if active && s.options.Terminations != nil {
			if at, ok := s.options.Terminations.Pending(input.StreamID); ok {
				resp.Body.ScheduledEndAt = &at
			}
		}
		return resp, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stream-logs",
		Method:      http.MethodGet,
		Path:        "/api/streams/{stream_id}/logs",
		Summary:     "Get Stream Logs",
		Description: "Most recent encoder output lines of the current run",
		Tags:        []string{"streams"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.StreamPath) (*models.LogsResponse, error) {
		return &models.LogsResponse{
			Body: models.LogsData{
				StreamID: input.StreamID,
				Lines:    s.options.Streams.GetLogs(input.StreamID),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stream-usage",
		Method:      http.MethodGet,
		Path:        "/api/streams/{stream_id}/usage",
		Summary:     "Get Stream Resource Usage",
		Description: "Latest CPU and memory sample of the stream's encoder",
		Tags:        []string{"streams"},
		Errors:      []int{401, 404},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.StreamPath) (*models.UsageResponse, error) {
		if s.options.Usage == nil {
			return nil, huma.Error404NotFound("Resource monitoring is disabled")
		}
		sample, ok := s.options.Usage.GetUsage(input.StreamID)
		if !ok {
			return nil, huma.Error404NotFound("No sample for stream " + input.StreamID)
		}
		return &models.UsageResponse{Body: sample}, nil
	})
}

// mapStreamError maps domain errors to HTTP errors
func (s *Server) mapStreamError(err error) error {
	code := streams.ErrorCode(err)
	message := err.Error()
	var se *streams.StreamError
	if errors.As(err, &se) {
		message = se.Message
	}

	switch code {
	case streams.ErrCodeStreamNotFound:
		return huma.Error404NotFound(message, err)
	case streams.ErrCodeStreamActive, streams.ErrCodeStreamNotActive:
		return huma.Error409Conflict(message, err)
	case streams.ErrCodeAdmissionDenied:
		return huma.Error429TooManyRequests(message, err)
	case streams.ErrCodeInvalidConfig, streams.ErrCodeAssetMissing:
		return huma.Error422UnprocessableEntity(message, err)
	default:
		s.logger.Error("Stream operation failed", "code", code, "error", err)
		return huma.Error500InternalServerError("internal server error", err)
	}
}
