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

// registerScheduleRoutes registers schedule entry CRUD.
func (s *Server) registerScheduleRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-schedules",
		Method:      http.MethodGet,
		Path:        "/api/schedules",
		Summary:     "List Schedules",
		Description: "All schedule entries, or the entries of one stream",
		Tags:        []string{"schedules"},
		Errors:      []int{401, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.ScheduleListRequest) (*models.ScheduleListResponse, error) {
		var entries []streams.ScheduleEntry
		if input.StreamID != "" {
			entries = s.options.Schedules.SchedulesFor(input.StreamID)
		} else {
			var err error
			entries, err = s.options.Schedules.ListSchedules()
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to list schedules", err)
			}
		}
		if entries == nil {
			entries = []streams.ScheduleEntry{}
		}
		return &models.ScheduleListResponse{
			Body: models.ScheduleListData{Schedules: entries, Count: len(entries)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "create-schedule",
		Method:        http.MethodPost,
		Path:          "/api/schedules",
		Summary:       "Create Schedule",
		Description:   "Attach a one-time or recurring trigger to a stream",
		Tags:          []string{"schedules"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{401, 404, 422, 500},
		Security:      withAuth(),
	}, func(ctx context.Context, input *models.ScheduleRequest) (*models.ScheduleResponse, error) {
		entry := streams.ScheduleEntry{
			StreamID:        input.Body.StreamID,
			Kind:            streams.ScheduleKind(input.Body.Kind),
			At:              input.Body.At,
			TimeOfDay:       input.Body.TimeOfDay,
			DurationMinutes: input.Body.DurationMinutes,
		}
		for _, d := range input.Body.Weekdays {
			entry.Weekdays = append(entry.Weekdays, time.Weekday(d))
		}
		if err := entry.Validate(); err != nil {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}

		created, err := s.options.Schedules.AddSchedule(entry)
		if err != nil {
			if errors.Is(err, streams.ErrNotFound) {
				return nil, huma.Error404NotFound("Stream not found", err)
			}
			return nil, huma.Error500InternalServerError("failed to save schedule", err)
		}
		s.logger.Info("Schedule created", "schedule_id", created.ID, "stream_id", created.StreamID, "kind", created.Kind)
		return &models.ScheduleResponse{Body: created}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-schedule",
		Method:        http.MethodDelete,
		Path:          "/api/schedules/{schedule_id}",
		Summary:       "Delete Schedule",
		Description:   "Remove a schedule entry. A scheduled stream with no pending entries left goes offline.",
		Tags:          []string{"schedules"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{401, 404, 500},
		Security:      withAuth(),
	}, func(ctx context.Context, input *models.SchedulePath) (*struct{}, error) {
		if err := s.options.Schedules.RemoveSchedule(input.ScheduleID); err != nil {
			if errors.Is(err, streams.ErrNotFound) {
				return nil, huma.Error404NotFound("Schedule not found", err)
			}
			return nil, huma.Error500InternalServerError("failed to remove schedule", err)
		}
		s.logger.Info("Schedule removed", "schedule_id", input.ScheduleID)
		return &struct{}{}, nil
	})
}
