package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scarson/pgtasks/internal/queue"
	"github.com/scarson/pgtasks/internal/store"
	"github.com/scarson/pgtasks/internal/worker"
)

// registerTaskRoutes wires up the task endpoints on the huma API.
//
//	POST /tasks        - publish one task envelope
//	GET  /tasks/stats  - queue depth by lease state
func registerTaskRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Tags:          []string{"tasks"},
		Summary:       "Publish a task",
		Description:   "Stores the task and wakes every listening consumer.",
		DefaultStatus: http.StatusCreated,
	}, srv.publishTaskHandler)

	huma.Register(api, huma.Operation{
		OperationID: "task-stats",
		Method:      http.MethodGet,
		Path:        "/tasks/stats",
		Tags:        []string{"tasks"},
		Summary:     "Count tasks by lease state",
	}, srv.taskStatsHandler)
}

type publishTaskInput struct {
	Body struct {
		Kind string `json:"kind" minLength:"1" maxLength:"128" doc:"Handler kind the worker routes on"`
		Data any    `json:"data,omitempty" doc:"Arbitrary JSON passed to the handler"`
	}
}

type publishTaskOutput struct {
	Body struct {
		ID int64 `json:"id"`
	}
}

func (srv *Server) publishTaskHandler(ctx context.Context, input *publishTaskInput) (*publishTaskOutput, error) {
	env, err := worker.NewEnvelope(input.Body.Kind, input.Body.Data)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid task", err)
	}
	id, err := srv.queue.Publish(ctx, env)
	if err != nil {
		return nil, queueError(ctx, "publish task", err)
	}
	out := &publishTaskOutput{}
	out.Body.ID = id
	return out, nil
}

type taskStatsOutput struct {
	Body store.Stats
}

func (srv *Server) taskStatsHandler(ctx context.Context, _ *struct{}) (*taskStatsOutput, error) {
	s, err := srv.queue.Stats(ctx)
	if err != nil {
		return nil, queueError(ctx, "task stats", err)
	}
	return &taskStatsOutput{Body: s}, nil
}

// queueError maps queue failures to HTTP errors.
func queueError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, queue.ErrNotConnected):
		return huma.Error503ServiceUnavailable("queue not connected, please retry")
	case errors.Is(err, queue.ErrInvalidPayload):
		return huma.Error400BadRequest("payload is not serializable", err)
	}
	slog.ErrorContext(ctx, op+" failed", "error", err)
	return huma.Error500InternalServerError("internal error")
}
