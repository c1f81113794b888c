// Package tasks holds the background job handlers: running a queued cast
// request and announcing its completion.
package tasks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nuabase/castgate/execution"
	"github.com/nuabase/castgate/jobs"
	"github.com/nuabase/castgate/requests"
)

// Executor runs a cast request to completion. *execution.Executor
// implements it.
type Executor interface {
	Execute(ctx context.Context, id string) (execution.Response, error)
}

// Deps are the collaborators of the handlers.
type Deps struct {
	Executor  Executor
	Requests  requests.Store
	Publisher Publisher
	Logger    *zap.Logger
}

// Register binds every handler to its job name on r.
func Register(r *jobs.Runtime, d Deps) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r.Register(execution.ExecuteJob, ExecuteCastRequest(d.Executor, logger))
	r.Register(execution.NotifyJob, SendSSE(d.Requests, d.Publisher, logger))
}

// ExecuteCastRequest runs the request named in the payload. A request
// that is no longer pending was handled elsewhere and is not retried.
func ExecuteCastRequest(exec Executor, logger *zap.Logger) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		var p execution.ExecutePayload
		if err := job.Decode(&p); err != nil {
			logger.Error("unexpected-situation. Failed to validate execute-cast-request job payload", zap.Error(err))
			return err
		}
		if p.ID == "" {
			logger.Error("unexpected-situation. execute-cast-request job payload has no id")
			return jobs.Permanent(fmt.Errorf("invalid %s payload: missing id", job.Name))
		}

		resp, err := exec.Execute(ctx, p.ID)
		if errors.Is(err, execution.ErrNotPending) {
			return nil
		}
		if err != nil {
			return err
		}
		logger.Debug("cast request executed",
			zap.String("llm_request_id", p.ID),
			zap.Bool("success", resp.Succeeded()))
		return nil
	}
}
