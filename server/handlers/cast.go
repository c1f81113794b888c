// Package handlers implements the castgate HTTP API: creating cast
// requests, executing them inline, reading them back, and health.
package handlers

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/nuabase/castgate/errors"
	"github.com/nuabase/castgate/execution"
	"github.com/nuabase/castgate/jobs"
	"github.com/nuabase/castgate/requests"
	"github.com/nuabase/castgate/server/middleware"
	"github.com/nuabase/castgate/server/validation"
)

const defaultMaxBodyBytes = 10 << 20

// RecordCreator stores new cast requests.
type RecordCreator interface {
	Create(ctx context.Context, n requests.NewRecord) (*requests.Record, error)
}

// Executor runs a stored request to completion.
type Executor interface {
	Execute(ctx context.Context, id string) (execution.Response, error)
}

// CastConfig holds the dependencies of CastHandler.
type CastConfig struct {
	Validator    *validation.Validator
	Requests     RecordCreator
	Executor     Executor
	Scheduler    execution.Scheduler
	Logger       *zap.Logger
	MaxBodyBytes int64
}

// CastHandler serves POST /cast/value and POST /cast/array, queued or
// inline.
type CastHandler struct {
	validator *validation.Validator
	requests  RecordCreator
	executor  Executor
	scheduler execution.Scheduler
	logger    *zap.Logger
	maxBody   int64
}

// CreatedResponse is the body of an accepted asynchronous request.
type CreatedResponse struct {
	ID string `json:"id"`
}

func NewCastHandler(cfg CastConfig) *CastHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &CastHandler{
		validator: cfg.Validator,
		requests:  cfg.Requests,
		executor:  cfg.Executor,
		scheduler: cfg.Scheduler,
		logger:    logger,
		maxBody:   maxBody,
	}
}

// Value queues a cast/value request.
func (h *CastHandler) Value(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, h.validator.CastValue)
}

// ValueNow runs a cast/value request inline and returns its result.
func (h *CastHandler) ValueNow(w http.ResponseWriter, r *http.Request) {
	h.now(w, r, h.validator.CastValue)
}

// Array queues a cast/array request.
func (h *CastHandler) Array(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, h.validator.CastArray)
}

// ArrayNow runs a cast/array request inline and returns its result.
func (h *CastHandler) ArrayNow(w http.ResponseWriter, r *http.Request) {
	h.now(w, r, h.validator.CastArray)
}

type validateFunc func(body []byte) (requests.NewRecord, error)

func (h *CastHandler) enqueue(w http.ResponseWriter, r *http.Request, validate validateFunc) {
	rec, ok := h.create(w, r, validate)
	if !ok {
		return
	}
	requestID := middleware.GetRequestID(r.Context())

	err := h.scheduler.Schedule(r.Context(), execution.ExecuteJob,
		execution.ExecutePayload{ID: rec.ID},
		jobs.Options{MaxAttempts: execution.ExecuteMaxAttempts})
	if err != nil {
		h.logger.Error("failed to queue cast request",
			zap.String("llm_request_id", rec.ID),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		errors.WriteError(w, errors.NewError(errors.InternalError,
			"Unable to queue the request", http.StatusServiceUnavailable, requestID,
			map[string]interface{}{"id": rec.ID}, err))
		return
	}

	errors.WriteJSON(w, http.StatusAccepted, CreatedResponse{ID: rec.ID})
}

func (h *CastHandler) now(w http.ResponseWriter, r *http.Request, validate validateFunc) {
	rec, ok := h.create(w, r, validate)
	if !ok {
		return
	}

	resp, err := h.executor.Execute(r.Context(), rec.ID)
	if err != nil {
		requestID := middleware.GetRequestID(r.Context())
		gwErr := errors.NewInternalError(requestID, err)
		errors.LogError(h.logger, gwErr, requestID)
		errors.WriteError(w, gwErr)
		return
	}

	errors.WriteJSON(w, http.StatusOK, resp)
}

// create validates and stores the request. It writes the rejection and
// reports false when the request cannot be accepted.
func (h *CastHandler) create(w http.ResponseWriter, r *http.Request, validate validateFunc) (*requests.Record, bool) {
	requestID := middleware.GetRequestID(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errors.WriteError(w, errors.NewError(errors.BadRequestError,
				"Request body too large", http.StatusRequestEntityTooLarge, requestID,
				map[string]interface{}{"limit_bytes": tooLarge.Limit}, err))
			return nil, false
		}
		errors.WriteError(w, errors.NewBadRequestError(requestID, err))
		return nil, false
	}

	n, err := validate(body)
	if err != nil {
		gwErr := rejection(requestID, err)
		errors.LogError(h.logger, gwErr, requestID)
		errors.WriteError(w, gwErr)
		return nil, false
	}

	rec, err := h.requests.Create(r.Context(), n)
	if err != nil {
		gwErr := errors.NewInternalError(requestID, err)
		errors.LogError(h.logger, gwErr, requestID)
		errors.WriteError(w, gwErr)
		return nil, false
	}

	h.logger.Info("created llm_request",
		zap.String("llm_request_id", rec.ID),
		zap.String("request_type", string(rec.RequestType)),
		zap.String("model", rec.Model),
		zap.String("request_id", requestID),
	)
	return rec, true
}

func rejection(requestID string, err error) *errors.GatewayError {
	var verr *validation.Error
	if !errors.As(err, &verr) {
		return errors.NewInternalError(requestID, err)
	}
	details := map[string]interface{}{}
	if verr.Field != "" {
		details["field"] = verr.Field
	}
	switch verr.Kind {
	case validation.KindBadRequest:
		return errors.NewError(errors.BadRequestError, verr.Message, http.StatusBadRequest, requestID, details, verr.Err)
	case validation.KindInternal:
		return errors.NewError(errors.InternalError, verr.Message, http.StatusInternalServerError, requestID, details, verr.Err)
	default:
		return errors.NewValidationError(requestID, verr.Message, details)
	}
}
