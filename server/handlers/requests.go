package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nuabase/castgate/errors"
	"github.com/nuabase/castgate/requests"
	"github.com/nuabase/castgate/server/middleware"
)

// RecordGetter loads stored requests.
type RecordGetter interface {
	Get(ctx context.Context, id string) (*requests.Record, error)
}

// RequestResponse is the API view of a stored request. Input data and
// schemas are returned as the JSON text they were stored as.
type RequestResponse struct {
	ID            string                  `json:"id"`
	RequestType   requests.Type           `json:"requestType"`
	LLMStatus     requests.Status         `json:"llmStatus"`
	SSEStatus     requests.DeliveryStatus `json:"sseStatus"`
	WebhookStatus requests.DeliveryStatus `json:"webhookStatus"`
	Input         RequestInput            `json:"input"`
	Output        RequestOutput           `json:"output"`
	// Result is only set for successful requests.
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *string         `json:"error"`
	FullPrompt string          `json:"fullPrompt"`
	Model      string          `json:"model"`
	Provider   string          `json:"provider"`
	StartedAt  *time.Time      `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type RequestInput struct {
	Prompt     *string `json:"prompt"`
	Data       *string `json:"data"`
	PrimaryKey *string `json:"primaryKey"`
}

type RequestOutput struct {
	Name            string `json:"name"`
	Schema          string `json:"schema"`
	EffectiveSchema string `json:"effectiveSchema"`
}

// RequestHandler serves GET /requests/{id}.
type RequestHandler struct {
	requests RecordGetter
	logger   *zap.Logger
}

func NewRequestHandler(store RecordGetter, logger *zap.Logger) *RequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestHandler{requests: store, logger: logger}
}

func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	rec, err := h.requests.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, requests.ErrNotFound) {
			errors.WriteError(w, errors.NewNotFoundError(requestID, fmt.Sprintf("LLM request with id %s not found", id)))
			return
		}
		gwErr := errors.NewInternalError(requestID, err)
		errors.LogError(h.logger, gwErr, requestID)
		errors.WriteError(w, gwErr)
		return
	}

	resp, err := NewRequestResponse(rec)
	if err != nil {
		h.logger.Error("unexpected-situation. Stored result is not valid JSON",
			zap.String("llm_request_id", rec.ID),
			zap.Error(err),
		)
		errors.WriteError(w, errors.NewError(errors.InternalError,
			"Unable to parse stored LLM result", http.StatusInternalServerError, requestID, nil, err))
		return
	}

	errors.WriteJSON(w, http.StatusOK, resp)
}

// NewRequestResponse builds the API view of rec. The stored result is
// parsed only when the request succeeded.
func NewRequestResponse(rec *requests.Record) (*RequestResponse, error) {
	resp := &RequestResponse{
		ID:            rec.ID,
		RequestType:   rec.RequestType,
		LLMStatus:     rec.LLMStatus,
		SSEStatus:     rec.SSEStatus,
		WebhookStatus: rec.WebhookStatus,
		Input: RequestInput{
			Prompt:     optional(rec.InputPrompt),
			Data:       optional(string(rec.InputData)),
			PrimaryKey: optional(rec.InputPrimaryKey),
		},
		Output: RequestOutput{
			Name:            rec.OutputName,
			Schema:          string(rec.OutputSchema),
			EffectiveSchema: string(rec.OutputEffectiveSchema),
		},
		Error:      optional(rec.Error),
		FullPrompt: rec.FullPrompt,
		Model:      rec.Model,
		Provider:   rec.Provider,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}

	if rec.LLMStatus == requests.StatusSuccess && len(rec.Result) > 0 {
		var v any
		if err := json.Unmarshal(rec.Result, &v); err != nil {
			return nil, fmt.Errorf("parse stored result: %w", err)
		}
		resp.Result = rec.Result
	}
	return resp, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
