package tasks

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/nuabase/castgate/execution"
	"github.com/nuabase/castgate/jobs"
	"github.com/nuabase/castgate/requests"
)

// EventTypePrefix prefixes the status in an event's sseEventType.
const EventTypePrefix = "nuabase.llm_request."

// SendSSE publishes the stored result of a finished request on the
// request's channel and marks the SSE delivery as sent. Records that are
// missing or not yet terminal are skipped; the job also runs when a
// client subscribes, possibly before the request finished.
func SendSSE(store requests.Store, pub Publisher, logger *zap.Logger) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		var p execution.CompletionPayload
		if err := job.Decode(&p); err != nil || p.LLMRequestID == "" {
			logger.Error("unexpected-situation. Failed to validate completion job payload",
				zap.ByteString("payload", job.Payload), zap.Error(err))
			return nil
		}
		log := logger.With(zap.String("llm_request_id", p.LLMRequestID))

		rec, err := store.Get(ctx, p.LLMRequestID)
		if errors.Is(err, requests.ErrNotFound) {
			log.Error("unexpected-situation. Failed to find llmRequest from completion job payload")
			return nil
		}
		if err != nil {
			return err
		}
		if !rec.LLMStatus.Terminal() {
			return nil
		}

		event, err := Event(rec)
		if err != nil {
			log.Error("unexpected-situation. Cannot build completion event", zap.Error(err))
			return nil
		}

		if err := pub.Publish(ctx, rec.ID, event); err != nil {
			log.Error("unexpected-situation. Failed to publish completion event", zap.Error(err))
			return err
		}

		if _, err := store.Update(ctx, rec.ID, requests.Patch{SSEStatus: requests.Ptr(requests.DeliverySent)}); err != nil {
			return err
		}
		return nil
	}
}

// ErrEmptyResult is returned by Event for a record with no stored result.
var ErrEmptyResult = errors.New("LLM request record result is empty")

// Event is the stored result body with its sseEventType added.
func Event(rec *requests.Record) (map[string]any, error) {
	if len(rec.Result) == 0 {
		return nil, ErrEmptyResult
	}
	event := make(map[string]any)
	if err := json.Unmarshal(rec.Result, &event); err != nil {
		return nil, err
	}
	event["sseEventType"] = EventTypePrefix + string(rec.LLMStatus)
	return event, nil
}
