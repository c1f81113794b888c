// Package execution runs cast requests. It moves a pending record to
// processing, serves what it can from the content-addressed cache, calls
// the LLM for the rest, and stores the terminal result before scheduling
// the completion notification.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/nuabase/castgate/cache"
	"github.com/nuabase/castgate/jobs"
	"github.com/nuabase/castgate/llm"
	"github.com/nuabase/castgate/requests"
	"github.com/nuabase/castgate/server/metrics"
	"github.com/nuabase/castgate/usage"
)

// Job names and attempt limits shared with the background tasks.
const (
	ExecuteJob         = "execute-cast-request"
	ExecuteMaxAttempts = 6

	NotifyJob         = "send-sse-after-llm-request-completion"
	NotifyMaxAttempts = 3
)

const (
	finalizeAttempts = 3
	finalizeTimeout  = 30 * time.Second

	defaultFinalizeBackoff = 100 * time.Millisecond
)

// ErrNotPending is returned when a record has already left pending. It
// means a duplicate or late invocation, and callers must not retry.
var ErrNotPending = errors.New("llm request is not pending")

// Scheduler enqueues background jobs. *jobs.Runtime implements it.
type Scheduler interface {
	Schedule(ctx context.Context, name string, payload any, opts jobs.Options) error
}

// ExecutePayload is the payload of the execute job.
type ExecutePayload struct {
	ID string `json:"id"`
}

// CompletionPayload is the payload of the notification job.
type CompletionPayload struct {
	LLMRequestID string `json:"llm_request_id"`
}

// Config wires an Executor. Estimator, Logger and Metrics are optional.
type Config struct {
	Requests  requests.Store
	Cache     cache.Store
	LLM       *llm.Caller
	Scheduler Scheduler
	Estimator cache.Estimator
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	// CacheTTL is applied to every cache write; zero means no expiry.
	CacheTTL time.Duration
	// MaxAttempts bounds the LLM retry loop of one execution.
	MaxAttempts int
	// FinalizeBackoff is the first delay between attempts to store the
	// terminal state. It doubles on each retry.
	FinalizeBackoff time.Duration
}

// Executor executes cast requests. It is safe for concurrent use; the
// same request id can only be executed once.
type Executor struct {
	requests    requests.Store
	cache       cache.Store
	llm         *llm.Caller
	scheduler   Scheduler
	estimator   cache.Estimator
	logger      *zap.Logger
	metrics     *metrics.Metrics
	cacheTTL    time.Duration
	maxAttempts int
	backoff     time.Duration

	now func() time.Time
}

// New creates an Executor from cfg.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	est := cfg.Estimator
	if est == nil {
		est = cache.ProportionalEstimator{}
	}
	backoff := cfg.FinalizeBackoff
	if backoff <= 0 {
		backoff = defaultFinalizeBackoff
	}
	return &Executor{
		requests:    cfg.Requests,
		cache:       cfg.Cache,
		llm:         cfg.LLM,
		scheduler:   cfg.Scheduler,
		estimator:   est,
		logger:      logger,
		metrics:     cfg.Metrics,
		cacheTTL:    cfg.CacheTTL,
		maxAttempts: cfg.MaxAttempts,
		backoff:     backoff,
		now:         time.Now,
	}
}

// Execute runs request id to a terminal state and returns the stored body.
//
// An unknown id yields a Failure and schedules nothing. A record that is
// not pending, or that another execution claimed first, yields
// ErrNotPending. Any other error comes from the request store.
//
// Once the record is claimed, the terminal write and the notification no
// longer follow ctx: a caller that goes away still leaves a finished record.
func (e *Executor) Execute(ctx context.Context, id string) (Response, error) {
	logger := e.logger.With(zap.String("llm_request_id", id))

	rec, err := e.begin(ctx, id, logger)
	if err != nil {
		if errors.Is(err, requests.ErrNotFound) {
			return NewFailure(fmt.Sprintf("Unable to find the llmRequest %s in the db", id)), nil
		}
		return nil, err
	}

	resp := e.run(ctx, rec, logger)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := e.finalize(fctx, rec, resp, logger); err != nil {
		logger.Error("failed to store llm request result", zap.Error(err))
		return nil, err
	}
	e.notify(fctx, id, logger)
	return resp, nil
}

// begin claims a pending record for this execution.
func (e *Executor) begin(ctx context.Context, id string, logger *zap.Logger) (*requests.Record, error) {
	rec, err := e.requests.Get(ctx, id)
	if err != nil {
		if errors.Is(err, requests.ErrNotFound) {
			logger.Error("unexpected-situation. Failed to find LLM request")
		}
		return nil, err
	}

	if rec.LLMStatus != requests.StatusPending {
		logger.Error("unexpected-situation. Not processing LLM request that is not pending",
			zap.String("status", string(rec.LLMStatus)))
		return nil, ErrNotPending
	}

	ok, err := e.requests.TryBeginProcessing(ctx, id, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Error("unexpected-situation. LLM request was claimed by another execution")
		return nil, ErrNotPending
	}
	return rec, nil
}

// run dispatches on the request type. Errors and panics inside a path end
// up in the returned Failure.
func (e *Executor) run(ctx context.Context, rec *requests.Record, logger *zap.Logger) (resp Response) {
	model, err := llm.ParseModel(rec.Model)
	if err != nil {
		logger.Error("unexpected-situation. LLM request has an invalid model", zap.String("model", rec.Model))
		return NewFailure(err.Error())
	}

	var effective map[string]any
	if err := json.Unmarshal(rec.OutputEffectiveSchema, &effective); err != nil || effective == nil {
		if err == nil {
			err = errors.New("schema is not an object")
		}
		logger.Error("unexpected-situation. Failed to parse effective schema", zap.Error(err))
		return NewFailure(fmt.Sprintf("Unable to parse the effective schema: %v", err))
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("unexpected-situation. Cast execution panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			resp = NewFailure(fmt.Sprintf("internal error %v", r))
		}
	}()

	switch rec.RequestType {
	case requests.TypeValue:
		resp, err = e.castValue(ctx, rec, effective, model, logger)
	case requests.TypeArray:
		resp, err = e.castArray(ctx, rec, effective, model, logger)
	default:
		msg := fmt.Sprintf("Unknown request type %s", rec.RequestType)
		logger.Error("unexpected-situation. " + msg)
		return NewFailure(msg)
	}
	if err != nil {
		logger.Error("unexpected-situation. Cast execution failed", zap.Error(err))
		f := NewFailure("internal error " + err.Error())
		f.spent = spentUsage(err)
		return f
	}
	return resp
}

// finalize writes the terminal state. Fresh and cached usage are kept
// apart; a failure only records the fresh usage it paid for. The write is
// retried with backoff since a record left in processing is never picked
// up again.
func (e *Executor) finalize(ctx context.Context, rec *requests.Record, resp Response, logger *zap.Logger) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	fresh, cached := resp.Usages()
	patch := requests.Patch{
		Result:     body,
		FinishedAt: requests.Ptr(e.now()),
	}
	status := requests.StatusSuccess
	if resp.Succeeded() {
		patch.Error = requests.Ptr("")
		patch.LLMUsage = &fresh
		patch.CacheUsage = &cached
	} else {
		status = requests.StatusFailed
		if f, ok := resp.(*Failure); ok {
			patch.Error = requests.Ptr(f.Error)
		}
		if !fresh.IsZero() {
			patch.LLMUsage = &fresh
		}
	}
	patch.LLMStatus = &status

	if err := e.store(ctx, rec.ID, patch, logger); err != nil {
		return fmt.Errorf("finalize %s: %w", rec.ID, err)
	}

	if e.metrics != nil {
		e.metrics.Executions.WithLabelValues(string(rec.RequestType), string(status)).Inc()
		e.countTokens(fresh, cached)
	}
	return nil
}

func (e *Executor) store(ctx context.Context, id string, patch requests.Patch, logger *zap.Logger) error {
	delay := e.backoff
	var err error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		if _, err = e.requests.Update(ctx, id, patch); err == nil {
			return nil
		}
		if attempt == finalizeAttempts {
			break
		}
		logger.Warn("storing llm request result failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		delay *= 2
	}
	return err
}

// notify schedules the completion job. Scheduling failures are logged;
// the stored result is the source of truth.
func (e *Executor) notify(ctx context.Context, id string, logger *zap.Logger) {
	if e.scheduler == nil {
		return
	}
	err := e.scheduler.Schedule(ctx, NotifyJob, CompletionPayload{LLMRequestID: id}, jobs.Options{MaxAttempts: NotifyMaxAttempts})
	if err != nil {
		logger.Warn("failed to schedule completion notification", zap.Error(err))
	}
}

func (e *Executor) countTokens(fresh, cached usage.Usage) {
	if fresh.PromptTokens > 0 {
		e.metrics.LLMTokens.WithLabelValues("prompt").Add(float64(fresh.PromptTokens))
	}
	if fresh.CompletionTokens > 0 {
		e.metrics.LLMTokens.WithLabelValues("completion").Add(float64(fresh.CompletionTokens))
	}
	if cached.TotalTokens > 0 {
		e.metrics.LLMTokens.WithLabelValues("cached").Add(float64(cached.TotalTokens))
	}
}

func (e *Executor) countLookup(kind, outcome string, n int) {
	if e.metrics == nil || n == 0 {
		return
	}
	e.metrics.CacheLookups.WithLabelValues(kind, outcome).Add(float64(n))
}

// spentError keeps the fresh usage of a path that failed after the LLM
// had already answered.
type spentError struct {
	err   error
	usage usage.Usage
}

func (e *spentError) Error() string { return e.err.Error() }

func (e *spentError) Unwrap() error { return e.err }

func withSpent(err error, u usage.Usage) error {
	if u.IsZero() {
		return err
	}
	return &spentError{err: err, usage: u}
}

func spentUsage(err error) usage.Usage {
	var se *spentError
	if errors.As(err, &se) {
		return se.usage
	}
	u, _ := llm.UsageOf(err)
	return u
}
