// Package jobs runs named background jobs in process. Jobs are queued in
// FIFO order, picked up by a fixed pool of workers, and retried with
// exponential backoff until they succeed or run out of attempts.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nuabase/castgate/server/metrics"
)

var (
	// ErrClosed is returned by Schedule after Shutdown.
	ErrClosed = errors.New("job runtime is shut down")
	// ErrUnknownJob is returned when no handler is registered for a name.
	ErrUnknownJob = errors.New("unknown job")
)

// DefaultMaxAttempts is used when Options.MaxAttempts is not positive.
const DefaultMaxAttempts = 1

// Options controls how a scheduled job is retried.
type Options struct {
	MaxAttempts int
}

// Handler runs one attempt of a job. Returning an error schedules another
// attempt unless the error is Permanent or attempts are exhausted.
type Handler func(ctx context.Context, job Job) error

// Job is one scheduled unit of work.
type Job struct {
	ID          string
	Name        string
	Payload     json.RawMessage
	Attempt     int
	MaxAttempts int
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("invalid %s payload: %w", j.Name, err))
	}
	return nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config configures a Runtime.
type Config struct {
	Workers int
	// BackoffBase is the delay before the second attempt. Each further
	// attempt doubles it, up to MaxBackoff.
	BackoffBase time.Duration
	MaxBackoff  time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Runtime is an in-process job queue with retries.
type Runtime struct {
	cfg      Config
	logger   *zap.Logger
	handlers map[string]Handler

	mu       sync.Mutex
	cond     *sync.Cond
	queue    *queue.Queue[*Job]
	closed   bool
	started  bool
	inflight int
	timers   map[*time.Timer]struct{}

	wg sync.WaitGroup
}

func NewRuntime(cfg Config) *Runtime {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := &Runtime{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(map[string]Handler),
		queue:    queue.New[*Job](),
		timers:   make(map[*time.Timer]struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Register binds a handler to a job name. It must be called before Start.
func (r *Runtime) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Schedule queues a job. The payload is encoded as JSON immediately so
// later mutation by the caller has no effect.
func (r *Runtime) Schedule(ctx context.Context, name string, payload any, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", name, err)
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.handlers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	r.pushLocked(&Job{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     raw,
		Attempt:     1,
		MaxAttempts: attempts,
	})
	return nil
}

// Start launches the workers. Handlers receive a context derived from ctx.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	r.logger.Info("Job runtime started", zap.Int("workers", r.cfg.Workers))
}

// Len returns the number of jobs waiting for a worker.
func (r *Runtime) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Length()
}

// Running returns the number of jobs a worker is executing.
func (r *Runtime) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// finish. Retries still waiting on their backoff are dropped.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for t := range r.timers {
		if t.Stop() {
			r.wg.Done()
		}
		delete(r.timers, t)
	}
	r.cond.Broadcast()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Job runtime stopped")
		return nil
	case <-ctx.Done():
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.ErrorsTotal.WithLabelValues("job_shutdown_timeout").Inc()
		}
		return ctx.Err()
	}
}

func (r *Runtime) pushLocked(j *Job) {
	r.queue.Add(j)
	r.setDepthLocked()
	r.cond.Signal()
}

func (r *Runtime) setDepthLocked() {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.JobQueueDepth.Set(float64(r.queue.Length()))
	}
}

// next blocks until a job is available. It returns false once the runtime
// is closed and the queue has drained.
func (r *Runtime) next() (*Job, Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.queue.Length() == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.queue.Length() == 0 {
		return nil, nil, false
	}
	j := r.queue.Remove()
	r.inflight++
	r.setDepthLocked()
	return j, r.handlers[j.Name], true
}

func (r *Runtime) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		j, h, ok := r.next()
		if !ok {
			return
		}
		r.run(ctx, j, h)

		r.mu.Lock()
		r.inflight--
		r.mu.Unlock()
	}
}

func (r *Runtime) run(ctx context.Context, j *Job, h Handler) {
	log := r.logger.With(
		zap.String("job", j.Name),
		zap.String("job_id", j.ID),
		zap.Int("attempt", j.Attempt),
		zap.Int("max_attempts", j.MaxAttempts),
	)

	err := invoke(ctx, h, *j)
	switch {
	case err == nil:
		r.count(j.Name, "success")
		log.Debug("Job succeeded")
	case IsPermanent(err) || j.Attempt >= j.MaxAttempts:
		r.count(j.Name, "failed")
		log.Error("Job failed", zap.Error(err))
	default:
		r.count(j.Name, "retry")
		delay := r.backoff(j.Attempt)
		log.Warn("Job attempt failed, retrying", zap.Duration("backoff", delay), zap.Error(err))
		retry := *j
		retry.Attempt++
		r.retryAfter(&retry, delay)
	}
}

// invoke runs h, turning a panic into a permanent error.
func invoke(ctx context.Context, h Handler, j Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Permanent(fmt.Errorf("job %s panicked: %v", j.Name, rec))
		}
	}()
	return h(ctx, j)
}

func (r *Runtime) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}

func (r *Runtime) retryAfter(j *Job, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn("Dropping job retry, runtime is shut down", zap.String("job", j.Name), zap.String("job_id", j.ID))
		return
	}

	// A pending retry holds a wg slot until it is queued or dropped.
	r.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer r.wg.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.timers, t)
		if r.closed {
			return
		}
		r.pushLocked(j)
	})
	r.timers[t] = struct{}{}
}

func (r *Runtime) count(name, outcome string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.Jobs.WithLabelValues(name, outcome).Inc()
	}
}
