package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nuabase/castgate/server/metrics"
)

func newTestRuntime(t *testing.T, m *metrics.Metrics) *Runtime {
	t.Helper()
	r := NewRuntime(Config{
		Workers:     2,
		BackoffBase: time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
		Logger:      zaptest.NewLogger(t),
		Metrics:     m,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func TestRuntime_RunsJob(t *testing.T) {
	m := metrics.NewMetrics()
	r := newTestRuntime(t, m)

	got := make(chan string, 1)
	r.Register("greet", func(ctx context.Context, j Job) error {
		var p struct {
			Name string `json:"name"`
		}
		if err := j.Decode(&p); err != nil {
			return err
		}
		got <- p.Name
		return nil
	})
	r.Start(context.Background())

	require.NoError(t, r.Schedule(context.Background(), "greet", map[string]string{"name": "ada"}, Options{}))

	select {
	case name := <-got:
		assert.Equal(t, "ada", name)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Jobs.WithLabelValues("greet", "success")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRuntime_RetriesUntilMaxAttempts(t *testing.T) {
	tests := []struct {
		name         string
		maxAttempts  int
		failFirst    int32
		wantAttempts int32
		wantOutcome  string
	}{
		{name: "succeeds on third attempt", maxAttempts: 6, failFirst: 2, wantAttempts: 3, wantOutcome: "success"},
		{name: "exhausts attempts", maxAttempts: 3, failFirst: 100, wantAttempts: 3, wantOutcome: "failed"},
		{name: "default is a single attempt", maxAttempts: 0, failFirst: 100, wantAttempts: 1, wantOutcome: "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewMetrics()
			r := newTestRuntime(t, m)

			var attempts atomic.Int32
			r.Register("flaky", func(ctx context.Context, j Job) error {
				n := attempts.Add(1)
				assert.Equal(t, int(n), j.Attempt)
				if n <= tt.failFirst {
					return errors.New("transient")
				}
				return nil
			})
			r.Start(context.Background())
			require.NoError(t, r.Schedule(context.Background(), "flaky", nil, Options{MaxAttempts: tt.maxAttempts}))

			assert.Eventually(t, func() bool {
				return testutil.ToFloat64(m.Jobs.WithLabelValues("flaky", tt.wantOutcome)) == 1
			}, 2*time.Second, 5*time.Millisecond)
			assert.Equal(t, tt.wantAttempts, attempts.Load())
		})
	}
}

func TestRuntime_PermanentErrorIsNotRetried(t *testing.T) {
	m := metrics.NewMetrics()
	r := newTestRuntime(t, m)

	var attempts atomic.Int32
	r.Register("doomed", func(ctx context.Context, j Job) error {
		attempts.Add(1)
		return Permanent(errors.New("bad payload"))
	})
	r.Register("panics", func(ctx context.Context, j Job) error {
		panic("boom")
	})
	r.Start(context.Background())

	require.NoError(t, r.Schedule(context.Background(), "doomed", nil, Options{MaxAttempts: 5}))
	require.NoError(t, r.Schedule(context.Background(), "panics", nil, Options{MaxAttempts: 5}))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Jobs.WithLabelValues("doomed", "failed")) == 1 &&
			testutil.ToFloat64(m.Jobs.WithLabelValues("panics", "failed")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Jobs.WithLabelValues("panics", "retry")))
}

func TestRuntime_ScheduleErrors(t *testing.T) {
	r := newTestRuntime(t, nil)
	r.Register("known", func(context.Context, Job) error { return nil })

	err := r.Schedule(context.Background(), "missing", nil, Options{})
	assert.ErrorIs(t, err, ErrUnknownJob)

	err = r.Schedule(context.Background(), "known", func() {}, Options{})
	assert.ErrorContains(t, err, "encode known payload")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Schedule(ctx, "known", nil, Options{}), context.Canceled)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.ErrorIs(t, r.Schedule(context.Background(), "known", nil, Options{}), ErrClosed)
}

func TestRuntime_ShutdownDrainsQueue(t *testing.T) {
	r := newTestRuntime(t, nil)

	var (
		mu   sync.Mutex
		seen []int
	)
	r.Register("record", func(ctx context.Context, j Job) error {
		var n int
		if err := j.Decode(&n); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, r.Schedule(context.Background(), "record", i, Options{}))
	}
	assert.Equal(t, 10, r.Len())

	r.Start(context.Background())
	require.NoError(t, r.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 10)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Running())
}

func TestRuntime_Backoff(t *testing.T) {
	r := NewRuntime(Config{BackoffBase: time.Second, MaxBackoff: 5 * time.Second})

	assert.Equal(t, time.Second, r.backoff(1))
	assert.Equal(t, 2*time.Second, r.backoff(2))
	assert.Equal(t, 4*time.Second, r.backoff(3))
	assert.Equal(t, 5*time.Second, r.backoff(4))
	assert.Equal(t, 5*time.Second, r.backoff(10))
}

func TestJob_DecodeInvalidPayloadIsPermanent(t *testing.T) {
	j := Job{Name: "x", Payload: []byte(`{`)}
	var v map[string]any
	err := j.Decode(&v)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
