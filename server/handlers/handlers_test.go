package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/nuabase/castgate/cache"
	"github.com/nuabase/castgate/errors"
	"github.com/nuabase/castgate/execution"
	"github.com/nuabase/castgate/jobs"
	"github.com/nuabase/castgate/llm"
	"github.com/nuabase/castgate/requests"
	"github.com/nuabase/castgate/server/handlers"
	"github.com/nuabase/castgate/server/middleware"
	"github.com/nuabase/castgate/server/mocks"
	"github.com/nuabase/castgate/server/provider"
	"github.com/nuabase/castgate/server/validation"
	"github.com/nuabase/castgate/usage"
)

const valueBody = `{"input":{"prompt":"Extract the city","data":{"text":"I live in Lyon"}},"output":{"name":"city","schema":{"type":"string"}}}`

type executorFunc func(ctx context.Context, id string) (execution.Response, error)

func (f executorFunc) Execute(ctx context.Context, id string) (execution.Response, error) {
	return f(ctx, id)
}

type fixture struct {
	store     *requests.MemoryStore
	scheduler *mocks.MockScheduler
	router    chi.Router
}

func newFixture(t *testing.T, exec handlers.Executor, store handlers.RecordCreator) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{store: requests.NewMemoryStore(), scheduler: mocks.NewMockScheduler(ctrl)}
	if store == nil {
		store = f.store
	}

	h := handlers.NewCastHandler(handlers.CastConfig{
		Validator:    validation.New(validation.Defaults{}),
		Requests:     store,
		Executor:     exec,
		Scheduler:    f.scheduler,
		Logger:       zaptest.NewLogger(t),
		MaxBodyBytes: 4 << 10,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Post("/cast/value", h.Value)
	r.Post("/cast/value/now", h.ValueNow)
	r.Post("/cast/array", h.Array)
	r.Post("/cast/array/now", h.ArrayNow)
	r.Get("/requests/{id}", handlers.NewRequestHandler(f.store, zaptest.NewLogger(t)).Get)
	f.router = r
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errors.ErrorResponse {
	t.Helper()
	var body errors.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

func TestCastValue_Queues(t *testing.T) {
	f := newFixture(t, nil, nil)

	var scheduled execution.ExecutePayload
	f.scheduler.EXPECT().
		Schedule(gomock.Any(), execution.ExecuteJob, gomock.Any(), jobs.Options{MaxAttempts: 6}).
		DoAndReturn(func(_ context.Context, _ string, payload any, _ jobs.Options) error {
			scheduled = payload.(execution.ExecutePayload)
			return nil
		})

	rr := f.do(http.MethodPost, "/cast/value", valueBody)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var created handlers.CreatedResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))
	assert.Equal(t, created.ID, scheduled.ID)

	rec, err := f.store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, requests.StatusPending, rec.LLMStatus)
	assert.Equal(t, requests.TypeValue, rec.RequestType)
	assert.NotEmpty(t, rec.FullPrompt)
}

func TestCastArray_Queues(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.scheduler.EXPECT().Schedule(gomock.Any(), execution.ExecuteJob, gomock.Any(), gomock.Any()).Return(nil)

	rr := f.do(http.MethodPost, "/cast/array",
		`{"input":{"prompt":"p","data":[{"id":1,"t":"a"}]},"output":{"name":"label","schema":{"type":"string"}}}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var created handlers.CreatedResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))
	rec, err := f.store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, requests.TypeArray, rec.RequestType)
	assert.Equal(t, "id", rec.InputPrimaryKey)
}

func TestCast_QueueFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.scheduler.EXPECT().Schedule(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(jobs.ErrClosed)

	rr := f.do(http.MethodPost, "/cast/value", valueBody)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decodeError(t, rr)
	assert.Equal(t, "Unable to queue the request", body.Message)
	assert.NotEmpty(t, body.Details["id"])
}

func TestCast_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantType errors.ErrorType
		wantMsg  string
	}{
		{"validation", "/cast/value", `{"input":{},"output":{"name":"n","schema":{}}}`, http.StatusBadRequest, errors.ValidationError, "input.prompt must be provided"},
		{"array validation", "/cast/array/now", `{"input":{"prompt":"p","data":{}},"output":{"name":"n","schema":{}}}`, http.StatusBadRequest, errors.ValidationError, "input.data must be an array"},
		{"malformed body", "/cast/value/now", `{"input":`, http.StatusBadRequest, errors.BadRequestError, "Request body must be a JSON object"},
		{"body too large", "/cast/array", `{"input":{"prompt":"` + strings.Repeat("x", 5<<10) + `"}}`, http.StatusRequestEntityTooLarge, errors.BadRequestError, "Request body too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil) // no job may be scheduled

			rr := f.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, rr.Code)
			body := decodeError(t, rr)
			assert.Equal(t, tt.wantType, body.Type)
			assert.Equal(t, tt.wantMsg, body.Message)
			assert.Equal(t, rr.Header().Get("X-Request-ID"), body.RequestID)
		})
	}
}

func TestCast_StoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockRequestStore(ctrl)
	store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, stderrors.New("connection reset"))

	f := newFixture(t, nil, store)
	rr := f.do(http.MethodPost, "/cast/value", valueBody)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "An internal error occurred", decodeError(t, rr).Message)
}

func TestCastValueNow_ExecutesInline(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	logger := zaptest.NewLogger(t)

	f := newFixture(t, nil, nil)
	exec := execution.New(execution.Config{
		Requests:    f.store,
		Cache:       cache.NewMemoryStore(),
		LLM:         llm.NewCaller(client, logger),
		Scheduler:   f.scheduler,
		Logger:      logger,
		MaxAttempts: 1,
	})
	h := handlers.NewCastHandler(handlers.CastConfig{
		Validator: validation.New(validation.Defaults{}),
		Requests:  f.store,
		Executor:  exec,
		Scheduler: f.scheduler,
		Logger:    logger,
	})

	client.EXPECT().SendRequest(gomock.Any(), gomock.Any(), llm.ModelGPTOSS120B, gomock.Any()).
		Return(llm.Response{Text: `"Lyon"`, Usage: usage.New(12, 3)}, nil)
	f.scheduler.EXPECT().Schedule(gomock.Any(), execution.NotifyJob, gomock.Any(), jobs.Options{MaxAttempts: 3}).Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/cast/value/now", bytes.NewBufferString(valueBody))
	rr := httptest.NewRecorder()
	h.ValueNow(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body execution.ValueResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.True(t, body.IsSuccess)
	assert.Equal(t, "Lyon", body.Data)
	assert.False(t, body.IsCacheHit)
	assert.Equal(t, 15, body.LLMUsage.TotalTokens)

	rec, err := f.store.Get(context.Background(), body.LLMRequestID)
	require.NoError(t, err)
	assert.Equal(t, requests.StatusSuccess, rec.LLMStatus)
}

func TestCastArrayNow_Responses(t *testing.T) {
	tests := []struct {
		name     string
		resp     execution.Response
		err      error
		wantCode int
		wantBody string
	}{
		{
			name:     "failure body is a normal response",
			resp:     execution.NewFailure("internal error Cast array failed: boom"),
			wantCode: http.StatusOK,
			wantBody: `{"error":"internal error Cast array failed: boom","isError":true}`,
		},
		{
			name:     "store error",
			err:      stderrors.New("db gone"),
			wantCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ranFor string
			f := newFixture(t, executorFunc(func(_ context.Context, id string) (execution.Response, error) {
				ranFor = id
				return tt.resp, tt.err
			}), nil)

			rr := f.do(http.MethodPost, "/cast/array/now",
				`{"input":{"prompt":"p","data":[{"id":1,"t":"a"}]},"output":{"name":"label","schema":{"type":"string"}}}`)

			assert.Equal(t, tt.wantCode, rr.Code)
			assert.NotEmpty(t, ranFor)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rr.Body.String())
			}
		})
	}
}

func TestGetRequest(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	create := func(p requests.Patch) *requests.Record {
		rec, err := f.store.Create(ctx, requests.NewRecord{
			RequestType:           requests.TypeValue,
			InputPrompt:           "Extract the city",
			InputData:             json.RawMessage(`{"text":"Lyon"}`),
			OutputName:            "city",
			OutputSchema:          json.RawMessage(`{"type":"string"}`),
			OutputEffectiveSchema: json.RawMessage(`{"type":"string"}`),
			Model:                 string(llm.ModelGPTOSS120B),
		})
		require.NoError(t, err)
		rec, err = f.store.Update(ctx, rec.ID, p)
		require.NoError(t, err)
		return rec
	}

	finished := time.Now().UTC()
	ok := create(requests.Patch{
		LLMStatus:  requests.Ptr(requests.StatusSuccess),
		Result:     json.RawMessage(`{"kind":"cast/value","isSuccess":true,"data":"Lyon"}`),
		FinishedAt: &finished,
	})
	failed := create(requests.Patch{
		LLMStatus: requests.Ptr(requests.StatusFailed),
		Result:    json.RawMessage(`{"error":"boom","isError":true}`),
		Error:     requests.Ptr("boom"),
	})
	corrupt := create(requests.Patch{
		LLMStatus: requests.Ptr(requests.StatusSuccess),
		Result:    json.RawMessage(`{not json`),
	})

	t.Run("success includes the parsed result", func(t *testing.T) {
		rr := f.do(http.MethodGet, "/requests/"+ok.ID, "")
		require.Equal(t, http.StatusOK, rr.Code)

		var body map[string]any
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.Equal(t, ok.ID, body["id"])
		assert.Equal(t, "cast/value", body["requestType"])
		assert.Equal(t, "success", body["llmStatus"])
		assert.Equal(t, "Lyon", body["result"].(map[string]any)["data"])
		assert.Equal(t, `{"text":"Lyon"}`, body["input"].(map[string]any)["data"])
		assert.Nil(t, body["input"].(map[string]any)["primaryKey"])
		assert.Equal(t, `{"type":"string"}`, body["output"].(map[string]any)["effectiveSchema"])
		assert.Nil(t, body["error"])
		assert.NotNil(t, body["finishedAt"])
	})

	t.Run("failure omits the result", func(t *testing.T) {
		rr := f.do(http.MethodGet, "/requests/"+failed.ID, "")
		require.Equal(t, http.StatusOK, rr.Code)

		var body map[string]any
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.NotContains(t, body, "result")
		assert.Equal(t, "boom", body["error"])
	})

	t.Run("corrupt result", func(t *testing.T) {
		rr := f.do(http.MethodGet, "/requests/"+corrupt.ID, "")
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Equal(t, "Unable to parse stored LLM result", decodeError(t, rr).Message)
	})

	t.Run("not found", func(t *testing.T) {
		rr := f.do(http.MethodGet, "/requests/nope", "")
		assert.Equal(t, http.StatusNotFound, rr.Code)
		body := decodeError(t, rr)
		assert.Equal(t, errors.NotFoundError, body.Type)
		assert.Equal(t, "LLM request with id nope not found", body.Message)
	})
}

type providerStatus struct {
	states    []provider.ProviderState
	available bool
}

func (p providerStatus) States() []provider.ProviderState { return p.states }
func (p providerStatus) Available() bool                  { return p.available }

type queueStatus struct{ queued, running int }

func (q queueStatus) Len() int     { return q.queued }
func (q queueStatus) Running() int { return q.running }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		providers  handlers.ProviderStatus
		queue      handlers.QueueStatus
		wantCode   int
		wantStatus string
	}{
		{"available", providerStatus{states: []provider.ProviderState{{Provider: llm.ProviderOpenRouter, Breaker: "closed", Healthy: true}}, available: true}, queueStatus{2, 1}, http.StatusOK, "ok"},
		{"all breakers open", providerStatus{states: []provider.ProviderState{{Provider: llm.ProviderOpenRouter, Breaker: "open"}}}, nil, http.StatusServiceUnavailable, "unavailable"},
		{"no provider manager", nil, nil, http.StatusOK, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handlers.Health(tt.providers, tt.queue)(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, rr.Code)
			var body handlers.HealthResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			assert.Equal(t, tt.wantStatus, body.Status)
			if tt.queue != nil {
				require.NotNil(t, body.Jobs)
				assert.Equal(t, 2, body.Jobs.Queued)
				assert.Equal(t, 1, body.Jobs.Running)
			}
		})
	}
}

func TestRoot(t *testing.T) {
	rr := httptest.NewRecorder()
	handlers.Root("https://docs.nuabase.com")(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	var body handlers.RootResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "https://docs.nuabase.com", body.Docs)
	assert.Contains(t, body.Message, "does not serve content")
}
