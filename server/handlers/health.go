package handlers

import (
	"net/http"

	"github.com/nuabase/castgate/errors"
	"github.com/nuabase/castgate/server/provider"
)

// ProviderStatus reports provider health. *provider.Manager implements it.
type ProviderStatus interface {
	States() []provider.ProviderState
	Available() bool
}

// QueueStatus reports the job runtime. *jobs.Runtime implements it.
type QueueStatus interface {
	Len() int
	Running() int
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                   `json:"status"`
	Providers []provider.ProviderState `json:"providers"`
	Jobs      *JobsHealth              `json:"jobs,omitempty"`
}

type JobsHealth struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Health answers 200 while at least one provider can take requests and
// 503 otherwise. Health is passive: it reflects the calls already made.
func Health(providers ProviderStatus, queue QueueStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Providers: []provider.ProviderState{}}
		code := http.StatusOK

		if providers != nil {
			resp.Providers = providers.States()
			if !providers.Available() {
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
			}
		}
		if queue != nil {
			resp.Jobs = &JobsHealth{Queued: queue.Len(), Running: queue.Running()}
		}

		errors.WriteJSON(w, code, resp)
	}
}

// RootResponse is the body served at "/".
type RootResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Docs    string `json:"docs"`
}

// Root tells callers that "/" serves nothing.
func Root(docsURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		errors.WriteJSON(w, http.StatusNotFound, RootResponse{
			Error:   "Not Found",
			Message: "This endpoint does not serve content. Please read the API documentation at " + docsURL + ".",
			Docs:    docsURL,
		})
	}
}
