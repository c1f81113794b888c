package execution

import (
	"github.com/nuabase/castgate/cache"
	"github.com/nuabase/castgate/requests"
	"github.com/nuabase/castgate/usage"
)

// Response is the terminal body of a cast request. It is one of
// *ValueResult, *ArrayResult or *Failure, and is stored as the record's
// result.
type Response interface {
	// Succeeded reports whether the request ends up in success.
	Succeeded() bool
	// Usages returns the fresh and the cache-served token counts.
	Usages() (fresh, cached usage.Usage)
}

// ValueResult is the success body of a cast/value request.
type ValueResult struct {
	Kind         requests.Type `json:"kind"`
	IsSuccess    bool          `json:"isSuccess"`
	LLMRequestID string        `json:"llmRequestId"`
	Model        string        `json:"model"`
	Data         any           `json:"data"`
	IsCacheHit   bool          `json:"isCacheHit"`
	LLMUsage     usage.Usage   `json:"llmUsage"`
	CacheUsage   usage.Usage   `json:"cacheUsage"`
}

func (r *ValueResult) Succeeded() bool { return true }

func (r *ValueResult) Usages() (usage.Usage, usage.Usage) { return r.LLMUsage, r.CacheUsage }

// ArrayResult is the success body of a cast/array request. Data holds one
// {primaryKey, outputName} row per resolved input row, in input order.
type ArrayResult struct {
	Kind              requests.Type `json:"kind"`
	IsSuccess         bool          `json:"isSuccess"`
	LLMRequestID      string        `json:"llmRequestId"`
	Data              []cache.Row   `json:"data"`
	CacheHits         int           `json:"cacheHits"`
	RowsWithNoResults []any         `json:"rowsWithNoResults"`
	LLMUsage          usage.Usage   `json:"llmUsage"`
	CacheUsage        usage.Usage   `json:"cacheUsage"`
}

func (r *ArrayResult) Succeeded() bool { return true }

func (r *ArrayResult) Usages() (usage.Usage, usage.Usage) { return r.LLMUsage, r.CacheUsage }

// Failure is the error body shared by both request types.
type Failure struct {
	Error   string `json:"error"`
	IsError bool   `json:"isError"`

	// spent is the fresh usage paid for before the failure. It is
	// persisted on the record but not part of the body.
	spent usage.Usage
}

// NewFailure builds a Failure with no usage attached.
func NewFailure(msg string) *Failure {
	return &Failure{Error: msg, IsError: true}
}

func (f *Failure) Succeeded() bool { return false }

func (f *Failure) Usages() (usage.Usage, usage.Usage) { return f.spent, usage.Zero }
