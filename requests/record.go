// Package requests persists cast requests and their lifecycle. A record is
// created pending by the API layer, moved to processing exactly once by
// TryBeginProcessing, and finished as success or failed by the executor.
package requests

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nuabase/castgate/usage"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("llm request not found")

// Type is the kind of cast a record describes.
type Type string

const (
	TypeValue Type = "cast/value"
	TypeArray Type = "cast/array"
)

// Status is the LLM lifecycle state of a record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// DeliveryStatus tracks a completion notification channel.
type DeliveryStatus string

const (
	DeliveryNA      DeliveryStatus = "n/a"
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Defaults applied by NewRecord.WithDefaults.
const (
	DefaultMaxTokens   = 8192
	DefaultTemperature = 0.7
	DefaultMaxRetries  = 2
	DefaultProvider    = "openrouter"
)

// Record is one stored cast request.
type Record struct {
	ID            string
	RequestType   Type
	LLMStatus     Status
	SSEStatus     DeliveryStatus
	WebhookStatus DeliveryStatus

	InputPrompt     string
	InputData       json.RawMessage
	InputPrimaryKey string

	OutputName            string
	OutputSchema          json.RawMessage
	OutputEffectiveSchema json.RawMessage

	SystemPrompt string
	// FullPrompt is empty for array requests until the LLM has been
	// called, since only uncached rows end up in it.
	FullPrompt string

	Model           string
	MaxTokens       int
	Temperature     float64
	MaxRetries      int
	Provider        string
	InvalidateCache bool

	// Result is the terminal wire body, success or failure.
	Result json.RawMessage
	Error  string

	LLMUsage   *usage.Usage
	CacheUsage *usage.Usage

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r *Record) clone() *Record {
	c := *r
	c.InputData = cloneRaw(r.InputData)
	c.OutputSchema = cloneRaw(r.OutputSchema)
	c.OutputEffectiveSchema = cloneRaw(r.OutputEffectiveSchema)
	c.Result = cloneRaw(r.Result)
	if r.LLMUsage != nil {
		u := *r.LLMUsage
		c.LLMUsage = &u
	}
	if r.CacheUsage != nil {
		u := *r.CacheUsage
		c.CacheUsage = &u
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

// NewRecord holds the fields supplied when a request is accepted.
type NewRecord struct {
	RequestType     Type
	InputPrompt     string
	InputData       json.RawMessage
	InputPrimaryKey string

	OutputName            string
	OutputSchema          json.RawMessage
	OutputEffectiveSchema json.RawMessage

	SystemPrompt string
	FullPrompt   string

	Model           string
	MaxTokens       int
	Temperature     float64
	MaxRetries      int
	Provider        string
	InvalidateCache bool

	// WebhookURL only decides the initial webhook status.
	WebhookURL string
}

// WithDefaults fills zero generation settings.
func (n NewRecord) WithDefaults() NewRecord {
	if n.MaxTokens <= 0 {
		n.MaxTokens = DefaultMaxTokens
	}
	if n.Temperature == 0 {
		n.Temperature = DefaultTemperature
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = DefaultMaxRetries
	}
	if n.Provider == "" {
		n.Provider = DefaultProvider
	}
	return n
}

func (n NewRecord) record(id string, now time.Time) *Record {
	n = n.WithDefaults()
	webhook := DeliveryNA
	if n.WebhookURL != "" {
		webhook = DeliveryPending
	}
	return &Record{
		ID:          id,
		RequestType: n.RequestType,
		LLMStatus:   StatusPending,
		// SSE events are always published, listened to or not.
		SSEStatus:             DeliveryPending,
		WebhookStatus:         webhook,
		InputPrompt:           n.InputPrompt,
		InputData:             cloneRaw(n.InputData),
		InputPrimaryKey:       n.InputPrimaryKey,
		OutputName:            n.OutputName,
		OutputSchema:          cloneRaw(n.OutputSchema),
		OutputEffectiveSchema: cloneRaw(n.OutputEffectiveSchema),
		SystemPrompt:          n.SystemPrompt,
		FullPrompt:            n.FullPrompt,
		Model:                 n.Model,
		MaxTokens:             n.MaxTokens,
		Temperature:           n.Temperature,
		MaxRetries:            n.MaxRetries,
		Provider:              n.Provider,
		InvalidateCache:       n.InvalidateCache,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	LLMStatus     *Status
	SSEStatus     *DeliveryStatus
	WebhookStatus *DeliveryStatus
	FullPrompt    *string
	Result        json.RawMessage
	// Error set to "" clears the stored error.
	Error      *string
	LLMUsage   *usage.Usage
	CacheUsage *usage.Usage
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (p Patch) apply(r *Record) {
	if p.LLMStatus != nil {
		r.LLMStatus = *p.LLMStatus
	}
	if p.SSEStatus != nil {
		r.SSEStatus = *p.SSEStatus
	}
	if p.WebhookStatus != nil {
		r.WebhookStatus = *p.WebhookStatus
	}
	if p.FullPrompt != nil {
		r.FullPrompt = *p.FullPrompt
	}
	if p.Result != nil {
		r.Result = cloneRaw(p.Result)
	}
	if p.Error != nil {
		r.Error = *p.Error
	}
	if p.LLMUsage != nil {
		u := *p.LLMUsage
		r.LLMUsage = &u
	}
	if p.CacheUsage != nil {
		u := *p.CacheUsage
		r.CacheUsage = &u
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		r.StartedAt = &t
	}
	if p.FinishedAt != nil {
		t := *p.FinishedAt
		r.FinishedAt = &t
	}
}

// Ptr returns a pointer to v. It keeps Patch literals short.
func Ptr[T any](v T) *T { return &v }

// Store persists records. Implementations are safe for concurrent use.
type Store interface {
	Create(ctx context.Context, n NewRecord) (*Record, error)

	// Get returns ErrNotFound when id is unknown.
	Get(ctx context.Context, id string) (*Record, error)

	// Update applies p and returns the updated record, or ErrNotFound.
	Update(ctx context.Context, id string, p Patch) (*Record, error)

	// TryBeginProcessing atomically moves a pending record to processing
	// and stamps startedAt. It reports false when the record exists but is
	// no longer pending, and ErrNotFound when it does not exist.
	TryBeginProcessing(ctx context.Context, id string, startedAt time.Time) (bool, error)
}
