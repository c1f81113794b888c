package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nuabase/castgate/usage"
)

// Schema creates the llm_requests table. JSON payloads are kept as text so
// the stored result is returned byte for byte.
const Schema = `
CREATE TABLE IF NOT EXISTS llm_requests (
	id                            text PRIMARY KEY,
	request_type                  text NOT NULL,
	llm_status                    text NOT NULL,
	sse_status                    text NOT NULL,
	webhook_status                text NOT NULL,
	input_prompt                  text,
	input_data                    text,
	input_primary_key             text,
	output_name                   text NOT NULL,
	output_schema                 text NOT NULL,
	output_effective_schema       text NOT NULL,
	system_prompt                 text NOT NULL DEFAULT '',
	full_prompt                   text NOT NULL DEFAULT '',
	model                         text NOT NULL,
	max_tokens                    integer NOT NULL,
	temperature                   double precision NOT NULL,
	max_retries                   integer NOT NULL,
	provider                      text NOT NULL,
	invalidate_cache              boolean NOT NULL DEFAULT false,
	result                        text,
	error                         text,
	llm_usage_prompt_tokens       integer,
	llm_usage_completion_tokens   integer,
	llm_usage_total_tokens        integer,
	cache_usage_prompt_tokens     integer,
	cache_usage_completion_tokens integer,
	cache_usage_total_tokens      integer,
	started_at                    timestamptz,
	finished_at                   timestamptz,
	created_at                    timestamptz NOT NULL,
	updated_at                    timestamptz NOT NULL
)`

const columns = `id, request_type, llm_status, sse_status, webhook_status,
	input_prompt, input_data, input_primary_key,
	output_name, output_schema, output_effective_schema,
	system_prompt, full_prompt, model, max_tokens, temperature, max_retries, provider, invalidate_cache,
	result, error,
	llm_usage_prompt_tokens, llm_usage_completion_tokens, llm_usage_total_tokens,
	cache_usage_prompt_tokens, cache_usage_completion_tokens, cache_usage_total_tokens,
	started_at, finished_at, created_at, updated_at`

// DB is the part of pgxpool.Pool the store uses. A pgx.Tx satisfies it too.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps records in the llm_requests table.
type PostgresStore struct {
	db  DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// OpenPostgres connects a pool and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pool, nil
}

// Migrate creates the table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create llm_requests table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, n NewRecord) (*Record, error) {
	r := n.record(uuid.NewString(), s.now().UTC())

	row := s.db.QueryRow(ctx, `INSERT INTO llm_requests (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			NULL, NULL, NULL, NULL, NULL, NULL, NULL, NULL, NULL, NULL, $20, $20)
		RETURNING `+columns,
		r.ID, string(r.RequestType), string(r.LLMStatus), string(r.SSEStatus), string(r.WebhookStatus),
		nullString(r.InputPrompt), nullRaw(r.InputData), nullString(r.InputPrimaryKey),
		r.OutputName, string(r.OutputSchema), string(r.OutputEffectiveSchema),
		r.SystemPrompt, r.FullPrompt, r.Model, r.MaxTokens, r.Temperature, r.MaxRetries, r.Provider, r.InvalidateCache,
		r.CreatedAt,
	)
	out, err := scanRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("llm request %s already exists: %w", r.ID, err)
		}
		return nil, translate(err, "create llm request")
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+columns+` FROM llm_requests WHERE id = $1`, id)
	r, err := scanRecord(row)
	if err != nil {
		return nil, translate(err, "get llm request")
	}
	return r, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, p Patch) (*Record, error) {
	var (
		sets []string
		args = []any{id}
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.LLMStatus != nil {
		set("llm_status", string(*p.LLMStatus))
	}
	if p.SSEStatus != nil {
		set("sse_status", string(*p.SSEStatus))
	}
	if p.WebhookStatus != nil {
		set("webhook_status", string(*p.WebhookStatus))
	}
	if p.FullPrompt != nil {
		set("full_prompt", *p.FullPrompt)
	}
	if p.Result != nil {
		set("result", string(p.Result))
	}
	if p.Error != nil {
		set("error", nullString(*p.Error))
	}
	if p.LLMUsage != nil {
		set("llm_usage_prompt_tokens", p.LLMUsage.PromptTokens)
		set("llm_usage_completion_tokens", p.LLMUsage.CompletionTokens)
		set("llm_usage_total_tokens", p.LLMUsage.TotalTokens)
	}
	if p.CacheUsage != nil {
		set("cache_usage_prompt_tokens", p.CacheUsage.PromptTokens)
		set("cache_usage_completion_tokens", p.CacheUsage.CompletionTokens)
		set("cache_usage_total_tokens", p.CacheUsage.TotalTokens)
	}
	if p.StartedAt != nil {
		set("started_at", p.StartedAt.UTC())
	}
	if p.FinishedAt != nil {
		set("finished_at", p.FinishedAt.UTC())
	}
	set("updated_at", s.now().UTC())

	row := s.db.QueryRow(ctx,
		`UPDATE llm_requests SET `+strings.Join(sets, ", ")+` WHERE id = $1 RETURNING `+columns,
		args...)
	r, err := scanRecord(row)
	if err != nil {
		return nil, translate(err, "update llm request")
	}
	return r, nil
}

// TryBeginProcessing is a single conditional UPDATE, so concurrent callers
// cannot both observe pending.
func (s *PostgresStore) TryBeginProcessing(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE llm_requests SET llm_status = $2, started_at = $3, updated_at = $3
		 WHERE id = $1 AND llm_status = $4`,
		id, string(StatusProcessing), startedAt.UTC(), string(StatusPending))
	if err != nil {
		return false, translate(err, "begin processing llm request")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM llm_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, translate(err, "begin processing llm request")
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r                                        Record
		reqType, llmStatus, sseStatus, webhook   string
		prompt, data, pk, result, errMsg         *string
		schema, effective                        string
		llmP, llmC, llmT, cacheP, cacheC, cacheT *int
	)
	err := row.Scan(
		&r.ID, &reqType, &llmStatus, &sseStatus, &webhook,
		&prompt, &data, &pk,
		&r.OutputName, &schema, &effective,
		&r.SystemPrompt, &r.FullPrompt, &r.Model, &r.MaxTokens, &r.Temperature, &r.MaxRetries, &r.Provider, &r.InvalidateCache,
		&result, &errMsg,
		&llmP, &llmC, &llmT,
		&cacheP, &cacheC, &cacheT,
		&r.StartedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.RequestType = Type(reqType)
	r.LLMStatus = Status(llmStatus)
	r.SSEStatus = DeliveryStatus(sseStatus)
	r.WebhookStatus = DeliveryStatus(webhook)
	r.InputPrompt = deref(prompt)
	r.InputPrimaryKey = deref(pk)
	r.Error = deref(errMsg)
	if data != nil {
		r.InputData = json.RawMessage(*data)
	}
	if result != nil {
		r.Result = json.RawMessage(*result)
	}
	r.OutputSchema = json.RawMessage(schema)
	r.OutputEffectiveSchema = json.RawMessage(effective)
	r.LLMUsage = usageOf(llmP, llmC, llmT)
	r.CacheUsage = usageOf(cacheP, cacheC, cacheT)
	return &r, nil
}

// translate maps driver errors onto the store's sentinels.
func translate(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return fmt.Errorf("failed to %s: llm_requests table is missing, run migrations: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func usageOf(p, c, t *int) *usage.Usage {
	if p == nil && c == nil && t == nil {
		return nil
	}
	return &usage.Usage{PromptTokens: deref(p), CompletionTokens: deref(c), TotalTokens: deref(t)}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullRaw(b json.RawMessage) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}
