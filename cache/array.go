package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nuabase/castgate/usage"
)

// Row is one decoded input or output row of a cast/array request.
type Row = map[string]any

// RowErrorReason classifies a per-row cache problem. None of them fail the
// batch; a failing MGet or MSet fails the whole request instead.
type RowErrorReason string

const (
	ReasonInvalidPK  RowErrorReason = "invalid-pk"
	ReasonParseError RowErrorReason = "parse-error"
)

// RowError records a problem with a single row of a batch.
type RowError struct {
	RowIndex int
	Row      Row
	Reason   RowErrorReason
	Message  string
}

func (e RowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// CachedRow is a result and the usage attributed to it.
type CachedRow struct {
	Result any
	Usage  usage.Usage
}

// ErrNotChecked is returned when results are stored or assembled on a
// Checked value that did not come from CheckArrayCache.
var ErrNotChecked = errors.New("array cache: CheckArrayCache must run before storing or assembling results")

// Checked is the outcome of the lookup phase of one batch. The store and
// assemble phases hang off it, so they cannot run first.
type Checked struct {
	contextKey string
	primaryKey string
	outputName string
	rows       []Row

	CacheHitsByPK map[PK]CachedRow
	UncachedRows  []Row
	Errors        []RowError
}

// ContextKey returns the batch context key, or "" for a zero Checked.
func (c *Checked) ContextKey() string {
	if c == nil {
		return ""
	}
	return c.contextKey
}

func (c *Checked) checked() bool {
	return c != nil && c.contextKey != ""
}

// CheckArrayCache looks every row of the batch up with a single MGet.
//
// With invalidate set every row comes back uncached and the store is not
// read. Otherwise rows without a string or number primary key are reported
// as invalid-pk and left out of both sets, and a cached value that fails to
// decode is reported as parse-error and the row is sent to the LLM again.
func CheckArrayCache(ctx context.Context, store Store, rows []Row, kc KeyContext, invalidate bool) (*Checked, error) {
	if kc.PrimaryKey == "" {
		return nil, errors.New("array cache: primary key must be set")
	}
	ck, err := kc.Hash()
	if err != nil {
		return nil, err
	}

	c := &Checked{
		contextKey:    ck,
		primaryKey:    kc.PrimaryKey,
		outputName:    kc.OutputName,
		rows:          rows,
		CacheHitsByPK: make(map[PK]CachedRow),
	}

	if invalidate {
		c.UncachedRows = append([]Row(nil), rows...)
		return c, nil
	}

	type candidate struct {
		index int
		row   Row
		pk    PK
	}
	var (
		candidates []candidate
		keys       []string
	)
	for i, row := range rows {
		pk, ok := PKOf(row[kc.PrimaryKey])
		if !ok {
			c.Errors = append(c.Errors, RowError{
				RowIndex: i,
				Row:      row,
				Reason:   ReasonInvalidPK,
				Message:  fmt.Sprintf("Row at index %d has invalid primary key value. Expected string or number.", i),
			})
			continue
		}
		key, err := RowKey(row, ck)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{index: i, row: row, pk: pk})
		keys = append(keys, key)
	}

	if len(candidates) == 0 {
		c.UncachedRows = []Row{}
		return c, nil
	}

	values, err := store.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("array cache lookup: %w", err)
	}

	c.UncachedRows = make([]Row, 0, len(candidates))
	for i, cand := range candidates {
		var raw *string
		if i < len(values) {
			raw = values[i]
		}
		if raw == nil || *raw == "" {
			c.UncachedRows = append(c.UncachedRows, cand.row)
			continue
		}
		entry, err := DecodeEntry(*raw)
		if err != nil {
			c.Errors = append(c.Errors, RowError{
				RowIndex: cand.index,
				Row:      cand.row,
				Reason:   ReasonParseError,
				Message:  "Failed to parse cached value: " + err.Error(),
			})
			c.UncachedRows = append(c.UncachedRows, cand.row)
			continue
		}
		c.CacheHitsByPK[cand.pk] = CachedRow{Result: entry.Result, Usage: entry.Usage}
	}
	return c, nil
}

// StoreOptions tune the store phase. A nil Estimator means
// ProportionalEstimator and a nil Logger means a no-op logger.
type StoreOptions struct {
	TTL       time.Duration
	Estimator Estimator
	Logger    *zap.Logger
}

// Stored is the outcome of the store phase.
type Stored struct {
	LLMResultsByPK map[PK]CachedRow
}

// StoreResults caches the LLM output rows against the uncached input rows
// they answer. Output rows are matched to inputs by primary key; a row
// whose key was not sent is logged and dropped.
func (c *Checked) StoreResults(ctx context.Context, store Store, outputRows []Row, llmUsage usage.Usage, opts StoreOptions) (*Stored, error) {
	if !c.checked() {
		return nil, ErrNotChecked
	}
	stored, rowErrs, err := StoreArrayResults(ctx, store, c.UncachedRows, c.contextKey, c.primaryKey, c.outputName, outputRows, llmUsage, opts)
	c.Errors = append(c.Errors, rowErrs...)
	return stored, err
}

// StoreArrayResults is the store phase on explicit state. inputRows must be
// the rows that were sent to the LLM.
func StoreArrayResults(
	ctx context.Context,
	store Store,
	inputRows []Row,
	contextKey, primaryKey, outputName string,
	outputRows []Row,
	llmUsage usage.Usage,
	opts StoreOptions,
) (*Stored, []RowError, error) {
	stored := &Stored{LLMResultsByPK: make(map[PK]CachedRow)}
	if len(outputRows) == 0 {
		return stored, nil, nil
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	est := opts.Estimator
	if est == nil {
		est = ProportionalEstimator{}
	}

	inputByPK := make(map[PK]Row, len(inputRows))
	for _, row := range inputRows {
		if pk, ok := PKOf(row[primaryKey]); ok {
			inputByPK[pk] = row
		}
	}

	type match struct {
		pk     PK
		input  Row
		output Row
	}
	var (
		matches []match
		rowErrs []RowError
	)
	for i, out := range outputRows {
		pk, ok := PKOf(out[primaryKey])
		if !ok {
			rowErrs = append(rowErrs, RowError{
				RowIndex: i,
				Row:      out,
				Reason:   ReasonInvalidPK,
				Message:  fmt.Sprintf("Row at index %d has invalid primary key value. Expected string or number.", i),
			})
			continue
		}
		in, ok := inputByPK[pk]
		if !ok {
			logger.Error("unexpected-situation. LLM returned row with primary key that doesn't exist in input: " + pk.String())
			continue
		}
		matches = append(matches, match{pk: pk, input: in, output: out})
	}

	matchedIn := make([]Row, len(matches))
	matchedOut := make([]Row, len(matches))
	for i, m := range matches {
		matchedIn[i] = m.input
		matchedOut[i] = m.output
	}
	perRow := EstimateRowTokensByPK(est, matchedIn, matchedOut, llmUsage, primaryKey)

	entries := make(map[string]string, len(matches))
	for _, m := range matches {
		u := perRow[m.pk]
		result := m.output[outputName]
		key, err := RowKey(m.input, contextKey)
		if err != nil {
			return nil, rowErrs, err
		}
		raw, err := EncodeEntry(result, u)
		if err != nil {
			return nil, rowErrs, err
		}
		entries[key] = raw
		stored.LLMResultsByPK[m.pk] = CachedRow{Result: result, Usage: u}
	}

	if len(entries) > 0 {
		if err := store.MSet(ctx, entries, opts.TTL); err != nil {
			return stored, rowErrs, fmt.Errorf("array cache store: %w", err)
		}
	}
	return stored, rowErrs, nil
}

// Assembled is the final batch output.
type Assembled struct {
	Data              []Row
	RowsWithNoResults []any
	CacheHitCount     int
	LLMUsage          usage.Usage
	CacheUsage        usage.Usage
}

// Assemble builds the batch output. s may be nil when no row went to the
// LLM.
func (c *Checked) Assemble(s *Stored) (Assembled, error) {
	if !c.checked() {
		return Assembled{}, ErrNotChecked
	}
	var fresh map[PK]CachedRow
	if s != nil {
		fresh = s.LLMResultsByPK
	}
	return AssembleArrayResult(c.rows, c.CacheHitsByPK, fresh, c.primaryKey, c.outputName), nil
}

// AssembleArrayResult walks rows in input order. A fresh result wins over a
// cache hit for the same key; a key with neither ends up in
// RowsWithNoResults. It has no side effects.
func AssembleArrayResult(rows []Row, hits, fresh map[PK]CachedRow, primaryKey, outputName string) Assembled {
	out := Assembled{
		Data:              make([]Row, 0, len(rows)),
		RowsWithNoResults: []any{},
	}
	for _, row := range rows {
		raw := row[primaryKey]
		pk, ok := PKOf(raw)
		if !ok {
			out.RowsWithNoResults = append(out.RowsWithNoResults, raw)
			continue
		}
		if r, ok := fresh[pk]; ok {
			out.Data = append(out.Data, Row{primaryKey: raw, outputName: r.Result})
			out.LLMUsage = out.LLMUsage.Add(r.Usage)
			continue
		}
		if r, ok := hits[pk]; ok {
			out.Data = append(out.Data, Row{primaryKey: raw, outputName: r.Result})
			out.CacheHitCount++
			out.CacheUsage = out.CacheUsage.Add(r.Usage)
			continue
		}
		out.RowsWithNoResults = append(out.RowsWithNoResults, raw)
	}
	return out
}
