package requests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// newPostgresTestStore connects to the database named by
// CASTGATE_TEST_POSTGRES_DSN and empties llm_requests.
func newPostgresTestStore(t *testing.T, dsn string) Store {
	t.Helper()
	ctx := context.Background()

	pool, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	require.NoError(t, s.Migrate(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE llm_requests`)
	require.NoError(t, err)
	return s
}
