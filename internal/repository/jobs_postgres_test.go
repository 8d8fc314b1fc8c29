package repository

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostgresTaskStoreIntegration(t *testing.T) {
	dsn := os.Getenv("CONTENT_WORKER_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set CONTENT_WORKER_POSTGRES_DSN to run Postgres integration tests")
	}

	runTaskStoreSuite(t, func(t *testing.T) TaskStore {
		store, err := NewPostgresTaskStore(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(store.Close)

		_, err = store.pool.Exec(context.Background(), `TRUNCATE tasks, jobs`)
		require.NoError(t, err)
		return store
	})
}
