package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencode-mem/memoryd/internal/database"
)

func mustMigratedClient(t *testing.T, ctx context.Context, dsn string) *database.Client {
	t.Helper()
	client, err := database.NewClient(ctx, database.Config{DSN: dsn, MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}
