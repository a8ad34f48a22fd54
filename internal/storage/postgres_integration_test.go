package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresBackend_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres integration test skipped in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "itdb",
				"POSTGRES_USER":     "ituser",
				"POSTGRES_PASSWORD": "itpass",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://ituser:itpass@%s:%s/itdb?sslmode=disable", host, port.Port())
	backend, err := NewPostgresBackend(dsn)
	require.NoError(t, err)

	require.NoError(t, backend.Initialize(ctx))
	t.Cleanup(func() {
		_ = backend.Close()
	})

	t.Run("account CRUD", func(t *testing.T) {
		require.NoError(t, backend.PutAccount(ctx, sampleAccount("alice")))

		got, err := backend.GetAccount(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, "alice@example.com", got.Email)
		require.Equal(t, "rt-alice", got.RefreshToken)

		expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
		require.NoError(t, backend.UpdateCredential(ctx, "alice", "at-next", expiry))
		require.NoError(t, backend.UpdateMetadata(ctx, "alice", "proj-next", "g1-ultra-tier"))
		require.NoError(t, backend.UpdateQuotaScore(ctx, "alice", 0.33))

		got, err = backend.GetAccount(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, "at-next", got.AccessToken)
		require.Equal(t, "proj-next", got.ProjectID)
		require.Equal(t, 0.33, got.QuotaScore)

		require.NoError(t, backend.DeleteAccount(ctx, "alice"))
		_, err = backend.GetAccount(ctx, "alice")
		require.True(t, IsNotFound(err))
	})

	t.Run("alias CRUD", func(t *testing.T) {
		require.NoError(t, backend.SetAlias(ctx, "gpt-4", "gemini-3-pro-high"))
		require.NoError(t, backend.SetAlias(ctx, "gpt-4", "gemini-3-flash"))

		target, err := backend.GetAlias(ctx, "gpt-4")
		require.NoError(t, err)
		require.Equal(t, "gemini-3-flash", target)

		require.NoError(t, backend.DeleteAlias(ctx, "gpt-4"))
		require.True(t, IsNotFound(backend.DeleteAlias(ctx, "gpt-4")))
	})

	t.Run("usage log", func(t *testing.T) {
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 3; i++ {
			require.NoError(t, backend.AppendUsage(ctx, UsageRecord{
				Timestamp:      base.Add(time.Duration(i) * time.Second),
				Protocol:       "gemini",
				Model:          "gemini-3-flash",
				AccountEmail:   "alice@example.com",
				Success:        true,
				StatusCode:     200,
				ResponseTimeMS: int64(i),
			}))
		}

		records, err := backend.RecentUsage(ctx, 2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		require.Equal(t, int64(1), records[0].ResponseTimeMS)
		require.Equal(t, int64(2), records[1].ResponseTimeMS)
	})
}
