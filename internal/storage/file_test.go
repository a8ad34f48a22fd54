package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestFileBackend(t *testing.T) *FileBackend {
	t.Helper()
	backend := NewFileBackend(t.TempDir())
	require.NoError(t, backend.Initialize(context.Background()))
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func sampleAccount(id string) *Account {
	return &Account{
		ID:           id,
		Email:        id + "@example.com",
		RefreshToken: "rt-" + id,
		AccessToken:  "at-" + id,
		TokenExpiry:  time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		ProjectID:    "proj-" + id,
		Tier:         "free-tier",
		QuotaScore:   1.0,
	}
}

func TestFileBackendAccountCRUD(t *testing.T) {
	ctx := context.Background()
	backend := newTestFileBackend(t)

	require.NoError(t, backend.PutAccount(ctx, sampleAccount("alice")))
	require.NoError(t, backend.PutAccount(ctx, sampleAccount("bob")))

	got, err := backend.GetAccount(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", got.Email)
	require.Equal(t, "rt-alice", got.RefreshToken)

	accounts, err := backend.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	require.NoError(t, backend.DeleteAccount(ctx, "alice"))
	_, err = backend.GetAccount(ctx, "alice")
	require.True(t, IsNotFound(err))

	err = backend.DeleteAccount(ctx, "alice")
	require.True(t, IsNotFound(err))
}

func TestFileBackendTargetedUpdates(t *testing.T) {
	ctx := context.Background()
	backend := newTestFileBackend(t)
	require.NoError(t, backend.PutAccount(ctx, sampleAccount("carol")))

	newExpiry := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, backend.UpdateCredential(ctx, "carol", "at-new", newExpiry))
	require.NoError(t, backend.UpdateMetadata(ctx, "carol", "proj-new", "g1-pro-tier"))
	require.NoError(t, backend.UpdateQuotaScore(ctx, "carol", 0.4321))

	got, err := backend.GetAccount(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, "at-new", got.AccessToken)
	require.True(t, got.TokenExpiry.Equal(newExpiry))
	require.Equal(t, "proj-new", got.ProjectID)
	require.Equal(t, "g1-pro-tier", got.Tier)
	require.Equal(t, 0.4321, got.QuotaScore)
	// Untouched fields survive targeted updates.
	require.Equal(t, "rt-carol", got.RefreshToken)

	require.True(t, IsNotFound(backend.UpdateQuotaScore(ctx, "ghost", 0.5)))
}

func TestFileBackendAliases(t *testing.T) {
	ctx := context.Background()
	backend := newTestFileBackend(t)

	_, err := backend.GetAlias(ctx, "gpt-4")
	require.True(t, IsNotFound(err))

	require.NoError(t, backend.SetAlias(ctx, "gpt-4", "gemini-3-pro-high"))
	target, err := backend.GetAlias(ctx, "gpt-4")
	require.NoError(t, err)
	require.Equal(t, "gemini-3-pro-high", target)

	require.NoError(t, backend.SetAlias(ctx, "gpt-4", "gemini-3-flash"))
	target, err = backend.GetAlias(ctx, "gpt-4")
	require.NoError(t, err)
	require.Equal(t, "gemini-3-flash", target)

	aliases, err := backend.ListAliases(ctx)
	require.NoError(t, err)
	require.Len(t, aliases, 1)

	require.NoError(t, backend.DeleteAlias(ctx, "gpt-4"))
	require.True(t, IsNotFound(backend.DeleteAlias(ctx, "gpt-4")))
}

func TestFileBackendUsageLog(t *testing.T) {
	ctx := context.Background()
	backend := newTestFileBackend(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, backend.AppendUsage(ctx, UsageRecord{
			Timestamp:      time.Now().UTC(),
			Protocol:       "openai",
			Model:          "gemini-3-flash",
			AccountEmail:   "alice@example.com",
			Success:        true,
			StatusCode:     200,
			ResponseTimeMS: int64(100 + i),
		}))
	}

	records, err := backend.RecentUsage(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	// Last three in chronological order.
	require.Equal(t, int64(102), records[0].ResponseTimeMS)
	require.Equal(t, int64(104), records[2].ResponseTimeMS)

	all, err := backend.RecentUsage(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func TestFileBackendWatchAccounts(t *testing.T) {
	ctx := context.Background()
	backend := newTestFileBackend(t)

	changed := make(chan struct{}, 1)
	stop, err := backend.WatchAccounts(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, backend.PutAccount(ctx, sampleAccount("dave")))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not fire after account write")
	}
}
