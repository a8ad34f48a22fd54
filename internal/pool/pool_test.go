package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasju/Antigravity-Proxy/internal/oauth"
	"github.com/atlasju/Antigravity-Proxy/internal/storage"
	"github.com/atlasju/Antigravity-Proxy/internal/upstream"
)

type fakeUpstream struct {
	server        *httptest.Server
	assistCalls   atomic.Int64
	quotaCalls    atomic.Int64
	assistBody    func() string
	quotaBody     func(project string) string
	assistFailure bool
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		assistBody: func() string {
			return `{"cloudaicompanionProject":"proj-fake","currentTier":{"id":"free-tier"}}`
		},
		quotaBody: func(string) string {
			return `{"models":{}}`
		},
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1internal:loadCodeAssist":
			f.assistCalls.Add(1)
			if f.assistFailure {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte(f.assistBody()))
		case "/v1internal:fetchAvailableModels":
			f.quotaCalls.Add(1)
			var req struct {
				Project string `json:"project"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			w.Write([]byte(f.quotaBody(req.Project)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func newTestPool(t *testing.T, fake *fakeUpstream) (*Pool, storage.Backend) {
	t.Helper()
	store := storage.NewFileBackend(t.TempDir())
	require.NoError(t, store.Initialize(context.Background()))

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "refreshed-token",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(tokenServer.Close)

	p := New(Options{
		Store:    store,
		OAuth:    oauth.NewClient(oauth.WithTokenURL(tokenServer.URL)),
		Upstream: upstream.NewClient(upstream.WithBaseURL(fake.server.URL)),
	})
	return p, store
}

func addAccount(t *testing.T, store storage.Backend, p *Pool, id string, score float64, tier string) {
	t.Helper()
	require.NoError(t, store.PutAccount(context.Background(), &storage.Account{
		ID:           id,
		Email:        id + "@example.com",
		RefreshToken: "rt-" + id,
		AccessToken:  "at-" + id,
		TokenExpiry:  time.Now().Add(time.Hour),
		ProjectID:    "proj-" + id,
		Tier:         tier,
		QuotaScore:   score,
	}))
	require.NoError(t, p.ReloadAccount(context.Background(), id))
}

func TestAcquireEmptyPool(t *testing.T) {
	p, _ := newTestPool(t, newFakeUpstream(t))
	_, err := p.Acquire(context.Background(), GroupGemini, false)
	require.ErrorIs(t, err, ErrNoAccounts)
}

func TestAcquireHighestScoreWins(t *testing.T) {
	p, store := newTestPool(t, newFakeUpstream(t))
	addAccount(t, store, p, "low", 0.2, "")
	addAccount(t, store, p, "high", 0.9, "")

	tok, err := p.Acquire(context.Background(), GroupGemini, false)
	require.NoError(t, err)
	require.Equal(t, "high@example.com", tok.Email)
	require.Equal(t, "proj-high", tok.ProjectID)
}

func TestStickyWindowReusesIdentity(t *testing.T) {
	p, store := newTestPool(t, newFakeUpstream(t))
	addAccount(t, store, p, "a", 0.9, "")
	addAccount(t, store, p, "b", 0.85, "")
	addAccount(t, store, p, "c", 0.2, "")

	first, err := p.Acquire(context.Background(), GroupGemini, false)
	require.NoError(t, err)

	// a and b are inside the 90% tie band, so without stickiness the
	// round-robin would alternate. Within the window we stay put.
	for i := 0; i < 5; i++ {
		tok, err := p.Acquire(context.Background(), GroupGemini, false)
		require.NoError(t, err)
		require.Equal(t, first.Email, tok.Email)
	}
}

func TestStickyWindowExpires(t *testing.T) {
	p, store := newTestPool(t, newFakeUpstream(t))
	addAccount(t, store, p, "a", 0.9, "")
	addAccount(t, store, p, "b", 0.85, "")
	addAccount(t, store, p, "c", 0.2, "")

	_, err := p.Acquire(context.Background(), GroupGemini, false)
	require.NoError(t, err)

	// Age the sticky slot past the window; the tie-band round-robin
	// continues and the next selection rotates.
	p.mu.Lock()
	p.sticky.at = p.sticky.at.Add(-61 * time.Second)
	p.mu.Unlock()

	second, err := p.Acquire(context.Background(), GroupGemini, false)
	require.NoError(t, err)
	require.NotEqual(t, "", second.Email)
	p.mu.Lock()
	require.Less(t, time.Since(p.sticky.at), time.Second)
	p.mu.Unlock()
}

func TestForceRotateBypassesSticky(t *testing.T) {
	p, store := newTestPool(t, newFakeUpstream(t))
	addAccount(t, store, p, "a", 0.9, "")
	addAccount(t, store, p, "b", 0.88, "")
	addAccount(t, store, p, "c", 0.86, "")

	first, err := p.Acquire(context.Background(), GroupGemini, false)
	require.NoError(t, err)

	second, err := p.Acquire(context.Background(), GroupGemini, true)
	require.NoError(t, err)
	require.NotEqual(t, first.Email, second.Email)
}

func TestNoQuotaDataFallsBackToRoundRobin(t *testing.T) {
	p, store := newTestPool(t, newFakeUpstream(t))
	addAccount(t, store, p, "a", 0, "")
	addAccount(t, store, p, "b", 0, "")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		tok, err := p.Acquire(context.Background(), GroupGemini, true)
		require.NoError(t, err)
		seen[tok.Email] = true
	}
	require.Len(t, seen, 2)
}

func TestImageGenPrefersPaidTierAndSkipsSticky(t *testing.T) {
	p, store := newTestPool(t, newFakeUpstream(t))
	addAccount(t, store, p, "free", 0.99, "free-tier")
	addAccount(t, store, p, "paid", 0.5, "g1-pro-tier")

	tok, err := p.Acquire(context.Background(), GroupImageGen, false)
	require.NoError(t, err)
	require.Equal(t, "paid@example.com", tok.Email)

	// Image selection never records a sticky slot.
	p.mu.RLock()
	require.Nil(t, p.sticky)
	p.mu.RUnlock()
}

func TestImageGenForceRotateCyclesAllAccounts(t *testing.T) {
	p, store := newTestPool(t, newFakeUpstream(t))
	addAccount(t, store, p, "free", 0.9, "free-tier")
	addAccount(t, store, p, "paid", 0.9, "g1-ultra-tier")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		tok, err := p.Acquire(context.Background(), GroupImageGen, true)
		require.NoError(t, err)
		seen[tok.Email] = true
	}
	require.Len(t, seen, 2)
}

func TestAcquireRefreshesExpiringToken(t *testing.T) {
	p, store := newTestPool(t, newFakeUpstream(t))
	require.NoError(t, store.PutAccount(context.Background(), &storage.Account{
		ID:           "old",
		Email:        "old@example.com",
		RefreshToken: "rt-old",
		AccessToken:  "stale-token",
		TokenExpiry:  time.Now().Add(time.Minute), // inside the 300s window
		ProjectID:    "proj-old",
		QuotaScore:   1,
	}))
	require.NoError(t, p.ReloadAccount(context.Background(), "old"))

	tok, err := p.Acquire(context.Background(), GroupGemini, false)
	require.NoError(t, err)
	require.Equal(t, "refreshed-token", tok.AccessToken)

	// Refreshed credential is persisted.
	account, err := store.GetAccount(context.Background(), "old")
	require.NoError(t, err)
	require.Equal(t, "refreshed-token", account.AccessToken)
	require.True(t, account.TokenExpiry.After(time.Now().Add(30*time.Minute)))
}

func TestAcquireBackfillsMetadata(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.assistBody = func() string {
		return `{"cloudaicompanionProject":"proj-meta","paidTier":{"id":"g1-pro-tier"}}`
	}
	p, store := newTestPool(t, fake)
	require.NoError(t, store.PutAccount(context.Background(), &storage.Account{
		ID:           "nometa",
		Email:        "nometa@example.com",
		RefreshToken: "rt",
		AccessToken:  "at",
		TokenExpiry:  time.Now().Add(time.Hour),
		QuotaScore:   1,
	}))
	require.NoError(t, p.ReloadAccount(context.Background(), "nometa"))

	tok, err := p.Acquire(context.Background(), GroupGemini, false)
	require.NoError(t, err)
	require.Equal(t, "proj-meta", tok.ProjectID)

	account, err := store.GetAccount(context.Background(), "nometa")
	require.NoError(t, err)
	require.Equal(t, "proj-meta", account.ProjectID)
	require.Equal(t, "g1-pro-tier", account.Tier)

	// Second acquisition does not re-fetch.
	calls := fake.assistCalls.Load()
	_, err = p.Acquire(context.Background(), GroupGemini, false)
	require.NoError(t, err)
	require.Equal(t, calls, fake.assistCalls.Load())
}

func TestAcquireMetadataFailureUsesFallbackProject(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.assistFailure = true
	p, store := newTestPool(t, fake)
	require.NoError(t, store.PutAccount(context.Background(), &storage.Account{
		ID:           "broken",
		Email:        "broken@example.com",
		RefreshToken: "rt",
		AccessToken:  "at",
		TokenExpiry:  time.Now().Add(time.Hour),
		QuotaScore:   1,
	}))
	require.NoError(t, p.ReloadAccount(context.Background(), "broken"))

	tok, err := p.Acquire(context.Background(), GroupGemini, false)
	require.NoError(t, err)
	require.Equal(t, "bamboo-precept-lgxtn", tok.ProjectID)
}

func TestUpdateQuotaScores(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.quotaBody = func(project string) string {
		if project == "proj-one" {
			return `{"models":{
				"claude-sonnet-4-5-thinking":{"quotaInfo":{"remainingFraction":0.9}},
				"gemini-3-pro-high":{"quotaInfo":{"remainingFraction":0.8}},
				"gemini-3-flash":{"quotaInfo":{"remainingFraction":0.7}}
			}}`
		}
		return `{"models":{
			"claude-sonnet-4-5-thinking":{"quotaInfo":{"remainingFraction":0.1}},
			"gemini-3-pro-high":{"quotaInfo":{"remainingFraction":0.2}},
			"gemini-3-flash":{"quotaInfo":{"remainingFraction":0.3}}
		}}`
	}
	p, store := newTestPool(t, fake)
	addAccount(t, store, p, "one", 0, "free-tier")
	addAccount(t, store, p, "two", 0, "free-tier")

	updated := p.UpdateQuotaScores(context.Background())
	require.Equal(t, 2, updated)

	snapshot := p.Snapshot()
	scores := map[string]float64{}
	for _, s := range snapshot {
		scores[s.ID] = s.QuotaScore
	}
	require.InDelta(t, 0.8, scores["one"], 1e-9)
	require.InDelta(t, 0.2, scores["two"], 1e-9)

	// Persisted too.
	account, err := store.GetAccount(context.Background(), "one")
	require.NoError(t, err)
	require.InDelta(t, 0.8, account.QuotaScore, 1e-9)

	// Non-sticky selection now prefers the higher score.
	tok, err := p.Acquire(context.Background(), GroupGemini, true)
	require.NoError(t, err)
	require.Equal(t, "one@example.com", tok.Email)
}

func TestUpdateQuotaScoresRetainsPriorOnMissingData(t *testing.T) {
	fake := newFakeUpstream(t)
	p, store := newTestPool(t, fake)
	addAccount(t, store, p, "keep", 0.55, "free-tier")

	updated := p.UpdateQuotaScores(context.Background())
	require.Equal(t, 0, updated)

	snapshot := p.Snapshot()
	require.InDelta(t, 0.55, snapshot[0].QuotaScore, 1e-9)
}

func TestSnapshotExcludesTokenMaterial(t *testing.T) {
	p, store := newTestPool(t, newFakeUpstream(t))
	addAccount(t, store, p, "a", 0.5, "free-tier")

	data, err := json.Marshal(p.Snapshot())
	require.NoError(t, err)
	require.NotContains(t, string(data), "rt-a")
	require.NotContains(t, string(data), "at-a")
}

func TestLoadSkipsAccountsWithoutRefreshToken(t *testing.T) {
	p, store := newTestPool(t, newFakeUpstream(t))
	require.NoError(t, store.PutAccount(context.Background(), &storage.Account{
		ID: "inert", Email: "inert@example.com",
	}))
	require.NoError(t, store.PutAccount(context.Background(), &storage.Account{
		ID: "ok", Email: "ok@example.com", RefreshToken: "rt",
		TokenExpiry: time.Now().Add(time.Hour),
	}))

	size, err := p.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, size)
}
