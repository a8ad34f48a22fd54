package management

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/atlasju/Antigravity-Proxy/internal/oauth"
	"github.com/atlasju/Antigravity-Proxy/internal/pool"
	"github.com/atlasju/Antigravity-Proxy/internal/stats"
	"github.com/atlasju/Antigravity-Proxy/internal/storage"
	"github.com/atlasju/Antigravity-Proxy/internal/upstream"
)

func newTestHandler(t *testing.T) (*Handler, *gin.Engine, storage.Backend) {
	t.Helper()
	store := storage.NewFileBackend(t.TempDir())
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	// One fake for both OAuth endpoints: refresh grants succeed unless
	// the token is "rt-bad", userinfo echoes a fixed identity.
	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/userinfo") {
			json.NewEncoder(w).Encode(map[string]interface{}{"email": "proxy-user@example.com"})
			return
		}
		if r.FormValue("refresh_token") == "rt-bad" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": "invalid_grant"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "fresh", "expires_in": 3600})
	}))
	t.Cleanup(authServer.Close)
	oauthClient := oauth.NewClient(
		oauth.WithTokenURL(authServer.URL+"/token"),
		oauth.WithUserInfoURL(authServer.URL+"/userinfo"),
	)

	p := pool.New(pool.Options{
		Store:    store,
		OAuth:    oauthClient,
		Upstream: upstream.NewClient(),
	})

	h := NewHandler(Options{
		Pool:    p,
		Store:   store,
		OAuth:   oauthClient,
		Usage:   stats.NewRecorder(store),
		Version: "test",
	})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", h.Health)
	h.Register(r.Group("/api"))
	return h, r, store
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestImportSingleAndList(t *testing.T) {
	_, r, _ := newTestHandler(t)

	w := doJSON(r, http.MethodPost, "/api/accounts/import",
		`{"email":"alice@example.com","refresh_token":"rt","access_token":"at","expires_in":3600}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice_at_example_com", gjson.Get(w.Body.String(), "account_ids.0").String())

	w = doJSON(r, http.MethodGet, "/api/accounts", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := gjson.Parse(w.Body.String())
	require.Equal(t, int64(1), got.Get("accounts.#").Int())
	assert.Equal(t, "alice@example.com", got.Get("accounts.0.email").String())
	// Token material never leaves the API.
	assert.NotContains(t, w.Body.String(), "rt")
}

func TestImportBulk(t *testing.T) {
	_, r, _ := newTestHandler(t)

	w := doJSON(r, http.MethodPost, "/api/accounts/import", `{"accounts":[
		{"email":"a@example.com","refresh_token":"rt-a"},
		{"email":"b@example.com","refresh_token":"rt-b"}
	]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "account_ids.#").Int())
}

func TestImportRejectsMissingFields(t *testing.T) {
	_, r, _ := newTestHandler(t)

	w := doJSON(r, http.MethodPost, "/api/accounts/import", `{"email":"x@example.com"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportRejectsInvalidRefreshToken(t *testing.T) {
	h, r, _ := newTestHandler(t)

	w := doJSON(r, http.MethodPost, "/api/accounts/import",
		`{"email":"bad@example.com","refresh_token":"rt-bad"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "refresh token")
	assert.Equal(t, 0, h.pool.Size())
}

func TestImportStoresRefreshedCredential(t *testing.T) {
	_, r, store := newTestHandler(t)

	w := doJSON(r, http.MethodPost, "/api/accounts/import",
		`{"email":"carol@example.com","refresh_token":"rt-carol"}`)
	require.Equal(t, http.StatusOK, w.Code)

	account, err := store.GetAccount(context.Background(), "carol_at_example_com")
	require.NoError(t, err)
	assert.Equal(t, "fresh", account.AccessToken)
	assert.Equal(t, "rt-carol", account.RefreshToken)
	assert.True(t, account.TokenExpiry.After(time.Now()))
}

func TestDeleteAccount(t *testing.T) {
	h, r, _ := newTestHandler(t)

	doJSON(r, http.MethodPost, "/api/accounts/import",
		`{"email":"gone@example.com","refresh_token":"rt"}`)
	require.Equal(t, 1, h.pool.Size())

	w := doJSON(r, http.MethodDelete, "/api/accounts/gone_at_example_com", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, h.pool.Size())
}

func TestAliasesCRUD(t *testing.T) {
	_, r, _ := newTestHandler(t)

	w := doJSON(r, http.MethodPost, "/api/aliases", `{"source":"gpt-4","target":"gemini-3-pro-low"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/api/aliases", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gemini-3-pro-low", gjson.Get(w.Body.String(), "aliases.gpt-4").String())

	w = doJSON(r, http.MethodDelete, "/api/aliases/gpt-4", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/api/aliases", "")
	assert.False(t, gjson.Get(w.Body.String(), "aliases.gpt-4").Exists())
}

func TestOAuthURLAndStateValidation(t *testing.T) {
	_, r, _ := newTestHandler(t)

	w := doJSON(r, http.MethodPost, "/api/oauth/url", `{"redirect_uri":"https://proxy.example.com/cb"}`)
	require.Equal(t, http.StatusOK, w.Code)
	got := gjson.Parse(w.Body.String())
	assert.Contains(t, got.Get("auth_url").String(), "access_type=offline")
	assert.NotEmpty(t, got.Get("state").String())

	// A callback with an unknown state is rejected.
	w = doJSON(r, http.MethodPost, "/api/oauth/callback", `{"code":"c","state":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsageStats(t *testing.T) {
	h, r, _ := newTestHandler(t)
	require.NoError(t, h.store.AppendUsage(context.Background(), storage.UsageRecord{
		Timestamp: time.Now().UTC(), Protocol: "openai", Model: "gemini-3-flash",
		Success: true, StatusCode: 200, ResponseTimeMS: 120,
	}))

	w := doJSON(r, http.MethodGet, "/api/stats/usage", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := gjson.Parse(w.Body.String())
	assert.Equal(t, int64(1), got.Get("total_requests").Int())
	assert.Equal(t, 100.0, got.Get("success_rate").Float())
}

func TestHealth(t *testing.T) {
	_, r, _ := newTestHandler(t)

	w := doJSON(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := gjson.Parse(w.Body.String())
	assert.Equal(t, "ok", got.Get("status").String())
	assert.Equal(t, "test", got.Get("version").String())
	assert.Equal(t, int64(0), got.Get("accounts_loaded").Int())
}
