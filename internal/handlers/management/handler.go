// Package management serves the operator API: account onboarding,
// pool inspection, aliases, usage stats and live logs.
package management

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/atlasju/Antigravity-Proxy/internal/handlers/common"
	"github.com/atlasju/Antigravity-Proxy/internal/logging"
	"github.com/atlasju/Antigravity-Proxy/internal/oauth"
	"github.com/atlasju/Antigravity-Proxy/internal/pool"
	"github.com/atlasju/Antigravity-Proxy/internal/stats"
	"github.com/atlasju/Antigravity-Proxy/internal/storage"
)

// stateTTL bounds how long a started OAuth flow may take.
const stateTTL = 10 * time.Minute

type Handler struct {
	pool    *pool.Pool
	store   storage.Backend
	oauth   *oauth.Client
	usage   *stats.Recorder
	version string

	mu     sync.Mutex
	states map[string]pendingState

	upgrader websocket.Upgrader
}

type pendingState struct {
	redirectURI string
	createdAt   time.Time
}

type Options struct {
	Pool    *pool.Pool
	Store   storage.Backend
	OAuth   *oauth.Client
	Usage   *stats.Recorder
	Version string
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		pool:    opts.Pool,
		store:   opts.Store,
		oauth:   opts.OAuth,
		usage:   opts.Usage,
		version: opts.Version,
		states:  make(map[string]pendingState),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the operator routes on /api.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/oauth/url", h.oauthURL)
	rg.POST("/oauth/callback", h.oauthCallback)

	rg.GET("/accounts", h.listAccounts)
	rg.POST("/accounts/import", h.importAccounts)
	rg.DELETE("/accounts/:id", h.deleteAccount)

	rg.GET("/quota/pool", h.quotaPool)
	rg.POST("/quota/refresh", h.quotaRefresh)

	rg.GET("/aliases", h.listAliases)
	rg.POST("/aliases", h.setAlias)
	rg.DELETE("/aliases/:source", h.deleteAlias)

	rg.GET("/stats/usage", h.usageStats)
	rg.GET("/logs/ws", h.logsWebSocket)
}

// Health reports liveness and pool size. Mounted unauthenticated.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"version":         h.version,
		"accounts_loaded": h.pool.Size(),
	})
}

func (h *Handler) oauthURL(c *gin.Context) {
	var req struct {
		RedirectURI string `json:"redirect_uri"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RedirectURI == "" {
		common.WriteError(c, http.StatusBadRequest, "redirect_uri is required")
		return
	}

	state := uuid.NewString()
	h.mu.Lock()
	for s, pending := range h.states {
		if time.Since(pending.createdAt) > stateTTL {
			delete(h.states, s)
		}
	}
	h.states[state] = pendingState{redirectURI: req.RedirectURI, createdAt: time.Now()}
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"auth_url": h.oauth.AuthCodeURL(state, req.RedirectURI),
		"state":    state,
	})
}

func (h *Handler) oauthCallback(c *gin.Context) {
	var req struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" || req.State == "" {
		common.WriteError(c, http.StatusBadRequest, "code and state are required")
		return
	}

	h.mu.Lock()
	pending, ok := h.states[req.State]
	delete(h.states, req.State)
	h.mu.Unlock()
	if !ok || time.Since(pending.createdAt) > stateTTL {
		common.WriteError(c, http.StatusBadRequest, "invalid or expired state")
		return
	}

	cred, err := h.oauth.Exchange(c.Request.Context(), req.Code, pending.redirectURI)
	if err != nil {
		common.WriteError(c, http.StatusBadGateway, "code exchange failed: "+err.Error())
		return
	}
	info, err := h.oauth.FetchUserInfo(c.Request.Context(), cred.AccessToken)
	if err != nil {
		common.WriteError(c, http.StatusBadGateway, "userinfo fetch failed: "+err.Error())
		return
	}

	account := &storage.Account{
		ID:           accountID(info.Email),
		Email:        info.Email,
		RefreshToken: cred.RefreshToken,
		AccessToken:  cred.AccessToken,
		TokenExpiry:  cred.Expiry,
	}
	if err := h.store.PutAccount(c.Request.Context(), account); err != nil {
		common.WriteError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.pool.ReloadAccount(c.Request.Context(), account.ID); err != nil {
		log.WithError(err).Warnf("pool reload after oauth for %s failed", account.Email)
	}

	log.Infof("account %s onboarded via oauth", info.Email)
	c.JSON(http.StatusOK, gin.H{"status": "created", "account_id": account.ID, "email": info.Email})
}

type importedAccount struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refresh_token"`
	ProjectID    string `json:"project_id"`
}

// importAccounts accepts either a single account object or
// {"accounts": [...]} for bulk import. Each refresh token is validated
// by a live refresh and user-info lookup before anything is stored; the
// stored access token and expiry come from that refresh.
func (h *Handler) importAccounts(c *gin.Context) {
	var bulk struct {
		Accounts []importedAccount `json:"accounts"`
	}
	var single importedAccount

	body, ok := common.ReadBody(c)
	if !ok {
		return
	}
	if err := bindJSON(body, &bulk); err != nil || len(bulk.Accounts) == 0 {
		if err := bindJSON(body, &single); err != nil || single.Email == "" {
			common.WriteError(c, http.StatusBadRequest, "expected an account object or an accounts array")
			return
		}
		bulk.Accounts = []importedAccount{single}
	}

	imported := make([]string, 0, len(bulk.Accounts))
	for _, in := range bulk.Accounts {
		if in.Email == "" || in.RefreshToken == "" {
			common.WriteError(c, http.StatusBadRequest, "email and refresh_token are required")
			return
		}
		cred, err := h.oauth.Refresh(c.Request.Context(), in.RefreshToken)
		if err != nil {
			common.WriteError(c, http.StatusBadRequest,
				fmt.Sprintf("refresh token for %s rejected: %s", in.Email, err))
			return
		}
		if _, err := h.oauth.FetchUserInfo(c.Request.Context(), cred.AccessToken); err != nil {
			common.WriteError(c, http.StatusBadRequest,
				fmt.Sprintf("userinfo lookup for %s failed: %s", in.Email, err))
			return
		}
		account := &storage.Account{
			ID:           accountID(in.Email),
			Email:        in.Email,
			RefreshToken: cred.RefreshToken,
			AccessToken:  cred.AccessToken,
			TokenExpiry:  cred.Expiry,
			ProjectID:    in.ProjectID,
		}
		if err := h.store.PutAccount(c.Request.Context(), account); err != nil {
			common.WriteError(c, http.StatusInternalServerError, err.Error())
			return
		}
		if err := h.pool.ReloadAccount(c.Request.Context(), account.ID); err != nil {
			log.WithError(err).Warnf("pool reload after import for %s failed", account.Email)
		}
		imported = append(imported, account.ID)
	}

	log.Infof("imported %d accounts", len(imported))
	c.JSON(http.StatusOK, gin.H{"status": "imported", "account_ids": imported})
}

func (h *Handler) listAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"accounts": h.pool.Snapshot()})
}

func (h *Handler) deleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.DeleteAccount(c.Request.Context(), id); err != nil && !storage.IsNotFound(err) {
		common.WriteError(c, http.StatusInternalServerError, err.Error())
		return
	}
	h.pool.Remove(id)
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "account_id": id})
}

func (h *Handler) quotaPool(c *gin.Context) {
	snapshot := h.pool.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"total":    len(snapshot),
		"accounts": snapshot,
	})
}

func (h *Handler) quotaRefresh(c *gin.Context) {
	updated := h.pool.UpdateQuotaScores(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "ok", "updated": updated})
}

func (h *Handler) listAliases(c *gin.Context) {
	aliases, err := h.store.ListAliases(c.Request.Context())
	if err != nil {
		common.WriteError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"aliases": aliases})
}

func (h *Handler) setAlias(c *gin.Context) {
	var req struct {
		Source string `json:"source"`
		Target string `json:"target"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Source == "" || req.Target == "" {
		common.WriteError(c, http.StatusBadRequest, "source and target are required")
		return
	}
	if err := h.store.SetAlias(c.Request.Context(), req.Source, req.Target); err != nil {
		common.WriteError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) deleteAlias(c *gin.Context) {
	if err := h.store.DeleteAlias(c.Request.Context(), c.Param("source")); err != nil && !storage.IsNotFound(err) {
		common.WriteError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) usageStats(c *gin.Context) {
	summary, err := h.usage.Summarize(c.Request.Context())
	if err != nil {
		common.WriteError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

// logsWebSocket streams structured log entries to the admin UI.
func (h *Handler) logsWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	streamer := logging.GetStreamer()
	if err := streamer.AddClient(conn); err != nil {
		_ = conn.Close()
		return
	}
	// Reads only detect disconnect; clients never send payloads.
	go func() {
		defer func() {
			streamer.RemoveClient(conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func bindJSON(body []byte, v interface{}) error {
	return json.Unmarshal(body, v)
}

// accountID derives a stable storage key from the account email.
func accountID(email string) string {
	id := strings.ReplaceAll(email, "@", "_at_")
	return strings.ReplaceAll(id, ".", "_")
}
