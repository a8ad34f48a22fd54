// Package pool owns the in-memory pool of upstream identities: selection
// with short-term stickiness, proactive token refresh, metadata backfill
// and quota polling.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/atlasju/Antigravity-Proxy/internal/oauth"
	"github.com/atlasju/Antigravity-Proxy/internal/storage"
	"github.com/atlasju/Antigravity-Proxy/internal/upstream"
)

// ErrNoAccounts is returned when the pool has no usable identity.
var ErrNoAccounts = errors.New("token pool is empty, add accounts first")

// Quota groups influencing selection.
const (
	GroupOpenAI   = "openai"
	GroupGemini   = "gemini"
	GroupClaude   = "claude"
	GroupImageGen = "image_gen"
)

// Entry is one pooled identity. Entries without a refresh token are inert
// and never selected. A QuotaScore of 0 means no quota data yet.
type Entry struct {
	ID           string
	Email        string
	RefreshToken string
	AccessToken  string
	Expiry       time.Time
	ProjectID    string
	Tier         string
	QuotaScore   float64
}

func (e *Entry) clone() *Entry {
	cp := *e
	return &cp
}

// Token is what Acquire hands to the dispatcher.
type Token struct {
	AccessToken string
	ProjectID   string
	Email       string
}

// Summary is the operator-facing view of one entry. No token material.
type Summary struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	ProjectID        string    `json:"project_id"`
	Tier             string    `json:"tier"`
	QuotaScore       float64   `json:"quota_score"`
	TokenExpiry      time.Time `json:"token_expiry"`
	ExpiresInSeconds int64     `json:"expires_in_seconds"`
}

// Options wires the pool's collaborators.
type Options struct {
	Store           storage.Backend
	OAuth           *oauth.Client
	Upstream        *upstream.Client
	StickyWindow    time.Duration
	RefreshWindow   time.Duration
	FallbackProject string
}

type stickyRef struct {
	id string
	at time.Time
}

// Pool is the credential pool. All entry state is guarded by mu; network
// calls (refresh, metadata, quota) happen outside the lock.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	sticky  *stickyRef
	rr      int

	// refreshMu serializes token refreshes, with a double-check of the
	// expiry after acquisition.
	refreshMu sync.Mutex

	store           storage.Backend
	oauth           *oauth.Client
	upstream        *upstream.Client
	stickyWindow    time.Duration
	refreshWindow   time.Duration
	fallbackProject string

	now func() time.Time
}

func New(opts Options) *Pool {
	p := &Pool{
		entries:         make(map[string]*Entry),
		store:           opts.Store,
		oauth:           opts.OAuth,
		upstream:        opts.Upstream,
		stickyWindow:    opts.StickyWindow,
		refreshWindow:   opts.RefreshWindow,
		fallbackProject: opts.FallbackProject,
		now:             time.Now,
	}
	if p.stickyWindow == 0 {
		p.stickyWindow = 60 * time.Second
	}
	if p.refreshWindow == 0 {
		p.refreshWindow = 300 * time.Second
	}
	if p.fallbackProject == "" {
		p.fallbackProject = "bamboo-precept-lgxtn"
	}
	return p
}

// Load replaces the pool contents from storage. Accounts without a
// refresh token are skipped.
func (p *Pool) Load(ctx context.Context) (int, error) {
	accounts, err := p.store.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}

	entries := make(map[string]*Entry, len(accounts))
	for _, account := range accounts {
		if account.RefreshToken == "" {
			log.Warnf("account %s has no refresh token, skipping", account.ID)
			continue
		}
		entries[account.ID] = entryFromAccount(account)
	}

	p.mu.Lock()
	p.entries = entries
	if p.sticky != nil {
		if _, ok := entries[p.sticky.id]; !ok {
			p.sticky = nil
		}
	}
	size := len(entries)
	p.mu.Unlock()

	log.Infof("account pool loaded: %d identities", size)
	return size, nil
}

// ReloadAccount refreshes a single entry from storage, adding or removing
// it as needed.
func (p *Pool) ReloadAccount(ctx context.Context, id string) error {
	account, err := p.store.GetAccount(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			p.Remove(id)
			return nil
		}
		return err
	}
	if account.RefreshToken == "" {
		p.Remove(id)
		return nil
	}

	p.mu.Lock()
	p.entries[id] = entryFromAccount(account)
	p.mu.Unlock()
	return nil
}

// Remove drops an entry from the pool.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	delete(p.entries, id)
	if p.sticky != nil && p.sticky.id == id {
		p.sticky = nil
	}
	p.mu.Unlock()
}

// Size returns the number of usable identities.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Snapshot lists all entries for operators. Tokens are not included.
func (p *Pool) Snapshot() []Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	out := make([]Summary, 0, len(p.entries))
	for _, e := range p.entries {
		expiresIn := int64(e.Expiry.Sub(now).Seconds())
		if expiresIn < 0 {
			expiresIn = 0
		}
		out = append(out, Summary{
			ID:               e.ID,
			Email:            e.Email,
			ProjectID:        e.ProjectID,
			Tier:             e.Tier,
			QuotaScore:       e.QuotaScore,
			TokenExpiry:      e.Expiry,
			ExpiresInSeconds: expiresIn,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Acquire returns a usable identity for the given quota group, refreshing
// its access token and backfilling project metadata as needed.
func (p *Pool) Acquire(ctx context.Context, quotaGroup string, forceRotate bool) (Token, error) {
	selected, err := p.selectEntry(quotaGroup, forceRotate)
	if err != nil {
		return Token{}, err
	}

	selected, err = p.ensureFresh(ctx, selected)
	if err != nil {
		return Token{}, err
	}
	selected = p.ensureMetadata(ctx, selected)

	project := selected.ProjectID
	if project == "" {
		project = p.fallbackProject
	}
	return Token{
		AccessToken: selected.AccessToken,
		ProjectID:   project,
		Email:       selected.Email,
	}, nil
}

func entryFromAccount(account *storage.Account) *Entry {
	return &Entry{
		ID:           account.ID,
		Email:        account.Email,
		RefreshToken: account.RefreshToken,
		AccessToken:  account.AccessToken,
		Expiry:       account.TokenExpiry,
		ProjectID:    account.ProjectID,
		Tier:         account.Tier,
		QuotaScore:   account.QuotaScore,
	}
}
