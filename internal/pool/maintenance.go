package pool

import (
	"context"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

// RepresentativeModels are the per-group models whose remaining-quota
// fractions are averaged into an identity's score.
var RepresentativeModels = []string{
	"claude-sonnet-4-5-thinking",
	"gemini-3-pro-high",
	"gemini-3-flash",
}

// maintenanceTimeout bounds refresh, metadata and quota calls.
const maintenanceTimeout = 15 * time.Second

// ensureFresh refreshes the access token when it is inside the pre-expiry
// window. Refreshes are serialized and double-checked so concurrent
// acquisitions trigger at most one grant.
func (p *Pool) ensureFresh(ctx context.Context, e *Entry) (*Entry, error) {
	if p.now().Before(e.Expiry.Add(-p.refreshWindow)) {
		return e, nil
	}

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	// Another acquisition may have refreshed while we waited.
	p.mu.RLock()
	current, ok := p.entries[e.ID]
	if ok {
		e = current.clone()
	}
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %s no longer in pool", e.ID)
	}
	if p.now().Before(e.Expiry.Add(-p.refreshWindow)) {
		return e, nil
	}

	refreshCtx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()
	cred, err := p.oauth.Refresh(refreshCtx, e.RefreshToken)
	if err != nil {
		log.WithError(err).Warnf("token refresh failed for %s", e.Email)
		return nil, fmt.Errorf("refresh token for %s: %w", e.Email, err)
	}

	rotated := cred.RefreshToken != e.RefreshToken

	p.mu.Lock()
	if live, ok := p.entries[e.ID]; ok {
		live.AccessToken = cred.AccessToken
		live.Expiry = cred.Expiry
		live.RefreshToken = cred.RefreshToken
		e = live.clone()
	}
	p.mu.Unlock()

	if err := p.store.UpdateCredential(ctx, e.ID, cred.AccessToken, cred.Expiry); err != nil {
		log.WithError(err).Warnf("persisting refreshed token for %s failed", e.Email)
	}
	if rotated {
		if account, err := p.store.GetAccount(ctx, e.ID); err == nil {
			account.RefreshToken = cred.RefreshToken
			if err := p.store.PutAccount(ctx, account); err != nil {
				log.WithError(err).Warnf("persisting rotated refresh token for %s failed", e.Email)
			}
		}
	}

	log.Infof("access token refreshed for %s", e.Email)
	return e, nil
}

// ensureMetadata backfills the project id (and tier) on first use. A
// failed lookup falls back to the shared project without erroring.
func (p *Pool) ensureMetadata(ctx context.Context, e *Entry) *Entry {
	if e.ProjectID != "" {
		return e
	}

	metaCtx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()
	meta, err := p.upstream.LoadCodeAssist(metaCtx, e.AccessToken)
	if err != nil || meta.ProjectID == "" {
		if err != nil {
			log.WithError(err).Warnf("metadata fetch failed for %s, using fallback project", e.Email)
		}
		p.mu.Lock()
		if live, ok := p.entries[e.ID]; ok {
			live.ProjectID = p.fallbackProject
			e = live.clone()
		} else {
			e.ProjectID = p.fallbackProject
		}
		p.mu.Unlock()
		return e
	}

	p.mu.Lock()
	if live, ok := p.entries[e.ID]; ok {
		live.ProjectID = meta.ProjectID
		live.Tier = meta.Tier
		e = live.clone()
	}
	p.mu.Unlock()

	if err := p.store.UpdateMetadata(ctx, e.ID, meta.ProjectID, meta.Tier); err != nil {
		log.WithError(err).Warnf("persisting metadata for %s failed", e.Email)
	}
	log.Infof("metadata for %s: project=%s tier=%s", e.Email, meta.ProjectID, meta.Tier)
	return e
}

// RefreshExpiring renews every token inside the pre-expiry window.
// Invoked by the refresh scheduler.
func (p *Pool) RefreshExpiring(ctx context.Context) int {
	refreshed := 0
	for _, e := range p.snapshotEntries() {
		if p.now().Before(e.Expiry.Add(-p.refreshWindow)) {
			continue
		}
		if _, err := p.ensureFresh(ctx, e); err != nil {
			log.WithError(err).Warnf("scheduled refresh failed for %s", e.Email)
			continue
		}
		refreshed++
	}
	if refreshed > 0 {
		log.Infof("refreshed %d expiring tokens", refreshed)
	}
	return refreshed
}

// UpdateQuotaScores polls fetchAvailableModels for every identity and
// stores the averaged remaining-quota fraction. Entries that error keep
// their prior score. Invoked by the quota scheduler.
func (p *Pool) UpdateQuotaScores(ctx context.Context) int {
	updated := 0
	for _, e := range p.snapshotEntries() {
		if e.Tier == "" {
			e = p.backfillTier(ctx, e)
		}

		quotaCtx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
		fractions, err := p.upstream.FetchQuota(quotaCtx, e.AccessToken, e.ProjectID)
		cancel()
		if err != nil {
			log.WithError(err).Warnf("quota poll failed for %s", e.Email)
			continue
		}

		var sum float64
		var n int
		for _, model := range RepresentativeModels {
			if frac, ok := fractions[model]; ok {
				sum += frac
				n++
			}
		}
		if n == 0 {
			continue
		}
		score := math.Round(sum/float64(n)*10000) / 10000

		p.mu.Lock()
		if live, ok := p.entries[e.ID]; ok {
			live.QuotaScore = score
		}
		p.mu.Unlock()

		if err := p.store.UpdateQuotaScore(ctx, e.ID, score); err != nil {
			log.WithError(err).Warnf("persisting quota score for %s failed", e.Email)
		}
		updated++
	}
	if updated > 0 {
		log.Infof("updated quota scores for %d accounts", updated)
	}
	return updated
}

// backfillTier re-runs the metadata fetch for entries that never learned
// their subscription tier.
func (p *Pool) backfillTier(ctx context.Context, e *Entry) *Entry {
	metaCtx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()
	meta, err := p.upstream.LoadCodeAssist(metaCtx, e.AccessToken)
	if err != nil || meta.ProjectID == "" {
		if err != nil {
			log.WithError(err).Warnf("tier backfill failed for %s", e.Email)
		}
		return e
	}

	p.mu.Lock()
	if live, ok := p.entries[e.ID]; ok {
		live.ProjectID = meta.ProjectID
		live.Tier = meta.Tier
		e = live.clone()
	}
	p.mu.Unlock()

	if err := p.store.UpdateMetadata(ctx, e.ID, meta.ProjectID, meta.Tier); err != nil {
		log.WithError(err).Warnf("persisting metadata for %s failed", e.Email)
	}
	return e
}

func (p *Pool) snapshotEntries() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.clone())
	}
	return out
}
