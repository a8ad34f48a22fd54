package pool

import (
	"sort"
	"strings"
)

// minUsableScore excludes near-exhausted identities from weighted picks.
const minUsableScore = 0.05

// tieBandRatio widens the pick to the top entries within 90% of the best
// score, which are then served round-robin.
const tieBandRatio = 0.9

// selectEntry implements the selection policy and returns a copy of the
// chosen entry. The sticky slot is updated for non-image selections.
func (p *Pool) selectEntry(quotaGroup string, forceRotate bool) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return nil, ErrNoAccounts
	}

	// Sticky window: short conversational bursts stay on one identity.
	if !forceRotate && quotaGroup != GroupImageGen && p.sticky != nil {
		if p.now().Sub(p.sticky.at) < p.stickyWindow {
			if e, ok := p.entries[p.sticky.id]; ok {
				return e.clone(), nil
			}
		}
	}

	all := p.sortedEntries()

	if quotaGroup == GroupImageGen {
		return p.selectForImageGen(all, forceRotate).clone(), nil
	}

	selected := p.selectWeighted(all)
	p.sticky = &stickyRef{id: selected.ID, at: p.now()}
	return selected.clone(), nil
}

// selectWeighted picks the highest-scoring entry, round-robining across a
// top-3 tie band, and falls back to plain round-robin when no entry has
// usable quota data.
func (p *Pool) selectWeighted(all []*Entry) *Entry {
	scored := make([]*Entry, 0, len(all))
	for _, e := range all {
		if e.QuotaScore > minUsableScore {
			scored = append(scored, e)
		}
	}
	if len(scored) == 0 {
		return all[p.nextRR(len(all))]
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].QuotaScore != scored[j].QuotaScore {
			return scored[i].QuotaScore > scored[j].QuotaScore
		}
		return scored[i].ID < scored[j].ID
	})

	if len(scored) >= 3 {
		top := scored[0].QuotaScore
		band := make([]*Entry, 0, 3)
		for _, e := range scored[:3] {
			if e.QuotaScore >= top*tieBandRatio {
				band = append(band, e)
			}
		}
		if len(band) > 1 {
			return band[p.nextRR(len(band))]
		}
	}
	return scored[0]
}

// selectForImageGen prefers PRO/ULTRA tiers and never touches the sticky
// slot. Forced rotation round-robins across the whole pool.
func (p *Pool) selectForImageGen(all []*Entry, forceRotate bool) *Entry {
	if forceRotate {
		return all[p.nextRR(len(all))]
	}

	var paid []*Entry
	for _, e := range all {
		tier := strings.ToLower(e.Tier)
		if strings.Contains(tier, "pro") || strings.Contains(tier, "ultra") {
			paid = append(paid, e)
		}
	}
	if len(paid) == 0 {
		return all[p.nextRR(len(all))]
	}

	var best *Entry
	for _, e := range paid {
		if e.QuotaScore > minUsableScore && (best == nil || e.QuotaScore > best.QuotaScore) {
			best = e
		}
	}
	if best != nil {
		return best
	}
	return paid[p.nextRR(len(paid))]
}

// nextRR advances the shared round-robin counter. Caller holds mu.
func (p *Pool) nextRR(n int) int {
	idx := p.rr % n
	p.rr++
	return idx
}

// sortedEntries returns entries ordered by id for deterministic rotation.
// Caller holds mu.
func (p *Pool) sortedEntries() []*Entry {
	out := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
