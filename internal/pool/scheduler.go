package pool

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// SchedulerConfig controls the two background loops.
type SchedulerConfig struct {
	RefreshInterval   time.Duration
	QuotaInterval     time.Duration
	QuotaInitialDelay time.Duration
}

// StartSchedulers launches the refresh and quota loops. Both stop when
// ctx is cancelled. A tick that overruns its period causes the next tick
// to be skipped rather than queued.
func (p *Pool) StartSchedulers(ctx context.Context, cfg SchedulerConfig) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 240 * time.Second
	}
	if cfg.QuotaInterval <= 0 {
		cfg.QuotaInterval = 600 * time.Second
	}
	if cfg.QuotaInitialDelay <= 0 {
		cfg.QuotaInitialDelay = 30 * time.Second
	}

	go p.runLoop(ctx, "refresh", cfg.RefreshInterval, 0, func(ctx context.Context) {
		if p.Size() > 0 {
			p.RefreshExpiring(ctx)
		}
	})
	go p.runLoop(ctx, "quota", cfg.QuotaInterval, cfg.QuotaInitialDelay, func(ctx context.Context) {
		if p.Size() > 0 {
			p.UpdateQuotaScores(ctx)
		}
	})

	log.Infof("pool schedulers started (refresh %s, quota %s after %s)",
		cfg.RefreshInterval, cfg.QuotaInterval, cfg.QuotaInitialDelay)
}

func (p *Pool) runLoop(ctx context.Context, name string, interval, delay time.Duration, tick func(context.Context)) {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		tick(ctx)
	}

	var running atomic.Bool
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !running.CompareAndSwap(false, true) {
				log.Debugf("%s scheduler tick skipped, previous still running", name)
				continue
			}
			go func() {
				defer running.Store(false)
				tick(ctx)
			}()
		case <-ctx.Done():
			return
		}
	}
}
