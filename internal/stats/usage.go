// Package stats records per-request usage outcomes and aggregates them
// for the operator dashboard.
package stats

import (
	"context"
	"math"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/atlasju/Antigravity-Proxy/internal/storage"
)

// aggregationWindow bounds how many retained records feed the
// aggregates.
const aggregationWindow = 1000

// Recorder persists usage records without blocking request handling.
type Recorder struct {
	store storage.Backend
	now   func() time.Time

	// sync forces writes inline, for tests.
	sync bool
}

func NewRecorder(store storage.Backend) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record appends a usage record. Writes are fire-and-forget: failures
// are logged and never surface to the caller.
func (r *Recorder) Record(rec storage.UsageRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now().UTC()
	}
	if r.sync {
		r.append(rec)
		return
	}
	go r.append(rec)
}

func (r *Recorder) append(rec storage.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.AppendUsage(ctx, rec); err != nil {
		log.WithError(err).Warn("usage record write failed")
	}
}

// CountValue is one name/count aggregation row.
type CountValue struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// DayCount is one day of request volume.
type DayCount struct {
	Date     string `json:"date"`
	Requests int    `json:"requests"`
}

// Summary aggregates the retained usage window.
type Summary struct {
	TotalRequests     int          `json:"total_requests"`
	SuccessRate       float64      `json:"success_rate"`
	AvgResponseTimeMS float64      `json:"avg_response_time_ms"`
	TodayRequests     int          `json:"today_requests"`
	Protocols         []CountValue `json:"protocols"`
	Models            []CountValue `json:"models"`
	Accounts          []CountValue `json:"accounts"`
	Errors            []CountValue `json:"errors"`
	Daily             []DayCount   `json:"daily"`
}

// Summarize computes aggregates over the most recent retained records.
func (r *Recorder) Summarize(ctx context.Context) (*Summary, error) {
	records, err := r.store.RecentUsage(ctx, aggregationWindow)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	summary := &Summary{TotalRequests: len(records)}
	protocols := map[string]int{}
	modelCounts := map[string]int{}
	accounts := map[string]int{}
	errorTypes := map[string]int{}
	daily := map[string]int{}

	var successCount int
	var totalMS int64
	for _, rec := range records {
		if rec.Success {
			successCount++
		}
		totalMS += rec.ResponseTimeMS
		if !rec.Timestamp.Before(today) {
			summary.TodayRequests++
		}
		protocols[rec.Protocol]++
		modelCounts[rec.Model]++
		if rec.AccountEmail != "" {
			accounts[rec.AccountEmail]++
		}
		if rec.ErrorType != "" {
			errorTypes[rec.ErrorType]++
		}
		daily[rec.Timestamp.UTC().Format("01/02")]++
	}

	if len(records) > 0 {
		summary.SuccessRate = math.Round(float64(successCount)/float64(len(records))*1000) / 10
		summary.AvgResponseTimeMS = math.Round(float64(totalMS) / float64(len(records)))
	}

	summary.Protocols = sortedCounts(protocols, 0)
	summary.Models = sortedCounts(modelCounts, 10)
	summary.Accounts = sortedCounts(accounts, 10)
	summary.Errors = sortedCounts(errorTypes, 0)

	// Last seven days, oldest first, zero-filled.
	for i := 6; i >= 0; i-- {
		day := today.AddDate(0, 0, -i).Format("01/02")
		summary.Daily = append(summary.Daily, DayCount{Date: day, Requests: daily[day]})
	}

	return summary, nil
}

// Recent returns the newest records, newest last.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]storage.UsageRecord, error) {
	if limit <= 0 || limit > aggregationWindow {
		limit = 100
	}
	return r.store.RecentUsage(ctx, limit)
}

func sortedCounts(counts map[string]int, limit int) []CountValue {
	out := make([]CountValue, 0, len(counts))
	for name, count := range counts {
		out = append(out, CountValue{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
