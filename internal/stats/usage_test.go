package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasju/Antigravity-Proxy/internal/storage"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	store := storage.NewFileBackend(t.TempDir())
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	r := NewRecorder(store)
	r.sync = true
	return r
}

func TestRecordAndSummarize(t *testing.T) {
	r := newTestRecorder(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Record(storage.UsageRecord{
		Protocol: "openai", Model: "gemini-3-flash", AccountEmail: "a@example.com",
		Success: true, StatusCode: 200, ResponseTimeMS: 100,
	})
	r.Record(storage.UsageRecord{
		Protocol: "openai", Model: "gemini-3-pro-high", AccountEmail: "a@example.com",
		Success: true, StatusCode: 200, ResponseTimeMS: 300,
	})
	r.Record(storage.UsageRecord{
		Protocol: "claude", Model: "claude-sonnet-4-5-thinking", AccountEmail: "b@example.com",
		Success: false, StatusCode: 429, ResponseTimeMS: 50, ErrorType: "429",
		Timestamp: now.AddDate(0, 0, -1),
	})

	summary, err := r.Summarize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalRequests)
	assert.Equal(t, 66.7, summary.SuccessRate)
	assert.Equal(t, 150.0, summary.AvgResponseTimeMS)
	assert.Equal(t, 2, summary.TodayRequests)

	require.Len(t, summary.Protocols, 2)
	assert.Equal(t, CountValue{Name: "openai", Count: 2}, summary.Protocols[0])

	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "429", summary.Errors[0].Name)

	require.Len(t, summary.Daily, 7)
	assert.Equal(t, DayCount{Date: "08/24", Requests: 2}, summary.Daily[6])
	assert.Equal(t, DayCount{Date: "08/23", Requests: 1}, summary.Daily[5])
	assert.Equal(t, 0, summary.Daily[0].Requests)
}

func TestSummarizeEmpty(t *testing.T) {
	r := newTestRecorder(t)

	summary, err := r.Summarize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.TotalRequests)
	assert.Equal(t, 0.0, summary.SuccessRate)
	assert.Len(t, summary.Daily, 7)
}

func TestRecentDefaultsLimit(t *testing.T) {
	r := newTestRecorder(t)
	for i := 0; i < 5; i++ {
		r.Record(storage.UsageRecord{Protocol: "gemini", Model: "m", Success: true, StatusCode: 200})
	}

	records, err := r.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, records, 5)

	records, err = r.Recent(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
