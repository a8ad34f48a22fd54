// Package dispatch runs the rotate-and-retry loop that pairs a pooled
// identity with each upstream call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/atlasju/Antigravity-Proxy/internal/monitoring"
	"github.com/atlasju/Antigravity-Proxy/internal/pool"
	"github.com/atlasju/Antigravity-Proxy/internal/stats"
	"github.com/atlasju/Antigravity-Proxy/internal/storage"
	"github.com/atlasju/Antigravity-Proxy/internal/upstream"
)

// minRetries floors the attempt budget for small pools.
const minRetries = 5

// Request is one translated call ready for dispatch.
type Request struct {
	// Protocol tags the request id and usage records: openai, claude,
	// gemini or agent.
	Protocol    string
	Model       string
	QuotaGroup  string
	RequestType string
	// Inner is the translated generateContent request.
	Inner []byte
}

// StatusError carries the HTTP status a handler should return.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string { return e.Message }

// Options wires the dispatcher's collaborators.
type Options struct {
	Pool     *pool.Pool
	Upstream *upstream.Client
	Usage    *stats.Recorder
}

type Dispatcher struct {
	pool     *pool.Pool
	upstream *upstream.Client
	usage    *stats.Recorder
}

func New(opts Options) *Dispatcher {
	return &Dispatcher{pool: opts.Pool, upstream: opts.Upstream, usage: opts.Usage}
}

func (d *Dispatcher) maxRetries() int {
	if size := d.pool.Size(); size > minRetries {
		return size
	}
	return minRetries
}

// Unary dispatches a non-streaming call, rotating identities on
// retryable failures. The returned body is the unwrapped upstream
// response.
func (d *Dispatcher) Unary(ctx context.Context, req Request) ([]byte, error) {
	var body []byte
	err := d.run(ctx, req, func(ctx context.Context, tok pool.Token, env upstream.Envelope) error {
		var callErr error
		body, callErr = d.upstream.Generate(ctx, tok.AccessToken, env)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Stream dispatches a streaming call. Success is declared once response
// headers arrive; mid-stream failures do not re-enter the retry loop.
func (d *Dispatcher) Stream(ctx context.Context, req Request) (*upstream.Stream, error) {
	var stream *upstream.Stream
	err := d.run(ctx, req, func(ctx context.Context, tok pool.Token, env upstream.Envelope) error {
		var callErr error
		stream, callErr = d.upstream.StreamGenerate(ctx, tok.AccessToken, env)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (d *Dispatcher) run(ctx context.Context, req Request, call func(context.Context, pool.Token, upstream.Envelope) error) error {
	start := time.Now()
	maxRetries := d.maxRetries()

	var failures []string
	for attempt := 0; attempt < maxRetries; attempt++ {
		tok, err := d.pool.Acquire(ctx, req.QuotaGroup, attempt > 0)
		if err != nil {
			if errors.Is(err, pool.ErrNoAccounts) {
				return &StatusError{Status: 503, Message: err.Error()}
			}
			// Refresh or metadata failure on this identity; try another.
			failures = append(failures, err.Error())
			log.WithError(err).Warnf("acquire failed on attempt %d", attempt+1)
			continue
		}

		env := upstream.Envelope{
			Project:     tok.ProjectID,
			RequestID:   upstream.NewRequestID(req.Protocol),
			Model:       req.Model,
			RequestType: req.RequestType,
			Request:     req.Inner,
		}
		if err := call(ctx, tok, env); err == nil {
			monitoring.UpstreamRequestsTotal.WithLabelValues(req.Model, req.RequestType, "2xx").Inc()
			d.record(req, tok.Email, true, 200, start, "")
			return nil
		} else {
			retry, status := classify(err)
			monitoring.UpstreamRequestsTotal.WithLabelValues(req.Model, req.RequestType, statusClass(status)).Inc()
			if !retry {
				d.record(req, tok.Email, false, status, start, strconv.Itoa(status))
				return &StatusError{Status: status, Message: err.Error()}
			}
			failures = append(failures, fmt.Sprintf("%s: %s", tok.Email, err.Error()))
			log.WithError(err).Warnf("attempt %d/%d failed for %s, rotating", attempt+1, maxRetries, tok.Email)
		}
	}

	d.record(req, "", false, 429, start, "429")
	message := "All accounts exhausted"
	if len(failures) > 0 {
		message = fmt.Sprintf("All accounts exhausted: %s", strings.Join(failures, "; "))
	}
	return &StatusError{Status: 429, Message: message}
}

func (d *Dispatcher) record(req Request, email string, success bool, status int, start time.Time, errorType string) {
	if d.usage == nil {
		return
	}
	d.usage.Record(storage.UsageRecord{
		Protocol:       req.Protocol,
		Model:          req.Model,
		AccountEmail:   email,
		Success:        success,
		StatusCode:     status,
		ResponseTimeMS: time.Since(start).Milliseconds(),
		ErrorType:      errorType,
	})
}
