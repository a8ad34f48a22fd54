// Package upstream implements the HTTP client for the cloudcode-pa
// v1internal API: request envelopes, unary and SSE calls, and the
// metadata/quota lookups used by the account pool.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/atlasju/Antigravity-Proxy/internal/monitoring/tracing"
)

const (
	// DefaultBaseURL is the production cloudcode-pa endpoint.
	DefaultBaseURL = "https://cloudcode-pa.googleapis.com"

	// Request types accepted by the v1internal surface.
	RequestTypeGenerate = "generate_content"
	RequestTypeImageGen = "image_gen"
)

// HTTPError is a non-2xx upstream response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, body)
}

// Envelope wraps a translated request for the v1internal API.
type Envelope struct {
	Project     string
	RequestID   string
	Model       string
	RequestType string
	Request     []byte
	UserAgent   string
}

// NewRequestID builds the per-protocol request id, e.g. "openai-<uuid>".
func NewRequestID(protocol string) string {
	return protocol + "-" + uuid.NewString()
}

// Marshal renders the envelope as the v1internal JSON payload.
func (e Envelope) Marshal() ([]byte, error) {
	payload := []byte(`{}`)
	var err error
	if payload, err = sjson.SetBytes(payload, "project", e.Project); err != nil {
		return nil, err
	}
	if payload, err = sjson.SetBytes(payload, "requestId", e.RequestID); err != nil {
		return nil, err
	}
	if payload, err = sjson.SetRawBytes(payload, "request", e.Request); err != nil {
		return nil, err
	}
	if payload, err = sjson.SetBytes(payload, "model", e.Model); err != nil {
		return nil, err
	}
	if payload, err = sjson.SetBytes(payload, "userAgent", e.UserAgent); err != nil {
		return nil, err
	}
	if payload, err = sjson.SetBytes(payload, "requestType", e.RequestType); err != nil {
		return nil, err
	}
	return payload, nil
}

// Option customizes a Client.
type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// Client talks to the v1internal API.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		userAgent: "antigravity-proxy",
		http:      &http.Client{Timeout: 300 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UserAgent returns the configured user agent, also used in envelopes.
func (c *Client) UserAgent() string { return c.userAgent }

func (c *Client) newRequest(ctx context.Context, method, accessToken string, body []byte, stream bool) (*http.Request, error) {
	url := c.baseURL + "/v1internal:" + method
	if stream {
		url += "?alt=sse"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

// Generate performs a unary generateContent call and returns the inner
// response document (the top-level "response" wrapper removed).
func (c *Client) Generate(ctx context.Context, accessToken string, env Envelope) ([]byte, error) {
	env.UserAgent = c.userAgent
	payload, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "upstream", "generateContent")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", env.Model),
		attribute.String("request_type", env.RequestType),
	)

	req, err := c.newRequest(ctx, "generateContent", accessToken, payload, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return unwrapResponse(body), nil
}

// Stream is an open SSE response. Chunks are returned unwrapped.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// StreamGenerate opens a streaming generateContent call. A non-2xx status
// is reported here; once the stream is returned the call counts as
// dispatched.
func (c *Client) StreamGenerate(ctx context.Context, accessToken string, env Envelope) (*Stream, error) {
	env.UserAgent = c.userAgent
	payload, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "upstream", "streamGenerateContent")
	span.SetAttributes(
		attribute.String("model", env.Model),
		attribute.String("request_type", env.RequestType),
	)

	req, err := c.newRequest(ctx, "streamGenerateContent", accessToken, payload, true)
	if err != nil {
		span.End()
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		span.End()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	span.End()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Next returns the next SSE data chunk with the "response" wrapper
// removed, or io.EOF when the stream ends.
func (s *Stream) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		return unwrapResponse([]byte(data)), nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// unwrapResponse strips the v1internal top-level "response" wrapper when
// present, both on unary bodies and on individual SSE chunks.
func unwrapResponse(body []byte) []byte {
	if inner := gjson.GetBytes(body, "response"); inner.Exists() {
		return []byte(inner.Raw)
	}
	return body
}

// AssistMetadata is the subset of loadCodeAssist the pool cares about.
type AssistMetadata struct {
	ProjectID string
	Tier      string
}

// LoadCodeAssist fetches the managed project id and subscription tier for
// an access token. The paid tier wins over the current tier when both are
// present.
func (c *Client) LoadCodeAssist(ctx context.Context, accessToken string) (*AssistMetadata, error) {
	payload := []byte(`{"metadata":{"ideType":"ANTIGRAVITY"}}`)

	ctx, span := tracing.StartSpan(ctx, "upstream", "loadCodeAssist")
	defer span.End()

	req, err := c.newRequest(ctx, "loadCodeAssist", accessToken, payload, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("loadCodeAssist request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	meta := &AssistMetadata{
		ProjectID: gjson.GetBytes(body, "cloudaicompanionProject").String(),
	}
	if tier := gjson.GetBytes(body, "paidTier.id").String(); tier != "" {
		meta.Tier = tier
	} else {
		meta.Tier = gjson.GetBytes(body, "currentTier.id").String()
	}
	return meta, nil
}

// FetchQuota calls fetchAvailableModels and returns the remaining-quota
// fraction per model name, for models that report one.
func (c *Client) FetchQuota(ctx context.Context, accessToken, projectID string) (map[string]float64, error) {
	payload, err := sjson.SetBytes([]byte(`{}`), "project", projectID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "upstream", "fetchAvailableModels")
	defer span.End()

	req, err := c.newRequest(ctx, "fetchAvailableModels", accessToken, payload, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fetchAvailableModels request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	fractions := map[string]float64{}
	gjson.GetBytes(body, "models").ForEach(func(name, model gjson.Result) bool {
		if frac := model.Get("quotaInfo.remainingFraction"); frac.Exists() {
			fractions[name.String()] = frac.Float()
		}
		return true
	})
	log.WithField("models", len(fractions)).Debug("fetched quota fractions")
	return fractions, nil
}
