package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/atlasju/Antigravity-Proxy/internal/upstream"
)

// rotateStatuses are upstream statuses worth retrying on another
// identity.
var rotateStatuses = map[int]bool{
	429: true,
	403: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// networkKeywords mark transport-level failures in error text.
var networkKeywords = []string{
	"name resolution",
	"dns",
	"connect",
	"timeout",
	"connection",
}

// classify decides whether an upstream failure should rotate to another
// identity. Non-retryable HTTP errors surface with their upstream
// status; everything unrecognized rotates, since the pool can afford to
// try alternates.
func classify(err error) (retry bool, status int) {
	var httpErr *upstream.HTTPError
	if errors.As(err, &httpErr) {
		if rotateStatuses[httpErr.StatusCode] {
			return true, httpErr.StatusCode
		}
		return false, httpErr.StatusCode
	}

	message := strings.ToLower(err.Error())
	for _, keyword := range networkKeywords {
		if strings.Contains(message, keyword) {
			return true, 0
		}
	}
	return true, 0
}

// statusClass buckets a status for the upstream metric; network errors
// carry no status.
func statusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return fmt.Sprintf("%dxx", code/100)
}
