// Package common holds response helpers shared by the protocol
// handlers.
package common

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atlasju/Antigravity-Proxy/internal/dispatch"
)

// ReadBody drains the request body, answering 400 on failure.
func ReadBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		WriteError(c, http.StatusBadRequest, "could not read request body")
		return nil, false
	}
	return body, true
}

// WriteError emits the shared error envelope.
func WriteError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    errorType(status),
		},
	})
}

// WriteDispatchError maps dispatcher failures onto HTTP responses.
func WriteDispatchError(c *gin.Context, err error) {
	var statusErr *dispatch.StatusError
	if errors.As(err, &statusErr) {
		WriteError(c, statusErr.Status, statusErr.Message)
		return
	}
	WriteError(c, http.StatusInternalServerError, err.Error())
}

func errorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// SetStreamHeaders prepares a response for SSE delivery.
func SetStreamHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
}

// WriteChunk writes one SSE frame and flushes it to the client.
func WriteChunk(c *gin.Context, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	_, _ = c.Writer.Write(chunk)
	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
}
