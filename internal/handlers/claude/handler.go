// Package claude serves the Anthropic messages surface.
package claude

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/atlasju/Antigravity-Proxy/internal/dispatch"
	"github.com/atlasju/Antigravity-Proxy/internal/handlers/common"
	"github.com/atlasju/Antigravity-Proxy/internal/models"
	"github.com/atlasju/Antigravity-Proxy/internal/pool"
	"github.com/atlasju/Antigravity-Proxy/internal/translator"
	"github.com/atlasju/Antigravity-Proxy/internal/upstream"
)

type Handler struct {
	dispatcher *dispatch.Dispatcher
	resolver   *models.Resolver
}

func NewHandler(d *dispatch.Dispatcher, r *models.Resolver) *Handler {
	return &Handler{dispatcher: d, resolver: r}
}

// Register mounts the Anthropic routes on /v1.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/messages", h.messages)
	rg.POST("/messages/count_tokens", h.countTokens)
}

func (h *Handler) messages(c *gin.Context) {
	body, ok := common.ReadBody(c)
	if !ok {
		return
	}

	requested := gjson.GetBytes(body, "model").String()
	resolved := h.resolver.ResolveClaude(c.Request.Context(), requested)

	inner, err := translator.ClaudeMessagesToGemini(body)
	if err != nil {
		common.WriteError(c, http.StatusBadRequest, err.Error())
		return
	}

	req := dispatch.Request{
		Protocol:    "claude",
		Model:       resolved,
		QuotaGroup:  pool.GroupClaude,
		RequestType: upstream.RequestTypeGenerate,
		Inner:       inner,
	}

	if gjson.GetBytes(body, "stream").Bool() {
		h.streamMessages(c, req, requested)
		return
	}

	resp, err := h.dispatcher.Unary(c.Request.Context(), req)
	if err != nil {
		common.WriteDispatchError(c, err)
		return
	}
	out, err := translator.GeminiToClaudeResponse(resp, requested)
	if err != nil {
		common.WriteError(c, http.StatusBadGateway, err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

func (h *Handler) streamMessages(c *gin.Context, req dispatch.Request, model string) {
	stream, err := h.dispatcher.Stream(c.Request.Context(), req)
	if err != nil {
		common.WriteDispatchError(c, err)
		return
	}
	defer stream.Close()

	common.SetStreamHeaders(c)
	tr := translator.NewClaudeStream(model)
	common.WriteChunk(c, tr.Start())
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			common.WriteChunk(c, tr.Finish())
			return
		}
		if err != nil {
			common.WriteChunk(c, tr.Error(err.Error()))
			return
		}
		common.WriteChunk(c, tr.Delta(chunk))
	}
}

// countTokens approximates the Anthropic token count as a quarter of
// the serialized payload length.
func (h *Handler) countTokens(c *gin.Context) {
	body, ok := common.ReadBody(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": len(body) / 4})
}
