// Package openai serves the OpenAI-compatible chat surface.
package openai

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

// Register mounts the OpenAI routes on /v1.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/chat/completions", h.chatCompletions)
	rg.GET("/models", h.listModels)
}

func (h *Handler) chatCompletions(c *gin.Context) {
	body, ok := common.ReadBody(c)
	if !ok {
		return
	}

	requested := gjson.GetBytes(body, "model").String()
	resolved := h.resolver.ResolveOpenAI(c.Request.Context(), requested)

	inner, err := translator.OpenAIChatToGemini(body)
	if err != nil {
		common.WriteError(c, http.StatusBadRequest, err.Error())
		return
	}

	req := dispatch.Request{
		Protocol:    "openai",
		Model:       resolved,
		QuotaGroup:  pool.GroupOpenAI,
		RequestType: upstream.RequestTypeGenerate,
		Inner:       inner,
	}

	if gjson.GetBytes(body, "stream").Bool() {
		h.streamCompletion(c, req, requested)
		return
	}

	resp, err := h.dispatcher.Unary(c.Request.Context(), req)
	if err != nil {
		common.WriteDispatchError(c, err)
		return
	}
	out, err := translator.GeminiToOpenAIResponse(resp, requested)
	if err != nil {
		common.WriteError(c, http.StatusBadGateway, err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

func (h *Handler) streamCompletion(c *gin.Context, req dispatch.Request, model string) {
	stream, err := h.dispatcher.Stream(c.Request.Context(), req)
	if err != nil {
		common.WriteDispatchError(c, err)
		return
	}
	defer stream.Close()

	common.SetStreamHeaders(c)
	tr := translator.NewOpenAIStream(model)
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			common.WriteChunk(c, tr.Done())
			return
		}
		if err != nil {
			common.WriteChunk(c, tr.Error(err.Error()))
			return
		}
		common.WriteChunk(c, tr.Chunk(chunk))
	}
}

func (h *Handler) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   models.OpenAICatalog(),
	})
}
