// Package gemini serves the Gemini-native generateContent surface.
package gemini

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/atlasju/Antigravity-Proxy/internal/dispatch"
	"github.com/atlasju/Antigravity-Proxy/internal/handlers/common"
	"github.com/atlasju/Antigravity-Proxy/internal/models"
	"github.com/atlasju/Antigravity-Proxy/internal/pool"
	"github.com/atlasju/Antigravity-Proxy/internal/upstream"
)

type Handler struct {
	dispatcher *dispatch.Dispatcher
	resolver   *models.Resolver
}

func NewHandler(d *dispatch.Dispatcher, r *models.Resolver) *Handler {
	return &Handler{dispatcher: d, resolver: r}
}

// Register mounts the Gemini routes on /v1beta.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/models", h.listModels)
	rg.POST("/models/*modelAction", h.generate)
}

func (h *Handler) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": models.GeminiCatalog()})
}

// generate handles models/{model}:{method} where method defaults to
// generateContent. countTokens is also accepted as a path segment
// (models/{model}/countTokens).
func (h *Handler) generate(c *gin.Context) {
	modelAction := strings.TrimPrefix(c.Param("modelAction"), "/")
	model := modelAction
	method := "generateContent"
	if rest, ok := strings.CutSuffix(modelAction, "/countTokens"); ok {
		model, method = rest, "countTokens"
	} else if i := strings.LastIndex(modelAction, ":"); i >= 0 {
		model, method = modelAction[:i], modelAction[i+1:]
	}

	body, ok := common.ReadBody(c)
	if !ok {
		return
	}

	if method == "countTokens" {
		c.JSON(http.StatusOK, gin.H{"totalTokens": len(body) / 4})
		return
	}
	if method != "generateContent" && method != "streamGenerateContent" {
		common.WriteError(c, http.StatusBadRequest, fmt.Sprintf("unsupported method: %s", method))
		return
	}

	req := dispatch.Request{
		Protocol:    "gemini",
		Model:       h.resolver.ResolveGemini(c.Request.Context(), model),
		QuotaGroup:  pool.GroupGemini,
		RequestType: upstream.RequestTypeGenerate,
		// The native surface passes the caller's body through as the
		// inner request.
		Inner: body,
	}

	if method == "streamGenerateContent" {
		h.streamGenerate(c, req)
		return
	}

	resp, err := h.dispatcher.Unary(c.Request.Context(), req)
	if err != nil {
		common.WriteDispatchError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", resp)
}

// streamGenerate re-emits unwrapped upstream chunks untranslated.
func (h *Handler) streamGenerate(c *gin.Context, req dispatch.Request) {
	stream, err := h.dispatcher.Stream(c.Request.Context(), req)
	if err != nil {
		common.WriteDispatchError(c, err)
		return
	}
	defer stream.Close()

	common.SetStreamHeaders(c)
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			common.WriteChunk(c, []byte("data: [DONE]\n\n"))
			return
		}
		if err != nil {
			common.WriteChunk(c, []byte(fmt.Sprintf("data: {\"error\":{\"message\":%q}}\n\n", err.Error())))
			return
		}
		common.WriteChunk(c, append(append([]byte("data: "), chunk...), '\n', '\n'))
	}
}
