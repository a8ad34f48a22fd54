// Package images serves OpenAI-style image generation backed by the
// upstream image model.
package images

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/atlasju/Antigravity-Proxy/internal/dispatch"
	"github.com/atlasju/Antigravity-Proxy/internal/handlers/common"
	"github.com/atlasju/Antigravity-Proxy/internal/models"
	"github.com/atlasju/Antigravity-Proxy/internal/pool"
	"github.com/atlasju/Antigravity-Proxy/internal/upstream"
)

// ImageModel is the only model the upstream image surface accepts.
const ImageModel = "gemini-3-pro-image"

type Handler struct {
	dispatcher *dispatch.Dispatcher
}

func NewHandler(d *dispatch.Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// Register mounts the image routes on /v1.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/images/generations", h.generations)
}

func (h *Handler) generations(c *gin.Context) {
	body, ok := common.ReadBody(c)
	if !ok {
		return
	}
	prompt := gjson.GetBytes(body, "prompt").String()
	if prompt == "" {
		common.WriteError(c, http.StatusBadRequest, "prompt is required")
		return
	}

	size := gjson.GetBytes(body, "size").String()
	if size == "" {
		size = "1024x1024"
	}

	inner, err := json.Marshal(map[string]interface{}{
		"contents": []map[string]interface{}{{
			"role":  "user",
			"parts": []map[string]interface{}{{"text": prompt}},
		}},
		"generationConfig": map[string]interface{}{
			"maxOutputTokens": 64000,
			"imageConfig": map[string]interface{}{
				"aspectRatio": models.ParseAspectRatio(size),
			},
		},
	})
	if err != nil {
		common.WriteError(c, http.StatusInternalServerError, err.Error())
		return
	}

	resp, err := h.dispatcher.Unary(c.Request.Context(), dispatch.Request{
		Protocol:    "agent",
		Model:       ImageModel,
		QuotaGroup:  pool.GroupImageGen,
		RequestType: upstream.RequestTypeImageGen,
		Inner:       inner,
	})
	if err != nil {
		common.WriteDispatchError(c, err)
		return
	}

	asURL := gjson.GetBytes(body, "response_format").String() == "url"
	var data []gin.H
	gjson.GetBytes(resp, "candidates").ForEach(func(_, candidate gjson.Result) bool {
		candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			b64 := part.Get("inlineData.data").String()
			if b64 == "" {
				return true
			}
			if asURL {
				mime := part.Get("inlineData.mimeType").String()
				if mime == "" {
					mime = "image/png"
				}
				data = append(data, gin.H{"url": fmt.Sprintf("data:%s;base64,%s", mime, b64)})
			} else {
				data = append(data, gin.H{"b64_json": b64})
			}
			return true
		})
		return true
	})
	if data == nil {
		data = []gin.H{}
	}

	c.JSON(http.StatusOK, gin.H{
		"created": time.Now().Unix(),
		"data":    data,
	})
}
