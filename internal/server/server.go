// Package server assembles the HTTP surfaces: the three proxy
// protocols, the operator API and the ops endpoints.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlasju/Antigravity-Proxy/internal/config"
	"github.com/atlasju/Antigravity-Proxy/internal/dispatch"
	"github.com/atlasju/Antigravity-Proxy/internal/handlers/claude"
	"github.com/atlasju/Antigravity-Proxy/internal/handlers/gemini"
	"github.com/atlasju/Antigravity-Proxy/internal/handlers/images"
	"github.com/atlasju/Antigravity-Proxy/internal/handlers/management"
	"github.com/atlasju/Antigravity-Proxy/internal/handlers/openai"
	"github.com/atlasju/Antigravity-Proxy/internal/middleware"
	"github.com/atlasju/Antigravity-Proxy/internal/models"
	"github.com/atlasju/Antigravity-Proxy/internal/oauth"
	"github.com/atlasju/Antigravity-Proxy/internal/pool"
	"github.com/atlasju/Antigravity-Proxy/internal/stats"
	"github.com/atlasju/Antigravity-Proxy/internal/storage"
)

// Options carries the assembled collaborators.
type Options struct {
	Config     *config.Config
	Pool       *pool.Pool
	Store      storage.Backend
	OAuth      *oauth.Client
	Dispatcher *dispatch.Dispatcher
	Resolver   *models.Resolver
	Usage      *stats.Recorder
	Version    string
}

// NewHandler builds the full routing tree.
func NewHandler(opts Options) http.Handler {
	cfg := opts.Config
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Metrics(),
		middleware.CORS(),
	)

	mgmt := management.NewHandler(management.Options{
		Pool:    opts.Pool,
		Store:   opts.Store,
		OAuth:   opts.OAuth,
		Usage:   opts.Usage,
		Version: opts.Version,
	})

	r.GET("/health", mgmt.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	proxyAuth := middleware.APIKeyAuth(cfg.Auth.APIKeys)
	limiter := middleware.RateLimiter(cfg.Auth.RateLimitRPS, cfg.Auth.RateLimitBurst)

	v1 := r.Group("/v1", proxyAuth, limiter)
	openai.NewHandler(opts.Dispatcher, opts.Resolver).Register(v1)
	claude.NewHandler(opts.Dispatcher, opts.Resolver).Register(v1)
	images.NewHandler(opts.Dispatcher).Register(v1)

	v1beta := r.Group("/v1beta", proxyAuth, limiter)
	gemini.NewHandler(opts.Dispatcher, opts.Resolver).Register(v1beta)

	api := r.Group("/api", middleware.AdminAuth(cfg.Auth.AdminPasswordHash))
	mgmt.Register(api)

	return middleware.RewriteDoubledBeta(r)
}
