// Command server runs the Antigravity proxy: an OpenAI-, Anthropic-
// and Gemini-compatible front for the upstream internal API, backed by
// a pool of OAuth accounts.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/atlasju/Antigravity-Proxy/internal/config"
	"github.com/atlasju/Antigravity-Proxy/internal/dispatch"
	"github.com/atlasju/Antigravity-Proxy/internal/logging"
	"github.com/atlasju/Antigravity-Proxy/internal/middleware"
	"github.com/atlasju/Antigravity-Proxy/internal/models"
	"github.com/atlasju/Antigravity-Proxy/internal/monitoring"
	"github.com/atlasju/Antigravity-Proxy/internal/monitoring/tracing"
	"github.com/atlasju/Antigravity-Proxy/internal/oauth"
	"github.com/atlasju/Antigravity-Proxy/internal/pool"
	"github.com/atlasju/Antigravity-Proxy/internal/server"
	"github.com/atlasju/Antigravity-Proxy/internal/stats"
	"github.com/atlasju/Antigravity-Proxy/internal/storage"
	"github.com/atlasju/Antigravity-Proxy/internal/upstream"
)

// version is stamped by the build via -ldflags.
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env overrides apply)")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *debug {
		cfg.Server.Debug = true
		cfg.Logging.Level = "debug"
	}

	if err := logging.Setup(cfg); err != nil {
		log.Fatalf("setup logging: %v", err)
	}
	logging.InstallStreaming()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx)
	if err != nil {
		log.WithError(err).Warn("tracing init failed, continuing without traces")
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	store, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init storage (%s): %v", cfg.Storage.Backend, err)
	}
	defer store.Close()
	log.Infof("storage backend %q ready", cfg.Storage.Backend)

	oauthClient := oauth.NewClient()
	upstreamClient := upstream.NewClient(
		upstream.WithBaseURL(cfg.Upstream.BaseURL),
		upstream.WithTimeout(cfg.UpstreamTimeout()),
		upstream.WithUserAgent(cfg.Upstream.UserAgent),
	)

	accountPool := pool.New(pool.Options{
		Store:           store,
		OAuth:           oauthClient,
		Upstream:        upstreamClient,
		StickyWindow:    cfg.StickyWindow(),
		RefreshWindow:   cfg.RefreshWindow(),
		FallbackProject: cfg.Pool.FallbackProject,
	})
	loaded, err := accountPool.Load(ctx)
	if err != nil {
		log.Fatalf("load accounts: %v", err)
	}
	monitoring.PoolAccounts.Set(float64(loaded))
	if loaded == 0 {
		log.Warn("no accounts loaded; import accounts via the management API before sending traffic")
	} else {
		log.Infof("loaded %d accounts", loaded)
	}

	accountPool.StartSchedulers(ctx, pool.SchedulerConfig{
		RefreshInterval:   cfg.RefreshInterval(),
		QuotaInterval:     cfg.QuotaInterval(),
		QuotaInitialDelay: cfg.QuotaInitialDelay(),
	})

	// The file backend is editable on disk; pick up external changes
	// without a restart.
	if fb, ok := store.(*storage.FileBackend); ok {
		stop, err := fb.WatchAccounts(func() {
			middleware.SafeGo("accounts-reload", func() {
				n, err := accountPool.Load(ctx)
				if err != nil {
					log.WithError(err).Error("account reload after file change failed")
					return
				}
				monitoring.PoolAccounts.Set(float64(n))
				log.Infof("accounts reloaded from disk (%d)", n)
			})
		})
		if err != nil {
			log.WithError(err).Warn("account file watcher unavailable")
		} else {
			defer stop()
		}
	}

	usage := stats.NewRecorder(store)
	dispatcher := dispatch.New(dispatch.Options{
		Pool:     accountPool,
		Upstream: upstreamClient,
		Usage:    usage,
	})
	resolver := models.NewResolver(store)

	handler := server.NewHandler(server.Options{
		Config:     cfg,
		Pool:       accountPool,
		Store:      store,
		OAuth:      oauthClient,
		Dispatcher: dispatcher,
		Resolver:   resolver,
		Usage:      usage,
		Version:    version,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("listening on %s (version %s)", cfg.Addr(), version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown incomplete")
	}
	log.Info("server stopped")
}
