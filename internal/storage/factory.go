package storage

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/atlasju/Antigravity-Proxy/internal/config"
)

// New builds the backend named in the configuration and initializes it.
// Remote backends that fail to come up fall back to the file backend so a
// misconfigured deployment still serves.
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	backend, err := build(cfg)
	if err == nil {
		err = backend.Initialize(ctx)
	}
	if err != nil {
		if cfg.Storage.Backend == "file" {
			return nil, err
		}
		log.WithError(err).Warnf("%s backend unavailable, falling back to file storage", cfg.Storage.Backend)
		fallback := NewFileBackend(cfg.Storage.Dir)
		if ferr := fallback.Initialize(ctx); ferr != nil {
			return nil, fmt.Errorf("file fallback failed: %w", ferr)
		}
		return fallback, nil
	}
	return backend, nil
}

func build(cfg *config.Config) (Backend, error) {
	switch cfg.Storage.Backend {
	case "file":
		return NewFileBackend(cfg.Storage.Dir), nil
	case "redis":
		return NewRedisBackend(cfg.Storage.RedisURL)
	case "postgres":
		return NewPostgresBackend(cfg.Storage.PostgresDSN)
	case "mongodb":
		return NewMongoBackend(cfg.Storage.MongoURI, cfg.Storage.MongoDatabase), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
