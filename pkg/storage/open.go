package storage

import (
	"context"
	"os"

	"github.com/moonbridge/moonbridge/pkg/log"
)

// Options selects the storage backends to open
type Options struct {
	DatabaseURL string
	RedisURL    string
	DataDir     string
}

// Open builds the Store and Cache for the given options. Failures to reach
// an external backend degrade: Postgres falls back to the local BoltDB store,
// BoltDB falls back to memory, and Redis falls back to the memory cache. The
// daemon keeps running either way; degraded backends are reported through the
// returned booleans for health tracking.
func Open(ctx context.Context, opts Options) (store Store, cache Cache, durable bool, cached bool) {
	logger := log.WithComponent("storage")

	if opts.DatabaseURL != "" {
		pg, err := NewPostgresStore(ctx, opts.DatabaseURL)
		if err == nil {
			store = pg
			durable = true
			logger.Info().Msg("using postgres store")
		} else {
			logger.Warn().Err(err).Msg("postgres unavailable, falling back to local store")
		}
	}

	if store == nil {
		if err := os.MkdirAll(opts.DataDir, 0755); err == nil {
			if bs, err := NewBoltStore(opts.DataDir); err == nil {
				store = bs
				durable = true
				logger.Info().Str("data_dir", opts.DataDir).Msg("using local bolt store")
			} else {
				logger.Warn().Err(err).Msg("bolt store unavailable, falling back to memory")
			}
		} else {
			logger.Warn().Err(err).Msg("data dir unavailable, falling back to memory")
		}
	}

	if store == nil {
		store = NewMemoryStore()
		logger.Warn().Msg("using in-memory store; conversations will not survive restart")
	}

	if opts.RedisURL != "" {
		rc, err := NewRedisCache(ctx, opts.RedisURL)
		if err == nil {
			cache = rc
			cached = true
			logger.Info().Msg("using redis cache")
		} else {
			logger.Warn().Err(err).Msg("redis unavailable, falling back to memory cache")
		}
	}
	if cache == nil {
		cache = NewMemoryCache()
	}

	return store, cache, durable, cached
}
