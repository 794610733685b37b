package database

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/internal/config"
)

// NewRedis connects to Redis. Redis backs best-effort features (inbox
// counters, assignment notifications); a nil client is a valid degraded
// mode, so connection failure logs a warning instead of aborting startup.
func NewRedis(cfg config.RedisConfig, log zerolog.Logger) *redis.Client {
	if !cfg.Enabled {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unavailable, continuing without it")
		return nil
	}

	log.Info().Str("addr", cfg.Addr).Msg("redis connection established")
	return client
}
