// Package backend opens the TaskStore selected by configuration.
package backend

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/austindbirch/indexhook/internal/config"
	"github.com/austindbirch/indexhook/internal/db"
	"github.com/austindbirch/indexhook/internal/store"
	"github.com/austindbirch/indexhook/internal/store/memory"
	"github.com/austindbirch/indexhook/internal/store/postgres"
	"github.com/austindbirch/indexhook/internal/store/redis"
)

const (
	Postgres = "postgres"
	Redis    = "redis"
	Memory   = "memory"
)

// Open connects the store named by cfg.StoreBackend. The caller closes it.
func Open(ctx context.Context, cfg config.Config) (store.TaskStore, error) {
	switch cfg.StoreBackend {
	case Postgres, "":
		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.New(pool), nil
	case Redis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return redis.New(client), nil
	case Memory:
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
