package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/graphingest/internal/data/db"
	"github.com/yungbote/graphingest/internal/platform/logger"
	"github.com/yungbote/graphingest/internal/platform/neo4jdb"
	"github.com/yungbote/graphingest/internal/realtime/bus"
)

type Clients struct {
	DB    *db.Service
	Neo4j *neo4jdb.Client
	// Bus and Redis are nil without REDIS_ADDR.
	Bus   bus.Bus
	Redis *goredis.Client
}

func (c Clients) Gorm() *gorm.DB {
	if c.DB == nil {
		return nil
	}
	return c.DB.DB()
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")
	var out Clients

	dbs, err := db.Open(cfg.DB, log)
	if err != nil {
		return out, fmt.Errorf("init database: %w", err)
	}
	out.DB = dbs
	if err := db.AutoMigrateAll(dbs.DB()); err != nil {
		out.Close(ctx, log)
		return Clients{}, fmt.Errorf("automigrate: %w", err)
	}

	graph, err := neo4jdb.New(cfg.Neo4j, log)
	if err != nil {
		out.Close(ctx, log)
		return Clients{}, fmt.Errorf("init neo4j: %w", err)
	}
	out.Neo4j = graph

	if cfg.Redis.Addr != "" {
		b, err := bus.NewRedisBus(ctx, cfg.Redis, log)
		if err != nil {
			out.Close(ctx, log)
			return Clients{}, fmt.Errorf("init redis bus: %w", err)
		}
		out.Bus = b
		out.Redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	return out, nil
}

func (c Clients) Close(ctx context.Context, log *logger.Logger) {
	if c.Bus != nil {
		if err := c.Bus.Close(); err != nil {
			log.Warn("Closing redis bus", "error", err)
		}
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.Neo4j != nil {
		if err := c.Neo4j.Close(ctx); err != nil {
			log.Warn("Closing neo4j driver", "error", err)
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			log.Warn("Closing database", "error", err)
		}
	}
}
