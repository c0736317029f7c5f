package app

import (
	"strings"
	"time"

	"github.com/yungbote/graphingest/internal/data/db"
	"github.com/yungbote/graphingest/internal/ingest/pipeline"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
	"github.com/yungbote/graphingest/internal/jobs/worker"
	"github.com/yungbote/graphingest/internal/observability"
	"github.com/yungbote/graphingest/internal/platform/envutil"
	"github.com/yungbote/graphingest/internal/platform/logger"
	"github.com/yungbote/graphingest/internal/platform/neo4jdb"
	"github.com/yungbote/graphingest/internal/realtime/bus"
)

const serviceName = "graphingest"

type IngestConfig struct {
	DataDir       string
	OutputDir     string
	BatchSize     int
	TypeCacheSize int
	JSONCacheSize int
	SampleSize    int
}

type Config struct {
	LogMode     string
	Port        string
	CORSOrigins []string

	// RunAPI and RunWorker split the process roles; both default on.
	RunAPI         bool
	RunWorker      bool
	MetricsEnabled bool
	// MetricsInterval paces the job-queue and redis collectors.
	MetricsInterval time.Duration

	DB     db.Config
	Neo4j  neo4jdb.Config
	Redis  bus.RedisConfig
	Worker worker.Config
	Ingest IngestConfig
	Otel   observability.OtelConfig
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		LogMode:        envutil.String("LOG_MODE", "development"),
		Port:           envutil.String("PORT", "8080"),
		CORSOrigins:    splitList(envutil.String("CORS_ALLOW_ORIGINS", "")),
		RunAPI:         envutil.Bool("API_ENABLED", true),
		RunWorker:      envutil.Bool("WORKER_ENABLED", true),
		MetricsEnabled: envutil.Bool("METRICS_ENABLED", true),

		MetricsInterval: envutil.Duration("METRICS_POLL_INTERVAL", 15*time.Second),

		DB:    db.ConfigFromEnv(),
		Neo4j: neo4jdb.ConfigFromEnv(),
		Redis: bus.RedisConfig{
			Addr:     envutil.String("REDIS_ADDR", ""),
			Password: envutil.String("REDIS_PASSWORD", ""),
			DB:       envutil.Int("REDIS_DB", 0),
			Channel:  envutil.String("REDIS_CHANNEL", bus.DefaultChannel),
		},
		Worker: worker.ConfigFromEnv(),
		Ingest: IngestConfig{
			DataDir:       envutil.String("INGEST_DATA_DIR", ""),
			OutputDir:     envutil.String("INGEST_OUTPUT_DIR", "output"),
			BatchSize:     envutil.IntInRange("INGEST_BATCH_SIZE", pipeline.DefaultBatchSize, 1, pipeline.MaxBatchSize),
			TypeCacheSize: envutil.IntInRange("INGEST_TYPE_CACHE_SIZE", 50000, 1, 10_000_000),
			JSONCacheSize: envutil.IntInRange("INGEST_JSON_CACHE_SIZE", 10000, 1, 1_000_000),
			SampleSize:    envutil.IntInRange("INGEST_SAMPLE_SIZE", typeinfer.DefaultSampleSize, 1, 10000),
		},
		Otel: observability.OtelConfigFromEnv(serviceName),
	}
	if log != nil {
		log.Info("Configuration loaded",
			"port", cfg.Port,
			"db_driver", cfg.DB.Driver,
			"neo4j", cfg.Neo4j.URI != "",
			"redis", cfg.Redis.Addr != "",
			"api", cfg.RunAPI,
			"worker", cfg.RunWorker,
			"worker_concurrency", cfg.Worker.Concurrency,
			"data_dir", cfg.Ingest.DataDir,
			"output_dir", cfg.Ingest.OutputDir,
			"batch_size", cfg.Ingest.BatchSize,
		)
	}
	return cfg
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
