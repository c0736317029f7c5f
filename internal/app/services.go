package app

import (
	"fmt"

	"github.com/yungbote/graphingest/internal/data/repos"
	"github.com/yungbote/graphingest/internal/ingest/cache"
	"github.com/yungbote/graphingest/internal/ingest/embedded"
	"github.com/yungbote/graphingest/internal/ingest/pipeline"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
	"github.com/yungbote/graphingest/internal/jobs/runtime"
	"github.com/yungbote/graphingest/internal/jobs/worker"
	"github.com/yungbote/graphingest/internal/observability"
	"github.com/yungbote/graphingest/internal/platform/logger"
	"github.com/yungbote/graphingest/internal/realtime"
	"github.com/yungbote/graphingest/internal/services"
)

type Services struct {
	Schemas    services.SchemaService
	Ingestions services.IngestionService
	Notifier   services.JobNotifier
	Driver     *pipeline.Driver
	Registry   *runtime.Registry
	Tasks      *runtime.Tasks
	Worker     *worker.Worker
}

// NewDriver builds the pipeline driver with caches shared by every job in the
// process. CLI runs use it too.
func NewDriver(log *logger.Logger, cfg IngestConfig, clients Clients, metrics *observability.Metrics) *pipeline.Driver {
	engine := typeinfer.NewEngine(typeinfer.Options{
		TypeCache:  cache.NewLRU[string, typeinfer.Type](cfg.TypeCacheSize),
		SampleSize: cfg.SampleSize,
	})
	parser := embedded.NewParser(cache.NewLRU[string, []map[string]any](cfg.JSONCacheSize))
	opts := pipeline.Options{
		Engine: engine,
		Parser: parser,
		Log:    log,
	}
	// A nil *Client must not become a non-nil Runner.
	if clients.Neo4j != nil {
		opts.Runner = clients.Neo4j
	}
	if metrics != nil {
		opts.Metrics = metrics
	}
	return pipeline.NewDriver(opts)
}

func wireServices(log *logger.Logger, cfg Config, clients Clients, reposet repos.Repos, hub *realtime.Hub, metrics *observability.Metrics) (Services, error) {
	log.Info("Wiring services...")

	notifier := services.NewJobNotifier(hub, clients.Bus, pipeline.Stages, log)
	tasks := runtime.NewTasks()
	driver := NewDriver(log, cfg.Ingest, clients, metrics)

	registry := runtime.NewRegistry()
	handler := pipeline.NewHandler(driver, reposet.Schemas, pipeline.HandlerConfig{
		DataDir:   cfg.Ingest.DataDir,
		OutputDir: cfg.Ingest.OutputDir,
		BatchSize: cfg.Ingest.BatchSize,
	}, log)
	if err := registry.Register(handler); err != nil {
		return Services{}, fmt.Errorf("register %s handler: %w", handler.Type(), err)
	}

	return Services{
		Schemas: services.NewSchemaService(log, reposet.Schemas),
		Ingestions: services.NewIngestionService(log, reposet.Jobs, reposet.Schemas, tasks, notifier, services.IngestionConfig{
			DataDir:      cfg.Ingest.DataDir,
			OutputDir:    cfg.Ingest.OutputDir,
			Neo4jEnabled: clients.Neo4j != nil,
		}),
		Notifier: notifier,
		Driver:   driver,
		Registry: registry,
		Tasks:    tasks,
		Worker:   worker.NewWorker(cfg.Worker, log, reposet.Jobs, registry, tasks, notifier),
	}, nil
}
