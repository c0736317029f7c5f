package app

import (
	"context"
	"fmt"
	"net"

	"github.com/yungbote/graphingest/internal/data/repos"
	apphttp "github.com/yungbote/graphingest/internal/http"
	httpH "github.com/yungbote/graphingest/internal/http/handlers"
	"github.com/yungbote/graphingest/internal/observability"
	"github.com/yungbote/graphingest/internal/platform/envutil"
	"github.com/yungbote/graphingest/internal/platform/logger"
	"github.com/yungbote/graphingest/internal/realtime"
)

type App struct {
	Log      *logger.Logger
	Cfg      Config
	Clients  Clients
	Repos    repos.Repos
	Services Services
	Hub      *realtime.Hub
	Metrics  *observability.Metrics
	Server   *apphttp.Server

	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)
	shutdown := observability.InitOTel(ctx, log, cfg.Otel)

	clients, err := wireClients(ctx, log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}
	reposet := repos.New(clients.Gorm(), log)
	hub := realtime.NewHub(log)

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	serviceset, err := wireServices(log, cfg, clients, reposet, hub, metrics)
	if err != nil {
		clients.Close(ctx, log)
		log.Sync()
		return nil, err
	}

	a := &App{
		Log:          log,
		Cfg:          cfg,
		Clients:      clients,
		Repos:        reposet,
		Services:     serviceset,
		Hub:          hub,
		Metrics:      metrics,
		otelShutdown: shutdown,
	}
	if cfg.RunAPI {
		traced := ""
		if cfg.Otel.Enabled {
			traced = serviceName
		}
		a.Server = apphttp.NewServer(apphttp.RouterConfig{
			Log:              log,
			ServiceName:      traced,
			CORSOrigins:      cfg.CORSOrigins,
			Metrics:          metrics,
			HealthHandler:    httpH.NewHealthHandler(a.pingDB),
			SchemaHandler:    httpH.NewSchemaHandler(serviceset.Schemas),
			IngestionHandler: httpH.NewIngestionHandler(log, serviceset.Ingestions, hub),
		})
	}
	return a, nil
}

func (a *App) pingDB(ctx context.Context) error {
	gdb := a.Clients.Gorm()
	if gdb == nil {
		return fmt.Errorf("database not configured")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Run starts the enabled roles and blocks until ctx ends or the HTTP server fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil {
		return fmt.Errorf("app not initialized")
	}
	a.Metrics.StartCollectors(ctx, a.Log, a.Clients.Gorm(), a.Clients.Redis, a.Cfg.MetricsInterval)

	if a.Server != nil && a.Clients.Bus != nil {
		// Workers in other processes publish on the bus; local SSE clients
		// read from the hub.
		if err := a.Clients.Bus.StartForwarder(ctx, a.Hub.Broadcast); err != nil {
			return fmt.Errorf("start event forwarder: %w", err)
		}
	}
	if a.Cfg.RunWorker {
		a.Services.Worker.Start(ctx)
	}

	var err error
	if a.Server != nil {
		addr := net.JoinHostPort("", a.Cfg.Port)
		a.Log.Info("HTTP server listening", "addr", addr)
		err = a.Server.Run(ctx, addr)
	} else {
		<-ctx.Done()
	}
	if a.Cfg.RunWorker {
		a.Services.Worker.Wait()
	}
	return err
}

func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("otel shutdown", "error", err)
		}
	}
	a.Clients.Close(ctx, a.Log)
	a.Log.Sync()
}
