package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/database"
	"github.com/loomworks/loom/internal/dispatch"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/merge"
	"github.com/loomworks/loom/internal/monitor"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/repository"
	"github.com/loomworks/loom/internal/services"
	"github.com/loomworks/loom/internal/subdivision"
)

// CoreServices bundles every component of the engine process. Its lifetime
// matches the process: built once at startup, torn down at shutdown.
type CoreServices struct {
	Config  *config.Config
	DB      *gorm.DB
	Redis   *redis.Client
	Repos   *repository.Repositories
	Metrics *observability.Metrics

	Engine       *engine.Engine
	Contexts     *engine.ContextManager
	Callbacks    *engine.CallbackRegistry
	HumanQueue   *dispatch.HumanQueue
	AgentPool    *dispatch.AgentPool
	Subdivisions *subdivision.Service
	Merge        *merge.Service
	Monitor      *monitor.StallMonitor
	Cascade      *services.CascadeDeletionService
	TaskFlow     *services.TaskFlowService
}

// New wires the full service graph.
func New(cfg *config.Config, log zerolog.Logger) (*CoreServices, error) {
	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	rdb := database.NewRedis(cfg.Redis, log)

	repos := repository.New(db)
	metrics := observability.NewMetrics(nil)

	contexts := engine.NewContextManager(cfg.Engine, repos, log)
	callbacks := engine.NewCallbackRegistry(repos, log)
	eng := engine.NewEngine(cfg.Engine, db, repos, contexts, callbacks, metrics, log)

	humanQueue := dispatch.NewHumanQueue(repos, rdb, log)
	agentClient := dispatch.NewHTTPAgentClient(cfg.Dispatch.AgentTimeout)
	agentPool := dispatch.NewAgentPool(cfg.Dispatch, repos, agentClient, metrics, log)
	agentPool.SetSubmitter(eng)
	eng.SetDispatcher(dispatch.NewRouter(humanQueue, agentPool))

	return &CoreServices{
		Config:       cfg,
		DB:           db,
		Redis:        rdb,
		Repos:        repos,
		Metrics:      metrics,
		Engine:       eng,
		Contexts:     contexts,
		Callbacks:    callbacks,
		HumanQueue:   humanQueue,
		AgentPool:    agentPool,
		Subdivisions: subdivision.NewService(repos, eng, log),
		Merge:        merge.NewService(repos, log),
		Monitor:      monitor.NewStallMonitor(cfg.Monitor, cfg.Engine.CallbackPollInterval, repos, eng, metrics, log),
		Cascade:      services.NewCascadeDeletionService(db, repos, log),
		TaskFlow:     services.NewTaskFlowService(repos),
	}, nil
}

// Start launches the background components.
func (s *CoreServices) Start() {
	s.AgentPool.Start()
	s.Monitor.Start()
}

// Stop tears the process down in reverse order.
func (s *CoreServices) Stop(ctx context.Context) error {
	s.Monitor.Stop()
	if err := s.AgentPool.Stop(ctx); err != nil {
		return err
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			return err
		}
	}
	return database.Close(s.DB)
}
