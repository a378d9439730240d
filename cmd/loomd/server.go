package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/loomhq/loom/agent"
	"github.com/loomhq/loom/api/handlers"
	"github.com/loomhq/loom/checkpoint"
	"github.com/loomhq/loom/config"
	"github.com/loomhq/loom/hitl"
	"github.com/loomhq/loom/internal/cache"
	"github.com/loomhq/loom/internal/database"
	"github.com/loomhq/loom/internal/metrics"
	"github.com/loomhq/loom/internal/server"
	"github.com/loomhq/loom/job"
	"github.com/loomhq/loom/stream"
	"github.com/loomhq/loom/tools"
	"github.com/loomhq/loom/workflow"
)

// Server owns every component of a running loomd instance and their
// startup/shutdown ordering.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	collector *metrics.Collector

	db  *gorm.DB
	rdb *redis.Client

	ckStore  checkpoint.Store
	jobStore job.Store
	gate     *hitl.Gate
	gateway  *stream.Gateway
	manager  *job.Manager

	httpManager *server.Manager

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewServer creates an unstarted server.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Start wires all components and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.collector = metrics.NewCollector(s.cfg.Telemetry.MetricsNamespace, s.logger)

	if err := s.initBackends(ctx); err != nil {
		return err
	}
	if err := s.initEngine(); err != nil {
		return err
	}

	// Jobs interrupted by the previous process pick up where their
	// checkpoint chain left off.
	if err := s.manager.Recover(ctx); err != nil {
		s.logger.Warn("job recovery incomplete", zap.Error(err))
	}

	s.startBackground()

	if err := s.startHTTP(); err != nil {
		return err
	}

	s.logger.Info("loomd started",
		zap.String("addr", s.httpManager.Addr()),
		zap.String("checkpoint_backend", s.cfg.Checkpoint.Backend),
		zap.String("jobs_backend", s.cfg.Jobs.Backend),
	)
	return nil
}

// initBackends opens the storage handles the configured backends need.
func (s *Server) initBackends(ctx context.Context) error {
	needsDB := s.cfg.Checkpoint.Backend == "sql" || s.cfg.Jobs.Backend == "sql"
	if needsDB {
		db, err := database.Open(s.cfg.Database, s.logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		s.db = db
	}

	if s.cfg.Checkpoint.Backend == "redis" {
		rdb, err := cache.Connect(s.cfg.Redis, s.logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		s.rdb = rdb
	}

	ckStore, err := checkpoint.NewStore(checkpoint.Backend(s.cfg.Checkpoint.Backend),
		s.db, s.rdb, s.cfg.Checkpoint.KeyPrefix, s.logger)
	if err != nil {
		return fmt.Errorf("create checkpoint store: %w", err)
	}
	s.ckStore = ckStore

	switch s.cfg.Jobs.Backend {
	case "sql":
		store, err := job.NewGormStore(s.db, s.logger)
		if err != nil {
			return fmt.Errorf("create job store: %w", err)
		}
		s.jobStore = store
	default:
		s.jobStore = job.NewMemoryStore()
	}
	return nil
}

// initEngine builds the tool registry, agent graph, state machine,
// permission gate, stream gateway, and job manager.
func (s *Server) initEngine() error {
	toolReg := tools.NewRegistry(s.logger)

	var docs []tools.Document
	if s.cfg.Agents.CorpusPath != "" {
		loaded, err := tools.LoadCorpus(s.cfg.Agents.CorpusPath)
		if err != nil {
			return fmt.Errorf("load corpus: %w", err)
		}
		docs = loaded
	}
	if err := toolReg.Register(tools.NewLocalKnowledge(docs)); err != nil {
		return err
	}

	if s.cfg.Agents.SearchEndpoint != "" {
		ws := tools.NewWebSearch(s.cfg.Agents.SearchEndpoint,
			tools.WithAPIKey(s.cfg.Agents.SearchAPIKey))
		if err := toolReg.Register(ws); err != nil {
			return err
		}
	} else {
		s.logger.Info("search endpoint not configured, web search disabled")
	}

	agentReg := agent.NewRegistry(agent.AgentChat, s.logger)
	graph, err := agent.NewGraph(agentReg, toolReg,
		agent.WithToolTimeout(s.cfg.Agents.ToolTimeout),
		agent.WithMaxPairHandoffs(s.cfg.Agents.MaxPairHandoffs),
		agent.WithLogger(s.logger),
	)
	if err != nil {
		return fmt.Errorf("build agent graph: %w", err)
	}

	machine := workflow.NewMachine(s.ckStore, workflow.Options{
		Namespace: s.cfg.Checkpoint.Namespace,
		Entry:     agent.NodeClassify,
		Route:     graph.Route,
		MaxSteps:  s.cfg.Agents.MaxSteps,
		Logger:    s.logger,
	})
	if err := graph.Install(machine); err != nil {
		return fmt.Errorf("install agent graph: %w", err)
	}

	s.gate = hitl.NewGate(hitl.NewMemoryStore(), hitl.Options{
		TTL:           s.cfg.Permissions.TTL,
		SweepInterval: s.cfg.Permissions.SweepInterval,
		Logger:        s.logger,
	})

	s.gateway = stream.NewGateway(stream.Options{
		BufferSize:       s.cfg.Stream.BufferSize,
		SubscriberBuffer: s.cfg.Stream.SubscriberBuffer,
		Logger:           s.logger,
	})

	s.manager = job.NewManager(machine, s.gate, s.gateway, s.jobStore, s.collector, job.Config{
		MaxConcurrent:   s.cfg.Jobs.MaxConcurrent,
		MaxQueued:       s.cfg.Jobs.MaxQueued,
		RatePerSecond:   s.cfg.Jobs.RatePerSecond,
		RateBurst:       s.cfg.Jobs.RateBurst,
		Retention:       s.cfg.Jobs.Retention,
		CleanupInterval: s.cfg.Jobs.CleanupInterval,
	}, s.logger)
	return nil
}

// startBackground runs the permission sweeper and job retention loop.
func (s *Server) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(2)
	go func() {
		defer s.bgWG.Done()
		s.gate.RunSweeper(ctx)
	}()
	go func() {
		defer s.bgWG.Done()
		s.manager.RunCleanup(ctx)
	}()
}

// startHTTP builds the route table and starts the listener.
func (s *Server) startHTTP() error {
	jobsHandler := handlers.NewJobsHandler(s.manager, s.logger)
	permsHandler := handlers.NewPermissionsHandler(s.gate, s.logger)
	streamHandler := handlers.NewStreamHandler(s.gateway, s.cfg.Stream.HeartbeatInterval, s.logger)
	healthHandler := handlers.NewHealthHandler(s.logger)

	healthHandler.RegisterCheck(handlers.NewPingCheck("checkpoint_store", s.ckStore.Ping))
	if s.rdb != nil {
		healthHandler.RegisterCheck(handlers.NewPingCheck("redis", func(ctx context.Context) error {
			return s.rdb.Ping(ctx).Err()
		}))
	}
	if s.db != nil {
		healthHandler.RegisterCheck(handlers.NewPingCheck("database", func(ctx context.Context) error {
			sqlDB, err := s.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("GET /readyz", healthHandler.HandleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /v1/jobs", jobsHandler.HandleCreate)
	mux.HandleFunc("GET /v1/jobs/stats", jobsHandler.HandleStats)
	mux.HandleFunc("GET /v1/jobs/{id}", jobsHandler.HandleGet)
	mux.HandleFunc("DELETE /v1/jobs/{id}", jobsHandler.HandleCancel)
	mux.HandleFunc("GET /v1/jobs/{id}/events", streamHandler.HandleEvents)
	mux.HandleFunc("GET /v1/jobs/{id}/ws", streamHandler.HandleWebSocket)

	mux.HandleFunc("GET /v1/permissions", permsHandler.HandleList)
	mux.HandleFunc("GET /v1/permissions/{id}", permsHandler.HandleGet)
	mux.HandleFunc("POST /v1/permissions/{id}/respond", permsHandler.HandleRespond)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            s.cfg.Server.Addr(),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.httpManager.Start()
}

// Err surfaces fatal listener errors.
func (s *Server) Err() <-chan error {
	return s.httpManager.Err()
}

// Shutdown stops accepting requests, drains running jobs, and closes
// storage handles.
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("shutting down")

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", zap.Error(err))
		}
	}

	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.bgWG.Wait()

	if s.manager != nil {
		if err := s.manager.Close(ctx); err != nil {
			s.logger.Error("job manager shutdown error", zap.Error(err))
		}
	}

	if s.ckStore != nil {
		if err := s.ckStore.Close(); err != nil {
			s.logger.Error("checkpoint store close error", zap.Error(err))
		}
	}
	if s.jobStore != nil {
		if err := s.jobStore.Close(); err != nil {
			s.logger.Error("job store close error", zap.Error(err))
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				s.logger.Error("database close error", zap.Error(err))
			}
		}
	}

	s.logger.Info("shutdown complete")
}
