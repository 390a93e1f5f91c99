package main

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-p2p-coordinator/internal/audit"
	"github.com/pesio-ai/be-p2p-coordinator/internal/config"
	"github.com/pesio-ai/be-p2p-coordinator/internal/database"
	"github.com/pesio-ai/be-p2p-coordinator/internal/eventbus"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
	"github.com/pesio-ai/be-p2p-coordinator/internal/matching"
	"github.com/pesio-ai/be-p2p-coordinator/internal/repository"
	"github.com/pesio-ai/be-p2p-coordinator/internal/repository/memory"
	"github.com/pesio-ai/be-p2p-coordinator/internal/workflow"
)

// app holds the wired coordination layer shared by every command.
type app struct {
	cfg *config.Config
	log *logger.Logger
	db  *database.DB // nil with the memory store

	bus      *eventbus.Bus
	recorder *audit.Recorder
	matching *matching.Engine
	workflow *workflow.Engine
}

type stores struct {
	audit     audit.Store
	matches   matching.Store
	documents matching.DocumentSource
	workflow  workflow.Store
}

// newApp opens the configured store and wires the bus and its subscribers.
// The audit recorder registers first so it sees every event.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var st stores
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		log.Info().Msg("Database connection established")
		a.db = db
		st = stores{
			audit:     repository.NewAuditRepository(db),
			matches:   repository.NewMatchRepository(db),
			documents: repository.NewDocumentRepository(db),
			workflow:  repository.NewWorkflowRepository(db),
		}
	case config.StoreDriverMemory:
		log.Warn().Msg("Using in-memory store, nothing survives a restart")
		st = stores{
			audit:     memory.NewAuditStore(),
			matches:   memory.NewMatchStore(),
			documents: memory.NewDocumentStore(),
			workflow:  memory.NewWorkflowStore(),
		}
	}

	a.bus = eventbus.New(log, eventbus.Options{MaxConcurrentHandlers: cfg.Bus.MaxConcurrentHandlers})

	a.recorder = audit.NewRecorder(st.audit, audit.NewDeadLetter(cfg.Audit.DeadLetterPath), audit.Options{
		RetentionYears: cfg.Audit.RetentionYears,
		MaxRetries:     cfg.Audit.MaxRetries,
		RetryBaseDelay: cfg.Audit.RetryBaseDelay,
	}, log)
	if err := a.recorder.Register(a.bus); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.matching = matching.NewEngine(st.matches, st.documents, a.bus, log)
	if err := a.matching.Register(a.bus); err != nil {
		a.close(ctx)
		return nil, err
	}

	policy, err := workflow.ParseMissingScorePolicy(cfg.Workflow.MissingConfidencePolicy)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.workflow, err = workflow.NewEngine(st.workflow, a.bus, workflow.Options{MissingScorePolicy: policy}, log)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.workflow.Register(a.bus); err != nil {
		a.close(ctx)
		return nil, err
	}

	if cfg.Workflow.MatrixFile != "" {
		if _, err := a.seedMatrix(ctx, cfg.Workflow.MatrixFile); err != nil {
			a.close(ctx)
			return nil, err
		}
	}
	return a, nil
}

func (a *app) seedMatrix(ctx context.Context, path string) (int, error) {
	rules, err := workflow.LoadMatrixFile(path)
	if err != nil {
		return 0, err
	}
	return a.workflow.SeedRules(ctx, rules)
}

// ping reports database health, or nil with the memory store.
func (a *app) ping() func(context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Pool.Ping
}

// close drains the bus within the configured timeout, then releases the
// database.
func (a *app) close(ctx context.Context) {
	if a.bus != nil {
		drainCtx, cancel := context.WithTimeout(ctx, a.cfg.Bus.DrainTimeout)
		if err := a.bus.Close(drainCtx); err != nil {
			a.log.Warn().Err(err).Msg("Event bus did not drain before timeout")
		}
		cancel()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}
