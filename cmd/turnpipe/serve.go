package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/arman-rafiee/turnpipe/config"
	"github.com/arman-rafiee/turnpipe/internal/budget"
	"github.com/arman-rafiee/turnpipe/internal/compress"
	"github.com/arman-rafiee/turnpipe/internal/modelpool"
	"github.com/arman-rafiee/turnpipe/internal/pipeline"
	"github.com/arman-rafiee/turnpipe/internal/search"
	"github.com/arman-rafiee/turnpipe/internal/server"
	"github.com/arman-rafiee/turnpipe/internal/store"
	"github.com/arman-rafiee/turnpipe/internal/telemetry"
	"github.com/arman-rafiee/turnpipe/internal/turn"
	openai "github.com/arman-rafiee/turnpipe/provider/openai"
)

func serveCMD() *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the turn pipeline HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return serve
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := log.New(log.Writer(), "[SERVE] ", log.LstdFlags)
	tele := telemetry.New(log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags))

	pool, err := buildPool(cfg, tele)
	if err != nil {
		return err
	}
	policy := buildPolicy(cfg)
	engine := compress.NewEngine(policy, &compress.PoolSummarizer{Pool: pool},
		log.New(log.Writer(), "[COMPRESS] ", log.LstdFlags), tele)
	phases := pipeline.NewPoolPhases(pool)
	tools := pipeline.NewHTTPExecutor(cfg.Tools.BaseURL, cfg.Tools.Timeout)

	fs, err := store.NewFSArchive(cfg.Storage.Archive.Root, nil)
	if err != nil {
		return err
	}

	var db *store.Store
	if cfg.Storage.Postgres.Enabled {
		db, err = store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
		if err != nil {
			return fmt.Errorf("connecting postgres: %w", err)
		}
		defer db.Close()
	}

	index, err := search.NewMemOnly(nil)
	if err != nil {
		return err
	}
	if err := index.Reindex(fs); err != nil {
		return fmt.Errorf("rebuilding audit index: %w", err)
	}

	archiver, err := store.NewTurnArchiver(fs, db, index, nil)
	if err != nil {
		return err
	}

	if db != nil {
		janitor, err := store.NewJanitor(db, fs, cfg.Storage.Retention.CronSpec, cfg.Storage.Retention.MaxAge, nil)
		if err != nil {
			return err
		}
		janitor.Start(ctx)
	}

	orch, err := pipeline.New(pipeline.Config{
		MaxTaskIterations:  cfg.Pipeline.MaxTaskIterations,
		MaxRevise:          cfg.Pipeline.MaxRevise,
		MaxRetry:           cfg.Pipeline.MaxRetry,
		PhaseTimeout:       cfg.Pipeline.PhaseTimeout,
		MaxTurnDuration:    cfg.Pipeline.MaxTurnDuration,
		MaxTurnTokens:      cfg.Pipeline.MaxTurnTokens,
		MaxConcurrentTurns: cfg.Pipeline.MaxConcurrentTurns,
	}, policy, engine, phases, tools, archiver, tele, log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags))
	if err != nil {
		return err
	}

	alloc, err := buildAllocator(ctx, cfg)
	if err != nil {
		return err
	}

	deps := server.Deps{
		Config:  cfg,
		Orch:    orch,
		Alloc:   alloc,
		Archive: fs,
		DB:      db,
		Index:   index,
		Logger:  log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
	if cfg.Telemetry.Enabled {
		deps.Telemetry = tele
	}
	e, err := server.New(deps)
	if err != nil {
		return err
	}
	logger.Printf("listening on %s", cfg.Server.Address)
	return e.Start(cfg.Server.Address)
}

func buildPolicy(cfg *config.Config) budget.Policy {
	sections := make(map[int]budget.SectionLimits)
	for idx, limits := range cfg.Budget.SectionIndices() {
		sections[idx] = budget.SectionLimits{MaxWords: limits.MaxWords, MaxTokens: limits.MaxTokens}
	}
	return budget.Policy{
		DefaultSection: budget.SectionLimits{
			MaxWords:  cfg.Budget.SectionMaxWords,
			MaxTokens: cfg.Budget.SectionMaxTokens,
		},
		Sections:               sections,
		DocumentSoftTokens:     cfg.Budget.DocumentSoftTokens,
		DocumentMaxTokens:      cfg.Budget.DocumentMaxTokens,
		CompressionTargetRatio: cfg.Budget.CompressionTargetRatio,
	}
}

func buildPool(cfg *config.Config, tele *telemetry.Telemetry) (*modelpool.Pool, error) {
	client := openai.New(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Timeout)

	var loader modelpool.Loader = modelpool.NopLoader{}
	if cfg.Pool.LoaderBaseURL != "" {
		loader = modelpool.NewHTTPLoader(cfg.Pool.LoaderBaseURL, cfg.LLM.Timeout)
	}

	slots := make([]modelpool.Slot, 0, len(cfg.Pool.Slots))
	for _, s := range cfg.Pool.Slots {
		slots = append(slots, modelpool.Slot{
			Name:  s.Name,
			Kind:  modelpool.SlotKind(s.Kind),
			Model: s.Model,
			Class: s.Class,
		})
	}
	roles := make(map[string]modelpool.Role, len(cfg.Pool.Roles))
	for name, r := range cfg.Pool.Roles {
		roles[name] = modelpool.Role{
			Slot:         r.Slot,
			Temperature:  r.Temperature,
			MaxTokens:    r.MaxTokens,
			CostPer1KIn:  r.CostPer1KInput,
			CostPer1KOut: r.CostPer1KOutput,
		}
	}
	return modelpool.New(client, loader, slots, roles,
		log.New(log.Writer(), "[POOL] ", log.LstdFlags), tele)
}

func buildAllocator(ctx context.Context, cfg *config.Config) (turn.Allocator, error) {
	if !cfg.Storage.Redis.Enabled {
		return turn.NewMemoryAllocator(), nil
	}
	client, err := turn.DialRedis(ctx, cfg.Storage.Redis.Addr, cfg.Storage.Redis.Password,
		cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting redis: %w", err)
	}
	return turn.NewRedisAllocator(client), nil
}
