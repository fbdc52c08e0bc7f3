package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CosmoTheDev/scanorch/internal/config"
	"github.com/CosmoTheDev/scanorch/internal/database"
	"github.com/CosmoTheDev/scanorch/internal/job"
	"github.com/CosmoTheDev/scanorch/internal/payload"
	"github.com/CosmoTheDev/scanorch/internal/product"
	"github.com/CosmoTheDev/scanorch/internal/source"
	"github.com/CosmoTheDev/scanorch/internal/store"
	"github.com/CosmoTheDev/scanorch/models"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg     *config.Config
	db      database.DB
	jobs    *store.Jobs
	configs *store.Configs
	results *store.Results
	worker  *job.Worker
}

// openApp loads the configuration, opens and migrates the database and
// wires the executors.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	payloads, err := payload.New(ctx, cfg.Payloads)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening payload store: %w", err)
	}

	a := &app{
		cfg:     cfg,
		db:      db,
		jobs:    store.NewJobs(db),
		configs: store.NewConfigs(db),
		results: store.NewResults(db, payloads, cfg.Payloads.InlineLimit),
	}

	checkmarx := product.NewCheckmarxExecutor(cfg.Checkmarx, cfg.Resilience,
		source.NewProvider(cfg.Sources.WorkDir, cfg.Sources.GitToken))
	checkmarx.SetParallelism(cfg.Worker.TargetParallelism)
	registry := product.NewRegistry(checkmarx, product.NewReportCollector(a.results))

	orchestrators := product.Orchestrators(registry, a.configs, a.results, logStored)
	a.worker = job.NewWorker(a.jobs, job.FromProduct(orchestrators), cfg.Worker)
	return a, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		slog.Warn("Closing database failed", "error", err)
	}
}

func logStored(ctx context.Context, _ *product.JobContext, cfg *models.ProductExecutorConfig, results []*models.ProductResult) {
	failed := 0
	for _, r := range results {
		if r.Failed {
			failed++
		}
	}
	slog.InfoContext(ctx, "Product results stored",
		"config", cfg.Name,
		"results", len(results), "failed", failed)
}
