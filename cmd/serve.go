package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/scanorch/internal/api"
	"github.com/CosmoTheDev/scanorch/internal/config"
	"github.com/CosmoTheDev/scanorch/internal/job"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job worker pool and the HTTP API",
	Long: `Starts the long-running scanorch service: a pool of workers that claim
queued jobs, a resumer that requeues jobs whose worker died, and a local
HTTP API (default: http://127.0.0.1:6090).

Quick API reference:
  GET  /health                      liveness check
  GET  /metrics                     Prometheus metrics
  POST /api/jobs                    queue a job (body: {"project_id":"..","configuration":{..}})
  GET  /api/jobs                    list jobs (?status=RUNNING&limit=50)
  GET  /api/jobs/{uuid}             show a job
  POST /api/jobs/{uuid}/cancel      cancel a job
  GET  /api/jobs/{uuid}/results     product results (?payload=true)`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0,
		"HTTP port to listen on (default 6090, overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.EnsureDir(); err != nil {
		return err
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if servePort > 0 {
		a.cfg.Server.Port = servePort
	}

	resumer := job.NewResumer(a.jobs, time.Duration(a.cfg.Resume.StaleAfterSec)*time.Second, a.worker.Wake)
	if err := resumer.Start(ctx, a.cfg.Resume.Schedule); err != nil {
		return fmt.Errorf("starting resumer: %w", err)
	}
	defer resumer.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.worker.Run(ctx)
	}()

	fmt.Fprintln(os.Stderr, headerStyle.Render("scanorch "+Version))
	srv := api.New(a.cfg.Server, a.jobs, a.results, a.worker.Wake)
	err = srv.ListenAndServe(ctx)
	stop()
	wg.Wait()
	slog.Info("scanorch stopped")
	return err
}
