package product

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/internal/logging"
	"github.com/CosmoTheDev/scanorch/internal/metrics"
	"github.com/CosmoTheDev/scanorch/models"
)

// Synthetic config used when no report collector is configured.
const (
	FallbackConfigName    = "SERECO_FALLBACK"
	FallbackConfigBaseURL = "embedded"
	FallbackConfigVersion = 1
)

// ResultStore finds, saves and deletes product results.
type ResultStore interface {
	ResultSaver
	FindByJobAndConfig(ctx context.Context, jobUUID, configUUID string) ([]*models.ProductResult, error)
	FindByJobAndProduct(ctx context.Context, jobUUID, productID string) ([]*models.ProductResult, error)
	Delete(ctx context.Context, r *models.ProductResult) error
}

// ConfigStore finds the executor configs that apply to a project.
type ConfigStore interface {
	FindEnabled(ctx context.Context, projectID, productID string, version int) ([]*models.ProductExecutorConfig, error)
}

// AfterResultsStored is called once the results of one config are stored.
type AfterResultsStored func(ctx context.Context, job *JobContext, cfg *models.ProductExecutorConfig, results []*models.ProductResult)

// Orchestrator runs the executors of one scan type for a job and stores
// their results.
type Orchestrator struct {
	scanType ScanType
	registry *Registry
	configs  ConfigStore
	results  ResultStore
	locks    *keyedMutex
	after    AfterResultsStored
}

// Orchestrators returns one orchestrator per scan type, in job order. They
// share one lock table so a (job, config) pair never runs twice at once.
func Orchestrators(registry *Registry, configs ConfigStore, results ResultStore, after AfterResultsStored) []*Orchestrator {
	locks := newKeyedMutex()
	var out []*Orchestrator
	for _, t := range ScanTypes() {
		out = append(out, &Orchestrator{
			scanType: t,
			registry: registry,
			configs:  configs,
			results:  results,
			locks:    locks,
			after:    after,
		})
	}
	return out
}

// NewOrchestrator returns the orchestrator of scanType.
func NewOrchestrator(scanType ScanType, registry *Registry, configs ConfigStore, results ResultStore, after AfterResultsStored) *Orchestrator {
	return &Orchestrator{
		scanType: scanType,
		registry: registry,
		configs:  configs,
		results:  results,
		locks:    newKeyedMutex(),
		after:    after,
	}
}

// ScanType returns the scan type this orchestrator handles.
func (o *Orchestrator) ScanType() ScanType { return o.scanType }

// ExecuteAndStore runs every configured executor of the scan type. A failing
// executor is stored as failed result and does not stop the others; only
// storage failures are returned. After cancellation nothing further is
// stored.
func (o *Orchestrator) ExecuteAndStore(ctx context.Context, job *JobContext) error {
	if job.Canceled() {
		return nil
	}
	if !job.Requires(o.scanType) {
		slog.DebugContext(ctx, "Scan type not requested", "scan_type", o.scanType)
		return nil
	}

	ranWithConfig := false
	for _, exec := range o.registry.ForScanType(o.scanType) {
		if job.Canceled() {
			return nil
		}
		configs, err := o.configs.FindEnabled(ctx, job.ProjectID, string(exec.Identifier()), exec.Version())
		if err != nil {
			return fmt.Errorf("loading configs of %s for project %s: %w", exec.Identifier(), job.ProjectID, err)
		}
		if len(configs) == 0 {
			slog.InfoContext(ctx, "No executor config for project, skipping product",
				"product", exec.Identifier(), "version", exec.Version())
			continue
		}
		for _, cfg := range configs {
			if job.Canceled() {
				return nil
			}
			ranWithConfig = true
			stop, err := o.executeConfig(ctx, job, exec, cfg, false)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}

	if o.scanType == ScanTypeReport && !ranWithConfig {
		return o.runReportFallback(ctx, job)
	}
	return nil
}

func (o *Orchestrator) runReportFallback(ctx context.Context, job *JobContext) error {
	execs := o.registry.ForScanType(ScanTypeReport)
	if len(execs) == 0 || job.Canceled() {
		return nil
	}
	exec := execs[0]
	now := time.Now().UTC()
	cfg := &models.ProductExecutorConfig{
		UUID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte(FallbackConfigName+"/"+job.UUID)).String(),
		Name:            FallbackConfigName,
		ProductID:       string(exec.Identifier()),
		ExecutorVersion: FallbackConfigVersion,
		Enabled:         true,
		Setup:           fmt.Sprintf(`{"base_url":%q}`, FallbackConfigBaseURL),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	slog.InfoContext(ctx, "No report collector configured, using fallback",
		"product", exec.Identifier())
	_, err := o.executeConfig(ctx, job, exec, cfg, true)
	return err
}

// executeConfig runs exec for one config. stop is true when the job was
// canceled meanwhile.
func (o *Orchestrator) executeConfig(ctx context.Context, job *JobContext, exec Executor, cfg *models.ProductExecutorConfig, fallback bool) (stop bool, err error) {
	unlock := o.locks.Lock(job.UUID + "/" + cfg.UUID)
	defer unlock()

	ctx = logging.With(ctx,
		slog.String("product", string(exec.Identifier())),
		slog.String("executor_config", cfg.UUID),
		slog.String("scan_type", string(o.scanType)),
	)

	var formers []*models.ProductResult
	if fallback {
		formers, err = o.results.FindByJobAndProduct(ctx, job.UUID, cfg.ProductID)
	} else {
		formers, err = o.results.FindByJobAndConfig(ctx, job.UUID, cfg.UUID)
	}
	if err != nil {
		return false, fmt.Errorf("loading former results of config %s: %w", cfg.UUID, err)
	}
	if len(formers) > 0 {
		slog.InfoContext(ctx, "Resuming from former results", "former_results", len(formers))
	}

	ec := NewExecutorContext(job, cfg, formers, o.results)
	results, execErr := o.execute(ctx, exec, job, ec)
	if job.Canceled() || errors.Is(execErr, adapter.ErrCanceled) {
		slog.InfoContext(ctx, "Job canceled, results of this run are not stored")
		return true, nil
	}
	if execErr != nil {
		slog.ErrorContext(ctx, "Executor failed", "error", execErr)
		results = []*models.ProductResult{failedResult(ec)}
	}

	for _, r := range results {
		if err := o.results.Save(ctx, r); err != nil {
			return false, fmt.Errorf("storing result of config %s: %w", cfg.UUID, err)
		}
		metrics.ProductResult(r.ProductID, outcome(r))
	}
	for _, f := range formers {
		if containsIdentical(results, f) {
			continue
		}
		if err := o.results.Delete(ctx, f); err != nil {
			return false, fmt.Errorf("deleting former result %s: %w", f.UUID, err)
		}
	}
	if o.after != nil {
		o.after(ctx, job, cfg, results)
	}
	return false, nil
}

// execute recovers panics so one broken executor cannot take the worker
// down.
func (o *Orchestrator) execute(ctx context.Context, exec Executor, job *JobContext, ec *ExecutorContext) (results []*models.ProductResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor %s panicked: %v", exec.Identifier(), p)
		}
	}()
	return exec.Execute(ctx, job, ec)
}

// failedResult reuses the result an adapter already wrote metadata into, so
// its milestones survive.
func failedResult(ec *ExecutorContext) *models.ProductResult {
	var r *models.ProductResult
	if inflight := ec.InFlight(); len(inflight) > 0 {
		r = inflight[0]
	} else {
		r = ec.Callback("").Result()
	}
	ended := time.Now().UTC()
	r.Ended = &ended
	r.Result = ""
	r.Canceled = false
	r.Failed = true
	r.Messages = FailureMessage
	return r
}

func containsIdentical(results []*models.ProductResult, r *models.ProductResult) bool {
	for _, x := range results {
		if x == r {
			return true
		}
	}
	return false
}

func outcome(r *models.ProductResult) string {
	switch {
	case r.Failed:
		return "failed"
	case r.Canceled:
		return "canceled"
	default:
		return "ok"
	}
}
