package product

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/internal/logging"
	"github.com/CosmoTheDev/scanorch/models"
)

// FailureMessage is stored on results whose run failed. Details go to the
// log only.
const FailureMessage = "product execution failed, see server log for details"

// Executor runs one product for a job.
type Executor interface {
	Identifier() Identifier
	Version() int
	ScanType() ScanType
	// Execute returns one result per run. Adapter failures are turned into
	// failed results; only cancellation is returned as error.
	Execute(ctx context.Context, job *JobContext, ec *ExecutorContext) ([]*models.ProductResult, error)
}

// RunFunc performs one adapter run. targets is empty for scan types that do
// not fan out.
type RunFunc func(ctx context.Context, job *JobContext, ec *ExecutorContext, targets adapter.NetworkTargets, cb *ResultCallback) (adapter.Result, error)

// AdapterExecutor is the Executor used by all adapter based products. It
// fans out per network target type and isolates every run.
type AdapterExecutor struct {
	identifier  Identifier
	version     int
	scanType    ScanType
	run         RunFunc
	parallelism int
}

// NewAdapterExecutor returns an executor calling run.
func NewAdapterExecutor(id Identifier, version int, scanType ScanType, run RunFunc) *AdapterExecutor {
	return &AdapterExecutor{identifier: id, version: version, scanType: scanType, run: run, parallelism: 2}
}

// SetParallelism bounds how many target types run at once.
func (e *AdapterExecutor) SetParallelism(n int) *AdapterExecutor {
	if n > 0 {
		e.parallelism = n
	}
	return e
}

func (e *AdapterExecutor) Identifier() Identifier { return e.identifier }
func (e *AdapterExecutor) Version() int           { return e.version }
func (e *AdapterExecutor) ScanType() ScanType     { return e.scanType }

func (e *AdapterExecutor) Execute(ctx context.Context, job *JobContext, ec *ExecutorContext) ([]*models.ProductResult, error) {
	if !e.scanType.NetworkBased() {
		r, err := e.runIsolated(ctx, job, ec, adapter.NetworkTargets{})
		if err != nil {
			return nil, err
		}
		return []*models.ProductResult{r}, nil
	}

	groups := job.Targets(e.scanType)
	if len(groups) == 0 {
		slog.InfoContext(ctx, "No network targets, nothing to run",
			"product", e.identifier, "scan_type", e.scanType)
		return nil, nil
	}

	results := make([]*models.ProductResult, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, targets := range groups {
		g.Go(func() error {
			r, err := e.runIsolated(gctx, job, ec, targets)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *AdapterExecutor) runIsolated(ctx context.Context, job *JobContext, ec *ExecutorContext, targets adapter.NetworkTargets) (*models.ProductResult, error) {
	cb := ec.Callback(targets.Type)
	result := cb.Result()
	if targets.Type != "" {
		ctx = logging.With(ctx, slog.String("target_type", string(targets.Type)))
	}

	res, err := e.run(ctx, job, ec, targets, cb)
	if job.Canceled() || errors.Is(err, adapter.ErrCanceled) || errors.Is(err, context.Canceled) {
		slog.InfoContext(ctx, "Product run interrupted by cancellation")
		return nil, adapter.ErrCanceled
	}

	ended := time.Now().UTC()
	result.Ended = &ended
	result.Result = ""
	result.Canceled = false
	result.Failed = false
	result.Messages = ""
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "Product run failed", "error", err)
		result.Failed = true
		result.Messages = FailureMessage
	case res.Canceled:
		slog.InfoContext(ctx, "Product run canceled by product")
		result.Canceled = true
	default:
		result.Result = res.Payload
		slog.InfoContext(ctx, "Product run finished", "payload_bytes", len(res.Payload))
	}
	return result, nil
}
