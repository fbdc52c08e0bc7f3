package product

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/models"
)

// ResultSaver durably writes one product result.
type ResultSaver interface {
	Save(ctx context.Context, r *models.ProductResult) error
}

// ExecutorContext is handed to an executor for one (job, executor config)
// pair. It owns the former results of that pair and gives each adapter run
// a ResultCallback bound to the result it will fill.
//
// ExecutorContext itself implements adapter.MetaDataCallback for the single
// run of executors that do not fan out.
type ExecutorContext struct {
	Job    *JobContext
	Config *models.ProductExecutorConfig

	saver ResultSaver
	now   func() time.Time

	mu      sync.Mutex
	formers []*models.ProductResult
	runs    []*ResultCallback
}

// NewExecutorContext returns a context for cfg. formers are the results a
// previous attempt of the same job and config left behind.
func NewExecutorContext(job *JobContext, cfg *models.ProductExecutorConfig, formers []*models.ProductResult, saver ResultSaver) *ExecutorContext {
	return &ExecutorContext{
		Job:     job,
		Config:  cfg,
		saver:   saver,
		now:     time.Now,
		formers: formers,
	}
}

// Callback returns the callback of the run for targetType ("" for runs
// without network targets). The first call for a target type picks the
// former result of that type, so the adapter resumes from its metadata;
// without one a fresh result is started.
func (e *ExecutorContext) Callback(targetType adapter.NetworkTargetType) *ResultCallback {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.runs {
		if r.targetType == targetType {
			return r
		}
	}

	var result *models.ProductResult
	for _, f := range e.formers {
		if f.TargetType == string(targetType) {
			result = f
			break
		}
	}
	if result == nil {
		result = &models.ProductResult{
			UUID:               uuid.NewString(),
			JobUUID:            e.Job.UUID,
			ProjectID:          e.Job.ProjectID,
			ProductID:          e.Config.ProductID,
			ExecutorConfigUUID: e.Config.UUID,
			TargetType:         string(targetType),
		}
	}
	now := e.now().UTC()
	result.Started = &now
	result.Ended = nil

	cb := &ResultCallback{result: result, saver: e.saver, targetType: targetType}
	e.runs = append(e.runs, cb)
	return cb
}

// InFlight returns the results of all runs started so far.
func (e *ExecutorContext) InFlight() []*models.ProductResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.ProductResult, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r.result)
	}
	return out
}

// LoadOrNil implements adapter.MetaDataCallback for the single run.
func (e *ExecutorContext) LoadOrNil(ctx context.Context) (*adapter.MetaData, error) {
	return e.Callback("").LoadOrNil(ctx)
}

// Persist implements adapter.MetaDataCallback for the single run.
func (e *ExecutorContext) Persist(ctx context.Context, md *adapter.MetaData) error {
	return e.Callback("").Persist(ctx, md)
}

// ResultCallback persists adapter metadata into the result of one run.
type ResultCallback struct {
	mu         sync.Mutex
	result     *models.ProductResult
	saver      ResultSaver
	targetType adapter.NetworkTargetType
}

// Result returns the result this run fills.
func (c *ResultCallback) Result() *models.ProductResult { return c.result }

// LoadOrNil returns the metadata recorded so far, or nil.
func (c *ResultCallback) LoadOrNil(context.Context) (*adapter.MetaData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return adapter.ParseMetaData(c.result.MetaData)
}

// Persist writes md into the result and saves it before returning.
func (c *ResultCallback) Persist(ctx context.Context, md *adapter.MetaData) error {
	s, err := md.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.MetaData = s
	if c.saver == nil {
		return nil
	}
	if err := c.saver.Save(ctx, c.result); err != nil {
		return fmt.Errorf("saving metadata of result %s: %w", c.result.UUID, err)
	}
	return nil
}
