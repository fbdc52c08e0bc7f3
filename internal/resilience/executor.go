package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/internal/metrics"
)

// Callback is told about every retry before it happens. Returning an error
// aborts the action with that error.
type Callback interface {
	BeforeRetry(ctx context.Context, rc *Context) error
}

// sleeper is an interface for waiting, allowing tests to skip real sleeps.
type sleeper interface {
	sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor runs actions and retries them as its consultants propose. One
// Executor is shared by all runs of a product executor; the fall-through
// window is therefore shared as well.
type Executor struct {
	name        string
	consultants []Consultant
	sleeper     sleeper
	now         func() time.Time

	mu               sync.Mutex
	fallthroughUntil time.Time
	fallthroughErr   error
}

// NewExecutor returns an executor consulting consultants in order. name
// labels log lines and metrics.
func NewExecutor(name string, consultants ...Consultant) *Executor {
	return &Executor{
		name:        name,
		consultants: consultants,
		sleeper:     realSleeper{},
		now:         time.Now,
	}
}

// Add registers another consultant after the existing ones.
func (e *Executor) Add(c Consultant) {
	e.consultants = append(e.consultants, c)
}

// Execute runs action until it succeeds or no consultant proposes another try.
// A retry proposal is honoured up to its MaxRetries. Once it is used up the
// consultants after the one that proposed it are asked for a fall-through;
// either way the last error is returned unchanged.
func Execute[T any](ctx context.Context, e *Executor, cb Callback, action func(context.Context) (T, error)) (T, error) {
	var zero T
	rc := &Context{}
	for {
		if err := e.fallthroughError(); err != nil {
			return zero, err
		}

		v, err := action(ctx)
		if err == nil {
			return v, nil
		}
		rc.Err = err

		p, idx := e.consult(rc, 0)
		switch p := p.(type) {
		case *RetryProposal:
			if rc.AlreadyDoneRetries >= p.MaxRetries {
				slog.WarnContext(ctx, "Giving up after retries",
					"executor", e.name, "retries", rc.AlreadyDoneRetries, "class", p.Info, "error", err)
				if fp := e.consultFallthrough(rc, idx+1); fp != nil {
					e.fallThrough(ctx, err, fp)
				}
				return zero, err
			}
			slog.WarnContext(ctx, "Retrying failed action",
				"executor", e.name,
				"attempt", rc.AlreadyDoneRetries+1,
				"max_retries", p.MaxRetries,
				"wait", p.Wait,
				"class", p.Info,
				"error", err,
			)
			metrics.Retry(e.name, p.Info)
			if serr := e.sleeper.sleep(ctx, p.Wait); serr != nil {
				return zero, fmt.Errorf("waiting to retry after %v: %w", err, adapter.ContextErr(serr))
			}
			rc.AlreadyDoneRetries++
			if cb != nil {
				if cerr := cb.BeforeRetry(ctx, rc); cerr != nil {
					return zero, fmt.Errorf("preparing retry: %w", cerr)
				}
			}
		case *FallthroughProposal:
			e.fallThrough(ctx, err, p)
			return zero, err
		default:
			return zero, err
		}
	}
}

// consult returns the first proposal made by the consultants from index
// from on, together with the index of the consultant that made it.
func (e *Executor) consult(rc *Context, from int) (Proposal, int) {
	for i := from; i < len(e.consultants); i++ {
		if p := e.consultants[i].Consult(rc); p != nil {
			return p, i
		}
	}
	return nil, -1
}

// consultFallthrough returns the first fall-through proposal made by the
// consultants from index from on. Retry proposals are skipped.
func (e *Executor) consultFallthrough(rc *Context, from int) *FallthroughProposal {
	for {
		p, idx := e.consult(rc, from)
		if p == nil {
			return nil
		}
		if fp, ok := p.(*FallthroughProposal); ok {
			return fp
		}
		from = idx + 1
	}
}

func (e *Executor) fallThrough(ctx context.Context, err error, p *FallthroughProposal) {
	e.mu.Lock()
	e.fallthroughErr = err
	e.fallthroughUntil = e.now().Add(p.Duration)
	e.mu.Unlock()
	slog.WarnContext(ctx, "Failing fast for a while",
		"executor", e.name, "duration", p.Duration, "class", p.Info, "error", err)
}

func (e *Executor) fallthroughError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fallthroughErr == nil {
		return nil
	}
	if e.now().Before(e.fallthroughUntil) {
		return e.fallthroughErr
	}
	e.fallthroughErr = nil
	return nil
}

// FallthroughConsultant proposes a fall-through window for failures of the
// given classes. Registered after the retry consultants, it applies once
// their retries are used up or when they never retry that class.
type FallthroughConsultant struct {
	Duration time.Duration
	Classes  []Class
}

func (c FallthroughConsultant) Consult(rc *Context) Proposal {
	if c.Duration <= 0 {
		return nil
	}
	class := Classify(rc.Err)
	for _, want := range c.Classes {
		if class == want {
			return &FallthroughProposal{Duration: c.Duration, Info: class.String()}
		}
	}
	return nil
}
