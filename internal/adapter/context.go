package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stage names one step of an adapter workflow.
type Stage string

const (
	StageLogin                 Stage = "LOGIN"
	StageEnsureProject         Stage = "ENSURE_PROJECT"
	StageConfigureScanSettings Stage = "CONFIGURE_SCAN_SETTINGS"
	StageUploadSource          Stage = "UPLOAD_SOURCE"
	StageStartScan             Stage = "START_SCAN"
	StageWaitForQueue          Stage = "WAIT_FOR_QUEUE"
	StageWaitForScan           Stage = "WAIT_FOR_SCAN"
	StageStartReport           Stage = "START_REPORT"
	StageWaitForReport         Stage = "WAIT_FOR_REPORT"
	StageDownloadReport        Stage = "DOWNLOAD_REPORT"
	StageDone                  Stage = "DONE"
)

// Result is the outcome of a finished adapter run. Canceled marks a
// legitimate terminal state without payload (for instance nothing to scan).
type Result struct {
	Payload  string
	Canceled bool
}

// Clock abstracts time so polling can be tested without waiting.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Context carries everything one adapter run needs. It is owned by that run
// and never shared between runs.
type Context struct {
	Config   Config
	Callback MetaDataCallback
	// Canceled reports the job level cancel flag; nil means never canceled.
	Canceled func() bool
	Clock    Clock

	metaData *MetaData
	started  time.Time
}

// NewContext returns a Context on the wall clock.
func NewContext(cfg Config, cb MetaDataCallback, canceled func() bool) *Context {
	return &Context{Config: cfg, Callback: cb, Canceled: canceled, Clock: RealClock}
}

// Begin loads former metadata and starts the run timer.
func (c *Context) Begin(ctx context.Context) error {
	if c.Clock == nil {
		c.Clock = RealClock
	}
	c.started = c.Clock.Now()
	md, err := c.Callback.LoadOrNil(ctx)
	if err != nil {
		return fmt.Errorf("loading adapter metadata: %w", err)
	}
	if md == nil {
		md = NewMetaData()
	}
	c.metaData = md
	return nil
}

// MetaData returns the run's metadata.
func (c *Context) MetaData() *MetaData { return c.metaData }

// Record stores key=value and persists the bag before returning.
func (c *Context) Record(ctx context.Context, key, value string) error {
	c.metaData.Set(key, value)
	return c.persist(ctx)
}

// Forget removes keys and persists the bag before returning.
func (c *Context) Forget(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		c.metaData.Remove(k)
	}
	return c.persist(ctx)
}

func (c *Context) persist(ctx context.Context) error {
	if err := c.Callback.Persist(context.WithoutCancel(ctx), c.metaData); err != nil {
		return fmt.Errorf("persisting adapter metadata: %w", err)
	}
	return nil
}

// Elapsed is the time since Begin.
func (c *Context) Elapsed() time.Duration { return c.Clock.Now().Sub(c.started) }

// CheckCanceled returns ErrCanceled when the job was canceled and maps a done
// ctx to ErrCanceled or ErrTimeout.
func (c *Context) CheckCanceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ContextErr(err)
	}
	if c.Canceled != nil && c.Canceled() {
		return ErrCanceled
	}
	return nil
}

// ContextErr translates context errors into the adapter taxonomy.
func ContextErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrCanceled, err)
	default:
		return err
	}
}

// PollState is the answer of one status check.
type PollState int

const (
	// PollPending means check again after the poll interval.
	PollPending PollState = iota
	// PollDone means the awaited state was reached.
	PollDone
	// PollNothingToDo means the product ended the stage without work; the
	// run finishes as canceled with an empty payload.
	PollNothingToDo
)

// Poll calls check every PollInterval until it leaves PollPending. The
// timeout is measured from the start of this stage and capped by the run's
// own deadline.
func (c *Context) Poll(ctx context.Context, stage Stage, check func(context.Context) (PollState, error)) (PollState, error) {
	stageStart := c.Clock.Now()
	for {
		if err := c.CheckCanceled(ctx); err != nil {
			return PollPending, err
		}
		state, err := check(ctx)
		if err != nil {
			return PollPending, err
		}
		if state != PollPending {
			return state, nil
		}
		now := c.Clock.Now()
		if now.Sub(stageStart) >= c.Config.Timeout || now.Sub(c.started) >= c.Config.Timeout {
			return PollPending, fmt.Errorf("%w: %s not finished after %s", ErrTimeout, stage, now.Sub(stageStart).Round(time.Millisecond))
		}
		if err := c.Clock.Sleep(ctx, c.Config.PollInterval); err != nil {
			return PollPending, ContextErr(err)
		}
	}
}
