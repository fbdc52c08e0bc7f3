package product

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/internal/adapter/checkmarx"
	"github.com/CosmoTheDev/scanorch/internal/config"
	"github.com/CosmoTheDev/scanorch/internal/resilience"
	"github.com/CosmoTheDev/scanorch/models"
)

// Executor config parameters understood by the checkmarx executor. They
// override the installation-wide checkmarx settings.
const (
	ParamCheckmarxTeamID         = "checkmarx.newproject.teamid"
	ParamCheckmarxPresetID       = "checkmarx.newproject.presetid"
	ParamCheckmarxEngineConfig   = "checkmarx.engine.configuration"
	ParamCheckmarxAlwaysFullScan = "checkmarx.fullscan.always"
	ParamCheckmarxClientSecret   = "checkmarx.client.secret"
)

const keyFullScanFallback = "checkmarx.fullscan.fallback"

// SourceOpener opens the zipped source archive of a job.
type SourceOpener interface {
	Open(ctx context.Context, ref models.SourceRef) (io.ReadCloser, error)
}

// CheckmarxExecutor runs code scans with the checkmarx adapter.
type CheckmarxExecutor struct {
	*AdapterExecutor

	adapter  *checkmarx.Adapter
	cfg      config.CheckmarxConfig
	retry    *resilience.Executor
	sources  SourceOpener
	newClock func() adapter.Clock
}

// NewCheckmarxExecutor returns the checkmarx code scan executor.
func NewCheckmarxExecutor(cfg config.CheckmarxConfig, res config.ResilienceConfig, sources SourceOpener) *CheckmarxExecutor {
	retry := resilience.NewExecutor("checkmarx",
		thresholdConsultant{},
		resilience.NewHTTPConsultant(resilience.PoliciesFromConfig(res)),
	)
	if res.FallthroughSec > 0 {
		retry.Add(resilience.FallthroughConsultant{
			Duration: time.Duration(res.FallthroughSec) * time.Second,
			Classes:  []resilience.Class{resilience.ClassServerError, resilience.ClassNetwork},
		})
	}
	e := &CheckmarxExecutor{
		adapter:  checkmarx.New(),
		cfg:      cfg,
		retry:    retry,
		sources:  sources,
		newClock: func() adapter.Clock { return adapter.RealClock },
	}
	e.AdapterExecutor = NewAdapterExecutor(IdentifierCheckmarx, 1, ScanTypeCode, e.runScan)
	return e
}

func (e *CheckmarxExecutor) runScan(ctx context.Context, job *JobContext, ec *ExecutorContext, targets adapter.NetworkTargets, cb *ResultCallback) (adapter.Result, error) {
	setup, err := ParseSetup(ec.Config.Setup)
	if err != nil {
		return adapter.Result{}, err
	}
	cfg, err := e.adapterConfig(job, setup, targets)
	if err != nil {
		return adapter.Result{}, err
	}
	opts, err := e.options(job, setup)
	if err != nil {
		return adapter.Result{}, err
	}

	fallback := &fullScanFallback{}
	return resilience.Execute(ctx, e.retry, fallback, func(ctx context.Context) (adapter.Result, error) {
		run := opts
		run.AlwaysFullScan = opts.AlwaysFullScan || fallback.active
		ac := adapter.NewContext(cfg, cb, job.Canceled)
		ac.Clock = e.newClock()
		fallback.last = ac
		return e.adapter.Execute(ctx, ac, run)
	})
}

func (e *CheckmarxExecutor) adapterConfig(job *JobContext, setup Setup, targets adapter.NetworkTargets) (adapter.Config, error) {
	password, err := setup.Secret()
	if err != nil {
		return adapter.Config{}, err
	}
	b := adapter.NewBuilder().
		SetUser(setup.User).
		SetPassword(password).
		SetBaseURL(setup.BaseURL).
		SetProjectID(job.ProjectID).
		SetTargets(targets).
		SetTraceID(job.UUID).
		SetTrustAllCertificates(e.cfg.TrustAll).
		SetPollInterval(time.Duration(e.cfg.PollIntervalMillis) * time.Millisecond).
		SetTimeout(time.Duration(e.cfg.TimeoutMinutes) * time.Minute).
		SetRequestsPerSecond(e.cfg.RequestsPerSecond)
	if e.cfg.ProxyHost != "" {
		b.SetProxy(e.cfg.ProxyHost, e.cfg.ProxyPort, adapter.ProxyType(e.cfg.ProxyType))
	}
	for k, v := range setup.Parameters {
		if k != ParamCheckmarxClientSecret {
			b.SetOption(k, v)
		}
	}
	return b.Build()
}

func (e *CheckmarxExecutor) options(job *JobContext, setup Setup) (checkmarx.Options, error) {
	preset, err := setup.ParamInt64(ParamCheckmarxPresetID, e.cfg.PresetID)
	if err != nil {
		return checkmarx.Options{}, err
	}
	teamID := setup.Param(ParamCheckmarxTeamID, e.cfg.TeamID)
	if teamID == "" {
		return checkmarx.Options{}, fmt.Errorf("%w: no checkmarx team id configured", adapter.ErrInvalidArgument)
	}
	ref, ok := job.Source(ScanTypeCode)
	if !ok {
		return checkmarx.Options{}, fmt.Errorf("%w: job has no code scan source", adapter.ErrInvalidArgument)
	}
	opts := checkmarx.Options{
		TeamID:         teamID,
		PresetID:       preset,
		EngineConfig:   setup.Param(ParamCheckmarxEngineConfig, e.cfg.EngineConfig),
		ClientID:       e.cfg.ClientID,
		ClientSecret:   adapter.NewSecret(setup.Param(ParamCheckmarxClientSecret, e.cfg.ClientSecret)),
		Scope:          e.cfg.Scope,
		AlwaysFullScan: setup.ParamBool(ParamCheckmarxAlwaysFullScan, false),
	}
	if e.sources != nil {
		opts.Source = func(ctx context.Context) (io.ReadCloser, error) {
			return e.sources.Open(ctx, ref)
		}
	}
	return opts, nil
}

// thresholdConsultant asks for exactly one more attempt when an incremental
// scan was refused because too much changed.
type thresholdConsultant struct{}

func (thresholdConsultant) Consult(rc *resilience.Context) resilience.Proposal {
	if rc.Err == nil || !strings.Contains(rc.Err.Error(), checkmarx.ThresholdMessage) {
		return nil
	}
	if rc.Value(keyFullScanFallback) == "true" {
		return nil
	}
	return &resilience.RetryProposal{MaxRetries: rc.AlreadyDoneRetries + 1, Info: "full_scan_fallback"}
}

// fullScanFallback switches the next attempt to a full scan. Upload and scan
// milestones of the failed attempt are dropped so the source is uploaded and
// scanned again.
type fullScanFallback struct {
	last   *adapter.Context
	active bool
}

func (f *fullScanFallback) BeforeRetry(ctx context.Context, rc *resilience.Context) error {
	if f.active || !strings.Contains(rc.Err.Error(), checkmarx.ThresholdMessage) {
		return nil
	}
	f.active = true
	rc.Set(keyFullScanFallback, "true")
	if f.last == nil || f.last.MetaData() == nil {
		return nil
	}
	return f.last.Forget(ctx, checkmarx.KeyScanID, checkmarx.KeyUploadDone, checkmarx.KeyReportID)
}
