// Package checkmarx drives a static code scan on a Checkmarx SAST server:
// login, project setup, source upload, scan, report. Every side effect is
// recorded in the run's metadata before the next call so an interrupted run
// resumes where it stopped.
package checkmarx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/internal/metrics"
)

// Name identifies the adapter in errors, logs and metrics.
const Name = "checkmarx"

// Milestone keys.
const (
	KeyProjectID  = "checkmarx.project.id"
	KeyUploadDone = "checkmarx.upload.done"
	KeyScanID     = "checkmarx.scan.id"
	KeyReportID   = "checkmarx.report.id"
)

// EmptySourceMessage is the queue failure Checkmarx reports when there is
// nothing it can scan. Such a run ends canceled, not failed.
const EmptySourceMessage = "source folder is empty, all source files are of an unsupported language or file format"

// ThresholdMessage is the failure of an incremental scan whose change set is
// too large; a full scan is needed instead.
const ThresholdMessage = "Changes exceeded the threshold limit"

// SourceFunc opens the zipped source archive. It is only called when the
// source has not been uploaded yet.
type SourceFunc func(ctx context.Context) (io.ReadCloser, error)

// Options are the Checkmarx specific settings of a run.
type Options struct {
	TeamID       string
	PresetID     int64 // 0 keeps the server default
	EngineConfig string
	ClientID     string
	ClientSecret adapter.Secret
	Scope        string
	// AlwaysFullScan disables incremental scans.
	AlwaysFullScan bool
	Source         SourceFunc
}

// Adapter runs Checkmarx scans. It holds no per-run state.
type Adapter struct{}

// New returns the adapter.
func New() *Adapter { return &Adapter{} }

// Execute runs the workflow. A run whose source is not scannable returns a
// canceled Result with empty payload. Errors are tagged with the stage that
// failed.
func (a *Adapter) Execute(ctx context.Context, ac *adapter.Context, opts Options) (adapter.Result, error) {
	cfg := ac.Config
	if err := ac.Begin(ctx); err != nil {
		return adapter.Result{}, adapter.Wrap(Name, cfg.TraceID, adapter.StageLogin, err)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	c, err := newClient(cfg, opts)
	if err != nil {
		return adapter.Result{}, adapter.Wrap(Name, cfg.TraceID, adapter.StageLogin, err)
	}
	r := &run{ac: ac, opts: opts, client: c}

	steps := []struct {
		stage adapter.Stage
		fn    func(context.Context) (adapter.PollState, error)
	}{
		{adapter.StageLogin, r.login},
		{adapter.StageEnsureProject, r.ensureProject},
		{adapter.StageConfigureScanSettings, r.configureScanSettings},
		{adapter.StageUploadSource, r.uploadSource},
		{adapter.StageStartScan, r.startScan},
		{adapter.StageWaitForQueue, r.waitForQueue},
		{adapter.StageWaitForScan, r.waitForScan},
		{adapter.StageStartReport, r.startReport},
		{adapter.StageWaitForReport, r.waitForReport},
		{adapter.StageDownloadReport, r.downloadReport},
	}
	for _, s := range steps {
		if err := ac.CheckCanceled(ctx); err != nil {
			return adapter.Result{}, adapter.Wrap(Name, cfg.TraceID, s.stage, err)
		}
		start := time.Now()
		state, err := s.fn(ctx)
		metrics.ObserveStage(Name, string(s.stage), time.Since(start), err)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, adapter.ErrTimeout) && !errors.Is(err, adapter.ErrCanceled) {
				err = fmt.Errorf("%w: %w", adapter.ContextErr(ctxErr), err)
			}
			return adapter.Result{}, adapter.Wrap(Name, cfg.TraceID, s.stage, err)
		}
		if state == adapter.PollNothingToDo {
			slog.InfoContext(ctx, "Checkmarx had nothing to scan",
				"trace_id", cfg.TraceID, "project", cfg.ProjectID, "stage", s.stage)
			return adapter.Result{Canceled: true}, nil
		}
	}
	slog.InfoContext(ctx, "Checkmarx scan finished",
		"trace_id", cfg.TraceID, "project", cfg.ProjectID, "report_bytes", len(r.report), "elapsed", ac.Elapsed())
	return adapter.Result{Payload: string(r.report)}, nil
}

type run struct {
	ac     *adapter.Context
	opts   Options
	client *client

	projectID  int64
	newProject bool
	scanID     int64
	reportID   int64
	report     []byte
}

func (r *run) skipped(ctx context.Context, stage adapter.Stage, key string) {
	slog.DebugContext(ctx, "Milestone already reached, skipping", "stage", stage, "key", key, "trace_id", r.ac.Config.TraceID)
	metrics.StageSkipped(Name, string(stage))
}

func (r *run) login(ctx context.Context) (adapter.PollState, error) {
	return adapter.PollDone, r.client.login(ctx)
}

func (r *run) ensureProject(ctx context.Context) (adapter.PollState, error) {
	md := r.ac.MetaData()
	id, ok, err := md.Long(KeyProjectID)
	if err != nil {
		return adapter.PollDone, err
	}
	if ok {
		r.projectID = id
		r.skipped(ctx, adapter.StageEnsureProject, KeyProjectID)
		return adapter.PollDone, nil
	}

	name := r.ac.Config.ProjectID
	id, found, err := r.client.findProject(ctx, name, r.opts.TeamID)
	if err != nil {
		return adapter.PollDone, err
	}
	if !found {
		id, err = r.client.createProject(ctx, name, r.opts.TeamID)
		if err != nil {
			return adapter.PollDone, err
		}
		r.newProject = true
		slog.InfoContext(ctx, "Created Checkmarx project", "project", name, "checkmarx_project_id", id)
	}
	r.projectID = id
	return adapter.PollDone, r.ac.Record(ctx, KeyProjectID, strconv.FormatInt(id, 10))
}

// configureScanSettings only touches projects created by this run; existing
// projects keep whatever their owners configured.
func (r *run) configureScanSettings(ctx context.Context) (adapter.PollState, error) {
	if !r.newProject {
		return adapter.PollDone, nil
	}
	current, err := r.client.scanSettings(ctx, r.projectID)
	if err != nil {
		return adapter.PollDone, err
	}
	engines, err := r.client.engineConfigurations(ctx)
	if err != nil {
		return adapter.PollDone, err
	}

	presetID := current.Preset.ID
	update := false
	if r.opts.PresetID != 0 {
		presetID = r.opts.PresetID
		update = true
	}
	engineID := current.EngineConfiguration.ID
	if e, ok := findEngine(engines, r.opts.EngineConfig); !ok {
		slog.WarnContext(ctx, "Engine configuration not available on server", "engine_configuration", r.opts.EngineConfig)
	} else if e.ID != engineID {
		engineID = e.ID
		update = true
	}
	if !update {
		return adapter.PollDone, nil
	}
	projectID := current.Project.ID
	if projectID == 0 {
		projectID = r.projectID
	}
	return adapter.PollDone, r.client.updateScanSettings(ctx, projectID, presetID, engineID)
}

func findEngine(engines []engineConfiguration, name string) (engineConfiguration, bool) {
	for _, e := range engines {
		if e.Name == name {
			return e, true
		}
	}
	return engineConfiguration{}, false
}

func (r *run) uploadSource(ctx context.Context) (adapter.PollState, error) {
	if r.ac.MetaData().Bool(KeyUploadDone) {
		r.skipped(ctx, adapter.StageUploadSource, KeyUploadDone)
		return adapter.PollDone, nil
	}
	if r.opts.Source == nil {
		return adapter.PollDone, fmt.Errorf("%w: no source archive available", adapter.ErrInvalidArgument)
	}
	rc, err := r.opts.Source(ctx)
	if err != nil {
		return adapter.PollDone, fmt.Errorf("opening source archive: %w", err)
	}
	archive, err := io.ReadAll(rc)
	rc.Close() //nolint:errcheck
	if err != nil {
		return adapter.PollDone, fmt.Errorf("reading source archive: %w", err)
	}
	if err := r.client.uploadSource(ctx, r.projectID, archive); err != nil {
		return adapter.PollDone, err
	}
	return adapter.PollDone, r.ac.Record(ctx, KeyUploadDone, "true")
}

func (r *run) startScan(ctx context.Context) (adapter.PollState, error) {
	id, ok, err := r.ac.MetaData().Long(KeyScanID)
	if err != nil {
		return adapter.PollDone, err
	}
	if ok {
		r.scanID = id
		r.skipped(ctx, adapter.StageStartScan, KeyScanID)
		return adapter.PollDone, nil
	}
	id, err = r.client.startScan(ctx, r.projectID, !r.opts.AlwaysFullScan, "job:"+r.ac.Config.TraceID)
	if err != nil {
		return adapter.PollDone, err
	}
	r.scanID = id
	slog.InfoContext(ctx, "Started Checkmarx scan",
		"scan_id", id, "incremental", !r.opts.AlwaysFullScan, "trace_id", r.ac.Config.TraceID)
	return adapter.PollDone, r.ac.Record(ctx, KeyScanID, strconv.FormatInt(id, 10))
}

func (r *run) waitForQueue(ctx context.Context) (adapter.PollState, error) {
	return r.ac.Poll(ctx, adapter.StageWaitForQueue, func(ctx context.Context) (adapter.PollState, error) {
		q, err := r.client.queueStatus(ctx, r.scanID)
		// Scans that left the queue are no longer listed.
		if adapter.StatusCode(err) == 404 {
			return adapter.PollDone, nil
		}
		if err != nil {
			return adapter.PollPending, fmt.Errorf("fetching queue status of scan %d: %w", r.scanID, err)
		}
		switch q.Stage.Value {
		case "Finished":
			return adapter.PollDone, nil
		case "Failed":
			if strings.Contains(strings.ToLower(q.StageDetails), EmptySourceMessage) {
				return adapter.PollNothingToDo, nil
			}
			return adapter.PollPending, fmt.Errorf("scan %d failed in queue: %s", r.scanID, q.StageDetails)
		case "Canceled":
			return adapter.PollNothingToDo, nil
		default:
			return adapter.PollPending, nil
		}
	})
}

func (r *run) waitForScan(ctx context.Context) (adapter.PollState, error) {
	return r.ac.Poll(ctx, adapter.StageWaitForScan, func(ctx context.Context) (adapter.PollState, error) {
		status, err := r.client.scanStatus(ctx, r.scanID)
		if err != nil {
			return adapter.PollPending, err
		}
		switch status {
		case "Finished":
			return adapter.PollDone, nil
		case "Failed", "Canceled":
			return adapter.PollPending, fmt.Errorf("scan %d ended with status %s", r.scanID, status)
		default:
			return adapter.PollPending, nil
		}
	})
}

func (r *run) startReport(ctx context.Context) (adapter.PollState, error) {
	id, ok, err := r.ac.MetaData().Long(KeyReportID)
	if err != nil {
		return adapter.PollDone, err
	}
	if ok {
		r.reportID = id
		r.skipped(ctx, adapter.StageStartReport, KeyReportID)
		return adapter.PollDone, nil
	}
	id, err = r.client.createReport(ctx, r.scanID)
	if err != nil {
		return adapter.PollDone, err
	}
	r.reportID = id
	return adapter.PollDone, r.ac.Record(ctx, KeyReportID, strconv.FormatInt(id, 10))
}

func (r *run) waitForReport(ctx context.Context) (adapter.PollState, error) {
	return r.ac.Poll(ctx, adapter.StageWaitForReport, func(ctx context.Context) (adapter.PollState, error) {
		status, err := r.client.reportStatus(ctx, r.reportID)
		if err != nil {
			return adapter.PollPending, err
		}
		switch status {
		case "Created":
			return adapter.PollDone, nil
		case "Failed":
			return adapter.PollPending, fmt.Errorf("report %d generation failed", r.reportID)
		default:
			return adapter.PollPending, nil
		}
	})
}

func (r *run) downloadReport(ctx context.Context) (adapter.PollState, error) {
	b, err := r.client.downloadReport(ctx, r.reportID)
	if err != nil {
		return adapter.PollDone, err
	}
	r.report = b
	return adapter.PollDone, nil
}
