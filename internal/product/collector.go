package product

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/CosmoTheDev/scanorch/models"
)

// JobResultReader lists all results of a job.
type JobResultReader interface {
	FindByJob(ctx context.Context, jobUUID string) ([]*models.ProductResult, error)
}

// Report is the payload of the report collector.
type Report struct {
	JobUUID     string          `json:"job_uuid"`
	ProjectID   string          `json:"project_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Status      string          `json:"status"`
	Products    []ReportProduct `json:"products"`
}

// ReportProduct summarises one product result without interpreting its
// payload.
type ReportProduct struct {
	Product        string `json:"product"`
	ExecutorConfig string `json:"executor_config"`
	TargetType     string `json:"target_type,omitempty"`
	Status         string `json:"status"`
	PayloadBytes   int    `json:"payload_bytes"`
	PayloadRef     string `json:"payload_ref,omitempty"`
	Messages       string `json:"messages,omitempty"`
}

// Report and product statuses.
const (
	StatusOK       = "OK"
	StatusFailed   = "FAILED"
	StatusCanceled = "CANCELED"
	StatusPartial  = "PARTIAL"
)

// ReportCollector is the built-in report executor. It aggregates the
// results of all other products of a job.
type ReportCollector struct {
	results JobResultReader
	now     func() time.Time
}

// NewReportCollector returns the collector reading from results.
func NewReportCollector(results JobResultReader) *ReportCollector {
	return &ReportCollector{results: results, now: time.Now}
}

func (c *ReportCollector) Identifier() Identifier { return IdentifierSereco }
func (c *ReportCollector) Version() int           { return 1 }
func (c *ReportCollector) ScanType() ScanType     { return ScanTypeReport }

func (c *ReportCollector) Execute(ctx context.Context, job *JobContext, ec *ExecutorContext) ([]*models.ProductResult, error) {
	all, err := c.results.FindByJob(ctx, job.UUID)
	if err != nil {
		return nil, fmt.Errorf("loading results of job %s: %w", job.UUID, err)
	}

	report := Report{
		JobUUID:     job.UUID,
		ProjectID:   job.ProjectID,
		GeneratedAt: c.now().UTC(),
		Products:    []ReportProduct{},
	}
	failed := 0
	for _, r := range all {
		if r.ProductID == string(IdentifierSereco) {
			continue
		}
		p := ReportProduct{
			Product:        r.ProductID,
			ExecutorConfig: r.ExecutorConfigUUID,
			TargetType:     r.TargetType,
			Status:         StatusOK,
			PayloadBytes:   payloadBytes(r),
			PayloadRef:     r.ResultRef,
			Messages:       r.Messages,
		}
		switch {
		case r.Failed:
			p.Status = StatusFailed
			failed++
		case r.Canceled:
			p.Status = StatusCanceled
		}
		report.Products = append(report.Products, p)
	}
	switch {
	case failed == 0:
		report.Status = StatusOK
	case failed == len(report.Products):
		report.Status = StatusFailed
	default:
		report.Status = StatusPartial
	}

	b, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}

	result := ec.Callback("").Result()
	ended := c.now().UTC()
	result.Ended = &ended
	result.Result = string(b)
	result.Failed = false
	result.Canceled = false
	result.Messages = ""
	slog.InfoContext(ctx, "Report collected",
		"products", len(report.Products), "status", report.Status)
	return []*models.ProductResult{result}, nil
}

func payloadBytes(r *models.ProductResult) int {
	if r.ResultRef != "" {
		return r.ResultSize
	}
	return len(r.Result)
}
