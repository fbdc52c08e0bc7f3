// Package store persists jobs, executor configurations and product results
// on top of database.DB.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CosmoTheDev/scanorch/internal/database"
	"github.com/CosmoTheDev/scanorch/internal/payload"
	"github.com/CosmoTheDev/scanorch/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

const resultColumns = `uuid, job_uuid, project_id, product_id, executor_config_uuid, target_type,
	result, result_ref, result_size, messages, metadata, started, ended, canceled, failed`

// Results stores product results. Payloads larger than the inline limit go
// to the payload store when one is configured.
type Results struct {
	db          database.DB
	payloads    payload.Store
	inlineLimit int
}

// NewResults returns a result store. payloads may be nil.
func NewResults(db database.DB, payloads payload.Store, inlineLimit int) *Results {
	return &Results{db: db, payloads: payloads, inlineLimit: inlineLimit}
}

// Save inserts or replaces r. r.Result is the payload to keep: a result
// saved with an empty Result has no payload, and a payload object it
// referenced before is removed. It updates r.ResultRef and r.ResultSize to
// what was written.
func (s *Results) Save(ctx context.Context, r *models.ProductResult) error {
	row := *r
	row.ResultSize = len(r.Result)
	row.ResultRef = ""

	if s.payloads != nil && len(r.Result) > s.inlineLimit {
		ref, err := s.payloads.Put(ctx, payload.Key(r.JobUUID, r.UUID), r.Result)
		if err != nil {
			return fmt.Errorf("storing payload of result %s: %w", r.UUID, err)
		}
		row.ResultRef = ref
		row.Result = ""
	}

	if err := s.db.Upsert(ctx, "product_results", row, []string{"uuid"}); err != nil {
		return fmt.Errorf("saving result %s: %w", r.UUID, err)
	}
	if r.ResultRef != "" && r.ResultRef != row.ResultRef {
		s.deletePayload(ctx, r.ResultRef)
	}
	r.ResultRef = row.ResultRef
	r.ResultSize = row.ResultSize
	return nil
}

// Delete removes the row and its externalised payload.
func (s *Results) Delete(ctx context.Context, r *models.ProductResult) error {
	if err := s.db.Exec(ctx, `DELETE FROM product_results WHERE uuid = ?`, r.UUID); err != nil {
		return fmt.Errorf("deleting result %s: %w", r.UUID, err)
	}
	if r.ResultRef != "" {
		s.deletePayload(ctx, r.ResultRef)
	}
	return nil
}

func (s *Results) deletePayload(ctx context.Context, ref string) {
	if s.payloads == nil {
		return
	}
	if err := s.payloads.Delete(ctx, ref); err != nil {
		slog.WarnContext(ctx, "Removing result payload failed", "ref", ref, "error", err)
	}
}

func (s *Results) FindByJobAndConfig(ctx context.Context, jobUUID, configUUID string) ([]*models.ProductResult, error) {
	return s.find(ctx, `job_uuid = ? AND executor_config_uuid = ?`, jobUUID, configUUID)
}

func (s *Results) FindByJobAndProduct(ctx context.Context, jobUUID, productID string) ([]*models.ProductResult, error) {
	return s.find(ctx, `job_uuid = ? AND product_id = ?`, jobUUID, productID)
}

func (s *Results) FindByJob(ctx context.Context, jobUUID string) ([]*models.ProductResult, error) {
	return s.find(ctx, `job_uuid = ?`, jobUUID)
}

func (s *Results) find(ctx context.Context, where string, args ...interface{}) ([]*models.ProductResult, error) {
	var rows []*models.ProductResult
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	q := `SELECT ` + resultColumns + ` FROM product_results WHERE ` + where + ` ORDER BY product_id, target_type, uuid`
	if err := s.db.Select(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("loading results: %w", err)
	}
	return rows, nil
}

// Payload returns the payload of r, reading it from the payload store when
// it was externalised.
func (s *Results) Payload(ctx context.Context, r *models.ProductResult) (string, error) {
	if r.ResultRef == "" {
		return r.Result, nil
	}
	if s.payloads == nil {
		return "", fmt.Errorf("result %s references payload %s but no payload store is configured", r.UUID, r.ResultRef)
	}
	return s.payloads.Get(ctx, r.ResultRef)
}
