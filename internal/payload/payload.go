// Package payload keeps raw product result payloads that are too large to
// live inline in the product_results table.
package payload

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/CosmoTheDev/scanorch/internal/config"
)

// ErrNotFound is returned by Get when the referenced object does not exist.
var ErrNotFound = errors.New("payload not found")

// Store puts, reads and removes payload objects. Put returns the reference
// recorded in ProductResult.ResultRef.
type Store interface {
	Put(ctx context.Context, key, data string) (string, error)
	Get(ctx context.Context, ref string) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Key is the object key of one product result payload.
func Key(jobUUID, resultUUID string) string {
	return path.Join("results", jobUUID, resultUUID)
}

// New returns the store selected by cfg.Store. The "database" store keeps
// every payload inline and yields a nil Store.
func New(ctx context.Context, cfg config.PayloadsConfig) (Store, error) {
	switch cfg.Store {
	case "", "database":
		return nil, nil
	case "minio":
		return NewMinIO(ctx, cfg.MinIO)
	default:
		return nil, fmt.Errorf("unsupported payload store %q (supported: database, minio)", cfg.Store)
	}
}
