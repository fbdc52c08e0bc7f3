package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CosmoTheDev/scanorch/internal/database"
	"github.com/CosmoTheDev/scanorch/models"
)

const configColumns = `uuid, name, product_id, executor_version, enabled, setup, created_at, updated_at`

// Configs stores product executor configurations and the projects they
// apply to.
type Configs struct {
	db  database.DB
	now func() time.Time
}

func NewConfigs(db database.DB) *Configs {
	return &Configs{db: db, now: time.Now}
}

// FindEnabled returns the enabled configurations of one product version
// that apply to projectID.
func (s *Configs) FindEnabled(ctx context.Context, projectID, productID string, version int) ([]*models.ProductExecutorConfig, error) {
	var rows []*models.ProductExecutorConfig
	err := s.db.Select(ctx, &rows,
		`SELECT c.uuid, c.name, c.product_id, c.executor_version, c.enabled, c.setup, c.created_at, c.updated_at
		 FROM product_executor_configs c
		 JOIN executor_profiles p ON p.config_uuid = c.uuid
		 WHERE p.project_id = ? AND c.product_id = ? AND c.executor_version = ? AND c.enabled = ?
		 ORDER BY c.name, c.uuid`,
		projectID, productID, version, true)
	if err != nil {
		return nil, fmt.Errorf("loading executor configs for %s/%s: %w", projectID, productID, err)
	}
	return rows, nil
}

// Save inserts or updates cfg and replaces its project list. An empty
// cfg.UUID gets a new one.
func (s *Configs) Save(ctx context.Context, cfg *models.ProductExecutorConfig, projects []string) error {
	now := s.now().UTC()
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	if err := s.db.Upsert(ctx, "product_executor_configs", cfg, []string{"uuid"}); err != nil {
		return fmt.Errorf("saving executor config %s: %w", cfg.Name, err)
	}
	if err := s.db.Exec(ctx, `DELETE FROM executor_profiles WHERE config_uuid = ?`, cfg.UUID); err != nil {
		return fmt.Errorf("clearing projects of executor config %s: %w", cfg.Name, err)
	}
	for _, p := range projects {
		if err := s.db.Exec(ctx, `INSERT INTO executor_profiles (config_uuid, project_id) VALUES (?, ?)`, cfg.UUID, p); err != nil {
			return fmt.Errorf("assigning executor config %s to %s: %w", cfg.Name, p, err)
		}
	}
	return nil
}

// Get returns one configuration by uuid.
func (s *Configs) Get(ctx context.Context, configUUID string) (*models.ProductExecutorConfig, error) {
	var cfg models.ProductExecutorConfig
	err := s.db.Get(ctx, &cfg, `SELECT `+configColumns+` FROM product_executor_configs WHERE uuid = ?`, configUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("executor config %s: %w", configUUID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading executor config %s: %w", configUUID, err)
	}
	return &cfg, nil
}

// FindByName returns the configuration with the given name.
func (s *Configs) FindByName(ctx context.Context, name string) (*models.ProductExecutorConfig, error) {
	var cfg models.ProductExecutorConfig
	err := s.db.Get(ctx, &cfg, `SELECT `+configColumns+` FROM product_executor_configs WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("executor config %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading executor config %q: %w", name, err)
	}
	return &cfg, nil
}

// List returns all configurations ordered by name.
func (s *Configs) List(ctx context.Context) ([]*models.ProductExecutorConfig, error) {
	var rows []*models.ProductExecutorConfig
	if err := s.db.Select(ctx, &rows, `SELECT `+configColumns+` FROM product_executor_configs ORDER BY name, uuid`); err != nil {
		return nil, fmt.Errorf("listing executor configs: %w", err)
	}
	return rows, nil
}

// Projects returns the projects a configuration applies to.
func (s *Configs) Projects(ctx context.Context, configUUID string) ([]string, error) {
	var rows []struct {
		ProjectID string `db:"project_id"`
	}
	if err := s.db.Select(ctx, &rows, `SELECT project_id FROM executor_profiles WHERE config_uuid = ? ORDER BY project_id`, configUUID); err != nil {
		return nil, fmt.Errorf("loading projects of executor config %s: %w", configUUID, err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ProjectID)
	}
	return out, nil
}
