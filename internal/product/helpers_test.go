package product

import (
	"context"
	"errors"
	"sync"

	"github.com/CosmoTheDev/scanorch/models"
)

// memResults is an in-memory ResultStore. It keeps copies so tests can tell
// what was durably written from what an executor merely holds.
type memResults struct {
	mu      sync.Mutex
	rows    map[string]models.ProductResult
	saves   int
	deleted []string
	failOn  string
}

func newMemResults(seed ...*models.ProductResult) *memResults {
	m := &memResults{rows: map[string]models.ProductResult{}}
	for _, r := range seed {
		m.rows[r.UUID] = *r
	}
	return m
}

var errStorage = errors.New("storage unavailable")

func (m *memResults) Save(_ context.Context, r *models.ProductResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != "" && r.ProductID == m.failOn {
		return errStorage
	}
	m.rows[r.UUID] = *r
	m.saves++
	return nil
}

func (m *memResults) Delete(_ context.Context, r *models.ProductResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, r.UUID)
	m.deleted = append(m.deleted, r.UUID)
	return nil
}

func (m *memResults) find(match func(models.ProductResult) bool) []*models.ProductResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ProductResult
	for _, r := range m.rows {
		if match(r) {
			cp := r
			out = append(out, &cp)
		}
	}
	return out
}

func (m *memResults) FindByJobAndConfig(_ context.Context, jobUUID, configUUID string) ([]*models.ProductResult, error) {
	return m.find(func(r models.ProductResult) bool {
		return r.JobUUID == jobUUID && r.ExecutorConfigUUID == configUUID
	}), nil
}

func (m *memResults) FindByJobAndProduct(_ context.Context, jobUUID, productID string) ([]*models.ProductResult, error) {
	return m.find(func(r models.ProductResult) bool {
		return r.JobUUID == jobUUID && r.ProductID == productID
	}), nil
}

func (m *memResults) FindByJob(_ context.Context, jobUUID string) ([]*models.ProductResult, error) {
	return m.find(func(r models.ProductResult) bool { return r.JobUUID == jobUUID }), nil
}

func (m *memResults) all() []models.ProductResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ProductResult, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	return out
}

type memConfigs struct {
	configs []*models.ProductExecutorConfig
	// projects maps config uuid to the project it applies to
	projects map[string]string
}

func (m *memConfigs) FindEnabled(_ context.Context, projectID, productID string, version int) ([]*models.ProductExecutorConfig, error) {
	var out []*models.ProductExecutorConfig
	for _, c := range m.configs {
		if c.Enabled && c.ProductID == productID && c.ExecutorVersion == version && m.projects[c.UUID] == projectID {
			out = append(out, c)
		}
	}
	return out, nil
}
