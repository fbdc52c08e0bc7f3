package store

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/scanorch/internal/config"
	"github.com/CosmoTheDev/scanorch/internal/database"
	"github.com/CosmoTheDev/scanorch/internal/payload"
	"github.com/CosmoTheDev/scanorch/internal/product"
	"github.com/CosmoTheDev/scanorch/models"
)

var (
	_ product.ResultStore     = (*Results)(nil)
	_ product.JobResultReader = (*Results)(nil)
	_ product.ConfigStore     = (*Configs)(nil)
)

func newTestDB(t *testing.T) database.DB {
	t.Helper()
	db, err := database.NewSQLite(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "store.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

// memPayloads is an in-memory payload.Store.
type memPayloads struct {
	mu      sync.Mutex
	objects map[string]string
}

func newMemPayloads() *memPayloads { return &memPayloads{objects: map[string]string{}} }

func (m *memPayloads) Put(_ context.Context, key, data string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return key, nil
}

func (m *memPayloads) Get(_ context.Context, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[ref]
	if !ok {
		return "", payload.ErrNotFound
	}
	return data, nil
}

func (m *memPayloads) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, ref)
	return nil
}

func testResult(id, product, cfg string) *models.ProductResult {
	started := time.Now().UTC().Truncate(time.Second)
	return &models.ProductResult{
		UUID: id, JobUUID: "job-1", ProjectID: "alpha", ProductID: product,
		ExecutorConfigUUID: cfg, Started: &started,
	}
}

func TestResultsSaveAndFind(t *testing.T) {
	ctx := context.Background()
	s := NewResults(newTestDB(t), nil, 0)

	r := testResult("r1", "CHECKMARX", "cfg-1")
	r.MetaData = `{"version":1,"values":{"checkmarx.project.id":"5"}}`
	require.NoError(t, s.Save(ctx, r))

	r.Result = "<CxXMLResults/>"
	ended := time.Now().UTC().Truncate(time.Second)
	r.Ended = &ended
	require.NoError(t, s.Save(ctx, r), "saving again updates the row")

	require.NoError(t, s.Save(ctx, testResult("r2", "NETSPARKER", "cfg-2")))

	got, err := s.FindByJobAndConfig(ctx, "job-1", "cfg-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "<CxXMLResults/>", got[0].Result)
	assert.Equal(t, r.MetaData, got[0].MetaData)
	assert.Equal(t, 15, got[0].ResultSize)
	require.NotNil(t, got[0].Ended)
	assert.True(t, got[0].Ended.Equal(ended))

	byProduct, err := s.FindByJobAndProduct(ctx, "job-1", "NETSPARKER")
	require.NoError(t, err)
	require.Len(t, byProduct, 1)
	assert.Equal(t, "r2", byProduct[0].UUID)

	all, err := s.FindByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, got[0]))
	all, err = s.FindByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestResultsExternalisesLargePayloads(t *testing.T) {
	ctx := context.Background()
	payloads := newMemPayloads()
	s := NewResults(newTestDB(t), payloads, 8)

	r := testResult("r1", "CHECKMARX", "cfg-1")
	r.Result = strings.Repeat("x", 64)
	require.NoError(t, s.Save(ctx, r))
	assert.Equal(t, "results/job-1/r1", r.ResultRef)

	rows, err := s.FindByJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	stored := rows[0]
	assert.Empty(t, stored.Result, "payload is not kept inline")
	assert.Equal(t, "results/job-1/r1", stored.ResultRef)
	assert.Equal(t, 64, stored.ResultSize)

	data, err := s.Payload(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, r.Result, data)

	// Saving the same payload again rewrites the object in place.
	stored.Result = r.Result
	require.NoError(t, s.Save(ctx, stored))
	assert.Equal(t, "results/job-1/r1", stored.ResultRef)
	assert.Equal(t, r.Result, payloads.objects["results/job-1/r1"])

	require.NoError(t, s.Delete(ctx, stored))
	assert.Empty(t, payloads.objects)
}

func TestResultsFailedRerunDropsExternalisedPayload(t *testing.T) {
	ctx := context.Background()
	payloads := newMemPayloads()
	s := NewResults(newTestDB(t), payloads, 8)

	r := testResult("r1", "CHECKMARX", "cfg-1")
	r.Result = strings.Repeat("x", 100)
	require.NoError(t, s.Save(ctx, r))
	require.Len(t, payloads.objects, 1)

	formers, err := s.FindByJobAndConfig(ctx, "job-1", "cfg-1")
	require.NoError(t, err)
	require.Len(t, formers, 1)
	rerun := formers[0]
	rerun.Result = ""
	rerun.Failed = true
	rerun.Messages = "product execution failed"
	require.NoError(t, s.Save(ctx, rerun))

	rows, err := s.FindByJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Failed)
	assert.Empty(t, rows[0].ResultRef)
	assert.Zero(t, rows[0].ResultSize)
	data, err := s.Payload(ctx, rows[0])
	require.NoError(t, err)
	assert.Empty(t, data, "a failed rerun has no payload")
	assert.Empty(t, payloads.objects, "the previous payload object is removed")
}

func TestResultsInlineRerunDropsExternalisedPayload(t *testing.T) {
	ctx := context.Background()
	payloads := newMemPayloads()
	s := NewResults(newTestDB(t), payloads, 8)

	r := testResult("r1", "CHECKMARX", "cfg-1")
	r.Result = strings.Repeat("x", 100)
	require.NoError(t, s.Save(ctx, r))

	r.Result = "<s/>"
	require.NoError(t, s.Save(ctx, r))
	assert.Empty(t, r.ResultRef)
	assert.Equal(t, 4, r.ResultSize)
	assert.Empty(t, payloads.objects)
}

func TestResultsSmallPayloadStaysInline(t *testing.T) {
	ctx := context.Background()
	payloads := newMemPayloads()
	s := NewResults(newTestDB(t), payloads, 1024)

	r := testResult("r1", "CHECKMARX", "cfg-1")
	r.Result = "<small/>"
	require.NoError(t, s.Save(ctx, r))
	assert.Empty(t, r.ResultRef)
	assert.Empty(t, payloads.objects)

	data, err := s.Payload(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "<small/>", data)
}

func TestConfigsFindEnabled(t *testing.T) {
	ctx := context.Background()
	s := NewConfigs(newTestDB(t))

	cx := &models.ProductExecutorConfig{Name: "cx-main", ProductID: "CHECKMARX", ExecutorVersion: 1, Enabled: true, Setup: `{"base_url":"https://cx"}`}
	require.NoError(t, s.Save(ctx, cx, []string{"alpha", "beta"}))
	assert.NotEmpty(t, cx.UUID)

	disabled := &models.ProductExecutorConfig{Name: "cx-old", ProductID: "CHECKMARX", ExecutorVersion: 1, Enabled: false, Setup: "{}"}
	require.NoError(t, s.Save(ctx, disabled, []string{"alpha"}))

	v2 := &models.ProductExecutorConfig{Name: "cx-next", ProductID: "CHECKMARX", ExecutorVersion: 2, Enabled: true, Setup: "{}"}
	require.NoError(t, s.Save(ctx, v2, []string{"alpha"}))

	got, err := s.FindEnabled(ctx, "alpha", "CHECKMARX", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cx.UUID, got[0].UUID)
	assert.Equal(t, `{"base_url":"https://cx"}`, got[0].Setup)

	got, err = s.FindEnabled(ctx, "gamma", "CHECKMARX", 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Re-saving replaces the project list.
	require.NoError(t, s.Save(ctx, cx, []string{"gamma"}))
	projects, err := s.Projects(ctx, cx.UUID)
	require.NoError(t, err)
	assert.Equal(t, []string{"gamma"}, projects)

	byName, err := s.FindByName(ctx, "cx-main")
	require.NoError(t, err)
	assert.Equal(t, cx.UUID, byName.UUID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestJobsLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewJobs(newTestDB(t))

	job, err := s.Create(ctx, "alpha", models.JobConfiguration{
		CodeScan: &models.CodeScanConfig{Source: models.SourceRef{Dir: "/src/alpha"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	claimed, err := s.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.UUID, claimed.UUID)
	assert.Equal(t, models.JobStatusRunning, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)
	assert.NotEmpty(t, claimed.Owner)

	next, err := s.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "queue is empty")

	requested, err := s.CancelRequested(ctx, job.UUID)
	require.NoError(t, err)
	assert.False(t, requested)

	_, err = s.RequestCancel(ctx, job.UUID)
	require.NoError(t, err)
	requested, err = s.CancelRequested(ctx, job.UUID)
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, s.Heartbeat(ctx, claimed))
	require.NoError(t, s.Finish(ctx, claimed, models.JobStatusCanceled, "canceled"))
	got, err := s.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.Contains(t, got.Configuration, "/src/alpha")

	_, err = s.RequestCancel(ctx, job.UUID)
	assert.ErrorIs(t, err, ErrJobFinished)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobsCancelQueued(t *testing.T) {
	ctx := context.Background()
	s := NewJobs(newTestDB(t))
	job, err := s.Create(ctx, "alpha", models.JobConfiguration{})
	require.NoError(t, err)

	got, err := s.RequestCancel(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, got.Status)

	claimed, err := s.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed, "canceled jobs are never claimed")
}

func TestJobsRequeueStale(t *testing.T) {
	ctx := context.Background()
	s := NewJobs(newTestDB(t))
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	stale, err := s.Create(ctx, "alpha", models.JobConfiguration{})
	require.NoError(t, err)
	_, err = s.Claim(ctx)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	fresh, err := s.Create(ctx, "beta", models.JobConfiguration{})
	require.NoError(t, err)
	_, err = s.Claim(ctx)
	require.NoError(t, err)

	n, err := s.RequeueStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, stale.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	got, err = s.Get(ctx, fresh.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)

	reclaimed, err := s.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, stale.UUID, reclaimed.UUID)
	require.NotNil(t, reclaimed.StartedAt)
	assert.True(t, reclaimed.StartedAt.Before(now), "the original start time is kept")

	jobs, err := s.List(ctx, models.JobStatusRunning, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestJobsRequeuedClaimCannotHeartbeatOrFinish(t *testing.T) {
	ctx := context.Background()
	s := NewJobs(newTestDB(t))
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	_, err := s.Create(ctx, "alpha", models.JobConfiguration{})
	require.NoError(t, err)
	first, err := s.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	firstClaim := *first

	now = now.Add(10 * time.Minute)
	n, err := s.RequeueStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// the stalled worker wakes up before anyone claims the job again
	assert.ErrorIs(t, s.Heartbeat(ctx, &firstClaim), ErrJobNotOwned)

	second, err := s.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, firstClaim.Owner, second.Owner)

	assert.ErrorIs(t, s.Heartbeat(ctx, &firstClaim), ErrJobNotOwned)
	assert.ErrorIs(t, s.Finish(ctx, &firstClaim, models.JobStatusFailed, "stale"), ErrJobNotOwned)

	got, err := s.Get(ctx, second.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Equal(t, second.Owner, got.Owner)

	require.NoError(t, s.Heartbeat(ctx, second))
	require.NoError(t, s.Finish(ctx, second, models.JobStatusEnded, ""))
	assert.ErrorIs(t, s.Finish(ctx, second, models.JobStatusEnded, ""), ErrJobNotOwned, "an ended job cannot be finished twice")

	got, err = s.Get(ctx, second.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusEnded, got.Status)
}
