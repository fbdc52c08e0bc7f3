package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/scanorch/internal/config"
	"github.com/CosmoTheDev/scanorch/internal/database"
	"github.com/CosmoTheDev/scanorch/internal/store"
	"github.com/CosmoTheDev/scanorch/models"
)

type testAPI struct {
	srv     *httptest.Server
	jobs    *store.Jobs
	results *store.Results
	woken   int
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	db, err := database.NewSQLite(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	a := &testAPI{jobs: store.NewJobs(db), results: store.NewResults(db, nil, 0)}
	s := New(config.ServerConfig{AllowedOrigins: []string{"https://console.example.com"}}, a.jobs, a.results, func() { a.woken++ })
	a.srv = httptest.NewServer(s.Handler())
	t.Cleanup(a.srv.Close)
	return a
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestCreateAndGetJob(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"project_id": "alpha",
		"configuration": map[string]any{
			"codeScan": map[string]any{"source": map[string]any{"gitUrl": "https://git.example.com/alpha.git"}},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, 1, a.woken)

	var created jobResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.UUID)
	assert.Equal(t, models.JobStatusQueued, created.Status)
	require.NotNil(t, created.Configuration.CodeScan)
	assert.Equal(t, "https://git.example.com/alpha.git", created.Configuration.CodeScan.Source.GitURL)

	resp, body = a.do(t, http.MethodGet, "/api/jobs/"+created.UUID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got jobResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, created.UUID, got.UUID)

	resp, body = a.do(t, http.MethodGet, "/api/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []jobResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)
}

func TestCreateJobValidation(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.do(t, http.MethodPost, "/api/jobs", map[string]any{"configuration": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/jobs", map[string]any{"project_id": "alpha", "unknown": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(t, http.MethodGet, "/api/jobs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, a.woken)
}

func TestGetUnknownJob(t *testing.T) {
	a := newTestAPI(t)
	resp, _ := a.do(t, http.MethodGet, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = a.do(t, http.MethodGet, "/api/jobs/missing/results", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	a := newTestAPI(t)
	job, err := a.jobs.Create(context.Background(), "alpha", models.JobConfiguration{})
	require.NoError(t, err)

	resp, body := a.do(t, http.MethodPost, "/api/jobs/"+job.UUID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var got jobResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, models.JobStatusCanceled, got.Status)

	resp, _ = a.do(t, http.MethodPost, "/api/jobs/"+job.UUID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestJobResults(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	job, err := a.jobs.Create(ctx, "alpha", models.JobConfiguration{})
	require.NoError(t, err)
	require.NoError(t, a.results.Save(ctx, &models.ProductResult{
		UUID: "r1", JobUUID: job.UUID, ProjectID: "alpha", ProductID: "CHECKMARX",
		ExecutorConfigUUID: "cfg-1", Result: "<CxXMLResults/>",
	}))

	resp, body := a.do(t, http.MethodGet, "/api/jobs/"+job.UUID+"/results", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results []resultResponse
	require.NoError(t, json.Unmarshal(body, &results))
	require.Len(t, results, 1)
	assert.Equal(t, "CHECKMARX", results[0].ProductID)
	assert.Empty(t, results[0].Payload)
	assert.Equal(t, 15, results[0].ResultSize)

	_, body = a.do(t, http.MethodGet, "/api/jobs/"+job.UUID+"/results?payload=true", nil)
	require.NoError(t, json.Unmarshal(body, &results))
	assert.Equal(t, "<CxXMLResults/>", results[0].Payload)
}

func TestHealthMetricsAndCORS(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = a.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "scanorch_jobs_running")

	req, err := http.NewRequest(http.MethodGet, a.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://console.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "https://console.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
