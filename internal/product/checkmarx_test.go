package product

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/internal/adapter/checkmarx"
	"github.com/CosmoTheDev/scanorch/internal/config"
	"github.com/CosmoTheDev/scanorch/internal/resilience"
	"github.com/CosmoTheDev/scanorch/models"
)

// thresholdServer completes scans. With threshold set it refuses every
// incremental scan with the threshold failure.
type thresholdServer struct {
	mu          sync.Mutex
	threshold   bool
	failStarts  int
	uploads     int
	incremental []bool
}

func (s *thresholdServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reply := func(v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	key := r.Method + " " + r.URL.Path
	switch {
	case key == "POST /auth/token":
		reply(map[string]any{"access_token": "t", "token_type": "bearer", "expires_in": 3600})
	case key == "GET /projects":
		reply([]map[string]any{{"id": 5, "name": "alpha"}})
	case key == "POST /projects/5/sourceCode/attachments":
		s.uploads++
		w.WriteHeader(http.StatusNoContent)
	case key == "POST /scans":
		if s.failStarts > 0 {
			s.failStarts--
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var in struct {
			IsIncremental bool `json:"isIncremental"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		s.incremental = append(s.incremental, in.IsIncremental)
		reply(map[string]any{"id": 300 + len(s.incremental)})
	case strings.HasPrefix(key, "GET /scansQueue/"):
		id, _ := strconv.Atoi(strings.TrimPrefix(key, "GET /scansQueue/"))
		if s.threshold && s.incremental[id-301] {
			reply(map[string]any{"stage": map[string]any{"value": "Failed"}, "stageDetails": "Changes exceeded the threshold limit (7%)"})
			return
		}
		reply(map[string]any{"stage": map[string]any{"value": "Finished"}})
	case strings.HasPrefix(key, "GET /scans/"):
		reply(map[string]any{"status": map[string]any{"name": "Finished"}})
	case key == "POST /reports":
		reply(map[string]any{"reportId": 9})
	case key == "GET /reports/9/status":
		reply(map[string]any{"status": map[string]any{"value": "Created"}})
	case key == "GET /reports/9":
		_, _ = io.WriteString(w, "<CxXMLResults/>")
	default:
		http.NotFound(w, r)
	}
}

type countingSource struct{ opened int }

func (s *countingSource) Open(context.Context, models.SourceRef) (io.ReadCloser, error) {
	s.opened++
	return io.NopCloser(strings.NewReader("PK")), nil
}

type instantClock struct{ now time.Time }

func (c *instantClock) Now() time.Time { return c.now }

func (c *instantClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

func newTestCheckmarxExecutor(t *testing.T, h http.Handler, res config.ResilienceConfig) (*CheckmarxExecutor, *models.ProductExecutorConfig, *countingSource) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	src := &countingSource{}
	e := NewCheckmarxExecutor(config.CheckmarxConfig{
		PollIntervalMillis: 500,
		TimeoutMinutes:     60,
		ClientID:           "resource_owner_client",
		Scope:              "sast_rest_api",
		TeamID:             "team-1",
		EngineConfig:       "Default Configuration",
	}, res, src)
	e.newClock = func() adapter.Clock { return &instantClock{now: time.Now()} }

	setup, err := Setup{BaseURL: srv.URL, User: "scanner", Password: "pw"}.Encode()
	require.NoError(t, err)
	cfg := testConfig("cfg-cx", "CHECKMARX")
	cfg.Setup = setup
	return e, cfg, src
}

func TestCheckmarxExecutorFallsBackToFullScan(t *testing.T) {
	srv := &thresholdServer{threshold: true}
	e, cfg, src := newTestCheckmarxExecutor(t, srv, config.ResilienceConfig{})

	job := testJob(nil)
	store := newMemResults()
	ec := NewExecutorContext(job, cfg, nil, store)

	results, err := e.Execute(context.Background(), job, ec)
	require.NoError(t, err)
	require.Len(t, results, 1)
	r := results[0]
	assert.False(t, r.Failed, r.Messages)
	assert.Equal(t, "<CxXMLResults/>", r.Result)

	assert.Equal(t, []bool{true, false}, srv.incremental)
	assert.Equal(t, 2, srv.uploads, "full scan uploads the source again")
	assert.Equal(t, 2, src.opened)

	md, err := adapter.ParseMetaData(r.MetaData)
	require.NoError(t, err)
	assert.Equal(t, "302", md.Values[checkmarx.KeyScanID])
	assert.Equal(t, "9", md.Values[checkmarx.KeyReportID])
}

func TestCheckmarxExecutorRetriesServerErrors(t *testing.T) {
	srv := &thresholdServer{failStarts: 2}
	e, cfg, _ := newTestCheckmarxExecutor(t, srv, config.ResilienceConfig{
		ServerError: config.RetryPolicy{MaxRetries: 3, WaitMillis: 1},
	})

	job := testJob(nil)
	store := newMemResults()
	results, err := e.Execute(context.Background(), job, NewExecutorContext(job, cfg, nil, store))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Failed, results[0].Messages)
	assert.Equal(t, 1, srv.uploads, "retried attempts resume after the recorded upload")
}

func TestCheckmarxExecutorGivesUpAfterRetries(t *testing.T) {
	srv := &thresholdServer{failStarts: 10}
	e, cfg, _ := newTestCheckmarxExecutor(t, srv, config.ResilienceConfig{
		ServerError: config.RetryPolicy{MaxRetries: 1, WaitMillis: 1},
	})

	job := testJob(nil)
	results, err := e.Execute(context.Background(), job, NewExecutorContext(job, cfg, nil, newMemResults()))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed)
	assert.Equal(t, FailureMessage, results[0].Messages)
	assert.Equal(t, 8, srv.failStarts, "one attempt plus one retry")
}

func TestCheckmarxExecutorFallsThroughAfterRetries(t *testing.T) {
	srv := &thresholdServer{failStarts: 10}
	e, cfg, _ := newTestCheckmarxExecutor(t, srv, config.ResilienceConfig{
		ServerError:    config.RetryPolicy{MaxRetries: 1, WaitMillis: 1},
		FallthroughSec: 3600,
	})

	job := testJob(nil)
	results, err := e.Execute(context.Background(), job, NewExecutorContext(job, cfg, nil, newMemResults()))
	require.NoError(t, err)
	assert.True(t, results[0].Failed)
	assert.Equal(t, 8, srv.failStarts)
	uploads := srv.uploads

	results, err = e.Execute(context.Background(), job, NewExecutorContext(job, cfg, nil, newMemResults()))
	require.NoError(t, err)
	assert.True(t, results[0].Failed)
	assert.Equal(t, 8, srv.failStarts, "the product is not called while failing fast")
	assert.Equal(t, uploads, srv.uploads)
}

func TestCheckmarxExecutorMissingTeamIsConfigError(t *testing.T) {
	e, cfg, _ := newTestCheckmarxExecutor(t, &thresholdServer{}, config.ResilienceConfig{})
	e.cfg.TeamID = ""
	job := testJob(nil)
	_, err := e.options(job, Setup{})
	assert.ErrorIs(t, err, adapter.ErrInvalidArgument)

	results, err := e.Execute(context.Background(), job, NewExecutorContext(job, cfg, nil, newMemResults()))
	require.NoError(t, err)
	assert.True(t, results[0].Failed)
}

func TestCheckmarxAdapterConfigCarriesTargets(t *testing.T) {
	e, _, _ := newTestCheckmarxExecutor(t, &thresholdServer{}, config.ResilienceConfig{})
	targets := adapter.NetworkTargets{Type: adapter.NetworkTargetInternet, URIs: []string{"https://alpha.example.com"}}

	cfg, err := e.adapterConfig(testJob(nil), Setup{BaseURL: "https://cx.example.com", User: "scanner", Password: "pw"}, targets)
	require.NoError(t, err)
	assert.Equal(t, targets, cfg.Targets)
	assert.Equal(t, "job-42", cfg.TraceID)

	targets.URIs[0] = "https://changed.example.com"
	assert.Equal(t, "https://alpha.example.com", cfg.Targets.URIs[0], "config keeps its own copy")
}

func TestThresholdConsultantProposesOneRetry(t *testing.T) {
	c := thresholdConsultant{}
	err := adapter.Wrap(checkmarx.Name, "job-1", adapter.StageWaitForQueue, io.ErrUnexpectedEOF)
	assert.Nil(t, c.Consult(resilienceContext(err, 0)))

	thresholdErr := adapter.Wrap(checkmarx.Name, "job-1", adapter.StageWaitForQueue,
		&adapter.ProtocolError{What: checkmarx.ThresholdMessage})
	rc := resilienceContext(thresholdErr, 2)
	p := c.Consult(rc)
	require.NotNil(t, p)

	rc.Set(keyFullScanFallback, "true")
	assert.Nil(t, c.Consult(rc))
}

func resilienceContext(err error, retries int) *resilience.Context {
	return &resilience.Context{Err: err, AlreadyDoneRetries: retries}
}
