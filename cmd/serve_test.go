//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealerscope/internal/model"
	"github.com/sells-group/dealerscope/internal/orchestrator"
	"github.com/sells-group/dealerscope/internal/store"
)

type fakeRunner struct {
	mu      sync.Mutex
	state   orchestrator.State
	started chan []string
	stopped bool
	last    *orchestrator.Summary
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{state: orchestrator.StateIdle, started: make(chan []string, 1)}
}

func (f *fakeRunner) Start(_ context.Context, ids []string) (*orchestrator.Summary, error) {
	f.started <- ids
	return &orchestrator.Summary{RunID: "run-1"}, nil
}

func (f *fakeRunner) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return f.state == orchestrator.StateRunning
}

func (f *fakeRunner) State() orchestrator.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeRunner) LastSummary() (orchestrator.Summary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return orchestrator.Summary{}, false
	}
	return *f.last, true
}

type fakeBudgets []model.SiteBudget

func (f fakeBudgets) Snapshot() []model.SiteBudget { return f }

func serveRequest(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestBuildRouter_Health(t *testing.T) {
	h := buildRouter(context.Background(), newFakeRunner(), nil, nil, nil)

	rr := serveRequest(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "idle", body["state"])
}

func TestBuildRouter_StartRun(t *testing.T) {
	runs := newFakeRunner()
	h := buildRouter(context.Background(), runs, nil, nil, nil)

	rr := serveRequest(t, h, http.MethodPost, "/runs", []byte(`{"sites":["gsa"]}`))
	assert.Equal(t, http.StatusAccepted, rr.Code)

	select {
	case ids := <-runs.started:
		assert.Equal(t, []string{"gsa"}, ids)
	case <-time.After(2 * time.Second):
		t.Fatal("run was not started")
	}
}

func TestBuildRouter_StartRun_EmptyBody(t *testing.T) {
	runs := newFakeRunner()
	h := buildRouter(context.Background(), runs, nil, nil, nil)

	rr := serveRequest(t, h, http.MethodPost, "/runs", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	select {
	case ids := <-runs.started:
		assert.Empty(t, ids)
	case <-time.After(2 * time.Second):
		t.Fatal("run was not started")
	}
}

func TestBuildRouter_StartRun_InvalidBody(t *testing.T) {
	h := buildRouter(context.Background(), newFakeRunner(), nil, nil, nil)

	rr := serveRequest(t, h, http.MethodPost, "/runs", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")
}

func TestBuildRouter_StartRun_Conflict(t *testing.T) {
	runs := newFakeRunner()
	runs.state = orchestrator.StateRunning
	h := buildRouter(context.Background(), runs, nil, nil, nil)

	rr := serveRequest(t, h, http.MethodPost, "/runs", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Empty(t, runs.started)
}

// blockingRunner holds Start open until release is closed.
type blockingRunner struct {
	*fakeRunner
	release chan struct{}
}

func (b blockingRunner) Start(ctx context.Context, ids []string) (*orchestrator.Summary, error) {
	b.started <- ids
	<-b.release
	return &orchestrator.Summary{RunID: "run-2"}, nil
}

func TestServer_WaitsForHTTPTriggeredRun(t *testing.T) {
	runs := blockingRunner{fakeRunner: newFakeRunner(), release: make(chan struct{})}
	s := buildRouter(context.Background(), runs, nil, nil, nil)

	rr := serveRequest(t, s, http.MethodPost, "/runs", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	select {
	case <-runs.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not started")
	}

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned while the run was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(runs.release)
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the run finished")
	}
}

func TestBuildRouter_StopRun(t *testing.T) {
	runs := newFakeRunner()
	h := buildRouter(context.Background(), runs, nil, nil, nil)

	rr := serveRequest(t, h, http.MethodPost, "/runs/stop", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	runs.state = orchestrator.StateRunning
	rr = serveRequest(t, h, http.MethodPost, "/runs/stop", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.True(t, runs.stopped)
}

func TestBuildRouter_LastRun(t *testing.T) {
	runs := newFakeRunner()
	h := buildRouter(context.Background(), runs, nil, nil, nil)

	rr := serveRequest(t, h, http.MethodGet, "/runs/last", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	runs.last = &orchestrator.Summary{RunID: "run-7", TotalSites: 3, SuccessfulSites: 2}
	rr = serveRequest(t, h, http.MethodGet, "/runs/last", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var got orchestrator.Summary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "run-7", got.RunID)
	assert.Equal(t, 2, got.SuccessfulSites)
}

func TestBuildRouter_NilCollaborators(t *testing.T) {
	h := buildRouter(context.Background(), nil, nil, nil, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/runs"},
		{http.MethodPost, "/runs/stop"},
		{http.MethodGet, "/runs/last"},
		{http.MethodGet, "/budgets"},
		{http.MethodGet, "/opportunities"},
	} {
		rr := serveRequest(t, h, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "%s %s", tc.method, tc.path)
	}

	rr := serveRequest(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestBuildRouter_Budgets(t *testing.T) {
	budgets := fakeBudgets{{
		SiteID: "gsa",
		Tier:   model.BudgetTierHigh,
		Caps:   model.ResourceAmounts{HTTPRequests: 2000},
		Usage:  model.ResourceAmounts{HTTPRequests: 12},
		Status: model.BudgetUnder,
	}}
	h := buildRouter(context.Background(), nil, budgets, nil, nil)

	rr := serveRequest(t, h, http.MethodGet, "/budgets", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var got []model.SiteBudget
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "gsa", got[0].SiteID)
	assert.InDelta(t, 12, got[0].Usage.HTTPRequests, 0.001)
}

func TestBuildRouter_Opportunities(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	for i, status := range []model.OpportunityStatus{model.OpportunityHot, model.OpportunityGood} {
		created, err := st.UpsertOpportunity(ctx, model.Opportunity{
			ID:          []string{"opp-1", "opp-2"}[i],
			Listing:     model.Listing{ListingURL: []string{"https://a.gov/1", "https://a.gov/2"}[i], Make: "Ford", Model: "F-150", Year: 2018, CurrentBid: 9000},
			Status:      status,
			Active:      true,
			ContentHash: "h",
			ScoredAt:    time.Date(2024, 6, 1, 12, i, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		require.True(t, created)
	}

	h := buildRouter(ctx, nil, nil, st, nil)

	rr := serveRequest(t, h, http.MethodGet, "/opportunities?status=hot", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got []model.Opportunity
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "opp-1", got[0].ID)

	rr = serveRequest(t, h, http.MethodGet, "/opportunities?limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "opp-2", got[0].ID, "newest first")

	rr = serveRequest(t, h, http.MethodGet, "/opportunities?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBuildRouter_CORSPreflight(t *testing.T) {
	h := buildRouter(context.Background(), newFakeRunner(), nil, nil, []string{"https://dash.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "https://dash.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestSchedule_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		schedule(ctx, time.Millisecond, func(context.Context) {
			select {
			case calls <- struct{}{}:
			default:
			}
		})
		close(done)
	}()

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled fn never ran")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule did not return after cancel")
	}
}
