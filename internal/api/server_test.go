package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
	"github.com/vestiaro/catalog-pipeline/internal/config"
	"github.com/vestiaro/catalog-pipeline/internal/metrics"
	"github.com/vestiaro/catalog-pipeline/internal/processor"
	"github.com/vestiaro/catalog-pipeline/internal/scheduler"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

// apiRunStore backs the handlers with canned data; storeErr simulates an
// unreachable database.
type apiRunStore struct {
	runs     map[uuid.UUID]catalog.Run
	items    map[uuid.UUID]catalog.Item
	runItems []catalog.Item
	storeErr error
}

func newAPIRunStore() *apiRunStore {
	return &apiRunStore{
		runs:  make(map[uuid.UUID]catalog.Run),
		items: make(map[uuid.UUID]catalog.Item),
	}
}

func (f *apiRunStore) CreateRunWithItems(_ context.Context, run catalog.Run, _ []catalog.ProductRef) (catalog.Run, error) {
	return run, nil
}

func (f *apiRunStore) GetRun(_ context.Context, runID uuid.UUID) (catalog.Run, error) {
	if f.storeErr != nil {
		return catalog.Run{}, f.storeErr
	}
	run, ok := f.runs[runID]
	if !ok {
		return catalog.Run{}, catalog.ErrNotFound
	}
	return run, nil
}

func (f *apiRunStore) GetItem(_ context.Context, itemID uuid.UUID) (catalog.Item, error) {
	if f.storeErr != nil {
		return catalog.Item{}, f.storeErr
	}
	item, ok := f.items[itemID]
	if !ok {
		return catalog.Item{}, catalog.ErrNotFound
	}
	return item, nil
}

func (f *apiRunStore) ActiveRunExists(context.Context, uuid.UUID) (bool, error) { return false, nil }

func (f *apiRunStore) ClaimItem(context.Context, uuid.UUID, time.Time, time.Time, int) error {
	return nil
}

func (f *apiRunStore) MarkItemCompleted(context.Context, uuid.UUID, string, time.Time) error {
	return nil
}

func (f *apiRunStore) MarkItemFailed(context.Context, uuid.UUID, string, string, time.Time) error {
	return nil
}

func (f *apiRunStore) ResetItemPending(context.Context, uuid.UUID, time.Time) error { return nil }

func (f *apiRunStore) CountRunnable(context.Context, uuid.UUID, int) (int, error) { return 0, nil }

func (f *apiRunStore) PendingItems(context.Context, uuid.UUID, int) ([]catalog.Item, error) {
	return nil, nil
}

func (f *apiRunStore) RunnableItems(context.Context, uuid.UUID, int, int, time.Time) ([]catalog.Item, error) {
	return nil, nil
}

func (f *apiRunStore) ResetStaleAndStuck(context.Context, uuid.UUID, time.Time, time.Time, time.Time) (int64, error) {
	return 0, nil
}

func (f *apiRunStore) MarkItemsQueued(context.Context, []uuid.UUID, time.Time) error { return nil }

func (f *apiRunStore) RecordRunSuccess(context.Context, uuid.UUID, string, string, time.Time) error {
	return nil
}

func (f *apiRunStore) RecordRunFailure(context.Context, uuid.UUID, string, string, string, time.Time) (int, error) {
	return 0, nil
}

func (f *apiRunStore) SetRunStatus(context.Context, uuid.UUID, catalog.RunStatus, string, time.Time) error {
	return nil
}

func (f *apiRunStore) FailedURLs(context.Context, uuid.UUID, time.Time, int) ([]string, error) {
	return nil, nil
}

func (f *apiRunStore) StuckRuns(context.Context, time.Time, int) ([]catalog.Run, error) {
	return nil, nil
}

func (f *apiRunStore) ListRuns(_ context.Context, _ *catalog.RunStatus, _, _ int) ([]catalog.Run, error) {
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	var out []catalog.Run
	for _, run := range f.runs {
		out = append(out, run)
	}
	return out, nil
}

func (f *apiRunStore) ItemsForRun(context.Context, uuid.UUID, int, int) ([]catalog.Item, error) {
	return f.runItems, nil
}

type apiBrandStore struct {
	brands map[uuid.UUID]catalog.Brand
}

func (f *apiBrandStore) GetBrand(_ context.Context, brandID uuid.UUID) (catalog.Brand, error) {
	brand, ok := f.brands[brandID]
	if !ok {
		return catalog.Brand{}, catalog.ErrNotFound
	}
	return brand, nil
}

func (f *apiBrandStore) RefreshCandidates(context.Context) ([]catalog.Brand, error) {
	return nil, nil
}

func (f *apiBrandStore) SaveRefreshState(context.Context, uuid.UUID, catalog.RefreshState) error {
	return nil
}

type apiClock struct{ now time.Time }

func (c *apiClock) Now() time.Time { return c.now }

type apiIDs struct{}

func (apiIDs) NewID() uuid.UUID { return uuid.New() }

type apiFixture struct {
	server *Server
	runs   *apiRunStore
	brands *apiBrandStore
}

func newServerFixture(t *testing.T, cfg config.Config) *apiFixture {
	t.Helper()

	runs := newAPIRunStore()
	brands := &apiBrandStore{brands: make(map[uuid.UUID]catalog.Brand)}
	clock := &apiClock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}

	// The item scenarios exercised here resolve before extraction, so the
	// processor runs without an extractor or queue behind it.
	proc := processor.New(processor.Config{
		MaxAttempts:  3,
		EnqueueLimit: 25,
		QueueStale:   30 * time.Minute,
		ItemStuck:    20 * time.Minute,
	}, runs, brands, nil, nil, nil, clock, zap.NewNop())

	sched := scheduler.New(scheduler.Config{MaxRuntime: time.Minute}, runs, nil, brands,
		nil, nil, nil, nil, nil, clock, apiIDs{}, zap.NewNop())

	server := NewServer(proc, sched, runs, brands, nil, cfg, zap.NewNop())
	return &apiFixture{server: server, runs: runs, brands: brands}
}

func doRequest(t *testing.T, handler http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	rec := doRequest(t, f.server.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzReportsDatabaseOutage(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	rec := doRequest(t, f.server.Handler(), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.runs.storeErr = fmt.Errorf("connection refused")
	rec = doRequest(t, f.server.Handler(), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProcessItemRequiresItemID(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	rec := doRequest(t, f.server.Handler(), http.MethodPost, "/v1/catalog/process-item", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, f.server.Handler(), http.MethodPost, "/v1/catalog/process-item", map[string]any{"unknown": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessItemReturnsStructuredOutcome(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	runID := uuid.New()
	itemID := uuid.New()
	f.runs.runs[runID] = catalog.Run{ID: runID, Status: catalog.RunProcessing}
	f.runs.items[itemID] = catalog.Item{ID: itemID, RunID: runID, Status: catalog.ItemCompleted, Attempts: 1}

	rec := doRequest(t, f.server.Handler(), http.MethodPost, "/v1/catalog/process-item",
		map[string]any{"item_id": itemID})
	require.Equal(t, http.StatusOK, rec.Code)

	var outcome processor.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, processor.StatusAlreadyCompleted, outcome.Status)
	assert.Equal(t, itemID, outcome.ItemID)
}

func TestProcessItemInfrastructureFailure(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	f.runs.storeErr = fmt.Errorf("connection refused")

	rec := doRequest(t, f.server.Handler(), http.MethodPost, "/v1/catalog/process-item",
		map[string]any{"item_id": uuid.New()})
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["error"], "connection refused")
}

func TestRefreshTickEmpty(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	rec := doRequest(t, f.server.Handler(), http.MethodPost, "/v1/refresh/tick", map[string]any{"force": true})
	require.Equal(t, http.StatusOK, rec.Code)

	var result scheduler.TickResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Zero(t, result.Candidates)
	assert.Zero(t, result.Started)
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	runID := uuid.New()
	f.runs.runs[runID] = catalog.Run{ID: runID, Status: catalog.RunCompleted, TotalItems: 9}

	rec := doRequest(t, f.server.Handler(), http.MethodGet, "/v1/runs/"+runID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Run runDTO `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, runID, body.Run.ID)
	assert.Equal(t, 9, body.Run.TotalItems)

	rec = doRequest(t, f.server.Handler(), http.MethodGet, "/v1/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, f.server.Handler(), http.MethodGet, "/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	f.runs.runs[uuid.New()] = catalog.Run{ID: uuid.New(), Status: catalog.RunProcessing}

	rec := doRequest(t, f.server.Handler(), http.MethodGet, "/v1/runs/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Runs, 1)
}

func TestListRunItems(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	runID := uuid.New()
	f.runs.runItems = []catalog.Item{
		{ID: uuid.New(), RunID: runID, URL: "https://x.test/products/a", Status: catalog.ItemCompleted},
	}

	rec := doRequest(t, f.server.Handler(), http.MethodGet, "/v1/runs/"+runID.String()+"/items", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items []itemDTO `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "https://x.test/products/a", body.Items[0].URL)
}

func TestDrainRunRejectsBadID(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	rec := doRequest(t, f.server.Handler(), http.MethodPost, "/v1/runs/not-a-uuid/drain", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProfileBrandNotFound(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	rec := doRequest(t, f.server.Handler(), http.MethodPost, "/v1/brands/"+uuid.NewString()+"/profile", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, f.server.Handler(), http.MethodPost, "/v1/brands/nope/profile", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	f := newServerFixture(t, cfg)

	rec := doRequest(t, f.server.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "sekrit")
	out := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)

	// Query-parameter fallback for callers that cannot set headers.
	req = httptest.NewRequest(http.MethodGet, "/healthz?api_key=sekrit", nil)
	out = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
}
