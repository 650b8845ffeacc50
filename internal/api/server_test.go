package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/catalog"
	"github.com/JakeFAU/schemamap-crawler/internal/config"
	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
	"github.com/JakeFAU/schemamap-crawler/internal/metrics"
	queueMemory "github.com/JakeFAU/schemamap-crawler/internal/queue/memory"
)

func TestServer_RegisterSite_Succeeds(t *testing.T) {
	t.Parallel()

	cat := newFakeCatalog()
	server := newTestServer(withCatalog(cat))

	body := []byte(`{"site_url":"https://example.com","user_id":"tenant-1","process_interval_hours":24}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/sites", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), "registered")
	require.Len(t, cat.added, 1)
	require.Equal(t, "tenant-1", cat.added[0].UserID)
	require.Equal(t, float64(24), cat.added[0].ProcessIntervalHours)
}

func TestServer_RegisterSite_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/sites", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RegisterSite_MissingSiteURL(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/sites", bytes.NewBufferString(`{"user_id":"tenant-1"}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "site_url is required")
}

func TestServer_RegisterSite_DefaultsUserID(t *testing.T) {
	t.Parallel()

	cat := newFakeCatalog()
	server := newTestServer(withCatalog(cat))

	req := httptest.NewRequest(http.MethodPost, "/v1/sites", bytes.NewBufferString(`{"site_url":"https://example.com"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, cat.added, 1)
	require.Equal(t, "system", cat.added[0].UserID)
}

func TestServer_ProcessSite_ReportsQueuedJobs(t *testing.T) {
	t.Parallel()

	m := &fakeMaster{processQueued: 7}
	server := newTestServer(withMaster(m))

	req := httptest.NewRequest(http.MethodPost, "/v1/sites/process", bytes.NewBufferString(`{"site_url":"https://example.com","user_id":"tenant-1"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"jobs_queued":7`)
	require.Equal(t, []string{"https://example.com|tenant-1"}, m.processed)
}

func TestServer_ProcessSite_MasterError(t *testing.T) {
	t.Parallel()

	m := &fakeMaster{processErr: errors.New("boom")}
	server := newTestServer(withMaster(m))

	req := httptest.NewRequest(http.MethodPost, "/v1/sites/process", bytes.NewBufferString(`{"site_url":"https://example.com"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "boom")
}

func TestServer_RemoveSite_QueryParams(t *testing.T) {
	t.Parallel()

	m := &fakeMaster{removeQueued: 3}
	server := newTestServer(withMaster(m))

	req := httptest.NewRequest(http.MethodDelete, "/v1/sites?site_url=https://example.com&user_id=tenant-1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"jobs_queued":3`)
	require.Equal(t, []string{"https://example.com|tenant-1"}, m.removed)
}

func TestServer_RemoveSite_BodyFallback(t *testing.T) {
	t.Parallel()

	m := &fakeMaster{}
	server := newTestServer(withMaster(m))

	req := httptest.NewRequest(http.MethodDelete, "/v1/sites", bytes.NewBufferString(`{"site_url":"https://example.com"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"https://example.com|system"}, m.removed)
}

func TestServer_AddSchemaMap_Succeeds(t *testing.T) {
	t.Parallel()

	m := &fakeMaster{mapQueued: 12}
	server := newTestServer(withMaster(m))

	body := `{"site_url":"https://example.com","schema_map_url":"https://example.com/schema_map.xml","refresh_mode":"full"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/schema-maps", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"jobs_queued":12`)
	require.Equal(t, "full", m.lastRefreshMode)
}

func TestServer_AddSchemaMap_MissingMapURL(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/schema-maps", bytes.NewBufferString(`{"site_url":"https://example.com"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RemoveSchemaMap_QueuesRemovals(t *testing.T) {
	t.Parallel()

	m := &fakeMaster{mapQueued: 4}
	server := newTestServer(withMaster(m))

	body := `{"site_url":"https://example.com","schema_map_url":"https://example.com/schema_map.xml"}`
	req := httptest.NewRequest(http.MethodDelete, "/v1/schema-maps", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"jobs_queued":4`)
	require.Equal(t, []string{"https://example.com/schema_map.xml"}, m.removedMaps)
}

func TestServer_AddManualFile_Succeeds(t *testing.T) {
	t.Parallel()

	m := &fakeMaster{}
	server := newTestServer(withMaster(m))

	body := `{"site_url":"https://example.com","file_url":"https://example.com/doc.json","user_id":"tenant-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/files", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"https://example.com/doc.json"}, m.manualFiles)
}

func TestServer_SiteStatuses_ReturnsList(t *testing.T) {
	t.Parallel()

	cat := newFakeCatalog()
	cat.statuses["tenant-1"] = []catalog.SiteStatus{
		{SiteURL: "example.com", IsActive: true, TotalFiles: 4, TotalIDs: 120},
	}
	server := newTestServer(withCatalog(cat))

	req := httptest.NewRequest(http.MethodGet, "/v1/sites/status?user_id=tenant-1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total_ids":120`)
}

func TestServer_SiteStatuses_EmptyIsNotNull(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/sites/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"sites":[]`)
}

func TestServer_FileErrors_ReturnsRecorded(t *testing.T) {
	t.Parallel()

	cat := newFakeCatalog()
	cat.fileErrors["https://example.com/doc.json"] = []catalog.ProcessingError{
		{FileURL: "https://example.com/doc.json", UserID: "tenant-1", ErrorType: "download_failed"},
	}
	server := newTestServer(withCatalog(cat))

	req := httptest.NewRequest(http.MethodGet, "/v1/files/errors?file_url=https://example.com/doc.json", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "download_failed")
}

func TestServer_FileErrors_RequiresFileURL(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/files/errors", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_FileErrors_RejectsBadLimit(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/files/errors?file_url=https://example.com/doc.json&limit=nope", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_QueueStats_ReportsDepth(t *testing.T) {
	t.Parallel()

	q := newTestQueue()
	require.NoError(t, q.Send(context.Background(), crawl.Job{
		Type:    crawl.JobProcessFile,
		FileURL: "https://example.com/doc.json",
		SiteURL: "example.com",
		UserID:  "tenant-1",
	}))
	server := newTestServer(withQueue(q))

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"visible":1`)
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(&fakeMaster{}, newFakeCatalog(), newTestQueue(), &fakeIDGen{}, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz?api_key=secret", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer().Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackUnsupported(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")
}

// --- helpers/fakes ---

type serverOption func(*testDeps)

type testDeps struct {
	master  *fakeMaster
	catalog *fakeCatalog
	queue   crawl.Queue
}

func withMaster(m *fakeMaster) serverOption {
	return func(d *testDeps) { d.master = m }
}

func withCatalog(c *fakeCatalog) serverOption {
	return func(d *testDeps) { d.catalog = c }
}

func withQueue(q crawl.Queue) serverOption {
	return func(d *testDeps) { d.queue = q }
}

func newTestServer(opts ...serverOption) *Server {
	metrics.Init()
	deps := &testDeps{
		master:  &fakeMaster{},
		catalog: newFakeCatalog(),
		queue:   newTestQueue(),
	}
	for _, opt := range opts {
		opt(deps)
	}
	return NewServer(deps.master, deps.catalog, deps.queue, &fakeIDGen{}, testConfig(), zap.NewNop())
}

func newTestQueue() *queueMemory.Queue {
	return queueMemory.NewQueue(&fakeClock{now: time.Unix(100, 0)}, &fakeIDGen{})
}

func testConfig() config.Config {
	metrics.Init()
	var cfg config.Config
	cfg.Logging.Development = true
	return cfg
}

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("id-%d", f.n), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakeMaster struct {
	mu              sync.Mutex
	processed       []string
	removed         []string
	manualFiles     []string
	removedMaps     []string
	lastRefreshMode string
	processQueued   int
	removeQueued    int
	mapQueued       int
	processErr      error
}

func (m *fakeMaster) ProcessSite(_ context.Context, siteURL, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processErr != nil {
		return 0, m.processErr
	}
	m.processed = append(m.processed, siteURL+"|"+userID)
	return m.processQueued, nil
}

func (m *fakeMaster) AddSchemaMapToSite(_ context.Context, siteURL, userID, mapURL, refreshMode string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRefreshMode = refreshMode
	return m.mapQueued, nil
}

func (m *fakeMaster) RemoveSchemaMap(_ context.Context, siteURL, userID, mapURL string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedMaps = append(m.removedMaps, mapURL)
	return m.mapQueued, nil
}

func (m *fakeMaster) AddManualFile(_ context.Context, siteURL, userID, fileURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manualFiles = append(m.manualFiles, fileURL)
	return nil
}

func (m *fakeMaster) RemoveSite(_ context.Context, siteURL, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, siteURL+"|"+userID)
	return m.removeQueued, nil
}

type fakeCatalog struct {
	mu         sync.Mutex
	added      []catalog.Site
	statuses   map[string][]catalog.SiteStatus
	fileErrors map[string][]catalog.ProcessingError
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		statuses:   make(map[string][]catalog.SiteStatus),
		fileErrors: make(map[string][]catalog.ProcessingError),
	}
}

func (c *fakeCatalog) AddSite(_ context.Context, site catalog.Site) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, site)
	return nil
}

func (c *fakeCatalog) SiteStatuses(_ context.Context, userID string) ([]catalog.SiteStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[userID], nil
}

func (c *fakeCatalog) FileErrors(_ context.Context, fileURL string, _ int) ([]catalog.ProcessingError, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileErrors[fileURL], nil
}
