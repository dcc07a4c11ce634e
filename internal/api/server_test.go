package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/org/datagate/internal/audit"
	"github.com/org/datagate/internal/auth"
	"github.com/org/datagate/internal/storage"
	"github.com/org/datagate/pkg/models"
)

// In-memory store implementations for handler tests.

type memKeys struct {
	mu   sync.Mutex
	keys map[string]*models.APIKey
}

func (m *memKeys) CreateKey(ctx context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.keys[key.Key] = &cp
	return nil
}

func (m *memKeys) FindByToken(ctx context.Context, token string, now time.Time) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[token]
	if !ok || key.IsExpired(now) {
		return nil, storage.ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (m *memKeys) IncrementUsage(ctx context.Context, token string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.keys[token]; ok {
		key.Usages++
		key.LastUsed = &now
	}
	return nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []models.AccessLog
}

func (m *memAudit) InsertAccessLogs(ctx context.Context, entries []models.AccessLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memAudit) QueryAccessLogs(ctx context.Context, filter storage.AccessLogFilter) ([]models.AccessLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AccessLog
	for _, e := range m.entries {
		if filter.Endpoint != "" && !strings.HasPrefix(e.Endpoint, filter.Endpoint) {
			continue
		}
		if filter.APIKey != "" && e.APIKey != filter.APIKey {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// memReports counts calls so tests can assert a denied request never reached
// the relational store.
type memReports struct {
	mu    sync.Mutex
	calls map[string]int
}

func newMemReports() *memReports {
	return &memReports{calls: map[string]int{}}
}

func (m *memReports) called(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[name]++
}

func (m *memReports) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *memReports) TopSpendingCustomers(ctx context.Context, classifications []string) ([]models.TopSpender, error) {
	m.called("top_spenders")
	return []models.TopSpender{{CustomerID: 1, Name: "Ada", TotalSpent: 1200.50}}, nil
}

func (m *memReports) MostExpensiveTransactions(ctx context.Context, classifications []string) ([]models.ExpensiveTransaction, error) {
	m.called("most_expensive")
	return nil, nil
}

func (m *memReports) TransactionTimeline(ctx context.Context, classifications []string) ([]models.TimelineBucket, error) {
	m.called("timeline")
	return []models.TimelineBucket{{Date: time.Now().UTC(), TransactionCount: 3}}, nil
}

func (m *memReports) StatusDistribution(ctx context.Context, classifications []string) ([]models.StatusCount, error) {
	m.called("status")
	return nil, nil
}

func (m *memReports) ClassificationCounts(ctx context.Context) ([]models.ClassificationCount, error) {
	m.called("classification_counts")
	return []models.ClassificationCount{{DataClassification: "Public", Count: 10}}, nil
}

func (m *memReports) RecentTransactions(ctx context.Context, classifications []string) ([]models.Transaction, error) {
	m.called("recent")
	return []models.Transaction{{TransactionID: 7, CustomerID: 1, Amount: 9.99, Currency: "EUR", Status: "completed"}}, nil
}

func (m *memReports) Customers(ctx context.Context, purpose models.Purpose) ([]models.Customer, error) {
	m.called("customers")
	return []models.Customer{{CustomerID: 1, FirstName: "Ada", LastName: "Lovelace"}}, nil
}

type memEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (m *memEvents) AppendEvent(ctx context.Context, event models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memEvents) RecentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

type testEnv struct {
	server  *Server
	router  http.Handler
	keys    *auth.KeyService
	store   *memKeys
	sink    *memAudit
	buffer  *audit.Buffer
	reports *memReports
	events  *memEvents
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := &memKeys{keys: map[string]*models.APIKey{}}
	keys := auth.NewKeyService(store, false)
	keys.Start()
	t.Cleanup(func() { keys.Stop(context.Background()) }) //nolint:errcheck

	sink := &memAudit{}
	buffer := audit.NewBuffer(sink, 100, time.Hour)
	reports := newMemReports()
	events := &memEvents{}

	srv := NewServer(keys, buffer, sink, reports, events, Config{ListenAddr: ":0"})
	return &testEnv{
		server:  srv,
		router:  srv.BuildRouter(),
		keys:    keys,
		store:   store,
		sink:    sink,
		buffer:  buffer,
		reports: reports,
		events:  events,
	}
}

func (env *testEnv) issueKey(t *testing.T, purpose models.Purpose) *models.APIKey {
	t.Helper()
	key, err := env.keys.CreateKey(context.Background(), auth.CreateParams{
		Purpose:            purpose,
		DataClassification: []models.DataClassification{models.ClassificationPublic, models.ClassificationInternal},
	})
	if err != nil {
		t.Fatalf("issuing %s key: %v", purpose, err)
	}
	return key
}

func (env *testEnv) request(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("X-API-Key", token)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request("GET", "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("expected body OK, got %q", rec.Body.String())
	}
}

func TestMissingKeyRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request("GET", "/customers", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := errorBody(t, rec); got != "X-API-Key header is missing" {
		t.Errorf("unexpected error body: %q", got)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request("GET", "/customers", "not-a-real-token")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := errorBody(t, rec); got != "Invalid or unauthorized API Key" {
		t.Errorf("unexpected error body: %q", got)
	}
}

func TestExpiredKeyRejected(t *testing.T) {
	env := newTestEnv(t)
	key := env.issueKey(t, models.PurposeAudit)

	past := time.Now().Add(-time.Hour)
	env.store.mu.Lock()
	env.store.keys[key.Key].ExpirationDate = &past
	env.store.mu.Unlock()

	rec := env.request("GET", "/admin/access-logs", key.Key)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for expired key, got %d", rec.Code)
	}
}

func TestWrongPurposeRejectedBeforeQuery(t *testing.T) {
	env := newTestEnv(t)
	key := env.issueKey(t, models.PurposeMarketing)

	rec := env.request("GET", "/transactions/timeline", key.Key)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := errorBody(t, rec); got != "API key does not have the required purpose" {
		t.Errorf("unexpected error body: %q", got)
	}
	// The purpose gate runs before any data access.
	if n := env.reports.callCount("timeline"); n != 0 {
		t.Errorf("expected no timeline query for denied request, got %d", n)
	}
}

func TestKeyCreationFromLoopback(t *testing.T) {
	env := newTestEnv(t)

	body := strings.NewReader(`{"purpose":"Audit","data_classification":["Internal"]}`)
	req := httptest.NewRequest("POST", "/admin/api-keys", body)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		APIKey  string `json:"apiKey"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(resp.APIKey) {
		t.Errorf("expected 64-hex token, got %q", resp.APIKey)
	}
	if resp.Message == "" {
		t.Error("expected a store-it-securely message")
	}

	// The fresh Audit key works on Audit routes and nowhere else.
	if rec := env.request("GET", "/admin/access-logs", resp.APIKey); rec.Code != http.StatusOK {
		t.Errorf("expected 200 on audit route, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.request("GET", "/customers/top-spending", resp.APIKey); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 on marketing route, got %d", rec.Code)
	}

	// Issuance leaves an event on the operational stream.
	events, _ := env.events.RecentEvents(context.Background(), 10)
	if len(events) != 1 || events[0].Type != "apikey.created" {
		t.Errorf("expected one apikey.created event, got %+v", events)
	}
}

func TestKeyCreationFromRemoteRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	body := strings.NewReader(`{"purpose":"Audit","data_classification":["Internal"]}`)
	req := httptest.NewRequest("POST", "/admin/api-keys", body)
	// httptest's default RemoteAddr is 192.0.2.1:1234, which is not loopback.
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for remote unauthenticated creation, got %d", rec.Code)
	}
}

func TestKeyCreationValidation(t *testing.T) {
	env := newTestEnv(t)

	for _, payload := range []string{
		`{"purpose":"Admin","data_classification":["Internal"]}`,
		`{"purpose":"Audit","data_classification":[]}`,
		`{"purpose":"Audit"`,
	} {
		req := httptest.NewRequest("POST", "/admin/api-keys", strings.NewReader(payload))
		req.RemoteAddr = "127.0.0.1:5555"
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("payload %s: expected 400, got %d", payload, rec.Code)
		}
	}
}

func TestAccessLogEnqueuedForAuthenticatedRequest(t *testing.T) {
	env := newTestEnv(t)
	key := env.issueKey(t, models.PurposeSystem)

	rec := env.request("GET", "/transactions/recent", key.Key)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := env.buffer.Pending(); got != 1 {
		t.Fatalf("expected 1 pending access-log entry, got %d", got)
	}

	env.buffer.Flush(context.Background())
	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	entry := env.sink.entries[0]
	if entry.APIKey != key.Key {
		t.Errorf("entry key = %q, want issued key", entry.APIKey)
	}
	if entry.RequestID == "" {
		t.Error("entry is missing its request ID")
	}
	if entry.Endpoint != "/transactions/recent" {
		t.Errorf("entry endpoint = %q", entry.Endpoint)
	}
	if entry.Method != "GET" || entry.StatusCode != http.StatusOK {
		t.Errorf("entry method/status = %s/%d", entry.Method, entry.StatusCode)
	}
	if len(entry.AccessedResources) != 1 || entry.AccessedResources[0] != "transaction:7" {
		t.Errorf("entry resources = %v", entry.AccessedResources)
	}
	if entry.ElapsedTimeMs < 0 || entry.QueryTimeMs < 0 || entry.ValidationTimeMs < 0 {
		t.Errorf("negative timing fields: %+v", entry)
	}
}

func TestAccessLogSkippedForPublicRequest(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.request("GET", "/", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := env.buffer.Pending(); got != 0 {
		t.Errorf("expected no access-log entry for public request, got %d", got)
	}

	// Rejected-before-auth requests carry no key either.
	env.request("GET", "/customers", "bogus")
	if got := env.buffer.Pending(); got != 0 {
		t.Errorf("expected no access-log entry for rejected request, got %d", got)
	}
}

func TestRoutePurposeMatrix(t *testing.T) {
	env := newTestEnv(t)
	tokens := map[models.Purpose]string{
		models.PurposeMarketing: env.issueKey(t, models.PurposeMarketing).Key,
		models.PurposeAudit:     env.issueKey(t, models.PurposeAudit).Key,
		models.PurposeSystem:    env.issueKey(t, models.PurposeSystem).Key,
	}

	cases := []struct {
		path string
		want models.Purpose
	}{
		{"/customers/top-spending", models.PurposeMarketing},
		{"/transactions/most-expensive", models.PurposeMarketing},
		{"/transactions/timeline", models.PurposeAudit},
		{"/transactions/status-distribution", models.PurposeAudit},
		{"/admin/access-logs", models.PurposeAudit},
		{"/transactions/classification-counts", models.PurposeSystem},
		{"/transactions/recent", models.PurposeSystem},
		{"/events/recent", models.PurposeSystem},
	}
	for _, tc := range cases {
		for purpose, token := range tokens {
			rec := env.request("GET", tc.path, token)
			if purpose == tc.want && rec.Code != http.StatusOK {
				t.Errorf("%s with %s key: expected 200, got %d: %s", tc.path, purpose, rec.Code, rec.Body.String())
			}
			if purpose != tc.want && rec.Code != http.StatusForbidden {
				t.Errorf("%s with %s key: expected 403, got %d", tc.path, purpose, rec.Code)
			}
		}
	}
}

func TestCustomersAcceptsAnyPurpose(t *testing.T) {
	env := newTestEnv(t)
	for _, purpose := range []models.Purpose{models.PurposeMarketing, models.PurposeAudit, models.PurposeSystem} {
		key := env.issueKey(t, purpose)
		rec := env.request("GET", "/customers", key.Key)
		if rec.Code != http.StatusOK {
			t.Errorf("customers with %s key: expected 200, got %d", purpose, rec.Code)
		}
	}
}

func TestEmptyReportSerializesAsArray(t *testing.T) {
	env := newTestEnv(t)
	key := env.issueKey(t, models.PurposeMarketing)

	rec := env.request("GET", "/transactions/most-expensive", key.Key)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("expected empty array body, got %q", got)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	env := newTestEnv(t)
	srv := NewServer(env.keys, env.buffer, env.sink, env.reports, env.events,
		Config{ListenAddr: ":0", RateLimitRPS: 1, RateLimitBurst: 2})
	router := srv.BuildRouter()

	var limited bool
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Error("expected at least one 429 after exhausting the burst")
	}
}
