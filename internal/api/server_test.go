package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/apertura-studio/studiomail/internal/config"
	"github.com/apertura-studio/studiomail/internal/engine"
	"github.com/apertura-studio/studiomail/internal/mail"
	"github.com/apertura-studio/studiomail/internal/mailapi"
	"github.com/apertura-studio/studiomail/internal/scheduler"
	"github.com/apertura-studio/studiomail/internal/store"
)

// testLogger returns a logger for tests that discards noise.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockEngine implements MailEngine for tests.
type mockEngine struct {
	records map[mail.Folder][]*mail.EmailRecord
	counts  map[mail.Folder]store.FolderCount
	stats   *store.Stats

	syncOutcome *engine.SyncOutcome
	syncErr     error
	mutateErr   error
	composeErr  error

	lastOp     engine.Operation
	lastTarget mail.Folder
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		records: make(map[mail.Folder][]*mail.EmailRecord),
		counts:  make(map[mail.Folder]store.FolderCount),
		stats:   &store.Stats{},
		syncOutcome: &engine.SyncOutcome{
			Success: true,
			Changed: true,
			Added:   2,
		},
	}
}

func (m *mockEngine) Sync(ctx context.Context, accountID string, folder mail.Folder) (*engine.SyncOutcome, error) {
	if m.syncErr != nil {
		return nil, m.syncErr
	}
	return m.syncOutcome, nil
}

func (m *mockEngine) LoadMore(ctx context.Context, accountID string, folder mail.Folder) (*engine.SyncOutcome, error) {
	return m.Sync(ctx, accountID, folder)
}

func (m *mockEngine) List(accountID string, folder mail.Folder, limit int) ([]*mail.EmailRecord, error) {
	recs := m.records[folder]
	if limit < len(recs) {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *mockEngine) Counts(accountID string) (map[mail.Folder]store.FolderCount, error) {
	return m.counts, nil
}

func (m *mockEngine) Stats() (*store.Stats, error) {
	return m.stats, nil
}

func (m *mockEngine) Mutate(ctx context.Context, accountID string, op engine.Operation, emailID string, target mail.Folder) (*engine.Mutation, error) {
	if m.mutateErr != nil {
		return nil, m.mutateErr
	}
	m.lastOp = op
	m.lastTarget = target
	return &engine.Mutation{
		Record: &mail.EmailRecord{AccountID: accountID, EmailID: emailID, Folder: mail.FolderInbox},
		Undo:   func() {},
	}, nil
}

func (m *mockEngine) Send(ctx context.Context, accountID string, msg *mailapi.OutgoingMessage) (*mail.EmailRecord, error) {
	if m.composeErr != nil {
		return nil, m.composeErr
	}
	return &mail.EmailRecord{
		AccountID: accountID,
		EmailID:   "sent-1",
		Folder:    mail.FolderSent,
		Subject:   msg.Subject,
	}, nil
}

func (m *mockEngine) SaveDraft(ctx context.Context, accountID string, msg *mailapi.OutgoingMessage) (*mail.EmailRecord, error) {
	if m.composeErr != nil {
		return nil, m.composeErr
	}
	return &mail.EmailRecord{
		AccountID: accountID,
		EmailID:   "draft-1",
		Folder:    mail.FolderDrafts,
		Subject:   msg.Subject,
	}, nil
}

// mockSched implements SyncScheduler for tests.
type mockSched struct {
	scheduled map[string]bool
	running   bool
	statuses  []scheduler.AccountStatus
	triggerFn func(accountID string) error
}

func newMockSched() *mockSched {
	return &mockSched{
		scheduled: make(map[string]bool),
		running:   true,
	}
}

func (m *mockSched) IsScheduled(accountID string) bool {
	return m.scheduled[accountID]
}

func (m *mockSched) TriggerSync(accountID string) error {
	if m.triggerFn != nil {
		return m.triggerFn(accountID)
	}
	return nil
}

func (m *mockSched) Status() []scheduler.AccountStatus {
	return m.statuses
}

func (m *mockSched) IsRunning() bool {
	return m.running
}

func newTestServer(eng *mockEngine, sched *mockSched, apiKey string) *Server {
	cfg := &config.Config{
		Server: config.ServerConfig{APIPort: 8080, APIKey: apiKey},
	}
	return NewServer(cfg, eng, sched, testLogger())
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(newMockEngine(), newMockSched(), "")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("health status = %q, want 'ok'", resp["status"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(newMockEngine(), newMockSched(), "secret-key")

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{"no auth", "", "", http.StatusUnauthorized},
		{"wrong key", "Authorization", "wrong-key", http.StatusUnauthorized},
		{"correct key", "Authorization", "secret-key", http.StatusOK},
		{"bearer prefix", "Authorization", "Bearer secret-key", http.StatusOK},
		{"x-api-key header", "X-API-Key", "secret-key", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/stats", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()

			srv.Router().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestAuthMiddlewareNoKeyConfigured(t *testing.T) {
	srv := newTestServer(newMockEngine(), newMockSched(), "")

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d when no API key configured", w.Code, http.StatusOK)
	}
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	sched := newMockSched()
	sched.statuses = []scheduler.AccountStatus{
		{
			AccountID: "studio@apertura.example",
			Schedule:  "*/15 * * * *",
			NextRun:   time.Now().Add(15 * time.Minute),
		},
	}
	srv := newTestServer(newMockEngine(), sched, "")

	req := httptest.NewRequest("GET", "/api/v1/scheduler/status", nil)
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp SchedulerStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Running {
		t.Error("expected scheduler to be running")
	}
	if len(resp.Accounts) != 1 {
		t.Errorf("expected 1 account, got %d", len(resp.Accounts))
	}
}

func TestListAccountsEndpoint(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{APIPort: 8080},
		Accounts: []config.AccountSchedule{
			{AccountID: "studio@apertura.example", Schedule: "0 */2 * * *", Enabled: true},
			{AccountID: "bookings@apertura.example", Schedule: "0 3 * * *", Enabled: false},
		},
	}
	srv := NewServer(cfg, newMockEngine(), newMockSched(), testLogger())

	req := httptest.NewRequest("GET", "/api/v1/accounts", nil)
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string][]AccountInfo
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp["accounts"]) != 2 {
		t.Errorf("expected 2 accounts, got %d", len(resp["accounts"]))
	}
}

func TestTriggerSyncEndpoint(t *testing.T) {
	sched := newMockSched()
	srv := newTestServer(newMockEngine(), sched, "")

	req := httptest.NewRequest("POST", "/api/v1/sync/studio@apertura.example", nil)
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
}

func TestTriggerSyncConflict(t *testing.T) {
	sched := newMockSched()
	sched.triggerFn = func(accountID string) error {
		return errors.New("sync already running for " + accountID)
	}
	srv := newTestServer(newMockEngine(), sched, "")

	req := httptest.NewRequest("POST", "/api/v1/sync/studio@apertura.example", nil)
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(newMockEngine(), newMockSched(), "")

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q, want origin echoed",
			w.Header().Get("Access-Control-Allow-Origin"))
	}
}
