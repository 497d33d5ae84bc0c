package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"courier/internal/config"
)

type mockRegistry struct {
	users []string
}

func (m *mockRegistry) OnlineCount() int { return len(m.users) }

func (m *mockRegistry) OnlineUsers() []string { return m.users }

func (m *mockRegistry) IsOnline(userID string) bool {
	for _, u := range m.users {
		if u == userID {
			return true
		}
	}
	return false
}

type mockKicker struct {
	kicked []string
	err    error
}

func (m *mockKicker) KickUser(userID, reason string) error {
	if m.err != nil {
		return m.err
	}
	m.kicked = append(m.kicked, userID)
	return nil
}

type mockQoSStats struct{ size int }

func (m *mockQoSStats) Size() int { return m.size }

type mockOffline struct {
	pending   int
	healthErr error
}

func (m *mockOffline) HealthCheck(ctx context.Context) error { return m.healthErr }

func (m *mockOffline) PendingCount(ctx context.Context) (int, error) { return m.pending, nil }

func newTestServer(registry *mockRegistry, kicker *mockKicker, offline OfflineStore) *Server {
	return NewServer(
		&config.APIConfig{Enabled: true, Host: "127.0.0.1", Port: 0},
		registry,
		kicker,
		&mockQoSStats{size: 3},
		&mockQoSStats{size: 7},
		offline,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(&mockRegistry{}, &mockKicker{}, &mockOffline{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad health payload: %v", err)
	}
	if resp.Status != "healthy" || resp.Storage != "healthy" {
		t.Errorf("Unexpected health: %+v", resp)
	}
}

func TestHealthReportsStorageFailure(t *testing.T) {
	s := newTestServer(&mockRegistry{}, &mockKicker{}, &mockOffline{healthErr: errors.New("disk full")})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad health payload: %v", err)
	}
	if resp.Status != "unhealthy" || !strings.Contains(resp.Storage, "disk full") {
		t.Errorf("Unexpected health: %+v", resp)
	}
}

func TestHealthWithoutStorage(t *testing.T) {
	s := newTestServer(&mockRegistry{}, &mockKicker{}, nil)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad health payload: %v", err)
	}
	if resp.Storage != "disabled" {
		t.Errorf("Expected storage disabled, got %q", resp.Storage)
	}
}

func TestStatsEndpoint(t *testing.T) {
	registry := &mockRegistry{users: []string{"alice", "bob"}}
	s := newTestServer(registry, &mockKicker{}, &mockOffline{pending: 5})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad stats payload: %v", err)
	}
	if resp.OnlineCount != 2 || resp.PendingAcks != 3 || resp.ReceivedCached != 7 || resp.OfflineQueued != 5 {
		t.Errorf("Unexpected stats: %+v", resp)
	}
}

func TestOnlineEndpoint(t *testing.T) {
	registry := &mockRegistry{users: []string{"alice"}}
	s := newTestServer(registry, &mockKicker{}, nil)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/online", nil))

	var resp onlineResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad online payload: %v", err)
	}
	if resp.Count != 1 || resp.Users[0] != "alice" {
		t.Errorf("Unexpected online payload: %+v", resp)
	}
}

func TestKickEndpoint(t *testing.T) {
	kicker := &mockKicker{}
	s := newTestServer(&mockRegistry{users: []string{"alice"}}, kicker, nil)

	body := strings.NewReader(`{"user_id":"alice","reason":"policy"}`)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/kick", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(kicker.kicked) != 1 || kicker.kicked[0] != "alice" {
		t.Errorf("Expected alice kicked, got %v", kicker.kicked)
	}
}

func TestKickValidation(t *testing.T) {
	s := newTestServer(&mockRegistry{}, &mockKicker{}, nil)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/kick", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing user_id, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/kick", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", rec.Code)
	}
}

func TestKickOfflineUser(t *testing.T) {
	kicker := &mockKicker{err: errors.New("not online")}
	s := newTestServer(&mockRegistry{}, kicker, nil)

	body := strings.NewReader(`{"user_id":"ghost"}`)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/kick", body))

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for offline user, got %d", rec.Code)
	}
}
