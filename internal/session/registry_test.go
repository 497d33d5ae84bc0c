package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

// mockSession implements Session for registry tests.
type mockSession struct {
	mu     sync.Mutex
	closed bool
	frames [][]byte
	addr   string
}

func newMockSession(addr string) *mockSession {
	return &mockSession{addr: addr}
}

func (m *mockSession) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSessionClosed
	}
	m.frames = append(m.frames, frame)
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSession) Transport() Transport { return TransportTCP }
func (m *mockSession) RemoteAddr() string   { return m.addr }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type kickRecord struct {
	session Session
	userID  string
	code    int
}

func newTestRegistry() (*Registry, *[]kickRecord, *[]string) {
	r := NewRegistry(testLogger())
	kicks := &[]kickRecord{}
	offline := &[]string{}
	r.SetKickHandler(func(s Session, userID string, code int, reason string) {
		*kicks = append(*kicks, kickRecord{s, userID, code})
		s.Close()
	})
	r.SetOfflineHandler(func(userID string) {
		*offline = append(*offline, userID)
	})
	return r, kicks, offline
}

func TestPutUserRegistersAndReports(t *testing.T) {
	r, _, _ := newTestRegistry()
	s := newMockSession("10.0.0.1:5000")

	if !r.PutUser("alice", s, 0) {
		t.Fatal("Expected registration to succeed")
	}
	if !r.IsOnline("alice") {
		t.Error("Expected alice to be online")
	}
	if r.OnlineCount() != 1 {
		t.Errorf("Expected online count 1, got %d", r.OnlineCount())
	}
	got, ok := r.GetSession("alice")
	if !ok || got != Session(s) {
		t.Error("GetSession returned wrong session")
	}
}

func TestPutUserFirstLoginKicksOldUnconditionally(t *testing.T) {
	r, kicks, _ := newTestRegistry()
	old := newMockSession("10.0.0.1:5000")
	r.PutUser("alice", old, 0)
	r.StampFirstLogin(old, 9999)

	// A genuine first login (time <= 0) evicts the old session even though
	// its recorded period is newer than zero.
	fresh := newMockSession("10.0.0.2:5000")
	if !r.PutUser("alice", fresh, 0) {
		t.Fatal("Expected first login to win arbitration")
	}

	if len(*kicks) != 1 || (*kicks)[0].session != Session(old) {
		t.Fatalf("Expected old session kicked, got %+v", *kicks)
	}
	got, _ := r.GetSession("alice")
	if got != Session(fresh) {
		t.Error("Expected new session registered")
	}
}

func TestPutUserNewerPeriodKicksOld(t *testing.T) {
	r, kicks, _ := newTestRegistry()
	old := newMockSession("10.0.0.1:5000")
	r.PutUser("alice", old, 1000)

	fresh := newMockSession("10.0.0.2:5000")
	if !r.PutUser("alice", fresh, 2000) {
		t.Fatal("Expected newer online period to win")
	}
	if len(*kicks) != 1 || (*kicks)[0].session != Session(old) {
		t.Fatalf("Expected old session kicked, got %+v", *kicks)
	}
}

func TestPutUserEqualPeriodKicksOld(t *testing.T) {
	r, kicks, _ := newTestRegistry()
	old := newMockSession("10.0.0.1:5000")
	r.PutUser("alice", old, 1000)

	fresh := newMockSession("10.0.0.2:5000")
	if !r.PutUser("alice", fresh, 1000) {
		t.Fatal("Expected equal online period to win")
	}
	if len(*kicks) != 1 || (*kicks)[0].session != Session(old) {
		t.Fatalf("Expected old session kicked, got %+v", *kicks)
	}
}

func TestPutUserStalePeriodKicksNewcomer(t *testing.T) {
	r, kicks, _ := newTestRegistry()
	current := newMockSession("10.0.0.1:5000")
	r.PutUser("alice", current, 2000)

	stale := newMockSession("10.0.0.2:5000")
	if r.PutUser("alice", stale, 1000) {
		t.Fatal("Expected stale online period to lose arbitration")
	}
	if len(*kicks) != 1 || (*kicks)[0].session != Session(stale) {
		t.Fatalf("Expected newcomer kicked, got %+v", *kicks)
	}
	got, _ := r.GetSession("alice")
	if got != Session(current) {
		t.Error("Expected current session to remain registered")
	}
}

func TestPutUserDuringSlowKickKeepsNewestSession(t *testing.T) {
	r := NewRegistry(testLogger())
	var kicked []Session
	kickStarted := make(chan struct{})
	kickRelease := make(chan struct{})
	first := true
	r.SetKickHandler(func(s Session, userID string, code int, reason string) {
		kicked = append(kicked, s)
		if first {
			first = false
			close(kickStarted)
			<-kickRelease
		}
	})

	a := newMockSession("10.0.0.1:5000")
	r.PutUser("alice", a, 100)

	// b's login stalls inside the kick notification for a. A login landing
	// in that window must stay registered once b's kick call returns.
	b := newMockSession("10.0.0.2:5000")
	done := make(chan bool)
	go func() {
		done <- r.PutUser("alice", b, 200)
	}()
	<-kickStarted

	c := newMockSession("10.0.0.3:5000")
	if !r.PutUser("alice", c, 300) {
		t.Fatal("Expected the newest login to win arbitration")
	}

	close(kickRelease)
	if !<-done {
		t.Fatal("Expected the t=200 login to have been accepted")
	}

	got, _ := r.GetSession("alice")
	if got != Session(c) {
		t.Fatal("Expected the newest session to remain registered")
	}
	if len(kicked) != 2 || kicked[0] != Session(a) || kicked[1] != Session(b) {
		t.Errorf("Expected a then b kicked, got %d kicks", len(kicked))
	}
	if _, ok := r.IdentityOf(b); ok {
		t.Error("Displaced session must not keep an identity entry")
	}
}

func TestReLoginSameSessionIsIdempotent(t *testing.T) {
	r, kicks, _ := newTestRegistry()
	s := newMockSession("10.0.0.1:5000")
	r.PutUser("alice", s, 0)
	r.StampFirstLogin(s, 1234)

	if !r.PutUser("alice", s, 0) {
		t.Fatal("Expected re-login on same session to succeed")
	}
	if len(*kicks) != 0 {
		t.Errorf("Expected no kicks, got %d", len(*kicks))
	}
	ident, ok := r.IdentityOf(s)
	if !ok || ident.FirstLoginTime != 1234 {
		t.Errorf("Expected preserved first-login time, got %+v ok=%v", ident, ok)
	}
	if r.OnlineCount() != 1 {
		t.Errorf("Expected online count 1, got %d", r.OnlineCount())
	}
}

func TestOnSessionClosedRemovesOnlyRegisteredSession(t *testing.T) {
	r, _, offline := newTestRegistry()
	old := newMockSession("10.0.0.1:5000")
	r.PutUser("alice", old, 1000)
	fresh := newMockSession("10.0.0.2:5000")
	r.PutUser("alice", fresh, 2000)

	// The kicked session's close must not take the replacement offline.
	if _, removed := r.OnSessionClosed(old); removed {
		t.Error("Superseded session close should not unregister the user")
	}
	if !r.IsOnline("alice") {
		t.Fatal("Expected alice still online after stale close")
	}

	userID, removed := r.OnSessionClosed(fresh)
	if !removed || userID != "alice" {
		t.Fatalf("Expected registered session close to remove alice, got %q %v", userID, removed)
	}
	if r.IsOnline("alice") {
		t.Error("Expected alice offline")
	}
	if len(*offline) != 1 || (*offline)[0] != "alice" {
		t.Errorf("Expected one offline notification for alice, got %v", *offline)
	}
}

func TestOnSessionClosedUnknownSession(t *testing.T) {
	r, _, offline := newTestRegistry()
	if _, removed := r.OnSessionClosed(newMockSession("10.0.0.9:1")); removed {
		t.Error("Unknown session close should be a no-op")
	}
	if len(*offline) != 0 {
		t.Errorf("Expected no offline notifications, got %v", *offline)
	}
}

func TestRemoveUser(t *testing.T) {
	r, _, offline := newTestRegistry()
	s := newMockSession("10.0.0.1:5000")
	r.PutUser("alice", s, 0)

	if !r.RemoveUser("alice") {
		t.Fatal("Expected removal to succeed")
	}
	if r.RemoveUser("alice") {
		t.Error("Expected second removal to report false")
	}
	if _, ok := r.IdentityOf(s); ok {
		t.Error("Expected identity cleared after removal")
	}
	if len(*offline) != 1 {
		t.Errorf("Expected one offline notification, got %v", *offline)
	}
}

func TestOnlineUsersSnapshot(t *testing.T) {
	r, _, _ := newTestRegistry()
	r.PutUser("alice", newMockSession("a"), 0)
	r.PutUser("bob", newMockSession("b"), 0)

	users := r.OnlineUsers()
	if len(users) != 2 {
		t.Fatalf("Expected 2 users, got %v", users)
	}
	seen := map[string]bool{}
	for _, u := range users {
		seen[u] = true
	}
	if !seen["alice"] || !seen["bob"] {
		t.Errorf("Unexpected snapshot: %v", users)
	}
}
