package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"courier/internal/config"
	"courier/internal/session"
)

// udpReadBufferSize bounds a single datagram; larger packets are
// truncated by the kernel and will fail to parse.
const udpReadBufferSize = 8 * 1024

// UDPGateway serves the datagram transport. There is no connection, so
// each distinct remote address becomes a pseudo-session that expires
// after SessionTTL without traffic. Clients keep it alive with their
// heartbeats.
type UDPGateway struct {
	cfg     *config.UDPConfig
	handler Handler
	logger  *slog.Logger

	conn *net.UDPConn

	mu       sync.Mutex
	sessions map[string]*udpSession

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewUDPGateway creates the gateway; Start opens the socket.
func NewUDPGateway(cfg *config.UDPConfig, handler Handler, logger *slog.Logger) *UDPGateway {
	return &UDPGateway{
		cfg:      cfg,
		handler:  handler,
		logger:   logger.With("component", "udp_gateway"),
		sessions: make(map[string]*udpSession),
		stop:     make(chan struct{}),
	}
}

// Start opens the socket and begins the read and expiry loops.
func (g *UDPGateway) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g.conn = conn

	g.wg.Add(2)
	go g.readLoop()
	go g.expiryLoop()

	g.logger.Info("UDP gateway listening", "addr", addr.String())
	return nil
}

// Stop closes the socket and expires every pseudo-session.
func (g *UDPGateway) Stop(ctx context.Context) error {
	close(g.stop)
	if g.conn != nil {
		_ = g.conn.Close()
	}

	g.mu.Lock()
	sessions := make([]*udpSession, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *UDPGateway) readLoop() {
	defer g.wg.Done()

	buf := make([]byte, udpReadBufferSize)
	for {
		n, remote, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-g.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			g.logger.Warn("UDP read failed", "error", err)
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		s := g.sessionFor(remote)
		s.touch()
		g.handler.HandleFrame(s, frame)
	}
}

// sessionFor returns the pseudo-session for a remote address, creating
// it on first contact.
func (g *UDPGateway) sessionFor(remote *net.UDPAddr) *udpSession {
	key := remote.String()

	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[key]; ok && !s.isClosed() {
		return s
	}
	s := newUDPSession(g, remote)
	g.sessions[key] = s
	g.logger.Debug("Pseudo-session opened", "remote", key)
	return s
}

// expiryLoop closes pseudo-sessions that have gone quiet.
func (g *UDPGateway) expiryLoop() {
	defer g.wg.Done()

	interval := g.cfg.SessionTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.expire(time.Now())
		case <-g.stop:
			return
		}
	}
}

func (g *UDPGateway) expire(now time.Time) {
	g.mu.Lock()
	var idle []*udpSession
	for _, s := range g.sessions {
		if now.Sub(s.lastSeen()) >= g.cfg.SessionTTL {
			idle = append(idle, s)
		}
	}
	g.mu.Unlock()

	for _, s := range idle {
		g.logger.Info("Pseudo-session expired", "remote", s.RemoteAddr())
		_ = s.Close()
	}
}

func (g *UDPGateway) dropSession(s *udpSession) {
	g.mu.Lock()
	if g.sessions[s.remote.String()] == s {
		delete(g.sessions, s.remote.String())
	}
	g.mu.Unlock()
	g.handler.HandleClose(s)
}

// udpSession binds a remote address to the shared socket. Datagram
// writes are atomic, so no writer goroutine is needed.
type udpSession struct {
	gateway *UDPGateway
	remote  *net.UDPAddr

	mu     sync.Mutex
	seen   time.Time
	closed bool
}

func newUDPSession(g *UDPGateway, remote *net.UDPAddr) *udpSession {
	return &udpSession{
		gateway: g,
		remote:  remote,
		seen:    time.Now(),
	}
}

func (s *udpSession) touch() {
	s.mu.Lock()
	s.seen = time.Now()
	s.mu.Unlock()
}

func (s *udpSession) lastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

func (s *udpSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *udpSession) Send(frame []byte) error {
	if s.isClosed() {
		return session.ErrSessionClosed
	}
	if _, err := s.gateway.conn.WriteToUDP(frame, s.remote); err != nil {
		return fmt.Errorf("udp write to %s: %w", s.remote, err)
	}
	return nil
}

// Close expires the pseudo-session. The socket stays open; only the
// address binding is dropped.
func (s *udpSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.gateway.dropSession(s)
	return nil
}

func (s *udpSession) Transport() session.Transport { return session.TransportUDP }
func (s *udpSession) RemoteAddr() string           { return s.remote.String() }
