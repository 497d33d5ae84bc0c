package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"courier/internal/config"
	"courier/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Clients connect from apps and file:// origins; origin checking
		// is left to deployments that front this with a proxy.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// WebSocketGateway serves the WebSocket transport on its own HTTP
// server.
type WebSocketGateway struct {
	cfg     *config.WebSocketConfig
	handler Handler
	logger  *slog.Logger

	server *http.Server
	mu     sync.Mutex
	active map[*wsSession]struct{}
	wg     sync.WaitGroup
}

// NewWebSocketGateway creates the gateway; Start opens the HTTP server.
func NewWebSocketGateway(cfg *config.WebSocketConfig, handler Handler, logger *slog.Logger) *WebSocketGateway {
	return &WebSocketGateway{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "websocket_gateway"),
		active:  make(map[*wsSession]struct{}),
	}
}

// Start begins serving websocket upgrades on the configured path.
func (g *WebSocketGateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.Path, g.handleUpgrade)

	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g.server = &http.Server{
		Handler: mux,
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("WebSocket server failed", "error", err)
		}
	}()

	g.logger.Info("WebSocket gateway listening", "addr", ln.Addr().String(), "path", g.cfg.Path)
	return nil
}

// Stop shuts the HTTP server down and closes live connections. Upgraded
// connections are hijacked from the HTTP server, so they must be closed
// individually.
func (g *WebSocketGateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	err := g.server.Shutdown(ctx)

	g.mu.Lock()
	sessions := make([]*wsSession, 0, len(g.active))
	for s := range g.active {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}

	g.wg.Wait()
	return err
}

func (g *WebSocketGateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := newWSSession(conn, g.cfg.BufferSize, g.cfg.WriteTimeout)
	g.mu.Lock()
	g.active[s] = struct{}{}
	g.mu.Unlock()
	g.logger.Debug("Connection opened", "remote", s.RemoteAddr())

	g.wg.Add(1)
	go g.readPump(s)
}

// readPump drives one connection: heartbeat deadlines plus the inbound
// frame loop.
func (g *WebSocketGateway) readPump(s *wsSession) {
	defer g.wg.Done()
	defer func() {
		_ = s.Close()
		g.mu.Lock()
		delete(g.active, s)
		g.mu.Unlock()
		g.handler.HandleClose(s)
	}()

	if err := s.conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	})

	pingInterval := g.cfg.ReadTimeout / 2
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.WriteTimeout)); err != nil {
					return
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Warn("WebSocket read failed", "remote", s.RemoteAddr(), "error", err)
			} else {
				g.logger.Debug("Connection closed", "remote", s.RemoteAddr())
			}
			return
		}
		// The protocol runs in text frames; clients may also send binary.
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			// Any traffic proves liveness, not just pongs.
			_ = s.conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
			g.handler.HandleFrame(s, data)
		}
	}
}

// wsSession wraps one websocket connection. Writes are serialized
// through a buffered channel drained by a single writer goroutine.
type wsSession struct {
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

func newWSSession(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	go s.writeLoop()
	return s
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case frame := <-s.writeCh:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *wsSession) Send(frame []byte) error {
	select {
	case <-s.ctx.Done():
		return session.ErrSessionClosed
	default:
	}
	select {
	case s.writeCh <- frame:
		return nil
	default:
		return session.ErrWriteQueueFull
	}
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) Transport() session.Transport { return session.TransportWebSocket }
func (s *wsSession) RemoteAddr() string           { return s.conn.RemoteAddr().String() }
