package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"courier/internal/config"
	"courier/internal/protocol"
	"courier/internal/session"
)

// lengthPrefixSize is the number of bytes in the frame header: a
// big-endian uint32 carrying the body length.
const lengthPrefixSize = 4

// TCPGateway serves the length-prefixed TCP transport.
type TCPGateway struct {
	cfg     *config.TCPConfig
	handler Handler
	logger  *slog.Logger

	listener net.Listener
	mu       sync.Mutex
	sessions map[*tcpSession]struct{}
	wg       sync.WaitGroup
	stopped  bool
}

// NewTCPGateway creates the gateway; Start opens the listener.
func NewTCPGateway(cfg *config.TCPConfig, handler Handler, logger *slog.Logger) *TCPGateway {
	return &TCPGateway{
		cfg:      cfg,
		handler:  handler,
		logger:   logger.With("component", "tcp_gateway"),
		sessions: make(map[*tcpSession]struct{}),
	}
}

// Start opens the listener and begins accepting connections.
func (g *TCPGateway) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g.listener = listener

	g.wg.Add(1)
	go g.acceptLoop()

	g.logger.Info("TCP gateway listening", "addr", addr)
	return nil
}

// Stop closes the listener and every live session.
func (g *TCPGateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.stopped = true
	sessions := make([]*tcpSession, 0, len(g.sessions))
	for s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	if g.listener != nil {
		_ = g.listener.Close()
	}
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

func (g *TCPGateway) acceptLoop() {
	defer g.wg.Done()

	for {
		conn, err := g.listener.Accept()
		if err != nil {
			g.mu.Lock()
			stopped := g.stopped
			g.mu.Unlock()
			if stopped || errors.Is(err, net.ErrClosed) {
				return
			}
			g.logger.Warn("Accept failed", "error", err)
			continue
		}

		s := newTCPSession(conn)
		g.mu.Lock()
		if g.stopped {
			g.mu.Unlock()
			_ = s.Close()
			return
		}
		g.sessions[s] = struct{}{}
		g.mu.Unlock()

		g.wg.Add(1)
		go g.serve(s)
	}
}

func (g *TCPGateway) serve(s *tcpSession) {
	defer g.wg.Done()
	defer func() {
		_ = s.Close()
		g.mu.Lock()
		delete(g.sessions, s)
		g.mu.Unlock()
		g.handler.HandleClose(s)
	}()

	g.logger.Debug("Connection opened", "remote", s.RemoteAddr())

	header := make([]byte, lengthPrefixSize)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout)); err != nil {
			return
		}
		body, err := g.readFrame(s, header)
		if err != nil {
			g.logReadError(s, err)
			return
		}

		g.handler.HandleFrame(s, body)
	}
}

// readFrame reads one length-prefixed frame off the connection.
func (g *TCPGateway) readFrame(s *tcpSession, header []byte) ([]byte, error) {
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return nil, err
	}

	bodyLen := binary.BigEndian.Uint32(header)
	if bodyLen == 0 {
		return nil, fmt.Errorf("%w: zero-length body", protocol.ErrMalformedFrame)
	}
	if bodyLen > uint32(g.cfg.MaxBodySize) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", protocol.ErrFrameTooLarge, bodyLen, g.cfg.MaxBodySize)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

// logReadError separates routine disconnects from real faults.
func (g *TCPGateway) logReadError(s *tcpSession, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		g.logger.Debug("Connection closed", "remote", s.RemoteAddr())
	case errors.As(err, &netErr) && netErr.Timeout():
		g.logger.Info("Connection idle timeout", "remote", s.RemoteAddr())
	case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrMalformedFrame):
		g.logger.Warn("Closing connection on bad frame", "remote", s.RemoteAddr(), "error", err)
	default:
		g.logger.Warn("Connection read failed", "remote", s.RemoteAddr(), "error", err)
	}
}

// tcpSession is one TCP connection. Outbound frames go through a
// buffered channel drained by a single writer goroutine.
type tcpSession struct {
	conn      net.Conn
	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newTCPSession(conn net.Conn) *tcpSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &tcpSession{
		conn:    conn,
		writeCh: make(chan []byte, 100),
		ctx:     ctx,
		cancel:  cancel,
	}
	go s.writeLoop()
	return s
}

func (s *tcpSession) writeLoop() {
	header := make([]byte, lengthPrefixSize)
	for {
		select {
		case frame := <-s.writeCh:
			if err := s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			binary.BigEndian.PutUint32(header, uint32(len(frame)))
			if _, err := s.conn.Write(header); err != nil {
				return
			}
			if _, err := s.conn.Write(frame); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *tcpSession) Send(frame []byte) error {
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

func (s *tcpSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close()
	})
	return err
}

func (s *tcpSession) Transport() session.Transport { return session.TransportTCP }
func (s *tcpSession) RemoteAddr() string           { return s.conn.RemoteAddr().String() }

// EncodeFrame prepends the length header to a body. Exposed for tests
// and client tooling.
func EncodeFrame(body []byte) []byte {
	frame := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)
	return frame
}
