// Package api is the HTTP management surface: health, runtime
// statistics, and admin actions. It carries no protocol logic.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"courier/internal/config"
)

// Registry is the read side of the online-user registry.
type Registry interface {
	OnlineCount() int
	OnlineUsers() []string
	IsOnline(userID string) bool
}

// Kicker forces users offline on admin request.
type Kicker interface {
	KickUser(userID, reason string) error
}

// QoSStats reports the size of the acknowledgement stores.
type QoSStats interface {
	Size() int
}

// OfflineStore is the health and backlog view of the persistence layer.
// Nil when persistence is disabled.
type OfflineStore interface {
	HealthCheck(ctx context.Context) error
	PendingCount(ctx context.Context) (int, error)
}

// Server serves the management endpoints.
type Server struct {
	cfg      *config.APIConfig
	registry Registry
	kicker   Kicker
	sendQ    QoSStats
	recvQ    QoSStats
	offline  OfflineStore
	logger   *slog.Logger

	mux       *http.ServeMux
	server    *http.Server
	startedAt time.Time
	wg        sync.WaitGroup
}

// NewServer wires the management server. offline may be nil.
func NewServer(cfg *config.APIConfig, registry Registry, kicker Kicker, sendQ, recvQ QoSStats, offline OfflineStore, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		kicker:   kicker,
		sendQ:    sendQ,
		recvQ:    recvQ,
		offline:  offline,
		logger:   logger.With("component", "api"),
		mux:      http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Handle("/health", s.jsonMiddleware(http.HandlerFunc(s.handleHealth)))
	s.mux.Handle("/api/v1/stats", s.jsonMiddleware(http.HandlerFunc(s.handleStats)))
	s.mux.Handle("/api/v1/online", s.jsonMiddleware(http.HandlerFunc(s.handleOnline)))
	s.mux.Handle("/api/v1/kick", s.jsonMiddleware(http.HandlerFunc(s.handleKick)))
}

// ServeHTTP lets tests drive the server without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start opens the HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", "error", err)
		}
	}()

	s.logger.Info("API server listening", "addr", ln.Addr().String())
	return nil
}

// Stop drains the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	return err
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Storage   string    `json:"storage"`
}

type statsResponse struct {
	OnlineCount    int `json:"online_count"`
	PendingAcks    int `json:"pending_acks"`
	ReceivedCached int `json:"received_cached"`
	OfflineQueued  int `json:"offline_queued"`
}

type onlineResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

type kickRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	storageStatus := "disabled"
	if s.offline != nil {
		storageStatus = "healthy"
		if err := s.offline.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			storageStatus = fmt.Sprintf("error: %v", err)
		}
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.writeJSON(w, healthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
		Storage:   storageStatus,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statsResponse{
		OnlineCount:    s.registry.OnlineCount(),
		PendingAcks:    s.sendQ.Size(),
		ReceivedCached: s.recvQ.Size(),
	}
	if s.offline != nil {
		if n, err := s.offline.PendingCount(r.Context()); err == nil {
			resp.OfflineQueued = n
		}
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	users := s.registry.OnlineUsers()
	s.writeJSON(w, onlineResponse{Count: len(users), Users: users})
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req kickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		s.sendError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "removed by admin"
	}

	if err := s.kicker.KickUser(req.UserID, req.Reason); err != nil {
		s.sendError(w, "User not online", http.StatusNotFound)
		return
	}

	s.logger.Info("Admin kick issued", "user_id", req.UserID, "reason", req.Reason)
	s.writeJSON(w, map[string]string{"message": "user kicked"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encoding failed", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.writeJSON(w, errorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
