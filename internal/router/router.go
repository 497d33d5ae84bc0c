// Package router turns inbound wire frames into protocol actions. It is
// the single entry point every transport gateway feeds into.
package router

import (
	"log/slog"

	"courier/internal/delivery"
	"courier/internal/event"
	"courier/internal/protocol"
	"courier/internal/qos"
	"courier/internal/session"
)

// AuthFunc validates a login request. It returns protocol.CodeLoginOK to
// accept or a rejection code of protocol.CodeLoginRejectBase or above.
type AuthFunc func(info *protocol.LoginInfo, s session.Session) int

// AllowAll accepts every login. The default when the embedding
// application installs no authenticator.
func AllowAll(*protocol.LoginInfo, session.Session) int {
	return protocol.CodeLoginOK
}

// Router dispatches each inbound message by type. Everything except
// login and echo requires an authenticated session.
type Router struct {
	registry     *session.Registry
	dispatcher   *delivery.Dispatcher
	receiveStore *qos.ReceiveStore
	sendStore    *qos.SendStore
	listener     event.Listener
	auth         AuthFunc
	logger       *slog.Logger
}

// NewRouter wires the router. A nil auth accepts all logins; a nil
// listener discards all events.
func NewRouter(registry *session.Registry, dispatcher *delivery.Dispatcher, receiveStore *qos.ReceiveStore, sendStore *qos.SendStore, listener event.Listener, auth AuthFunc, logger *slog.Logger) *Router {
	if auth == nil {
		auth = AllowAll
	}
	if listener == nil {
		listener = event.NopListener{}
	}
	return &Router{
		registry:     registry,
		dispatcher:   dispatcher,
		receiveStore: receiveStore,
		sendStore:    sendStore,
		listener:     listener,
		auth:         auth,
		logger:       logger.With("component", "router"),
	}
}

// HandleFrame processes one inbound frame from a session. Malformed
// frames are logged and dropped; the connection stays up.
func (r *Router) HandleFrame(s session.Session, frame []byte) {
	msg, err := protocol.Parse(frame)
	if err != nil {
		r.logger.Warn("Dropping malformed frame", "remote", s.RemoteAddr(), "size", len(frame))
		return
	}

	switch msg.Type {
	case protocol.TypeEcho:
		// Echo works without login so clients can check reachability.
		r.handleEcho(s, msg)
		return
	case protocol.TypeLogin:
		r.handleLogin(s, msg)
		return
	}

	ident, ok := r.registry.IdentityOf(s)
	if !ok {
		r.logger.Warn("Rejecting message from unauthenticated session",
			"remote", s.RemoteAddr(), "type", msg.Type)
		r.dispatcher.ReplyUnauthorized(s)
		return
	}

	switch msg.Type {
	case protocol.TypeKeepAlive:
		r.handleKeepAlive(s, ident)
	case protocol.TypeAck:
		r.handleAck(msg)
	case protocol.TypeCommonData:
		r.handleCommonData(s, msg)
	case protocol.TypeLogout:
		r.handleLogout(s, ident)
	default:
		r.logger.Warn("Ignoring message of unknown type",
			"type", msg.Type, "from", ident.UserID)
	}
}

// HandleClose is the hook every gateway calls when a connection dies.
func (r *Router) HandleClose(s session.Session) {
	if userID, removed := r.registry.OnSessionClosed(s); removed {
		r.logger.Debug("Session close unregistered user", "user_id", userID)
	}
}

func (r *Router) handleEcho(s session.Session, msg *protocol.Message) {
	resp := protocol.NewEchoResponse(msg.DataContent, msg.From)
	if err := s.Send(resp.Marshal()); err != nil {
		r.logger.Warn("Echo reply failed", "remote", s.RemoteAddr(), "error", err)
	}
}

func (r *Router) handleLogin(s session.Session, msg *protocol.Message) {
	info, err := protocol.ParseLoginInfo(msg.DataContent)
	if err != nil || info.LoginUserID == "" {
		r.logger.Warn("Dropping malformed login request", "remote", s.RemoteAddr())
		if s.Transport() != session.TransportUDP {
			_ = s.Close()
		}
		return
	}

	// A login repeated on an already authenticated session only needs its
	// response replayed; the first one was likely lost in transit.
	if ident, ok := r.registry.IdentityOf(s); ok {
		if ident.UserID == info.LoginUserID {
			r.logger.Debug("Replaying login response", "user_id", ident.UserID)
			resp := protocol.NewLoginResponse(protocol.CodeLoginOK, ident.FirstLoginTime, ident.UserID)
			if err := s.Send(resp.Marshal()); err != nil {
				r.logger.Warn("Login response replay failed", "user_id", ident.UserID, "error", err)
			}
			return
		}
		r.logger.Warn("Session attempted login under a second identity",
			"user_id", ident.UserID, "attempted", info.LoginUserID)
		r.dispatcher.ReplyUnauthorized(s)
		return
	}

	if code := r.auth(info, s); code != protocol.CodeLoginOK {
		r.logger.Warn("Login rejected", "user_id", info.LoginUserID, "code", code)
		resp := protocol.NewLoginResponse(code, -1, info.LoginUserID)
		if err := s.Send(resp.Marshal()); err != nil {
			r.logger.Warn("Login rejection reply failed", "user_id", info.LoginUserID, "error", err)
		}
		if s.Transport() != session.TransportUDP {
			_ = s.Close()
		}
		return
	}

	if !r.registry.PutUser(info.LoginUserID, s, info.FirstLoginTime) {
		// A still-active newer online period won arbitration; the registry
		// already kicked this session.
		return
	}

	firstLoginTime := info.FirstLoginTime
	if info.IsFirstLogin() {
		firstLoginTime = protocol.Timestamp()
		r.registry.StampFirstLogin(s, firstLoginTime)
	}

	resp := protocol.NewLoginResponse(protocol.CodeLoginOK, firstLoginTime, info.LoginUserID)
	if err := s.Send(resp.Marshal()); err != nil {
		r.logger.Warn("Login response failed", "user_id", info.LoginUserID, "error", err)
	}

	r.listener.UserLogin(info.LoginUserID, info.Extra, firstLoginTime)
}

func (r *Router) handleKeepAlive(s session.Session, ident session.Identity) {
	resp := protocol.NewKeepAliveResponse(ident.UserID)
	if err := s.Send(resp.Marshal()); err != nil {
		r.logger.Warn("Keepalive reply failed", "user_id", ident.UserID, "error", err)
	}
}

func (r *Router) handleAck(msg *protocol.Message) {
	fingerprint := msg.DataContent
	if fingerprint == "" {
		return
	}
	if !r.sendStore.Remove(fingerprint) {
		r.logger.Debug("Ack for unknown fingerprint", "fingerprint", fingerprint)
	}
}

func (r *Router) handleCommonData(s session.Session, msg *protocol.Message) {
	if msg.ToServer() {
		if msg.QoS && msg.Fingerprint != "" {
			// Acknowledge before anything else so a crash mid-processing
			// still stops the sender's retries; the receive store then
			// shields against the duplicate a lost ack would cause.
			if err := r.dispatcher.AckReceived(s, msg); err != nil {
				r.logger.Warn("Receive ack failed", "from", msg.From, "error", err)
			}
			if r.receiveStore.Contains(msg.Fingerprint) {
				r.logger.Debug("Dropping duplicate message",
					"fingerprint", msg.Fingerprint, "from", msg.From)
				return
			}
			r.receiveStore.Record(msg.Fingerprint)
		}
		r.listener.ServerData(msg.Clone())
		return
	}

	// Relayed traffic is acked by whichever delivery branch takes the
	// message; an unhandled message earns no ack, so the sender's QoS
	// layer reports the loss.
	if err := r.dispatcher.Dispatch(s, msg); err != nil {
		r.logger.Warn("Message dispatch failed",
			"from", msg.From, "to", msg.To, "error", err)
	}
}

// handleLogout tears the session down without a response; the client has
// already stopped listening.
func (r *Router) handleLogout(s session.Session, ident session.Identity) {
	r.logger.Info("User logout", "user_id", ident.UserID)
	r.registry.RemoveUser(ident.UserID)
	_ = s.Close()
}
