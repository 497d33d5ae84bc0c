// Package delivery resolves where a message goes: a locally connected
// session, a bridged server instance, or the offline path. It owns every
// outbound send, so QoS tracking and timestamping happen in one place.
package delivery

import (
	"fmt"
	"log/slog"

	"courier/internal/bridge"
	"courier/internal/event"
	"courier/internal/protocol"
	"courier/internal/qos"
	"courier/internal/session"
)

// OfflineStore is the persistence hook for messages whose recipients are
// unreachable and that the application did not claim.
type OfflineStore interface {
	SaveOffline(msg *protocol.Message) error
}

// Dispatcher routes outbound messages. All sends, including QoS
// retransmissions, funnel through it.
type Dispatcher struct {
	registry  *session.Registry
	sendStore *qos.SendStore
	recvStore *qos.ReceiveStore
	bridge    bridge.Bridge
	listener  event.Listener
	offline   OfflineStore
	logger    *slog.Logger
}

// NewDispatcher wires a dispatcher. bridge must not be nil (use
// bridge.Disabled{}); recvStore dedups retransmissions on the bridged
// path and may be nil; offline may be nil when persistence is off.
func NewDispatcher(registry *session.Registry, b bridge.Bridge, recvStore *qos.ReceiveStore, listener event.Listener, offline OfflineStore, logger *slog.Logger) *Dispatcher {
	if listener == nil {
		listener = event.NopListener{}
	}
	return &Dispatcher{
		registry:  registry,
		bridge:    b,
		recvStore: recvStore,
		listener:  listener,
		offline:   offline,
		logger:    logger.With("component", "dispatcher"),
	}
}

// SetSendStore installs the QoS send store. Separate from construction
// because the store's retransmit function points back at the dispatcher.
func (d *Dispatcher) SetSendStore(ss *qos.SendStore) {
	d.sendStore = ss
}

// send writes a message to a session without touching the QoS store.
// The server timestamp is stamped on the first transmission only, so
// retransmissions carry the original time.
func (d *Dispatcher) send(s session.Session, msg *protocol.Message) error {
	if msg.ServerTimestamp <= 0 {
		msg.ServerTimestamp = protocol.Timestamp()
	}
	return s.Send(msg.Marshal())
}

// SendDirect delivers a message to a known session, registering it for
// retransmission once it has been handed to the transport when it is
// QoS-protected. A failed send registers nothing; the caller decides
// whether the offline path gets the message.
func (d *Dispatcher) SendDirect(s session.Session, msg *protocol.Message) error {
	if err := d.send(s, msg); err != nil {
		d.logger.Warn("Direct send failed", "to", msg.To, "type", msg.Type, "error", err)
		return err
	}
	if msg.QoS && d.sendStore != nil {
		d.sendStore.Put(msg)
	}
	return nil
}

// Retransmit is the qos.SendFunc: it re-resolves the recipient on every
// attempt, since the original session may have been replaced.
func (d *Dispatcher) Retransmit(msg *protocol.Message) error {
	s, ok := d.registry.GetSession(msg.To)
	if !ok {
		return fmt.Errorf("recipient %s not online", msg.To)
	}
	return d.send(s, msg)
}

// Dispatch routes a client-to-client or server-to-client message: a
// local session first, the bridge second, the offline path last. from is
// the session the message arrived on, nil for server-originated sends.
// The sender's receive ack is issued only by the branch that takes
// responsibility for the message; when every branch declines, no ack goes
// out and the sender's QoS layer eventually reports the loss.
func (d *Dispatcher) Dispatch(from session.Session, msg *protocol.Message) error {
	if s, ok := d.registry.GetSession(msg.To); ok {
		if err := d.SendDirect(s, msg); err != nil {
			// The recipient's session is broken; the offline path decides
			// the message's fate.
			return d.handleUnreachable(from, msg)
		}
		d.listener.Relayed(msg.Clone())
		d.ackToSender(from, msg)
		return nil
	}

	if d.bridge.Enabled() {
		return d.dispatchBridge(from, msg)
	}

	return d.handleUnreachable(from, msg)
}

// dispatchBridge publishes to the bridge, deduping against fingerprints
// already relayed: a repeat marks a client retransmission whose ack was
// lost and only needs the ack re-sent, never a second publish.
func (d *Dispatcher) dispatchBridge(from session.Session, msg *protocol.Message) error {
	dedup := msg.QoS && msg.Fingerprint != "" && d.recvStore != nil
	if dedup && d.recvStore.Contains(msg.Fingerprint) {
		d.logger.Debug("Already bridged, re-acking only", "fingerprint", msg.Fingerprint)
		d.ackToSender(from, msg)
		return nil
	}

	relay := msg.Clone()
	relay.Bridge = true
	if err := d.bridge.Publish(relay); err != nil {
		d.logger.Error("Bridge publish failed", "to", msg.To, "error", err)
		return d.handleUnreachable(from, msg)
	}
	if dedup {
		d.recvStore.Record(msg.Fingerprint)
	}
	d.logger.Debug("Message bridged", "to", msg.To, "fingerprint", msg.Fingerprint)
	d.listener.Relayed(msg.Clone())
	d.ackToSender(from, msg)
	return nil
}

// SendToUser is the server-to-client entry point for the embedding
// application. The message's sender should be the server id.
func (d *Dispatcher) SendToUser(userID string, msg *protocol.Message) error {
	msg.To = userID
	return d.Dispatch(nil, msg)
}

// handleUnreachable offers the message to the application first; only
// unclaimed messages reach the offline store. Either taker earns the
// sender a delegated ack.
func (d *Dispatcher) handleUnreachable(from session.Session, msg *protocol.Message) error {
	if d.listener.Transfer(msg.Clone()) {
		d.logger.Debug("Offline message claimed by application", "to", msg.To)
		d.ackToSender(from, msg)
		return nil
	}

	if d.offline != nil {
		if err := d.offline.SaveOffline(msg); err != nil {
			d.logger.Error("Offline save failed", "to", msg.To, "error", err)
			return err
		}
		d.logger.Debug("Message queued offline", "to", msg.To, "fingerprint", msg.Fingerprint)
		d.ackToSender(from, msg)
		return nil
	}

	d.logger.Warn("Dropping message for unreachable recipient",
		"to", msg.To, "type", msg.Type, "qos", msg.QoS)
	return fmt.Errorf("recipient %s unreachable", msg.To)
}

// ackToSender issues the receive ack for a handled QoS message back over
// the session it arrived on. Server-originated sends carry no inbound
// session and need no ack.
func (d *Dispatcher) ackToSender(from session.Session, msg *protocol.Message) {
	if from == nil {
		return
	}
	if err := d.AckReceived(from, msg); err != nil {
		d.logger.Warn("Receive ack failed", "to", msg.From, "error", err)
	}
}

// AckReceived sends the acknowledgement for a QoS message back to its
// sender. Client-to-server traffic acks before any processing; relayed
// traffic acks from the dispatch branch that handled the message.
func (d *Dispatcher) AckReceived(s session.Session, msg *protocol.Message) error {
	if !msg.QoS || msg.Fingerprint == "" {
		return nil
	}
	ack := protocol.NewReceivedAck(protocol.ServerID, msg.From, msg.Fingerprint)
	return d.send(s, ack)
}

// Kick notifies a session it is being forced offline, then closes it.
// Used as the registry's kick handler.
func (d *Dispatcher) Kick(s session.Session, userID string, code int, reason string) {
	kick := protocol.NewKickout(code, reason, userID)
	if err := d.send(s, kick); err != nil {
		d.logger.Warn("Kickout notification failed", "user_id", userID, "error", err)
	}
	_ = s.Close()
	d.logger.Info("Session kicked", "user_id", userID, "code", code, "reason", reason)
}

// KickUser forces a user offline with the admin kickout code. Used by
// the management API.
func (d *Dispatcher) KickUser(userID, reason string) error {
	s, ok := d.registry.GetSession(userID)
	if !ok {
		return session.ErrNotOnline
	}
	d.Kick(s, userID, protocol.KickoutByAdmin, reason)
	return nil
}

// ReplyUnauthorized tells a session it must log in, then closes it on
// connection-oriented transports. UDP pseudo-sessions are left open since
// the datagram flow carries no connection to terminate.
func (d *Dispatcher) ReplyUnauthorized(s session.Session) {
	resp := protocol.NewErrorResponse(protocol.CodeUnauthorized, "please login first", protocol.UnsetID)
	if err := d.send(s, resp); err != nil {
		d.logger.Warn("Unauthorized reply failed", "remote", s.RemoteAddr(), "error", err)
	}
	if s.Transport() != session.TransportUDP {
		_ = s.Close()
	}
}
