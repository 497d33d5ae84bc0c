package event

import (
	"log/slog"

	"courier/internal/protocol"
)

// Guard wraps a listener so a panic in any callback is logged and treated
// as that callback having failed, instead of taking down the connection
// worker that fired it.
func Guard(l Listener, logger *slog.Logger) Listener {
	return &guarded{inner: l, logger: logger}
}

// GuardQoS is Guard for the QoS callback surface.
func GuardQoS(l QoSListener, logger *slog.Logger) QoSListener {
	return &guardedQoS{inner: l, logger: logger}
}

type guarded struct {
	inner  Listener
	logger *slog.Logger
}

func (g *guarded) recoverPanic(callback string) {
	if r := recover(); r != nil {
		g.logger.Error("Listener callback panicked", "callback", callback, "panic", r)
	}
}

func (g *guarded) UserLogin(userID, extra string, firstLoginTime int64) {
	defer g.recoverPanic("UserLogin")
	g.inner.UserLogin(userID, extra, firstLoginTime)
}

func (g *guarded) UserLogout(userID string) {
	defer g.recoverPanic("UserLogout")
	g.inner.UserLogout(userID)
}

func (g *guarded) Relayed(msg *protocol.Message) {
	defer g.recoverPanic("Relayed")
	g.inner.Relayed(msg)
}

// Transfer reports false when the callback panics, so the message still
// reaches the offline store.
func (g *guarded) Transfer(msg *protocol.Message) (handled bool) {
	defer g.recoverPanic("Transfer")
	return g.inner.Transfer(msg)
}

func (g *guarded) ServerData(msg *protocol.Message) (handled bool) {
	defer g.recoverPanic("ServerData")
	return g.inner.ServerData(msg)
}

type guardedQoS struct {
	inner  QoSListener
	logger *slog.Logger
}

func (g *guardedQoS) recoverPanic(callback string) {
	if r := recover(); r != nil {
		g.logger.Error("QoS callback panicked", "callback", callback, "panic", r)
	}
}

func (g *guardedQoS) MessagesLost(msgs []*protocol.Message) {
	defer g.recoverPanic("MessagesLost")
	g.inner.MessagesLost(msgs)
}

func (g *guardedQoS) MessageDelivered(fingerprint string) {
	defer g.recoverPanic("MessageDelivered")
	g.inner.MessageDelivered(fingerprint)
}
