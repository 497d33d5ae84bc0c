package session

// Transport identifies the protocol a session is connected over.
type Transport int

const (
	TransportTCP Transport = iota
	TransportUDP
	TransportWebSocket
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	case TransportWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// Session is a live client connection, whatever its transport. Implementations
// must be comparable (pointer types) since the registry relies on identity
// comparison to detect stale close notifications.
type Session interface {
	// Send queues a wire frame for delivery. An error means the frame was
	// not accepted (closed session or a full write queue) and the caller
	// should treat the send as failed.
	Send(frame []byte) error

	// Close tears down the underlying connection. Safe to call more than
	// once.
	Close() error

	Transport() Transport
	RemoteAddr() string
}

// Identity is the server-side login state bound to a session after a
// successful login.
type Identity struct {
	UserID string
	// FirstLoginTime is the Unix-millisecond timestamp of the user's first
	// login in the current online period. Preserved across re-logins and
	// used for duplicate-login arbitration.
	FirstLoginTime int64
}
