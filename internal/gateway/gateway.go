// Package gateway hosts the transport listeners. Each gateway owns its
// wire framing and session lifecycle and feeds decoded frames into a
// shared Handler.
package gateway

import "courier/internal/session"

// Handler consumes inbound frames and close notifications. Implemented
// by the router.
type Handler interface {
	HandleFrame(s session.Session, frame []byte)
	HandleClose(s session.Session)
}
