// Package bridge abstracts cross-instance message relay. A deployment
// running a single server instance uses Disabled; a clustered deployment
// plugs in a broker-backed implementation.
package bridge

import (
	"errors"

	"courier/internal/protocol"
)

// ErrDisabled is returned by Publish when no bridge is configured.
var ErrDisabled = errors.New("bridge: disabled")

// Bridge forwards messages whose recipients are not connected to this
// instance toward whichever instance holds them.
type Bridge interface {
	// Enabled reports whether cross-instance relay is configured. Callers
	// consult this before deciding a recipient is unreachable.
	Enabled() bool

	// Publish hands a message to the relay. The message must already carry
	// the bridge flag.
	Publish(msg *protocol.Message) error
}

// Disabled is the Bridge used by standalone deployments.
type Disabled struct{}

func (Disabled) Enabled() bool                       { return false }
func (Disabled) Publish(msg *protocol.Message) error { return ErrDisabled }

// Channel is an in-process Bridge backed by a Go channel. It backs
// loopback test topologies and small embedded clusters.
type Channel struct {
	out chan *protocol.Message
}

// NewChannel creates a Channel bridge with the given buffer size.
func NewChannel(buffer int) *Channel {
	return &Channel{out: make(chan *protocol.Message, buffer)}
}

func (c *Channel) Enabled() bool { return true }

func (c *Channel) Publish(msg *protocol.Message) error {
	select {
	case c.out <- msg:
		return nil
	default:
		return errors.New("bridge: publish queue full")
	}
}

// Messages exposes the relay stream for a consumer to drain.
func (c *Channel) Messages() <-chan *protocol.Message {
	return c.out
}
