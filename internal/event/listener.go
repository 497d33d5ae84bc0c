// Package event defines the callback surface through which the server core
// notifies the embedding application of protocol activity. All messages
// handed to listeners are deep copies; implementations may retain or mutate
// them freely.
package event

import "courier/internal/protocol"

// Listener receives server lifecycle and message events.
type Listener interface {
	// UserLogin is fired after a login response has been issued for a
	// successful login, including re-logins after a network drop.
	UserLogin(userID string, extra string, firstLoginTime int64)

	// UserLogout is fired when a user's registered session goes offline,
	// whether by explicit logout or connection loss.
	UserLogout(userID string)

	// Relayed is fired after a client-to-client message has been handed to
	// its recipient's session or to the bridge. Observability only.
	Relayed(msg *protocol.Message)

	// Transfer is fired for every client-to-client message the server
	// relays to an offline recipient. The return value reports whether the
	// application has taken responsibility for the message; when false the
	// core counts the message as lost.
	Transfer(msg *protocol.Message) bool

	// ServerData is fired for client-to-server business messages, which
	// the core carries no routing for. The return reports whether the
	// application processed the message; reserved for the embedder, the
	// core does not act on it.
	ServerData(msg *protocol.Message) bool
}

// QoSListener observes the fate of QoS-protected sends.
type QoSListener interface {
	// MessagesLost is fired with deep copies of messages that exhausted
	// their retries without acknowledgement.
	MessagesLost(msgs []*protocol.Message)

	// MessageDelivered is fired when a recipient acknowledges a
	// fingerprint.
	MessageDelivered(fingerprint string)
}

// NopListener is a Listener and QoSListener that ignores everything.
// Useful as a default and in tests.
type NopListener struct{}

func (NopListener) UserLogin(string, string, int64)   {}
func (NopListener) UserLogout(string)                 {}
func (NopListener) Relayed(*protocol.Message)         {}
func (NopListener) Transfer(*protocol.Message) bool   { return false }
func (NopListener) ServerData(*protocol.Message) bool { return false }

func (NopListener) MessagesLost([]*protocol.Message) {}
func (NopListener) MessageDelivered(string)          {}
