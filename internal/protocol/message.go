package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message type constants. Values below 50 originate from clients, values
// from 50 up originate from the server. The numeric values are part of the
// wire contract and must not be reordered.
const (
	TypeLogin      = 0
	TypeKeepAlive  = 1
	TypeCommonData = 2
	TypeLogout     = 3
	TypeAck        = 4
	TypeEcho       = 5

	TypeLoginResponse     = 50
	TypeKeepAliveResponse = 51
	TypeErrorResponse     = 52
	TypeEchoResponse      = 53
	TypeKickout           = 54
)

// Reserved identity values used in the from/to routing fields.
const (
	// ServerID marks the server itself as sender or recipient.
	ServerID = "0"
	// UnsetID marks a routing field that was never assigned.
	UnsetID = "-1"
)

// Message is the protocol envelope exchanged on every transport.
//
// A Message is immutable after construction except for RetryCount, which is
// transport-local bookkeeping and never serialized, and ServerTimestamp,
// which is stamped once on the way out when the deployment enables it.
// The wire schema is a flat JSON object; `fp` is present exactly when the
// message participates in QoS.
type Message struct {
	Type        int    `json:"type"`
	DataContent string `json:"dataContent"`
	From        string `json:"from"`
	To          string `json:"to"`
	Fingerprint string `json:"fp,omitempty"`
	QoS         bool   `json:"qos"`
	// AppType is reserved for the application layer. -1 means undefined;
	// the core carries it opaquely and never reads it.
	AppType int `json:"typeu"`
	// Bridge marks messages relayed from or to a remote server instance.
	Bridge bool `json:"bridge"`
	// ServerTimestamp is the server send/forward time in Unix milliseconds,
	// -1 when the deployment does not stamp outbound messages.
	ServerTimestamp int64 `json:"sm"`

	// RetryCount is the number of retransmissions performed so far for a
	// QoS message. Never serialized.
	RetryCount int `json:"-"`
}

// New builds a message. A fingerprint is generated only when qos is true
// and none was supplied; retries of the same logical message must reuse
// the fingerprint of the first attempt.
func New(msgType int, dataContent, from, to string, qos bool, fingerprint string, appType int) *Message {
	if qos && fingerprint == "" {
		fingerprint = NewFingerprint()
	}
	if !qos {
		fingerprint = ""
	}
	return &Message{
		Type:            msgType,
		DataContent:     dataContent,
		From:            from,
		To:              to,
		Fingerprint:     fingerprint,
		QoS:             qos,
		AppType:         appType,
		ServerTimestamp: -1,
	}
}

// Clone returns a deep copy with RetryCount reset. Used whenever a message
// crosses the core/application boundary so callbacks cannot mutate shared
// state held by the QoS stores.
func (m *Message) Clone() *Message {
	c := *m
	c.RetryCount = 0
	return &c
}

// ToServer reports whether the message is addressed to the server itself
// (a C2S message) rather than to another client.
func (m *Message) ToServer() bool {
	return m.To == ServerID
}

// Marshal encodes the message into its wire form.
func (m *Message) Marshal() []byte {
	data, _ := json.Marshal(m)
	return data
}

// Parse decodes a wire frame into a Message.
func Parse(data []byte) (*Message, error) {
	m := &Message{AppType: -1, ServerTimestamp: -1}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, ErrMalformedFrame
	}
	return m, nil
}

// NewFingerprint returns a globally unique QoS fingerprint.
func NewFingerprint() string {
	return uuid.NewString()
}

// Timestamp returns the current time in Unix milliseconds, the unit used
// for ServerTimestamp and first-login times.
func Timestamp() int64 {
	return time.Now().UnixMilli()
}
