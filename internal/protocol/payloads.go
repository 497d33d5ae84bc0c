package protocol

import "encoding/json"

// LoginInfo is the DataContent payload of a login request.
type LoginInfo struct {
	LoginUserID string `json:"loginUserId"`
	LoginToken  string `json:"loginToken"`
	Extra       string `json:"extra,omitempty"`
	// FirstLoginTime is zero on a genuine first login and carries the
	// server-issued timestamp on automatic re-logins after a network drop.
	FirstLoginTime int64 `json:"firstLoginTime"`
}

// IsFirstLogin reports whether this request is a first login rather than
// a reconnect re-login.
func (li *LoginInfo) IsFirstLogin() bool {
	return li.FirstLoginTime <= 0
}

// ParseLoginInfo decodes the payload of a TypeLogin message.
func ParseLoginInfo(dataContent string) (*LoginInfo, error) {
	li := &LoginInfo{}
	if err := json.Unmarshal([]byte(dataContent), li); err != nil {
		return nil, ErrMalformedFrame
	}
	return li, nil
}

// LoginResponse is the DataContent payload of a login response.
type LoginResponse struct {
	Code int `json:"code"`
	// FirstLoginTime echoes the registry's recorded first-login time so the
	// client can present it on future re-logins. Meaningless when Code != 0.
	FirstLoginTime int64 `json:"firstLoginTime"`
}

// KickoutInfo is the DataContent payload of a kickout notification.
type KickoutInfo struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse is the DataContent payload of an error response.
type ErrorResponse struct {
	ErrorCode int    `json:"errorCode"`
	ErrorMsg  string `json:"errorMsg,omitempty"`
}

func mustJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

// NewLoginResponse builds a server login response. It is deliberately not
// QoS-protected: if it is lost the client re-logins, and a duplicate
// response would confuse client-side state.
func NewLoginResponse(code int, firstLoginTime int64, to string) *Message {
	payload := mustJSON(&LoginResponse{Code: code, FirstLoginTime: firstLoginTime})
	return New(TypeLoginResponse, payload, ServerID, to, false, "", -1)
}

// NewKeepAliveResponse builds the server reply to a heartbeat.
func NewKeepAliveResponse(to string) *Message {
	return New(TypeKeepAliveResponse, "", ServerID, to, false, "", -1)
}

// NewErrorResponse builds a server error notification.
func NewErrorResponse(code int, msg, to string) *Message {
	payload := mustJSON(&ErrorResponse{ErrorCode: code, ErrorMsg: msg})
	return New(TypeErrorResponse, payload, ServerID, to, false, "", -1)
}

// NewEchoResponse builds the server reply to an echo request, mirroring
// its payload back to the caller.
func NewEchoResponse(dataContent, to string) *Message {
	return New(TypeEchoResponse, dataContent, ServerID, to, false, "", -1)
}

// NewKickout builds a kickout notification.
func NewKickout(code int, reason, to string) *Message {
	payload := mustJSON(&KickoutInfo{Code: code, Reason: reason})
	return New(TypeKickout, payload, ServerID, to, false, "", -1)
}

// NewReceivedAck builds the QoS acknowledgement for a received message.
// The ack itself is never QoS-protected; fingerprint is the fingerprint of
// the message being acknowledged, carried as DataContent.
func NewReceivedAck(from, to, fingerprint string) *Message {
	return New(TypeAck, fingerprint, from, to, false, "", -1)
}

// NewCommonData builds a business data message.
func NewCommonData(dataContent, from, to string, qos bool, fingerprint string, appType int) *Message {
	return New(TypeCommonData, dataContent, from, to, qos, fingerprint, appType)
}
