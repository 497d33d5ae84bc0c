package protocol

import "errors"

var (
	// ErrMalformedFrame indicates a frame that could not be decoded.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrFrameTooLarge indicates a frame exceeding the transport body limit.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")
)

// Application-level codes carried in error and kickout payloads.
const (
	// CodeUnauthorized is returned when a session sends business traffic
	// before completing login.
	CodeUnauthorized = 301

	// CodeLoginRejectBase is the lowest code an auth callback may use to
	// reject a login; everything below is reserved.
	CodeLoginRejectBase = 1025

	// CodeLoginOK is the success code in a login response.
	CodeLoginOK = 0
)

// Kickout reason codes.
const (
	KickoutDuplicateLogin = 1
	KickoutByAdmin        = 2
)
