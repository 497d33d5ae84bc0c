package session

import "errors"

var (
	// ErrSessionClosed is returned by Send on a session that has been
	// closed or whose write queue has shut down.
	ErrSessionClosed = errors.New("session: closed")
	// ErrWriteQueueFull is returned when a session's outbound queue is
	// saturated and the frame was dropped.
	ErrWriteQueueFull = errors.New("session: write queue full")
	// ErrNotOnline is returned when an operation targets a user with no
	// registered session.
	ErrNotOnline = errors.New("session: user not online")
)
