package channel

import "errors"

var (
	// ErrNotConnected is returned by Send when the channel has no open
	// socket. Sends are never queued; the caller must surface the
	// failure immediately.
	ErrNotConnected = errors.New("channel not connected")

	// ErrClosed is returned when operating on a channel after Close.
	ErrClosed = errors.New("channel closed")
)
