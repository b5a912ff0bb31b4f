package manager

import "errors"

var (
	// ErrUnknownChannel is returned when sending on a key that was
	// never opened or has been closed and removed.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrManagerClosed is returned once CloseAll has run; the manager
	// is tied to one session and is not reusable.
	ErrManagerClosed = errors.New("connection manager closed")
)
