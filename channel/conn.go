package channel

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

//go:generate mockgen -source=conn.go -destination=conn_mock.go -package=channel

// maxFrameBytes caps inbound frame reads. Notification and chat frames
// are small JSON documents; anything larger is a protocol violation.
const maxFrameBytes = 1 * 1024 * 1024

// Conn abstracts the WebSocket connection so the channel state machine
// can be tested without a real server. *websocket.Conn satisfies this
// interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a socket to the given URL. Injected so tests and the
// manager can substitute fakes; Dial is the production implementation.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Dial opens a WebSocket to url with the frame size limit applied.
func Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	conn.SetReadLimit(maxFrameBytes)

	return conn, nil
}
