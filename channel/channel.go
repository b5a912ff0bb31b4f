package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/campushub/realtime/backoff"
	"github.com/campushub/realtime/wire"
)

const (
	// inboundChanSize is the buffer size for the channel carrying
	// frames from the reader goroutine to the event loop.
	inboundChanSize = 64

	// defaultPingInterval is how often the event loop checks whether
	// the connection has been quiet long enough to warrant a ping.
	defaultPingInterval = 30 * time.Second

	// jitterDivisor controls the range of random jitter added to the
	// reconnect delay: jitter is uniform in [0, delay/jitterDivisor).
	jitterDivisor = 2
)

// State is the lifecycle state of a channel.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnectScheduled
	StateClosedPermanent
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	case StateClosedPermanent:
		return "closed_permanent"
	default:
		return "unknown"
	}
}

// Status is the connection health reported to subscribers. Distinct
// from State: transient reconnects collapse into StatusReconnecting,
// and StatusOffline is only reported once the retry budget is spent or
// the channel is explicitly closed.
type Status int

const (
	StatusConnected Status = iota
	StatusReconnecting
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// inboundMsg wraps a message read from the socket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// sendReq is an outbound write submitted to the event loop by Send.
type sendReq struct {
	payload []byte
	result  chan error
}

// Options configures a Channel.
type Options struct {
	Key    Key
	URL    string
	Policy backoff.Policy

	// Dial opens the socket. Defaults to Dial in this package.
	Dial DialFunc

	// OnFrame receives every decoded inbound frame. Called from the
	// channel's event loop goroutine; must not block.
	OnFrame func(key Key, frame wire.Frame)

	// OnStatus receives connection health transitions.
	OnStatus func(key Key, status Status)

	// PingInterval overrides the keep-alive check interval.
	PingInterval time.Duration

	Logger *slog.Logger
}

// Channel is one logical persistent connection. A single run goroutine
// owns the socket: it dials, serves the connection, and sleeps out
// reconnect delays. All writes go through the event loop, so no write
// mutex is needed. At every instant the channel holds at most one live
// socket and at most one pending reconnect timer; Close invalidates
// both in one step.
type Channel struct {
	key      Key
	url      string
	policy   backoff.Policy
	dial     DialFunc
	onFrame  func(Key, wire.Frame)
	onStatus func(Key, Status)
	logger   *slog.Logger

	pingInterval time.Duration

	// jitter perturbs a computed reconnect delay. Replaced with a
	// no-op in tests that assert exact delays.
	jitter func(time.Duration) time.Duration

	mu           sync.Mutex
	state        State
	attempt      int
	conn         Conn
	cancel       context.CancelFunc
	closed       bool
	timerPending bool
	lastMessage  time.Time

	sendCh chan sendReq
	done   chan struct{}
}

// New creates a channel in StateIdle. Open must be called to connect.
func New(opts Options) *Channel {
	if opts.Dial == nil {
		opts.Dial = Dial
	}

	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.Default()
	}

	return &Channel{
		key:          opts.Key,
		url:          opts.URL,
		policy:       opts.Policy,
		dial:         opts.Dial,
		onFrame:      opts.OnFrame,
		onStatus:     opts.OnStatus,
		logger:       opts.Logger.With(slog.String("channel", opts.Key.String())),
		pingInterval: opts.PingInterval,
		jitter: func(d time.Duration) time.Duration {
			if d < jitterDivisor {
				return 0
			}

			return time.Duration(rand.Int63n(int64(d) / jitterDivisor)) //nolint:gosec // G404: reconnect jitter has no security impact
		},
		sendCh: make(chan sendReq),
		done:   make(chan struct{}),
	}
}

// Key returns the channel's identity.
func (c *Channel) Key() Key {
	return c.key
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Attempt returns the current consecutive failure count.
func (c *Channel) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.attempt
}

// Open starts the connect/serve/reconnect loop. Idempotent: calling it
// on a channel that is already running is a no-op. Returns ErrClosed
// after Close.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("opening %s: %w", c.key, ErrClosed)
	}

	if c.state != StateIdle {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateConnecting

	go c.run(runCtx)

	return nil
}

// Close permanently shuts the channel down: the pending reconnect
// timer (if any) is cancelled, the live socket (if any) is closed, and
// a timer that already fired becomes a no-op. Idempotent. Blocks until
// the run goroutine has exited so the caller observes no activity
// after return.
func (c *Channel) Close() {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true
	c.state = StateClosing
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}

	if cancel != nil {
		<-c.done
	}

	c.mu.Lock()
	c.state = StateClosedPermanent
	c.mu.Unlock()

	c.logger.Debug("channel closed")
}

// Send writes a JSON text frame on the open socket. Fails fast with
// ErrNotConnected when the channel is in any other state; payloads are
// never queued for later delivery.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != StateOpen {
		return fmt.Errorf("sending on %s (%s): %w", c.key, state, ErrNotConnected)
	}

	req := sendReq{payload: payload, result: make(chan error, 1)}

	select {
	case c.sendCh <- req:
	case <-c.done:
		return fmt.Errorf("sending on %s: %w", c.key, ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		if err != nil {
			return fmt.Errorf("sending on %s: %w", c.key, err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendJSON marshals v and sends it as a text frame.
func (c *Channel) SendJSON(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return c.Send(ctx, payload)
}

// run is the channel's single owner goroutine: dial, serve, back off,
// repeat. Exits on Close, context cancellation, or retry exhaustion.
func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	for {
		conn, err := c.dial(ctx, c.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if !c.scheduleReconnect(ctx, err) {
				return
			}

			continue
		}

		c.setOpen(conn)
		c.notify(StatusConnected)
		c.logger.Info("channel connected")

		err = c.serve(ctx, conn)
		c.clearConn()

		if ctx.Err() != nil || c.isClosed() {
			return
		}

		c.logger.Warn("connection lost", slog.String("error", err.Error()))

		if !c.scheduleReconnect(ctx, err) {
			return
		}
	}
}

// serve reads frames and executes sends for one live connection. A
// reader goroutine feeds inbound; all writes happen here. Returns when
// the connection drops or ctx is cancelled.
func (c *Channel) serve(ctx context.Context, conn Conn) error {
	inbound := make(chan inboundMsg, inboundChanSize)
	readCtx, readCancel := context.WithCancel(ctx)

	defer readCancel()

	go func() {
		for {
			typ, data, err := conn.Read(readCtx)
			select {
			case inbound <- inboundMsg{typ: typ, data: data, err: err}:
			case <-readCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	c.touchLastMessage()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			c.touchLastMessage()

			if msg.typ != websocket.MessageText {
				c.logger.Debug("ignoring non-text frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			c.handleFrame(msg.data)

		case req := <-c.sendCh:
			err := conn.Write(ctx, websocket.MessageText, req.payload)
			req.result <- err

			if err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}

			c.touchLastMessage()

		case <-ticker.C:
			c.mu.Lock()
			elapsed := time.Since(c.lastMessage)
			c.mu.Unlock()

			if elapsed < c.pingInterval {
				continue
			}

			ping, _ := json.Marshal(wire.Ping{Event: "ping"})
			if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
				return fmt.Errorf("sending ping: %w", err)
			}

		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closing")
			return ctx.Err()
		}
	}
}

// handleFrame decodes one inbound frame and forwards it. Malformed or
// unknown frames are dropped with a log line; they are local errors,
// never connection failures.
func (c *Channel) handleFrame(data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		c.logger.Warn("dropping frame",
			slog.String("error", err.Error()),
			slog.Int("bytes", len(data)),
		)

		return
	}

	if frame.Event == wire.EventPong {
		return
	}

	if c.onFrame != nil {
		c.onFrame(c.key, frame)
	}
}

// scheduleReconnect records a failure and sleeps out the backoff delay.
// Returns false when the channel should stop for good: closed, context
// cancelled, or retry budget exhausted. A Close racing the timer wins:
// the fired timer re-checks the closed flag before reconnecting.
func (c *Channel) scheduleReconnect(ctx context.Context, cause error) bool {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return false
	}

	c.attempt++

	if c.policy.Exhausted(c.attempt) {
		c.state = StateClosedPermanent
		attempt := c.attempt
		c.mu.Unlock()

		c.logger.Error("reconnect attempts exhausted, channel offline",
			slog.Int("attempts", attempt),
			slog.String("error", cause.Error()),
		)
		c.notify(StatusOffline)

		return false
	}

	delay := c.policy.Delay(c.attempt - 1)
	delay += c.jitter(delay)
	c.state = StateReconnectScheduled
	c.timerPending = true
	attempt := c.attempt
	c.mu.Unlock()

	c.notify(StatusReconnecting)
	c.logger.Warn("reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		c.timerPending = false
		c.mu.Unlock()

		return false
	case <-timer.C:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.timerPending = false

	// The timer may fire in the same instant Close cancels the context.
	// The closed flag decides; a closed channel never redials.
	if c.closed {
		return false
	}

	c.state = StateConnecting

	return true
}

func (c *Channel) setOpen(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = conn
	c.state = StateOpen
	c.attempt = 0
}

func (c *Channel) clearConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "done")
		c.conn = nil
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *Channel) timerIsPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.timerPending
}

func (c *Channel) touchLastMessage() {
	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()
}

func (c *Channel) notify(status Status) {
	if c.onStatus != nil {
		c.onStatus(c.key, status)
	}
}
