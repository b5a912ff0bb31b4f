// Package manager owns the registry of realtime channels for one
// session: it opens them on demand, routes their inbound frames to
// subscribers, and tears them all down on logout.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/campushub/realtime/backoff"
	"github.com/campushub/realtime/channel"
	"github.com/campushub/realtime/wire"
)

// FrameListener receives decoded frames for a subscribed channel.
// Called from the channel's event loop goroutine; must not block.
type FrameListener func(key channel.Key, frame wire.Frame)

// StatusListener receives connection health transitions for any
// registered channel.
type StatusListener func(key channel.Key, status channel.Status)

// Options configures a Manager.
type Options struct {
	// WSBase is the socket base URL, e.g. "wss://api.campus.example".
	WSBase string

	Policy backoff.Policy

	// Dial overrides the socket dialer. Defaults to channel.Dial.
	Dial channel.DialFunc

	Logger *slog.Logger
}

// Manager is a keyed collection of channels. One instance per
// session: constructed at login, torn down with CloseAll at logout.
// Not a package-level singleton.
type Manager struct {
	wsBase string
	policy backoff.Policy
	dial   channel.DialFunc
	logger *slog.Logger

	mu         sync.Mutex
	channels   map[channel.Key]*channel.Channel
	frameSubs  map[channel.Key]map[string]FrameListener
	statusSubs map[string]StatusListener
	closed     bool
}

// New creates a Manager with no channels open.
func New(opts Options) *Manager {
	if opts.Dial == nil {
		opts.Dial = channel.Dial
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.Default()
	}

	return &Manager{
		wsBase:     opts.WSBase,
		policy:     opts.Policy,
		dial:       opts.Dial,
		logger:     opts.Logger,
		channels:   make(map[channel.Key]*channel.Channel),
		frameSubs:  make(map[channel.Key]map[string]FrameListener),
		statusSubs: make(map[string]StatusListener),
	}
}

// Open returns the channel for key, creating and connecting it if
// needed. Idempotent: a live channel for the same key is returned
// as-is, so repeated requests from different UI entry points share one
// socket. A channel that exhausted its retry budget is replaced by a
// fresh one.
func (m *Manager) Open(ctx context.Context, key channel.Key) (*channel.Channel, error) {
	var stale *channel.Channel

	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("opening %s: %w", key, ErrManagerClosed)
	}

	if ch, ok := m.channels[key]; ok {
		if ch.State() != channel.StateClosedPermanent {
			m.mu.Unlock()
			return ch, nil
		}

		// Exhausted channel: the caller explicitly wants this stream
		// again, so start over with a fresh retry budget.
		delete(m.channels, key)

		stale = ch
	}

	ch := channel.New(channel.Options{
		Key:      key,
		URL:      key.URL(m.wsBase),
		Policy:   m.policy,
		Dial:     m.dial,
		OnFrame:  m.dispatchFrame,
		OnStatus: m.dispatchStatus,
		Logger:   m.logger,
	})

	if err := ch.Open(ctx); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	m.channels[key] = ch
	m.mu.Unlock()

	// Closed outside the lock: the stale channel's callbacks may be
	// mid-dispatch and need the lock to finish.
	if stale != nil {
		stale.Close()
	}

	m.logger.Debug("channel registered", slog.String("key", key.String()))

	return ch, nil
}

// Close shuts down the channel for key and removes it from the
// registry. A no-op for unknown keys.
func (m *Manager) Close(key channel.Key) {
	m.mu.Lock()
	ch, ok := m.channels[key]
	delete(m.channels, key)
	m.mu.Unlock()

	if !ok {
		return
	}

	ch.Close()
	m.logger.Debug("channel removed", slog.String("key", key.String()))
}

// CloseAll closes every registered channel and marks the manager
// unusable. Called on logout or session end.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	channels := make([]*channel.Channel, 0, len(m.channels))

	for _, ch := range m.channels {
		channels = append(channels, ch)
	}

	m.channels = make(map[channel.Key]*channel.Channel)
	m.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}

	m.logger.Info("all channels closed", slog.Int("count", len(channels)))
}

// Subscribe registers a listener for frames on key. Multiple listeners
// per key fan out independently. The returned function removes the
// listener; calling it more than once is harmless. Subscribing does
// not open the channel.
func (m *Manager) Subscribe(key channel.Key, fn FrameListener) (unsubscribe func()) {
	id := uuid.NewString()

	m.mu.Lock()

	if m.frameSubs[key] == nil {
		m.frameSubs[key] = make(map[string]FrameListener)
	}

	m.frameSubs[key][id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if subs, ok := m.frameSubs[key]; ok {
			delete(subs, id)

			if len(subs) == 0 {
				delete(m.frameSubs, key)
			}
		}
	}
}

// SubscribeStatus registers a listener for connection health changes
// across all channels.
func (m *Manager) SubscribeStatus(fn StatusListener) (unsubscribe func()) {
	id := uuid.NewString()

	m.mu.Lock()
	m.statusSubs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.statusSubs, id)
	}
}

// Send writes a JSON payload on an open channel. Fails with
// ErrUnknownChannel for unregistered keys and channel.ErrNotConnected
// when the socket is down; nothing is ever queued.
func (m *Manager) Send(ctx context.Context, key channel.Key, v any) error {
	m.mu.Lock()
	ch, ok := m.channels[key]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("sending on %s: %w", key, ErrUnknownChannel)
	}

	return ch.SendJSON(ctx, v)
}

// State reports the lifecycle state of the channel for key, or
// StateIdle with ok=false when no such channel is registered.
func (m *Manager) State(key channel.Key) (channel.State, bool) {
	m.mu.Lock()
	ch, ok := m.channels[key]
	m.mu.Unlock()

	if !ok {
		return channel.StateIdle, false
	}

	return ch.State(), true
}

// dispatchFrame fans one decoded frame out to the key's listeners.
// Listeners are snapshotted under the lock and called outside it so a
// listener may unsubscribe itself.
func (m *Manager) dispatchFrame(key channel.Key, frame wire.Frame) {
	m.mu.Lock()
	listeners := make([]FrameListener, 0, len(m.frameSubs[key]))

	for _, fn := range m.frameSubs[key] {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(key, frame)
	}
}

func (m *Manager) dispatchStatus(key channel.Key, status channel.Status) {
	m.mu.Lock()
	listeners := make([]StatusListener, 0, len(m.statusSubs))

	for _, fn := range m.statusSubs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(key, status)
	}
}
