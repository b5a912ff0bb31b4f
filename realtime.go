// Package realtime is the synchronization layer of the CampusHub
// client: it keeps websocket channels to the server alive across
// network failures, reconciles pushed notifications with periodic
// REST pulls, and fans typed events out to UI subscribers.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/campushub/realtime/backoff"
	"github.com/campushub/realtime/channel"
	"github.com/campushub/realtime/dispatch"
	"github.com/campushub/realtime/internal/logging"
	"github.com/campushub/realtime/internal/state"
	"github.com/campushub/realtime/manager"
	"github.com/campushub/realtime/notify"
	"github.com/campushub/realtime/wire"
)

// SessionConfig carries the dependencies of a Session. Config is the
// only required field; the rest exist so tests can substitute
// transports.
type SessionConfig struct {
	Config *Config
	Logger *slog.Logger

	// Dial overrides the websocket dialer.
	Dial channel.DialFunc

	// HTTPClient overrides the REST client.
	HTTPClient *http.Client

	// OnMarkReadError is invoked when forwarding a mark-as-read to the
	// server fails. The local read state is kept regardless.
	OnMarkReadError func(id int64, err error)
}

// Session owns every moving part of the realtime layer for one
// logged-in user: the channel manager, the notification reconciler
// and poller, the dispatch hub, and the persisted state. It is
// constructed at login and closed at logout.
type Session struct {
	cfg    *Config
	logger *slog.Logger

	manager    *manager.Manager
	reconciler *notify.Reconciler
	fetcher    *notify.Fetcher
	hub        *dispatch.Hub
	store      *state.Store

	onMarkReadError func(id int64, err error)

	mu         sync.Mutex
	started    bool
	closed     bool
	forumKey   *channel.Key
	forumUnsub func()
	poller     *notify.Poller
	cancel     context.CancelFunc
	group      *errgroup.Group
	runCtx     context.Context
}

// NewSession wires a Session from configuration. It opens the on-disk
// state store unless persistence is disabled; the channels and the
// poller start on Start.
func NewSession(sc SessionConfig) (*Session, error) {
	cfg := sc.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := sc.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Environment)
	}

	s := &Session{
		cfg:             cfg,
		logger:          logger,
		hub:             dispatch.NewHub(),
		fetcher:         notify.NewFetcher(cfg.APIBase, cfg.Token, sc.HTTPClient),
		onMarkReadError: sc.OnMarkReadError,
	}

	if !cfg.DisablePersistence {
		var err error
		if cfg.StatePath != "" {
			s.store, err = state.LoadAt(cfg.StatePath)
		} else {
			s.store, err = state.Load()
		}
		if err != nil {
			return nil, fmt.Errorf("loading state: %w", err)
		}
	}

	s.reconciler = notify.NewReconciler(notify.ReconcilerOptions{
		Retained:   cfg.Retained,
		OnSnapshot: s.onSnapshot,
		OnMarkRead: s.forwardMarkRead,
		Logger:     logger,
	})

	s.manager = manager.New(manager.Options{
		WSBase: cfg.WSBase,
		Policy: backoff.Policy{
			Base:        cfg.BackoffBase,
			Cap:         cfg.BackoffCap,
			MaxAttempts: cfg.MaxAttempts,
		},
		Dial:   sc.Dial,
		Logger: logger,
	})
	s.manager.SubscribeStatus(s.hub.PublishStatus)

	return s, nil
}

// Start opens the notification and chat channels and begins polling.
// It returns once the background work is running; reconnects and
// polling continue until Close.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return channel.ErrClosed
	}
	if s.started {
		return fmt.Errorf("session already started")
	}

	since, err := s.restore()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = group
	s.runCtx = groupCtx

	for _, key := range []channel.Key{
		channel.NotificationsKey(s.cfg.UserID),
		channel.ChatKey(s.cfg.UserID),
	} {
		if _, err := s.manager.Open(groupCtx, key); err != nil {
			cancel()
			return fmt.Errorf("opening %s channel: %w", key, err)
		}
		s.manager.Subscribe(key, s.routeFrame)
	}

	s.poller = notify.NewPoller(notify.PollerOptions{
		Source:     s.fetcher,
		Reconciler: s.reconciler,
		Interval:   s.cfg.PollInterval,
		Since:      since,
		OnAdvance:  s.persistCursor,
		Logger:     s.logger,
	})
	group.Go(func() error {
		return s.poller.Run(groupCtx)
	})

	s.started = true
	s.logger.Info("session started", "user_id", s.cfg.UserID)

	return nil
}

// restore seeds the reconciler and pull cursor from persisted state.
// Returns the cursor to resume polling from.
func (s *Session) restore() (since time.Time, err error) {
	if s.store == nil {
		return since, nil
	}

	stored, err := s.store.Notifications(s.cfg.UserID)
	if err != nil {
		return since, fmt.Errorf("restoring notifications: %w", err)
	}
	if len(stored) > 0 {
		s.reconciler.ApplyPull(stored)
	}

	since, err = s.store.Cursor(s.cfg.UserID)
	if err != nil {
		return since, fmt.Errorf("restoring cursor: %w", err)
	}

	return since, nil
}

// EnterForum joins a forum room, closing the previously joined room's
// channel first so at most one forum channel is live.
func (s *Session) EnterForum(ctx context.Context, room string) error {
	if room == "" {
		return fmt.Errorf("room is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.closed {
		return channel.ErrClosed
	}

	if s.forumKey != nil {
		if s.forumKey.Scope == room {
			return nil
		}
		s.closeForumLocked()
	}

	key := channel.ForumKey(room)
	if _, err := s.manager.Open(s.runCtx, key); err != nil {
		return fmt.Errorf("opening forum channel: %w", err)
	}
	s.forumUnsub = s.manager.Subscribe(key, s.routeFrame)
	s.forumKey = &key

	return nil
}

// LeaveForum closes the current forum channel, if any.
func (s *Session) LeaveForum() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.forumKey != nil {
		s.closeForumLocked()
	}
}

func (s *Session) closeForumLocked() {
	s.forumUnsub()
	s.manager.Close(*s.forumKey)
	s.forumKey = nil
	s.forumUnsub = nil
}

// SendChat sends a direct message over the chat channel. Fails fast
// with channel.ErrNotConnected while the channel is down.
func (s *Session) SendChat(ctx context.Context, recipientID int64, content string) error {
	return s.manager.Send(ctx, channel.ChatKey(s.cfg.UserID), wire.ChatSend{
		RecipientID: recipientID,
		Content:     content,
	})
}

// SendForum posts to the currently joined forum room.
func (s *Session) SendForum(ctx context.Context, content string) error {
	s.mu.Lock()
	key := s.forumKey
	s.mu.Unlock()

	if key == nil {
		return channel.ErrNotConnected
	}

	return s.manager.Send(ctx, *key, wire.ForumSend{
		Token:   s.cfg.Token,
		Room:    key.Scope,
		Content: content,
	})
}

// MarkRead marks a notification read locally and forwards the change
// to the server. The local state is kept even if forwarding fails.
func (s *Session) MarkRead(id int64) {
	s.reconciler.MarkRead(id)
}

// Refresh runs one pull immediately, outside the poll cadence.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	poller := s.poller
	s.mu.Unlock()

	if poller == nil {
		return fmt.Errorf("session not started")
	}

	return poller.Poll(ctx)
}

// ChatHistory fetches the stored conversation with a peer.
func (s *Session) ChatHistory(ctx context.Context, peerID int64) ([]wire.ChatMessage, error) {
	return s.fetcher.ChatHistory(ctx, peerID)
}

// Notifications returns the current reconciled snapshot.
func (s *Session) Notifications() notify.Snapshot {
	return s.reconciler.Snapshot()
}

// Hub exposes the event hub for subscriptions.
func (s *Session) Hub() *dispatch.Hub {
	return s.hub
}

// ChannelState reports the lifecycle state of one channel.
func (s *Session) ChannelState(key channel.Key) (channel.State, bool) {
	return s.manager.State(key)
}

// Close tears the session down: every channel is closed, the poller
// stops, and the final notification snapshot is flushed to disk.
// Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	group := s.group
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.manager.CloseAll()
	if group != nil {
		_ = group.Wait()
	}

	if s.store != nil {
		snap := s.reconciler.Snapshot()
		if err := s.store.SetNotifications(s.cfg.UserID, snap.Notifications); err != nil {
			s.logger.Warn("flushing notifications", "error", err)
		}
		if err := s.store.Close(); err != nil {
			return fmt.Errorf("closing state store: %w", err)
		}
	}

	s.logger.Info("session closed", "user_id", s.cfg.UserID)

	return nil
}

// routeFrame routes inbound frames by payload rather than by the
// channel they arrived on: the server has historically pushed chat
// previews over the notification socket too.
func (s *Session) routeFrame(key channel.Key, frame wire.Frame) {
	switch {
	case frame.Notification != nil:
		s.reconciler.ApplyPush(*frame.Notification)
	case frame.ReadReceipt != nil:
		s.reconciler.ApplyReadReceipt(frame.ReadReceipt.NotificationID)
	case frame.Message != nil:
		if frame.Event == wire.EventNewForumMessage {
			s.hub.PublishForum(*frame.Message)
		} else {
			s.hub.PublishChat(*frame.Message)
		}
	default:
		s.logger.Debug("frame with no payload", "channel", key.String(), "event", frame.Event)
	}
}

func (s *Session) onSnapshot(snap notify.Snapshot) {
	s.hub.PublishNotifications(snap)

	if s.store != nil {
		if err := s.store.SetNotifications(s.cfg.UserID, snap.Notifications); err != nil {
			s.logger.Warn("persisting notifications", "error", err)
		}
	}
}

func (s *Session) forwardMarkRead(id int64) {
	go func() {
		ctx := context.Background()
		s.mu.Lock()
		if s.runCtx != nil {
			ctx = s.runCtx
		}
		s.mu.Unlock()

		if err := s.fetcher.MarkRead(ctx, id); err != nil {
			s.logger.Warn("forwarding mark-read", "notif_id", id, "error", err)
			if s.onMarkReadError != nil {
				s.onMarkReadError(id, err)
			}
		}
	}()
}

func (s *Session) persistCursor(cursor time.Time) {
	if s.store == nil {
		return
	}
	if err := s.store.SetCursor(s.cfg.UserID, cursor); err != nil {
		s.logger.Warn("persisting cursor", "error", err)
	}
}
