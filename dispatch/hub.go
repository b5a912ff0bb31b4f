// Package dispatch is the narrow surface the UI layer consumes:
// typed subscribe/unsubscribe for each delivered stream. Callers hold
// explicit handles instead of listening on ambient global events, so
// nothing leaks when a view goes away.
package dispatch

import (
	"sync"

	"github.com/google/uuid"

	"github.com/campushub/realtime/channel"
	"github.com/campushub/realtime/notify"
	"github.com/campushub/realtime/wire"
)

// NotificationListener receives the reconciled notification view.
type NotificationListener func(snap notify.Snapshot)

// MessageListener receives a live chat or forum message.
type MessageListener func(msg wire.ChatMessage)

// StatusListener receives connection health changes per channel.
type StatusListener func(key channel.Key, status channel.Status)

// Hub fans each stream out to its subscribers. Listeners are called
// synchronously on the publishing goroutine and must not block;
// rendering work belongs on the caller's side of the callback.
type Hub struct {
	mu               sync.Mutex
	notificationSubs map[string]NotificationListener
	chatSubs         map[string]MessageListener
	forumSubs        map[string]MessageListener
	statusSubs       map[string]StatusListener
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		notificationSubs: make(map[string]NotificationListener),
		chatSubs:         make(map[string]MessageListener),
		forumSubs:        make(map[string]MessageListener),
		statusSubs:       make(map[string]StatusListener),
	}
}

// SubscribeNotifications registers for reconciled notification
// snapshots. The returned function unsubscribes; calling it twice is
// harmless.
func (h *Hub) SubscribeNotifications(fn NotificationListener) (unsubscribe func()) {
	id := uuid.NewString()

	h.mu.Lock()
	h.notificationSubs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.notificationSubs, id)
	}
}

// SubscribeChat registers for direct messages.
func (h *Hub) SubscribeChat(fn MessageListener) (unsubscribe func()) {
	id := uuid.NewString()

	h.mu.Lock()
	h.chatSubs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.chatSubs, id)
	}
}

// SubscribeForum registers for messages in the active forum room.
func (h *Hub) SubscribeForum(fn MessageListener) (unsubscribe func()) {
	id := uuid.NewString()

	h.mu.Lock()
	h.forumSubs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.forumSubs, id)
	}
}

// SubscribeStatus registers for channel health changes.
func (h *Hub) SubscribeStatus(fn StatusListener) (unsubscribe func()) {
	id := uuid.NewString()

	h.mu.Lock()
	h.statusSubs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.statusSubs, id)
	}
}

// PublishNotifications delivers a reconciled snapshot to subscribers.
func (h *Hub) PublishNotifications(snap notify.Snapshot) {
	h.mu.Lock()
	listeners := make([]NotificationListener, 0, len(h.notificationSubs))

	for _, fn := range h.notificationSubs {
		listeners = append(listeners, fn)
	}
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// PublishChat delivers a direct message to subscribers.
func (h *Hub) PublishChat(msg wire.ChatMessage) {
	h.publishMessage(msg, &h.chatSubs)
}

// PublishForum delivers a forum message to subscribers.
func (h *Hub) PublishForum(msg wire.ChatMessage) {
	h.publishMessage(msg, &h.forumSubs)
}

// PublishStatus delivers a channel health change to subscribers.
func (h *Hub) PublishStatus(key channel.Key, status channel.Status) {
	h.mu.Lock()
	listeners := make([]StatusListener, 0, len(h.statusSubs))

	for _, fn := range h.statusSubs {
		listeners = append(listeners, fn)
	}
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(key, status)
	}
}

func (h *Hub) publishMessage(msg wire.ChatMessage, subs *map[string]MessageListener) {
	h.mu.Lock()
	listeners := make([]MessageListener, 0, len(*subs))

	for _, fn := range *subs {
		listeners = append(listeners, fn)
	}
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}
}
