// Package channel implements one logical persistent connection to a
// realtime endpoint, owning its socket lifecycle and reconnect state.
package channel

import "strconv"

// Kind names the realtime endpoint class a channel connects to.
type Kind string

const (
	KindNotifications Kind = "notifications"
	KindChat          Kind = "chat"
	KindForum         Kind = "forum"
)

// Key identifies a channel: the endpoint kind plus its scope, a user id
// for notifications and chat or a room slug for forum.
type Key struct {
	Kind  Kind
	Scope string
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.Scope
}

// URL builds the socket URL for this key under the given base,
// following the {wsBase}/ws/{kind}/{scope} pattern.
func (k Key) URL(wsBase string) string {
	return wsBase + "/ws/" + string(k.Kind) + "/" + k.Scope
}

// NotificationsKey returns the key for a user's notification stream.
func NotificationsKey(userID int64) Key {
	return Key{Kind: KindNotifications, Scope: strconv.FormatInt(userID, 10)}
}

// ChatKey returns the key for a user's direct-message stream.
func ChatKey(userID int64) Key {
	return Key{Kind: KindChat, Scope: strconv.FormatInt(userID, 10)}
}

// ForumKey returns the key for a forum room's message stream.
func ForumKey(room string) Key {
	return Key{Kind: KindForum, Scope: room}
}
