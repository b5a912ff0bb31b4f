// Package wire defines the JSON frames exchanged with the platform's
// realtime endpoints and the REST payloads consumed by the pull path.
package wire

import "time"

// Event discriminants carried in the "event" field of inbound frames.
const (
	EventNewNotification  = "new_notification"
	EventNotificationRead = "notification_read"
	EventNewMessage       = "new_message"
	EventSharedPost       = "shared_post"
	EventNewForumMessage  = "new_forum_message"
	EventPong             = "pong"
)

// Notification kinds assigned by the server.
const (
	KindLike      = "like"
	KindComment   = "comment"
	KindDM        = "dm"
	KindSharePost = "share_post"
)

// Notification is one notification row, identical in shape whether it
// arrives over the socket or from GET /notifications.
type Notification struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"notification_type"`
	Message   string    `json:"message"`
	ActorID   int64     `json:"actor_id"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatMessage is a direct or forum message delivered over a socket.
// PostID is set only for shared-post messages.
type ChatMessage struct {
	ID          int64     `json:"id"`
	SenderID    int64     `json:"sender_id"`
	RecipientID int64     `json:"recipient_id"`
	Room        string    `json:"room"`
	Content     string    `json:"content"`
	PostID      int64     `json:"post_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReadReceipt is pushed by the server when a notification is marked
// read on another device, so every open client converges.
type ReadReceipt struct {
	NotificationID int64     `json:"notif_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// ChatSend is the outbound body for a direct-message send.
type ChatSend struct {
	RecipientID int64  `json:"recipient_id"`
	Content     string `json:"content"`
}

// ForumSend is the outbound body for a forum-room send. Forum sockets
// are not authenticated at handshake time, so the session token rides
// on every message.
type ForumSend struct {
	Token   string `json:"token"`
	Room    string `json:"room"`
	Content string `json:"content"`
}

// Ping is the keep-alive frame written when a channel has been quiet.
type Ping struct {
	Event string `json:"event"`
}
