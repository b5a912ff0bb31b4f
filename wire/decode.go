package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformedFrame reports a frame that is not valid JSON or has
	// no event discriminant. Dropped by the caller, never fatal.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownEvent reports a well-formed frame whose event the
	// client does not understand. Dropped by the caller.
	ErrUnknownEvent = errors.New("unknown event")
)

// Frame is a decoded inbound socket frame. Exactly one of the payload
// pointers is set, matching Event.
type Frame struct {
	Event        string
	Notification *Notification
	ReadReceipt  *ReadReceipt
	Message      *ChatMessage
}

// timeLayouts are tried in order when parsing server timestamps. The
// backend emits ISO-8601; timezone-naive values are taken as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseTime parses a server timestamp, returning the zero time when no
// layout matches.
func ParseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}

	return time.Time{}
}

// Decode parses one inbound frame. The event field is sniffed first so
// kind-specific fields can be extracted without a shared envelope
// struct; push frames name their fields differently from the REST
// representation (notif_id vs id, timestamp vs created_at).
func Decode(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, fmt.Errorf("%w: invalid JSON (%d bytes)", ErrMalformedFrame, len(data))
	}

	doc := gjson.ParseBytes(data)

	event := doc.Get("event").String()
	if event == "" {
		return Frame{}, fmt.Errorf("%w: missing event field", ErrMalformedFrame)
	}

	switch event {
	case EventNewNotification:
		n := &Notification{
			ID:        doc.Get("notif_id").Int(),
			Kind:      doc.Get("notification_type").String(),
			Message:   doc.Get("message").String(),
			ActorID:   doc.Get("actor_id").Int(),
			CreatedAt: ParseTime(doc.Get("timestamp").String()),
		}
		if n.ID == 0 {
			return Frame{}, fmt.Errorf("%w: notification without notif_id", ErrMalformedFrame)
		}

		return Frame{Event: event, Notification: n}, nil

	case EventNotificationRead:
		r := &ReadReceipt{
			NotificationID: doc.Get("notif_id").Int(),
			Timestamp:      ParseTime(doc.Get("timestamp").String()),
		}
		if r.NotificationID == 0 {
			return Frame{}, fmt.Errorf("%w: read receipt without notif_id", ErrMalformedFrame)
		}

		return Frame{Event: event, ReadReceipt: r}, nil

	case EventNewMessage, EventSharedPost:
		m := &ChatMessage{
			ID:        doc.Get("id").Int(),
			SenderID:  doc.Get("sender_id").Int(),
			Content:   doc.Get("content").String(),
			PostID:    doc.Get("post_id").Int(),
			CreatedAt: ParseTime(doc.Get("created_at").String()),
		}

		return Frame{Event: event, Message: m}, nil

	case EventNewForumMessage:
		m := &ChatMessage{
			ID:        doc.Get("id").Int(),
			SenderID:  doc.Get("sender_id").Int(),
			Room:      doc.Get("room").String(),
			Content:   doc.Get("content").String(),
			CreatedAt: ParseTime(doc.Get("created_at").String()),
		}

		return Frame{Event: event, Message: m}, nil

	case EventPong:
		return Frame{Event: event}, nil

	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}
