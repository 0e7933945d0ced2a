// club/notifications.go
package club

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

const notificationPageSize = 50

// Notifier derives notification rows from engagement events and pushes
// unread-count updates to connected recipients. Rows are appended by the
// store inside the triggering event's transaction; the push happens after
// commit and is best-effort.
type Notifier struct {
	store  Store
	stream Stream
	newID  func() string
}

func NewNotifier(store Store, stream Stream) *Notifier {
	return &Notifier{
		store:  store,
		stream: stream,
		newID:  func() string { return uuid.New().String() },
	}
}

// Record builds the notification row for an engagement event, or nil when
// the actor is the recipient: users never hear about their own activity.
// Each qualifying event gets its own row; repeated like/unlike/like cycles
// are not collapsed.
func (n *Notifier) Record(recipientID, actorID, typ, postID string, at time.Time) *Notification {
	if recipientID == actorID {
		return nil
	}
	return &Notification{
		ID:        n.newID(),
		UserID:    recipientID,
		ActorID:   actorID,
		Type:      typ,
		PostID:    postID,
		CreatedAt: at,
	}
}

// PushUnread publishes the recipient's current unread count on the stream.
// Failures are logged, never surfaced: the badge catches up on the next
// event or poll.
func (n *Notifier) PushUnread(ctx context.Context, recipientID string) {
	if n.stream == nil {
		return
	}
	count, err := n.store.UnreadCount(ctx, recipientID)
	if err != nil {
		log.Printf("unread count for push: %v", err)
		return
	}
	if err := n.stream.PublishUnread(ctx, recipientID, count); err != nil {
		log.Printf("publish unread for %s: %v", recipientID, err)
	}
}

// List returns the viewer's most recent notifications and marks exactly
// those rows read. Rows that land after the fetch stay unread until the
// viewer actually sees them.
func (n *Notifier) List(ctx context.Context, userID string) ([]Notification, error) {
	notes, err := n.store.ListNotifications(ctx, userID, notificationPageSize)
	if err != nil {
		return nil, err
	}
	var unread []string
	for _, note := range notes {
		if !note.Read {
			unread = append(unread, note.ID)
		}
	}
	if err := n.store.MarkRead(ctx, userID, unread); err != nil {
		return nil, err
	}
	return notes, nil
}

// UnreadCount serves the badge's polling fallback.
func (n *Notifier) UnreadCount(ctx context.Context, userID string) (int, error) {
	return n.store.UnreadCount(ctx, userID)
}
