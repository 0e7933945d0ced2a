// club/stream.go
package club

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// UnreadEvent is the live-badge payload pushed to a connected recipient.
type UnreadEvent struct {
	UserID string `json:"user_id"`
	Unread int    `json:"unread"`
}

// Stream is the change-notification transport: publish an unread-count
// update for one recipient, or subscribe to exactly one recipient's updates.
// Cancel must release the subscription so disconnected clients do not leak
// delivery registrations.
type Stream interface {
	PublishUnread(ctx context.Context, userID string, unread int) error
	SubscribeUnread(ctx context.Context, userID string) (<-chan UnreadEvent, func(), error)
}

// NATSStream carries unread events over a per-recipient subject.
type NATSStream struct {
	conn *nats.Conn
}

func NewNATSStream(url string) (*NATSStream, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSStream{conn: conn}, nil
}

func (s *NATSStream) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func unreadSubject(userID string) string {
	return "notifications.unread." + userID
}

func (s *NATSStream) PublishUnread(ctx context.Context, userID string, unread int) error {
	payload, err := json.Marshal(UnreadEvent{UserID: userID, Unread: unread})
	if err != nil {
		return err
	}
	if err := s.conn.Publish(unreadSubject(userID), payload); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *NATSStream) SubscribeUnread(ctx context.Context, userID string) (<-chan UnreadEvent, func(), error) {
	events := make(chan UnreadEvent, 8)
	sub, err := s.conn.Subscribe(unreadSubject(userID), func(msg *nats.Msg) {
		var ev UnreadEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		select {
		case events <- ev:
		default: // a slow consumer only ever misses intermediate counts
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	cancel := func() {
		_ = sub.Unsubscribe()
	}
	return events, cancel, nil
}
