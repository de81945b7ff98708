// Package notify defines the outbound user notification contract.
//
// Delivery is fire-and-forget: a notification failure must never abort a
// status transition. Callers log errors and continue.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Notifier delivers a message to a user.
type Notifier interface {
	Notify(ctx context.Context, userID, message string, metadata map[string]string) error
}

// LogNotifier writes notifications to the structured log. It stands in for
// a real delivery channel in development mode.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, userID, message string, metadata map[string]string) error {
	args := []any{"user", userID, "message", message}
	for k, v := range metadata {
		args = append(args, k, v)
	}
	n.Logger.Info("notification", args...)
	return nil
}

// Notification is a captured test notification.
type Notification struct {
	UserID   string
	Message  string
	Metadata map[string]string
}

// MemoryNotifier records notifications for assertions in tests.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *MemoryNotifier) Notify(_ context.Context, userID, message string, metadata map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{UserID: userID, Message: message, Metadata: metadata})
	return nil
}

// Sent returns a copy of all captured notifications.
func (n *MemoryNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

// SentTo returns notifications delivered to a specific user.
func (n *MemoryNotifier) SentTo(userID string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, msg := range n.sent {
		if msg.UserID == userID {
			out = append(out, msg)
		}
	}
	return out
}
