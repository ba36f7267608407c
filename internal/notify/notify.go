// Package notify forwards escrow and payment lifecycle events to users.
//
// Delivery is fire-and-forget: a failed notification is logged and counted,
// never surfaced to the operation that emitted it.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Event is what a user is told about.
type Event struct {
	Type  string         `json:"type"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// Notifier is the boundary the settlement core emits through. It never
// returns an error.
type Notifier interface {
	Notify(ctx context.Context, userID string, event Event)
}

// Sender performs one delivery attempt.
type Sender interface {
	Send(ctx context.Context, userID string, event Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, string, Event) {}

// LogSender writes events to a structured logger. It is the development
// default when no webhook is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) Send(ctx context.Context, userID string, event Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"userId", userID,
		"type", event.Type,
		"title", event.Title,
		"data", event.Data,
	)
	return nil
}

// Multi sends to every sender and joins their errors.
type Multi []Sender

func (m Multi) Send(ctx context.Context, userID string, event Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, userID, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sync delivers on the caller's goroutine, bounded by timeout, and swallows
// the error after logging it. Used by the ops CLI, which exits right after.
type Sync struct {
	Sender  Sender
	Timeout time.Duration
	Logger  *slog.Logger
}

func (s Sync) Notify(ctx context.Context, userID string, event Event) {
	if userID == "" {
		return
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	err := s.Sender.Send(ctx, userID, event)
	record(event.Type, err)
	if err != nil && s.Logger != nil {
		s.Logger.Warn("notification failed", "userId", userID, "type", event.Type, "error", err)
	}
}
