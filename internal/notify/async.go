package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/homesettle/internal/metrics"
)

// ErrClosed is logged for events emitted after Close.
var ErrClosed = errors.New("notify: dispatcher closed")

// Async delivers each event on its own goroutine so emitters never wait on
// delivery. At most maxInFlight deliveries run at once; beyond that events
// are dropped and counted rather than queued without bound.
type Async struct {
	sender  Sender
	logger  *slog.Logger
	timeout time.Duration
	slots   chan struct{}

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync creates a dispatcher over sender.
func NewAsync(sender Sender, logger *slog.Logger, maxInFlight int, timeout time.Duration) *Async {
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{
		sender:  sender,
		logger:  logger,
		timeout: timeout,
		slots:   make(chan struct{}, maxInFlight),
	}
}

// Notify schedules delivery and returns immediately. The caller's context
// only contributes values; its cancellation does not abort delivery.
func (a *Async) Notify(ctx context.Context, userID string, event Event) {
	if userID == "" {
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		record(event.Type, ErrClosed)
		return
	}

	select {
	case a.slots <- struct{}{}:
	default:
		metrics.NotificationsTotal.WithLabelValues(event.Type, "dropped").Inc()
		a.logger.Warn("notification dropped, too many in flight", "userId", userID, "type", event.Type)
		return
	}

	a.wg.Add(1)
	metrics.NotificationsInFlight.Inc()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("panic in notification sender", "panic", fmt.Sprint(r), "type", event.Type)
			}
			<-a.slots
			metrics.NotificationsInFlight.Dec()
			a.wg.Done()
		}()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()

		err := a.sender.Send(sendCtx, userID, event)
		record(event.Type, err)
		if err != nil {
			a.logger.Warn("notification failed", "userId", userID, "type", event.Type, "error", err)
		}
	}()
}

// Close stops accepting events and waits for in-flight deliveries until ctx
// is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func record(eventType string, err error) {
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	metrics.NotificationsTotal.WithLabelValues(eventType, result).Inc()
}
