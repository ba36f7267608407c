package notify

import (
	"context"
	"sync"
)

// Delivered is one event captured by a Recorder.
type Delivered struct {
	UserID string
	Event  Event
}

// Recorder captures events synchronously. Other packages use it in tests to
// assert what users were told.
type Recorder struct {
	mu     sync.Mutex
	events []Delivered
}

func (r *Recorder) Notify(_ context.Context, userID string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Delivered{UserID: userID, Event: event})
}

func (r *Recorder) Send(ctx context.Context, userID string, event Event) error {
	r.Notify(ctx, userID, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Delivered {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivered, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type were sent to userID. An empty
// userID matches everyone.
func (r *Recorder) Count(userID, eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.events {
		if d.Event.Type == eventType && (userID == "" || d.UserID == userID) {
			n++
		}
	}
	return n
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
