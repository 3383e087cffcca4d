// Package events lets tests observe what happened inside the provider: which
// auth requests were created, who logged in and which tokens were issued.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

type Type string

const (
	TypeAuthRequest Type = "auth_request"
	TypeLogin       Type = "login"
	TypeToken       Type = "token"
)

type Event struct {
	Type          Type      `json:"type"`
	Subject       string    `json:"subject,omitempty"`
	ClientID      string    `json:"client_id,omitempty"`
	AuthRequestID string    `json:"auth_request_id,omitempty"`
	Scopes        []string  `json:"scopes,omitempty"`
	Time          time.Time `json:"time"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

var _ Publisher = Nop{}

// Nop drops all events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

var _ Publisher = (*Recorder)(nil)

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{
		notify: make(chan struct{}, 1),
	}
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns the recorded events of the given type, oldest first.
func (r *Recorder) ByType(t Type) []Event {
	var out []Event
	for _, event := range r.Events() {
		if event.Type == t {
			out = append(out, event)
		}
	}
	return out
}

// Wait blocks until an event of the given type has been recorded or ctx is
// done.
func (r *Recorder) Wait(ctx context.Context, t Type) (Event, error) {
	for {
		if events := r.ByType(t); len(events) > 0 {
			return events[len(events)-1], nil
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-r.notify:
		}
	}
}

var _ Publisher = (Multi)(nil)

// Multi publishes to every publisher and collects their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var result *multierror.Error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m Multi) Close() error {
	var result *multierror.Error
	for _, p := range m {
		if err := p.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
