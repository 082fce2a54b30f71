package events

import (
	"context"
	"sync"
)

// Recorder is an in-memory Publisher that keeps everything it is given.
// Useful for testing components that publish.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	pings  []string
	err    error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// SetError makes subsequent calls record and then fail with err.
func (r *Recorder) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Publish records event.
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

// Ping records connID.
func (r *Recorder) Ping(_ context.Context, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pings = append(r.pings, connID)
	return r.err
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// EventsOfKind returns the recorded events of one kind.
func (r *Recorder) EventsOfKind(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []Event
	for _, e := range r.events {
		if e.Kind == kind {
			result = append(result, e)
		}
	}
	return result
}

// Pings returns a copy of the recorded ping targets.
func (r *Recorder) Pings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pings...)
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.pings = nil
}
