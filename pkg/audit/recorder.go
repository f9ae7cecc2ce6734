package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recorder is an in-memory Sink for tests and introspection. It can be
// told to fail at specific checkpoints to exercise fail-closed paths.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	failOn map[Checkpoint]error
	clock  func() time.Time
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{failOn: make(map[Checkpoint]error), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// FailOn makes Emit return err for every event at the given checkpoint.
// The event is still recorded first, so tests can confirm the sink was
// invoked even though emission failed.
func (r *Recorder) FailOn(cp Checkpoint, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("sink refused checkpoint %s", cp)
	}
	r.failOn[cp] = err
}

func (r *Recorder) Emit(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock()
	}
	r.events = append(r.events, *event)

	if err, ok := r.failOn[event.Checkpoint]; ok {
		return err
	}
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByCheckpoint returns recorded events at the given checkpoint.
func (r *Recorder) ByCheckpoint(cp Checkpoint) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Checkpoint == cp {
			out = append(out, e)
		}
	}
	return out
}
