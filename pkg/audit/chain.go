package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// genesisHash anchors the first event of a chain.
const genesisHash = "sha256:genesis"

// JSONLSink writes a tamper-evident JSONL stream: each event carries a
// content hash over its canonical JSON and the hash of the previous
// event. Rewriting any historical line breaks every hash after it.
type JSONLSink struct {
	mu       sync.Mutex
	writer   io.Writer
	prevHash string
	clock    func() time.Time
}

// NewJSONLSink creates a chaining sink writing to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{writer: w, prevHash: genesisHash, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *JSONLSink) WithClock(clock func() time.Time) *JSONLSink {
	s.clock = clock
	return s
}

// Emit stamps, hashes, chains, and writes the event as one JSON line.
func (s *JSONLSink) Emit(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock()
	}
	event.PrevHash = s.prevHash

	hash, err := contentHash(event)
	if err != nil {
		return fmt.Errorf("audit hash failed: %w", err)
	}
	event.ContentHash = hash

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit encode failed: %w", err)
	}
	if _, err := s.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit write failed: %w", err)
	}

	s.prevHash = hash
	return nil
}

// VerifyChain recomputes every hash in a recorded event sequence and
// reports the first break.
func VerifyChain(events []Event) error {
	prev := genesisHash
	for i := range events {
		e := events[i]
		if e.PrevHash != prev {
			return fmt.Errorf("event %d (%s): prev_hash %q does not link to %q", i, e.EventID, e.PrevHash, prev)
		}
		want := e.ContentHash
		e.ContentHash = ""
		got, err := contentHash(&e)
		if err != nil {
			return fmt.Errorf("event %d (%s): %w", i, e.EventID, err)
		}
		if got != want {
			return fmt.Errorf("event %d (%s): content_hash mismatch", i, e.EventID)
		}
		prev = want
	}
	return nil
}

// contentHash hashes the event's canonical JSON with ContentHash empty.
func contentHash(event *Event) (string, error) {
	stripped := *event
	stripped.ContentHash = ""
	raw, err := json.Marshal(&stripped)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
