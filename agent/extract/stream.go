package extract

import (
	"encoding/json"
	"fmt"
	"io"

	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
)

// DeltaTracker turns accumulated assistant text into suffix-only deltas. The
// emitted prefix only ever grows; a snapshot that rewrites or shrinks what
// was already sent yields nothing.
type DeltaTracker struct {
	emitted string
}

// Delta returns the unsent suffix of the accumulated snapshot. ok is false
// when there is nothing new to send.
func (t *DeltaTracker) Delta(accumulated string) (string, bool) {
	if len(accumulated) <= len(t.emitted) {
		return "", false
	}
	if accumulated[:len(t.emitted)] != t.emitted {
		return "", false
	}
	delta := accumulated[len(t.emitted):]
	t.emitted = accumulated
	return delta, true
}

// Emitted returns the full text sent so far.
func (t *DeltaTracker) Emitted() string {
	return t.emitted
}

const dedupPrefixLen = 100

// Deduper suppresses repeated stream events. The key is the event type, the
// originating tool, and the first 100 characters of the payload; retried tool
// rounds replay identical output and must not reach the client twice.
type Deduper struct {
	seen map[string]struct{}
}

func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// Allow reports whether this event is new; it records the key as a side
// effect.
func (d *Deduper) Allow(eventType, toolName, content string) bool {
	if len(content) > dedupPrefixLen {
		content = content[:dedupPrefixLen]
	}
	key := eventType + "\x00" + toolName + "\x00" + content
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// WriteSSE writes one stream event as a server-sent-events frame.
func WriteSSE(w io.Writer, ev contractx.StreamEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("extract: marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("extract: write stream frame: %w", err)
	}
	if flusher, ok := w.(interface{ Flush() }); ok {
		flusher.Flush()
	}
	return nil
}

// TerminalEvent builds the closing success frame from the formatted envelope.
func TerminalEvent(env contractx.Envelope, threadID string) contractx.StreamEvent {
	return contractx.StreamEvent{
		Done:           true,
		ThreadID:       threadID,
		Tenders:        env.Tenders,
		ContractReview: env.ContractReview,
		Metadata:       env.Metadata,
	}
}

// TerminalError builds the closing failure frame. The error text is the only
// payload; no partial structured data rides along.
func TerminalError(message string, threadID string) contractx.StreamEvent {
	return contractx.StreamEvent{
		Done:     true,
		Error:    message,
		ThreadID: threadID,
	}
}
