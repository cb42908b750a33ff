package extract

import (
	"encoding/json"
	"strings"

	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	"github.com/rs/zerolog/log"
)

// Tool names whose output the formatter mines for structured payloads. Policy
// data: extraction is by tool identity, never by sniffing arbitrary output.
var (
	tenderResultTools = []string{"search_tenders"}
	reviewTools       = []string{"save_contract_review"}

	// Field names probed, in order, when a tool returns an object instead of
	// a bare array.
	arrayFieldNames = []string{"results", "tenders", "items", "data"}
)

// Format assembles the caller-facing envelope from a completed transcript.
// text overrides the assistant text when the caller accumulated it separately
// (streaming); empty means take the last assistant message. Format never
// fails: unparseable tool output degrades to a text-only envelope.
func Format(transcript contractx.Transcript, text string) contractx.Envelope {
	env := contractx.Envelope{Text: strings.TrimSpace(text)}
	if env.Text == "" {
		env.Text = lastAssistantContent(transcript)
	}

	if tenders, meta, ok := collectTenders(transcript); ok {
		env.Tenders = tenders
		meta.ResultCount = len(tenders)
		env.Metadata = &meta
	}

	if raw, ok := lastToolOutput(transcript, reviewTools); ok {
		if review := coerceReview(raw); review != nil {
			env.ContractReview = review
		}
	}

	return env
}

func lastAssistantContent(transcript contractx.Transcript) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		msg := transcript[i]
		if msg.Role == contractx.RoleAssistant && strings.TrimSpace(msg.Content) != "" {
			return strings.TrimSpace(msg.Content)
		}
	}
	return ""
}

// collectTenders coerces every qualifying tool message and appends the rows
// in transcript order, no dedup. A message that cannot be coerced is logged
// and skipped; it never hides results carried by other messages. The slice is
// non-nil (possibly empty) when at least one message coerced.
func collectTenders(transcript contractx.Transcript) ([]contractx.Tender, contractx.EnvelopeMetadata, bool) {
	var (
		tenders []contractx.Tender
		meta    contractx.EnvelopeMetadata
		found   bool
	)
	for _, msg := range transcript {
		if msg.Role != contractx.RoleTool || !nameMatches(msg.Name, tenderResultTools) {
			continue
		}
		rows, m, ok := coerceTenders(msg.Content)
		if !ok {
			log.Debug().Str("tool", msg.Name).Msg("extract: tender tool output not coercible, skipped")
			continue
		}
		found = true
		if tenders == nil {
			tenders = []contractx.Tender{}
		}
		tenders = append(tenders, rows...)
		if m.Query != "" {
			meta.Query = m.Query
		}
		if m.Filters != nil {
			meta.Filters = m.Filters
		}
	}
	return tenders, meta, found
}

// lastToolOutput returns the most recent tool message emitted by any of the
// named tools.
func lastToolOutput(transcript contractx.Transcript, toolNames []string) (string, bool) {
	for i := len(transcript) - 1; i >= 0; i-- {
		msg := transcript[i]
		if msg.Role == contractx.RoleTool && nameMatches(msg.Name, toolNames) {
			return msg.Content, true
		}
	}
	return "", false
}

func nameMatches(name string, toolNames []string) bool {
	for _, n := range toolNames {
		if name == n {
			return true
		}
	}
	return false
}

// coerceTenders tries, in order: a native JSON array, a JSON-encoded string
// wrapping one, a bracketed array embedded in surrounding prose, and an
// object carrying the array under a known field. The object form also yields
// query/filter metadata.
func coerceTenders(raw string) ([]contractx.Tender, contractx.EnvelopeMetadata, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, contractx.EnvelopeMetadata{}, false
	}

	var tenders []contractx.Tender
	if err := json.Unmarshal([]byte(raw), &tenders); err == nil {
		return tenders, contractx.EnvelopeMetadata{}, true
	}

	var inner string
	if err := json.Unmarshal([]byte(raw), &inner); err == nil {
		return coerceTenders(inner)
	}

	if sub, ok := bracketedArray(raw); ok {
		if err := json.Unmarshal([]byte(sub), &tenders); err == nil {
			return tenders, contractx.EnvelopeMetadata{}, true
		}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		for _, field := range arrayFieldNames {
			rawField, ok := obj[field]
			if !ok {
				continue
			}
			if err := json.Unmarshal(rawField, &tenders); err != nil {
				continue
			}
			meta := contractx.EnvelopeMetadata{}
			if q, ok := obj["query"]; ok {
				_ = json.Unmarshal(q, &meta.Query)
			}
			if f, ok := obj["filters"]; ok {
				_ = json.Unmarshal(f, &meta.Filters)
			}
			return tenders, meta, true
		}
	}

	return nil, contractx.EnvelopeMetadata{}, false
}

// bracketedArray extracts the first top-level [...] span from mixed text,
// respecting nesting and string literals.
func bracketedArray(raw string) (string, bool) {
	start := strings.IndexByte(raw, '[')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

func coerceReview(raw string) *contractx.ContractReview {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var review contractx.ContractReview
	if err := json.Unmarshal([]byte(raw), &review); err == nil {
		if review.ContractID != "" || len(review.Review) > 0 {
			return &review
		}
	}

	// Tolerate a bare object without the named wrapper.
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err == nil && len(fields) > 0 {
		return &contractx.ContractReview{Review: fields}
	}
	return nil
}
