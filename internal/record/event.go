package record

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// NormalizeCode upper-cases an event code and maps '-' and ' ' to '_'.
// It is idempotent.
func NormalizeCode(code string) string {
	code = norm.NFC.String(strings.TrimSpace(code))
	code = strings.NewReplacer("-", "_", " ", "_").Replace(code)

	// Casers carry state; one per call keeps this safe for concurrent use.
	return cases.Upper(language.Und).String(code)
}

// QueuedEvent is a user-originated event awaiting delivery. Codes are
// normalized on construction and on every decode.
type QueuedEvent struct {
	ID        uuid.UUID
	Code      string
	Timestamp time.Time
	Severity  *int
	FreeText  string
	Tags      []string
}

// NewQueuedEvent builds an event with a fresh id and a normalized code.
func NewQueuedEvent(code string, ts time.Time, severity *int, freeText string, tags []string) QueuedEvent {
	ev := QueuedEvent{
		ID:        uuid.New(),
		Code:      NormalizeCode(code),
		Timestamp: ts.UTC(),
		FreeText:  norm.NFC.String(freeText),
		Tags:      slices.Clone(tags),
	}

	if severity != nil {
		s := *severity
		ev.Severity = &s
	}

	return ev
}

// Clone returns a deep copy.
func (e QueuedEvent) Clone() QueuedEvent {
	c := e
	c.Tags = slices.Clone(e.Tags)

	if e.Severity != nil {
		s := *e.Severity
		c.Severity = &s
	}

	return c
}

type queuedEventJSON struct {
	ID        uuid.UUID `json:"id"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	Severity  *int      `json:"severity,omitempty"`
	FreeText  string    `json:"free_text,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

func (e QueuedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(queuedEventJSON{
		ID:        e.ID,
		Code:      NormalizeCode(e.Code),
		Timestamp: e.Timestamp,
		Severity:  e.Severity,
		FreeText:  e.FreeText,
		Tags:      e.Tags,
	})
}

func (e *QueuedEvent) UnmarshalJSON(data []byte) error {
	var j queuedEventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("record: decoding queued event: %w", err)
	}

	*e = QueuedEvent{
		ID:        j.ID,
		Code:      NormalizeCode(j.Code),
		Timestamp: j.Timestamp,
		Severity:  j.Severity,
		FreeText:  j.FreeText,
		Tags:      j.Tags,
	}

	return nil
}

// eventPayload is the value_text body of a user_event wire record.
type eventPayload struct {
	ID       string   `json:"id"`
	Code     string   `json:"code"`
	FreeText string   `json:"free_text,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// ToSource renders the event as a user_event source record. Severity
// travels as the numeric value, NaN when unset; code, text and tags travel
// in value_text.
func (e QueuedEvent) ToSource() SourceRecord {
	payload, _ := json.Marshal(eventPayload{
		ID:       e.ID.String(),
		Code:     NormalizeCode(e.Code),
		FreeText: e.FreeText,
		Tags:     e.Tags,
	})

	src := SourceRecord{
		Type:  TypeUserEvent,
		Start: e.Timestamp,
		End:   e.Timestamp,
		Text:  string(payload),
		Value: math.NaN(),
	}

	if e.Severity != nil {
		src.Value = float64(*e.Severity)
	}

	return src
}
