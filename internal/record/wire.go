package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// WireRecord is one normalized sample in the shape the ingestion endpoint
// accepts. Fields are unexported so a constructed record cannot be changed;
// accessors return copies.
type WireRecord struct {
	userID    string
	deviceOS  string
	source    string
	typ       Type
	start     time.Time
	end       time.Time
	value     float64
	hasValue  bool
	unit      string
	valueText string
	hasText   bool
}

// Fields is the mutable builder form of a WireRecord.
type Fields struct {
	UserID    string
	DeviceOS  string
	Source    string
	Type      Type
	Start     time.Time
	End       time.Time
	Value     *float64
	Unit      string
	ValueText *string
}

// NewWireRecord freezes f into a WireRecord.
func NewWireRecord(f Fields) WireRecord {
	w := WireRecord{
		userID:   f.UserID,
		deviceOS: f.DeviceOS,
		source:   f.Source,
		typ:      f.Type,
		start:    f.Start.UTC(),
		end:      f.End.UTC(),
		unit:     f.Unit,
	}

	if f.Value != nil {
		w.value = *f.Value
		w.hasValue = true
	}

	if f.ValueText != nil {
		w.valueText = *f.ValueText
		w.hasText = true
	}

	return w
}

func (w WireRecord) UserID() string   { return w.userID }
func (w WireRecord) DeviceOS() string { return w.deviceOS }
func (w WireRecord) Source() string   { return w.source }
func (w WireRecord) Type() Type       { return w.typ }
func (w WireRecord) Start() time.Time { return w.start }
func (w WireRecord) End() time.Time   { return w.end }
func (w WireRecord) Unit() string     { return w.unit }

// Value returns the numeric value and whether one is present.
func (w WireRecord) Value() (float64, bool) { return w.value, w.hasValue }

// ValueText returns the text value and whether one is present.
func (w WireRecord) ValueText() (string, bool) { return w.valueText, w.hasText }

// Fields returns a builder copy of the record, for callers that need to
// derive a new record from an existing one.
func (w WireRecord) Fields() Fields {
	f := Fields{
		UserID:   w.userID,
		DeviceOS: w.deviceOS,
		Source:   w.source,
		Type:     w.typ,
		Start:    w.start,
		End:      w.end,
		Unit:     w.unit,
	}

	if w.hasValue {
		v := w.value
		f.Value = &v
	}

	if w.hasText {
		s := w.valueText
		f.ValueText = &s
	}

	return f
}

func (w WireRecord) String() string {
	if w.hasValue {
		return fmt.Sprintf("%s@%s=%g%s", w.typ, w.start.Format(time.RFC3339), w.value, w.unit)
	}

	return fmt.Sprintf("%s@%s text=%d bytes", w.typ, w.start.Format(time.RFC3339), len(w.valueText))
}

// wireJSON is the on-the-wire representation. Pointer fields encode as null.
type wireJSON struct {
	UserID    string   `json:"user_id"`
	DeviceOS  string   `json:"device_os"`
	Source    string   `json:"source"`
	Type      Type     `json:"type"`
	StartTime string   `json:"start_time"`
	EndTime   string   `json:"end_time"`
	Value     *float64 `json:"value"`
	Unit      *string  `json:"unit"`
	ValueText *string  `json:"value_text"`
}

// MarshalJSON encodes the record with RFC 3339 millisecond timestamps.
func (w WireRecord) MarshalJSON() ([]byte, error) {
	j := wireJSON{
		UserID:    w.userID,
		DeviceOS:  w.deviceOS,
		Source:    w.source,
		Type:      w.typ,
		StartTime: w.start.Format(timeLayout),
		EndTime:   w.end.Format(timeLayout),
	}

	if w.hasValue {
		v := w.value
		j.Value = &v
	}

	if w.unit != "" {
		u := w.unit
		j.Unit = &u
	}

	if w.hasText {
		s := w.valueText
		j.ValueText = &s
	}

	return json.Marshal(j)
}

// UnmarshalJSON decodes a record previously produced by MarshalJSON.
func (w *WireRecord) UnmarshalJSON(data []byte) error {
	var j wireJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("record: decoding wire record: %w", err)
	}

	start, err := time.Parse(time.RFC3339Nano, j.StartTime)
	if err != nil {
		return fmt.Errorf("record: parsing start_time: %w", err)
	}

	end, err := time.Parse(time.RFC3339Nano, j.EndTime)
	if err != nil {
		return fmt.Errorf("record: parsing end_time: %w", err)
	}

	f := Fields{
		UserID:    j.UserID,
		DeviceOS:  j.DeviceOS,
		Source:    j.Source,
		Type:      j.Type,
		Start:     start,
		End:       end,
		Value:     j.Value,
		ValueText: j.ValueText,
	}

	if j.Unit != nil {
		f.Unit = *j.Unit
	}

	*w = NewWireRecord(f)

	return nil
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
