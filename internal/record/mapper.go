package record

import (
	"math"
	"slices"
	"strings"
	"time"
)

// Unit conversion factors.
const (
	kPaToMmHg      = 7.50062
	secondsToMilli = 1000
	perSecToPerMin = 60
	fractionToPct  = 100
)

// SourceRecord is a raw sample as read from a local data source, before
// unit conversion and validation.
type SourceRecord struct {
	Type  Type
	Start time.Time
	End   time.Time
	Value float64
	Unit  string
	Text  string
}

// Mapper converts SourceRecords into WireRecords stamped with the device
// identity. It holds no mutable state and is safe for concurrent use.
type Mapper struct {
	UserID   string
	DeviceOS string
	Source   string
}

// Map converts one source record. It returns false when the record is
// implausible: unknown type, unconvertible unit, non-finite or out-of-range
// value, or a zero/inverted time span.
func (m Mapper) Map(src SourceRecord) (WireRecord, bool) {
	rule, ok := rules[src.Type]
	if !ok {
		return WireRecord{}, false
	}

	if src.Start.IsZero() || src.Start.Unix() <= 0 {
		return WireRecord{}, false
	}

	end := src.End
	if end.IsZero() {
		end = src.Start
	}

	if end.Before(src.Start) {
		return WireRecord{}, false
	}

	f := Fields{
		UserID:   m.UserID,
		DeviceOS: m.DeviceOS,
		Source:   m.Source,
		Type:     src.Type,
		Start:    src.Start,
		End:      end,
	}

	switch rule.kind {
	case kindNumeric:
		v, ok := convert(src.Type, src.Value, src.Unit)
		if !ok || !inRange(v, rule) {
			return WireRecord{}, false
		}

		f.Value = &v
		f.Unit = rule.Unit
	case kindCategory:
		stage := strings.ToLower(strings.TrimSpace(src.Text))
		if !slices.Contains(sleepStages, stage) {
			return WireRecord{}, false
		}

		f.ValueText = &stage
	case kindWaveform:
		if src.Text == "" {
			return WireRecord{}, false
		}

		text := src.Text
		f.ValueText = &text
		f.Unit = rule.Unit
	case kindEvent:
		// NaN marks an event without severity; zero is a real severity.
		if !math.IsNaN(src.Value) && !math.IsInf(src.Value, 0) {
			v := src.Value
			f.Value = &v
		}

		text := src.Text
		f.ValueText = &text
	}

	return NewWireRecord(f), true
}

// MapAll maps a slice of source records, returning the accepted records in
// input order and the number dropped.
func (m Mapper) MapAll(src []SourceRecord) ([]WireRecord, int) {
	out := make([]WireRecord, 0, len(src))

	for i := range src {
		if w, ok := m.Map(src[i]); ok {
			out = append(out, w)
		}
	}

	return out, len(src) - len(out)
}

func inRange(v float64, s Rule) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}

	return v >= s.Min && v <= s.Max
}

// convert maps a value in unit into the canonical unit of t. An empty unit
// means the value is already canonical.
func convert(t Type, v float64, unit string) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}

	unit = strings.TrimSpace(unit)
	if unit == "" || unit == rules[t].Unit {
		return v, true
	}

	switch t {
	case TypeHeartRate, TypeRestingHeartRate, TypeRespiratoryRate:
		switch unit {
		case "count/min", "1/min":
			return v, true
		case "count/s", "Hz":
			return v * perSecToPerMin, true
		}
	case TypeSpO2:
		if unit == "fraction" {
			return v * fractionToPct, true
		}
	case TypeHRV:
		if unit == "s" {
			return v * secondsToMilli, true
		}
	case TypeBPSystolic, TypeBPDiastolic:
		if unit == "kPa" {
			return v * kPaToMmHg, true
		}
	case TypeBodyTemperature:
		if unit == "degF" {
			return (v - 32) * 5 / 9, true
		}
	case TypeSteps:
		if unit == "steps" {
			return v, true
		}
	}

	return 0, false
}
