// Package record defines the normalized wire format sent to the ingestion
// service and the pure mapping from raw source samples into it. Mapping is
// where physiologically implausible values are filtered: a record that fails
// its type's bounds is dropped, never coerced.
package record

import (
	"fmt"
	"slices"
)

// Type names a telemetry stream. It selects the canonical unit and the
// inclusive plausibility range applied by the Mapper.
type Type string

// Known stream types.
const (
	TypeHeartRate        Type = "heart_rate"
	TypeRestingHeartRate Type = "resting_heart_rate"
	TypeSpO2             Type = "spo2"
	TypeHRV              Type = "hrv_sdnn"
	TypeBPSystolic       Type = "bp_systolic"
	TypeBPDiastolic      Type = "bp_diastolic"
	TypeRespiratoryRate  Type = "respiratory_rate"
	TypeBodyTemperature  Type = "body_temperature"
	TypeSteps            Type = "steps"
	TypeSleepStage       Type = "sleep_stage"
	TypeECGWaveform      Type = "ecg_waveform"
	TypeUserEvent        Type = "user_event"
)

// Value kinds. Numeric types carry value+unit, categorical types carry
// value_text only, waveform types carry an encoded payload in value_text.
type valueKind int

const (
	kindNumeric valueKind = iota
	kindCategory
	kindWaveform
	kindEvent
)

// Rule describes the canonical unit and plausibility bounds for a Type.
type Rule struct {
	Unit string
	Min  float64
	Max  float64
	kind valueKind
}

var rules = map[Type]Rule{
	TypeHeartRate:        {Unit: "bpm", Min: 20, Max: 250},
	TypeRestingHeartRate: {Unit: "bpm", Min: 20, Max: 250},
	TypeSpO2:             {Unit: "%", Min: 50, Max: 100},
	TypeHRV:              {Unit: "ms", Min: 0, Max: 600},
	TypeBPSystolic:       {Unit: "mmHg", Min: 40, Max: 260},
	TypeBPDiastolic:      {Unit: "mmHg", Min: 30, Max: 180},
	TypeRespiratoryRate:  {Unit: "breaths/min", Min: 4, Max: 60},
	TypeBodyTemperature:  {Unit: "degC", Min: 30, Max: 45},
	TypeSteps:            {Unit: "count", Min: 0, Max: 100000},
	TypeSleepStage:       {kind: kindCategory},
	TypeECGWaveform:      {Unit: "uV", kind: kindWaveform},
	TypeUserEvent:        {kind: kindEvent},
}

// sleepStages lists accepted categorical values for TypeSleepStage.
var sleepStages = []string{"awake", "core", "deep", "rem", "in_bed", "asleep"}

// RuleFor returns the rule for t and whether t is known.
func RuleFor(t Type) (Rule, bool) {
	s, ok := rules[t]
	return s, ok
}

// ParseType validates a stream type name from config or the CLI.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := rules[t]; !ok {
		return "", fmt.Errorf("record: unknown stream type %q", s)
	}

	return t, nil
}

// Types returns all known stream types in sorted order.
func Types() []Type {
	out := make([]Type, 0, len(rules))
	for t := range rules {
		out = append(out, t)
	}

	slices.Sort(out)

	return out
}
