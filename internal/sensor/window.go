package sensor

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/tonimelisma/vitalsync/internal/record"
)

// Deterministic encoding: the same window always produces the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sensor: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("sensor: CBOR decoder initialization failed: " + err.Error())
	}
}

// Waveform is one closed window of samples as carried in the value_text of
// an ecg_waveform record (CBOR, then standard base64).
type Waveform struct {
	StartMillis int64   `cbor:"1,keyasint"`
	SampleRate  int     `cbor:"2,keyasint"`
	Resolution  int     `cbor:"3,keyasint"`
	Range       int     `cbor:"4,keyasint,omitempty"`
	Samples     []int32 `cbor:"5,keyasint"`
}

// EncodeWaveform renders w as value_text.
func EncodeWaveform(w Waveform) (string, error) {
	data, err := encMode.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("sensor: encoding waveform: %w", err)
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeWaveform parses value_text produced by EncodeWaveform.
func DecodeWaveform(text string) (Waveform, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return Waveform{}, fmt.Errorf("sensor: decoding waveform base64: %w", err)
	}

	var w Waveform
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Waveform{}, fmt.Errorf("sensor: decoding waveform: %w", err)
	}

	return w, nil
}

// window accumulates samples for one fixed-duration upload window. Owned
// by a single pump goroutine.
type window struct {
	setting Setting
	start   time.Time
	end     time.Time
	values  []int32
}

func newWindow(s Setting) *window {
	return &window{setting: s}
}

func (w *window) add(s Sample) {
	if len(s.Values) == 0 {
		return
	}

	if len(w.values) == 0 {
		w.start = s.At
	}

	w.values = append(w.values, s.Values...)

	end := s.At
	if w.setting.SampleRate > 0 {
		end = s.At.Add(time.Duration(len(s.Values)) * time.Second / time.Duration(w.setting.SampleRate))
	}

	if end.After(w.end) {
		w.end = end
	}
}

func (w *window) len() int {
	return len(w.values)
}

// take returns the buffered window as a source record along with its
// sample count, and clears the buffer. The count is zero when nothing is
// buffered.
func (w *window) take() (record.SourceRecord, int, error) {
	n := len(w.values)
	if n == 0 {
		return record.SourceRecord{}, 0, nil
	}

	wf := Waveform{
		StartMillis: w.start.UnixMilli(),
		SampleRate:  w.setting.SampleRate,
		Resolution:  w.setting.Resolution,
		Samples:     w.values,
	}

	if w.setting.Range != nil {
		wf.Range = *w.setting.Range
	}

	start, end := w.start, w.end
	w.values = nil
	w.start, w.end = time.Time{}, time.Time{}

	text, err := EncodeWaveform(wf)
	if err != nil {
		return record.SourceRecord{}, n, err
	}

	return record.SourceRecord{
		Type:  record.TypeECGWaveform,
		Start: start,
		End:   end,
		Unit:  "uV",
		Text:  text,
	}, n, nil
}
