// Package sensor manages the connection to a continuously streaming wearable
// sensor: discovery, connection, capability negotiation and windowed upload
// of the waveform it produces.
package sensor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tonimelisma/vitalsync/internal/record"
	"github.com/tonimelisma/vitalsync/internal/upload"
)

// Sentinel errors.
var (
	// ErrInvalidState is reported by a sensor asked to start a stream too
	// soon after connecting. It clears on its own.
	ErrInvalidState = errors.New("sensor: device in invalid state")
	ErrNoDevice     = errors.New("sensor: no device found")
	ErrNoSettings   = errors.New("sensor: device offers no settings for stream")
	ErrWrongState   = errors.New("sensor: operation not valid in current state")
	ErrStreamEnded  = errors.New("sensor: stream ended by device")
)

// State is the session state.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// StreamKind names a continuous stream offered by a sensor.
type StreamKind string

// KindECG is the electrocardiogram waveform stream.
const KindECG StreamKind = "ecg"

// Device is a discovered sensor.
type Device struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Services []string `json:"services,omitempty"`
}

// ScanFilter narrows discovery. The zero value matches every device.
type ScanFilter struct {
	Service    string
	NamePrefix string
}

// Matches reports whether d passes the filter.
func (f ScanFilter) Matches(d Device) bool {
	if f.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(d.Name), strings.ToLower(f.NamePrefix)) {
		return false
	}

	if f.Service == "" {
		return true
	}

	for _, s := range d.Services {
		if strings.EqualFold(s, f.Service) {
			return true
		}
	}

	return false
}

// Setting is one supported stream configuration. Range is optional.
type Setting struct {
	SampleRate int  `json:"sample_rate"`
	Resolution int  `json:"resolution"`
	Range      *int `json:"range,omitempty"`
}

// Sample is one frame of waveform readings starting at At, spaced by the
// negotiated sample rate.
type Sample struct {
	At     time.Time
	Values []int32
}

// Transport discovers and connects sensors.
type Transport interface {
	// Scan reports devices matching filter until ctx ends, then closes
	// the channel.
	Scan(ctx context.Context, filter ScanFilter) (<-chan Device, error)
	Connect(ctx context.Context, dev Device) (Link, error)
}

// Link is an open connection to one sensor.
type Link interface {
	Settings(ctx context.Context, kind StreamKind) ([]Setting, error)
	Start(ctx context.Context, kind StreamKind, s Setting) (Subscription, error)
	// Disconnected is closed when the device drops the connection.
	Disconnected() <-chan struct{}
	Close() error
}

// Subscription is an active stream. Samples is closed when the device
// ends the stream or the subscription is closed.
type Subscription interface {
	Samples() <-chan Sample
	Close() error
}

// Uploader delivers wire records. *upload.Uploader satisfies it.
type Uploader interface {
	Upload(ctx context.Context, records []record.WireRecord) upload.Result
}
