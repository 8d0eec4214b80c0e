package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/vitalsync/internal/record"
	"github.com/tonimelisma/vitalsync/internal/upload"
)

// Defaults applied by NewManager for zero Config fields.
const (
	DefaultNarrowScanTimeout      = 5 * time.Second
	DefaultScanTimeout            = 30 * time.Second
	DefaultWindow                 = 10 * time.Second
	DefaultInvalidStateRetryDelay = 500 * time.Millisecond
	DefaultReconnectBackoff       = 2 * time.Second
	DefaultMaxReconnectBackoff    = 2 * time.Minute

	eventBuffer = 64
)

// Config tunes discovery and streaming.
type Config struct {
	Service                string
	DeviceName             string
	Kind                   StreamKind
	NarrowScanTimeout      time.Duration
	ScanTimeout            time.Duration
	Window                 time.Duration
	InvalidStateRetryDelay time.Duration
	ReconnectBackoff       time.Duration
	MaxReconnectBackoff    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = KindECG
	}

	if c.NarrowScanTimeout <= 0 {
		c.NarrowScanTimeout = DefaultNarrowScanTimeout
	}

	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}

	if c.Window <= 0 {
		c.Window = DefaultWindow
	}

	if c.InvalidStateRetryDelay <= 0 {
		c.InvalidStateRetryDelay = DefaultInvalidStateRetryDelay
	}

	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}

	if c.MaxReconnectBackoff < c.ReconnectBackoff {
		c.MaxReconnectBackoff = max(DefaultMaxReconnectBackoff, c.ReconnectBackoff)
	}

	return c
}

// EventKind classifies a session Event.
type EventKind int

const (
	// EventState reports a state transition.
	EventState EventKind = iota
	// EventStopped reports streaming that ended without a Stop call.
	EventStopped
	// EventUploaded reports a finished window upload.
	EventUploaded
)

// Event is a session notification. Err is set for EventStopped and for
// failed uploads.
type Event struct {
	Kind    EventKind
	State   State
	Device  Device
	Samples int
	Result  upload.Result
	Err     error
}

// Manager is the session state machine for one sensor:
//
//	idle → scanning → connecting → connected ⇄ streaming
//
// and back to idle on disconnect from any state. All methods are safe for
// concurrent use.
type Manager struct {
	transport Transport
	uploader  Uploader
	gate      *upload.Gate
	mapper    record.Mapper
	cfg       Config
	logger    *slog.Logger
	events    chan Event

	mu     sync.Mutex
	state  State
	device Device
	link   Link
	gone   chan struct{}
	stream *activeStream

	uploads   sync.WaitGroup
	sleepFunc func(ctx context.Context, d time.Duration) error
}

type activeStream struct {
	sub    Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager in the idle state. gate serializes the
// manager's uploads; pass a gate shared with no other producer.
func NewManager(
	transport Transport, uploader Uploader, gate *upload.Gate, mapper record.Mapper, cfg Config, logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	if gate == nil {
		gate = upload.NewGate()
	}

	return &Manager{
		transport: transport,
		uploader:  uploader,
		gate:      gate,
		mapper:    mapper,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		events:    make(chan Event, eventBuffer),
		sleepFunc: timeSleep,
	}
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Events delivers session notifications. Events are dropped when the
// consumer falls behind.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Wait blocks until every window handed to the uploader has finished.
func (m *Manager) Wait() {
	m.uploads.Wait()
}

// Connect discovers and connects a sensor, then negotiates and starts the
// configured stream. A negotiation failure leaves the session connected
// and is reported as an EventStopped; it is not returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		st := m.state
		m.mu.Unlock()

		return fmt.Errorf("%w: connect while %s", ErrWrongState, st)
	}

	m.setStateLocked(StateScanning)
	m.mu.Unlock()

	dev, err := m.scan(ctx)
	if err != nil {
		m.resetIdle()
		return err
	}

	m.mu.Lock()
	m.device = dev
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.logger.Info("connecting to sensor", slog.String("device", dev.ID), slog.String("name", dev.Name))

	link, err := m.transport.Connect(ctx, dev)
	if err != nil {
		m.resetIdle()
		return fmt.Errorf("sensor: connecting to %s: %w", dev.ID, err)
	}

	gone := make(chan struct{})

	m.mu.Lock()
	m.link = link
	m.gone = gone
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	go m.watchLink(link, gone)

	if err := m.Start(ctx); err != nil && !errors.Is(err, ErrWrongState) {
		m.emit(Event{Kind: EventStopped, State: m.State(), Device: dev, Err: err})
	}

	return nil
}

// Start negotiates stream settings and begins streaming. The session must
// be connected.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateConnected {
		st := m.state
		m.mu.Unlock()

		return fmt.Errorf("%w: start while %s", ErrWrongState, st)
	}

	link := m.link
	m.mu.Unlock()

	sub, setting, err := m.negotiate(ctx, link)
	if err != nil {
		m.logger.Warn("stream negotiation failed", slog.String("error", err.Error()))
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &activeStream{sub: sub, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.state != StateConnected || m.link != link {
		// Disconnected while negotiating.
		m.mu.Unlock()
		cancel()
		sub.Close()

		return fmt.Errorf("%w: link lost during negotiation", ErrWrongState)
	}

	m.stream = st
	m.setStateLocked(StateStreaming)
	m.mu.Unlock()

	m.logger.Info("streaming started",
		slog.String("kind", string(m.cfg.Kind)),
		slog.Int("sample_rate", setting.SampleRate),
		slog.Int("resolution", setting.Resolution),
	)

	go m.pump(pumpCtx, st, setting)

	return nil
}

// Stop ends streaming and returns to connected without disconnecting.
// Buffered samples are flushed.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state != StateStreaming {
		st := m.state
		m.mu.Unlock()

		return fmt.Errorf("%w: stop while %s", ErrWrongState, st)
	}

	st := m.stream
	m.stream = nil
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.endStream(st)

	return nil
}

// Disconnect tears the session down from any state and returns to idle.
func (m *Manager) Disconnect() error {
	return m.teardown(nil)
}

// Run keeps a session alive until ctx is canceled, reconnecting with
// backoff whenever the sensor is lost.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.cfg.ReconnectBackoff

	for {
		err := m.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			m.logger.Warn("sensor connect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			if m.sleepFunc(ctx, backoff) != nil {
				return nil
			}

			backoff = min(backoff*2, m.cfg.MaxReconnectBackoff)

			continue
		}

		backoff = m.cfg.ReconnectBackoff

		m.mu.Lock()
		gone := m.gone
		m.mu.Unlock()

		if gone == nil {
			continue
		}

		select {
		case <-ctx.Done():
			if err := m.Disconnect(); err != nil {
				m.logger.Warn("sensor disconnect failed", slog.String("error", err.Error()))
			}

			m.Wait()

			return nil
		case <-gone:
		}
	}
}

func (m *Manager) scan(ctx context.Context) (Device, error) {
	narrow := ScanFilter{Service: m.cfg.Service, NamePrefix: m.cfg.DeviceName}

	narrowCtx, cancel := context.WithTimeout(ctx, m.cfg.NarrowScanTimeout)
	dev, err := m.firstDevice(narrowCtx, narrow, nil)
	cancel()

	if err == nil {
		return dev, nil
	}

	if ctx.Err() != nil {
		return Device{}, ctx.Err()
	}

	m.logger.Info("no sensor matched narrow scan, broadening",
		slog.Duration("after", m.cfg.NarrowScanTimeout),
	)

	wideCtx, cancel := context.WithTimeout(ctx, m.cfg.ScanTimeout)
	defer cancel()

	return m.firstDevice(wideCtx, ScanFilter{}, m.acceptBroad)
}

// acceptBroad picks devices from an unfiltered scan: any device when no
// name is configured, otherwise one whose name contains it.
func (m *Manager) acceptBroad(d Device) bool {
	if m.cfg.DeviceName == "" {
		return true
	}

	return strings.Contains(strings.ToLower(d.Name), strings.ToLower(m.cfg.DeviceName))
}

func (m *Manager) firstDevice(ctx context.Context, filter ScanFilter, accept func(Device) bool) (Device, error) {
	found, err := m.transport.Scan(ctx, filter)
	if err != nil {
		return Device{}, fmt.Errorf("sensor: starting scan: %w", err)
	}

	for {
		select {
		case d, ok := <-found:
			if !ok {
				return Device{}, ErrNoDevice
			}

			if accept == nil || accept(d) {
				return d, nil
			}
		case <-ctx.Done():
			return Device{}, fmt.Errorf("%w: %w", ErrNoDevice, ctx.Err())
		}
	}
}

// negotiate tries each supported setting in order until one starts.
func (m *Manager) negotiate(ctx context.Context, link Link) (Subscription, Setting, error) {
	settings, err := link.Settings(ctx, m.cfg.Kind)
	if errors.Is(err, ErrInvalidState) {
		if err = m.sleepFunc(ctx, m.cfg.InvalidStateRetryDelay); err == nil {
			settings, err = link.Settings(ctx, m.cfg.Kind)
		}
	}

	if err != nil {
		return nil, Setting{}, fmt.Errorf("sensor: querying %s settings: %w", m.cfg.Kind, err)
	}

	if len(settings) == 0 {
		return nil, Setting{}, fmt.Errorf("%w: %s", ErrNoSettings, m.cfg.Kind)
	}

	var lastErr error

	for i, s := range settings {
		sub, err := m.startWithRetry(ctx, link, s)
		if err == nil {
			return sub, s, nil
		}

		if ctx.Err() != nil {
			return nil, Setting{}, ctx.Err()
		}

		m.logger.Debug("stream setting rejected",
			slog.Int("candidate", i),
			slog.Int("sample_rate", s.SampleRate),
			slog.Int("resolution", s.Resolution),
			slog.String("error", err.Error()),
		)

		lastErr = err
	}

	return nil, Setting{}, fmt.Errorf("sensor: none of %d %s settings started: %w", len(settings), m.cfg.Kind, lastErr)
}

// startWithRetry starts s, retrying once after a fixed delay when the
// device reports the transient invalid-state error.
func (m *Manager) startWithRetry(ctx context.Context, link Link, s Setting) (Subscription, error) {
	sub, err := link.Start(ctx, m.cfg.Kind, s)
	if !errors.Is(err, ErrInvalidState) {
		return sub, err
	}

	m.logger.Info("sensor not ready, retrying stream start",
		slog.Duration("delay", m.cfg.InvalidStateRetryDelay),
	)

	if err := m.sleepFunc(ctx, m.cfg.InvalidStateRetryDelay); err != nil {
		return nil, err
	}

	return link.Start(ctx, m.cfg.Kind, s)
}

// pump buffers samples and flushes a window every cfg.Window.
func (m *Manager) pump(ctx context.Context, st *activeStream, setting Setting) {
	defer close(st.done)

	buf := newWindow(setting)
	ticker := time.NewTicker(m.cfg.Window)

	defer func() {
		ticker.Stop()
		m.flush(ctx, buf)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case s, ok := <-st.sub.Samples():
			if !ok {
				m.streamEnded(st)
				return
			}

			buf.add(s)

		case <-ticker.C:
			m.flush(ctx, buf)
		}
	}
}

// streamEnded handles the device closing the stream on its own.
func (m *Manager) streamEnded(st *activeStream) {
	m.mu.Lock()
	if m.stream != st {
		m.mu.Unlock()
		return
	}

	m.stream = nil
	m.setStateLocked(StateConnected)
	dev := m.device
	m.mu.Unlock()

	m.logger.Warn("sensor ended the stream")
	m.emit(Event{Kind: EventStopped, State: StateConnected, Device: dev, Err: ErrStreamEnded})
}

// flush hands the buffered window to the uploader. Uploads run in the
// background, serialized by the gate, so sampling never stalls.
func (m *Manager) flush(ctx context.Context, buf *window) {
	if buf.len() == 0 {
		return
	}

	src, n, err := buf.take()
	if err != nil {
		m.logger.Error("dropping waveform window", slog.Int("samples", n), slog.String("error", err.Error()))
		return
	}

	wire, ok := m.mapper.Map(src)
	if !ok {
		m.logger.Warn("waveform window failed validation", slog.Int("samples", n))
		return
	}

	m.uploads.Add(1)

	go func() {
		defer m.uploads.Done()

		uctx := context.WithoutCancel(ctx)

		if err := m.gate.Acquire(uctx); err != nil {
			return
		}
		defer m.gate.Release()

		res := m.uploader.Upload(uctx, []record.WireRecord{wire})

		ev := Event{Kind: EventUploaded, State: m.State(), Samples: n, Result: res}
		if !res.OK() {
			ev.Err = fmt.Errorf("sensor: waveform window of %d samples not delivered", n)
		}

		m.logger.Info("waveform window uploaded",
			slog.Int("samples", n),
			slog.Bool("ok", res.OK()),
		)

		m.emit(ev)
	}()
}

func (m *Manager) watchLink(link Link, gone chan struct{}) {
	select {
	case <-link.Disconnected():
		m.logger.Warn("sensor disconnected")

		if err := m.teardown(link); err != nil {
			m.logger.Debug("teardown after disconnect", slog.String("error", err.Error()))
		}
	case <-gone:
	}
}

// teardown returns to idle. With a non-nil expect it only acts if expect
// is still the current link.
func (m *Manager) teardown(expect Link) error {
	m.mu.Lock()
	if expect != nil && m.link != expect {
		m.mu.Unlock()
		return nil
	}

	link, st, gone := m.link, m.stream, m.gone
	m.link, m.stream, m.gone = nil, nil, nil
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	if st != nil {
		m.endStream(st)
	}

	if gone != nil {
		close(gone)
	}

	if link == nil {
		return nil
	}

	if err := link.Close(); err != nil {
		return fmt.Errorf("sensor: closing link: %w", err)
	}

	return nil
}

func (m *Manager) endStream(st *activeStream) {
	if err := st.sub.Close(); err != nil {
		m.logger.Debug("closing subscription", slog.String("error", err.Error()))
	}

	st.cancel()
	<-st.done
}

func (m *Manager) resetIdle() {
	m.mu.Lock()
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}

	m.logger.Debug("sensor state", slog.String("from", m.state.String()), slog.String("to", s.String()))
	m.state = s
	m.emit(Event{Kind: EventState, State: s, Device: m.device})
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Debug("sensor event dropped, consumer behind")
	}
}

func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
