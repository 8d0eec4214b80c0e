package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT bridge protocol. A gateway next to the sensor radio relays
// advertisements, control requests and stream frames over MQTT:
//
//	<prefix>/adverts                    JSON Device, one per advertisement
//	<prefix>/scan                       JSON scan request
//	<prefix>/<id>/connect|disconnect    control
//	<prefix>/<id>/status                JSON {"state": "connected"|"disconnected"}
//	<prefix>/<id>/settings/request      JSON {"kind"}
//	<prefix>/<id>/settings              JSON {"settings": [...], "error"}
//	<prefix>/<id>/stream/start|stop     JSON {"kind", "setting"}
//	<prefix>/<id>/stream/ack            JSON {"ok", "error"}
//	<prefix>/<id>/stream/<kind>         CBOR frame {1: unix ms, 2: []int32}
const (
	DefaultTopicPrefix    = "vitalsync/sensor"
	DefaultRequestTimeout = 10 * time.Second

	qosAtLeastOnce    = 1
	sampleBuffer      = 256
	disconnectQuiesce = 250 // ms

	bridgeInvalidState = "invalid_state"
)

// ErrBridgeTimeout is returned when the bridge does not answer in time.
var ErrBridgeTimeout = errors.New("sensor: mqtt bridge did not respond")

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	RequestTimeout time.Duration
}

// pubsub is the part of mqtt.Client the transport uses.
type pubsub interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// MQTTTransport reaches sensors through an MQTT bridge.
type MQTTTransport struct {
	client  pubsub
	closeFn func()
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// DialMQTT connects to the broker.
func DialMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTTTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}

	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", slog.String("broker", cfg.Broker))
	})

	client := mqtt.NewClient(opts)

	t := newMQTTTransport(client, cfg, logger)
	t.closeFn = func() { client.Disconnect(disconnectQuiesce) }

	if err := waitToken(client.Connect(), t.timeout); err != nil {
		return nil, fmt.Errorf("sensor: connecting to mqtt broker %s: %w", cfg.Broker, err)
	}

	return t, nil
}

func newMQTTTransport(client pubsub, cfg MQTTConfig, logger *slog.Logger) *MQTTTransport {
	if logger == nil {
		logger = slog.Default()
	}

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &MQTTTransport{client: client, prefix: prefix, timeout: timeout, logger: logger}
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() {
	if t.closeFn != nil {
		t.closeFn()
	}
}

func (t *MQTTTransport) topic(parts ...string) string {
	s := t.prefix
	for _, p := range parts {
		s += "/" + p
	}

	return s
}

type scanRequest struct {
	Service    string `json:"service,omitempty"`
	NamePrefix string `json:"name_prefix,omitempty"`
}

// Scan subscribes to advertisements and asks the bridge to scan.
func (t *MQTTTransport) Scan(ctx context.Context, filter ScanFilter) (<-chan Device, error) {
	out := make(chan Device, sampleBuffer)

	var (
		mu     sync.Mutex
		closed bool
	)

	adverts := t.topic("adverts")

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		var d Device
		if err := json.Unmarshal(msg.Payload(), &d); err != nil || d.ID == "" {
			return
		}

		if !filter.Matches(d) {
			return
		}

		mu.Lock()
		defer mu.Unlock()

		if closed {
			return
		}

		select {
		case out <- d:
		default:
		}
	}

	if err := waitToken(t.client.Subscribe(adverts, qosAtLeastOnce, handler), t.timeout); err != nil {
		return nil, fmt.Errorf("sensor: subscribing to adverts: %w", err)
	}

	req, _ := json.Marshal(scanRequest{Service: filter.Service, NamePrefix: filter.NamePrefix})
	if err := waitToken(t.client.Publish(t.topic("scan"), qosAtLeastOnce, false, req), t.timeout); err != nil {
		t.unsubscribe(adverts)
		return nil, fmt.Errorf("sensor: requesting scan: %w", err)
	}

	go func() {
		<-ctx.Done()
		t.unsubscribe(adverts)

		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()

	return out, nil
}

type statusMessage struct {
	State string `json:"state"`
}

// Connect asks the bridge to connect dev and waits for it to report so.
func (t *MQTTTransport) Connect(ctx context.Context, dev Device) (Link, error) {
	l := &mqttLink{t: t, id: dev.ID, gone: make(chan struct{})}
	ready := make(chan struct{})

	var readyOnce sync.Once

	status := t.topic(dev.ID, "status")

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		var s statusMessage
		if json.Unmarshal(msg.Payload(), &s) != nil {
			return
		}

		switch s.State {
		case "connected":
			readyOnce.Do(func() { close(ready) })
		case "disconnected":
			l.markGone()
		}
	}

	if err := waitToken(t.client.Subscribe(status, qosAtLeastOnce, handler), t.timeout); err != nil {
		return nil, fmt.Errorf("sensor: subscribing to %s: %w", status, err)
	}

	if err := t.publish(t.topic(dev.ID, "connect"), struct{}{}); err != nil {
		t.unsubscribe(status)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	select {
	case <-ready:
		return l, nil
	case <-l.gone:
		t.unsubscribe(status)
		return nil, fmt.Errorf("sensor: %s refused connection", dev.ID)
	case <-ctx.Done():
		t.unsubscribe(status)
		return nil, fmt.Errorf("%w: connect %s: %w", ErrBridgeTimeout, dev.ID, ctx.Err())
	}
}

func (t *MQTTTransport) publish(topic string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sensor: encoding %s: %w", topic, err)
	}

	if err := waitToken(t.client.Publish(topic, qosAtLeastOnce, false, body), t.timeout); err != nil {
		return fmt.Errorf("sensor: publishing %s: %w", topic, err)
	}

	return nil
}

// request publishes v to reqTopic and decodes the first message on
// respTopic into out.
func (t *MQTTTransport) request(ctx context.Context, reqTopic, respTopic string, v, out any) error {
	resp := make(chan []byte, 1)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case resp <- msg.Payload():
		default:
		}
	}

	if err := waitToken(t.client.Subscribe(respTopic, qosAtLeastOnce, handler), t.timeout); err != nil {
		return fmt.Errorf("sensor: subscribing to %s: %w", respTopic, err)
	}
	defer t.unsubscribe(respTopic)

	if err := t.publish(reqTopic, v); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	select {
	case body := <-resp:
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("sensor: decoding %s: %w", respTopic, err)
		}

		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrBridgeTimeout, reqTopic, ctx.Err())
	}
}

func (t *MQTTTransport) unsubscribe(topic string) {
	if err := waitToken(t.client.Unsubscribe(topic), t.timeout); err != nil {
		t.logger.Debug("mqtt unsubscribe failed", slog.String("topic", topic), slog.String("error", err.Error()))
	}
}

func waitToken(tok mqtt.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return ErrBridgeTimeout
	}

	return tok.Error()
}

// bridgeError maps a bridge error code to an error.
func bridgeError(code string) error {
	switch code {
	case "":
		return nil
	case bridgeInvalidState:
		return ErrInvalidState
	default:
		return fmt.Errorf("sensor: bridge error %q", code)
	}
}

type mqttLink struct {
	t        *MQTTTransport
	id       string
	gone     chan struct{}
	goneOnce sync.Once
}

func (l *mqttLink) markGone() {
	l.goneOnce.Do(func() { close(l.gone) })
}

func (l *mqttLink) Disconnected() <-chan struct{} {
	return l.gone
}

type settingsRequest struct {
	Kind StreamKind `json:"kind"`
}

type settingsResponse struct {
	Settings []Setting `json:"settings"`
	Error    string    `json:"error,omitempty"`
}

func (l *mqttLink) Settings(ctx context.Context, kind StreamKind) ([]Setting, error) {
	var resp settingsResponse

	err := l.t.request(ctx,
		l.t.topic(l.id, "settings", "request"), l.t.topic(l.id, "settings"),
		settingsRequest{Kind: kind}, &resp)
	if err != nil {
		return nil, err
	}

	if err := bridgeError(resp.Error); err != nil {
		return nil, err
	}

	return resp.Settings, nil
}

type streamRequest struct {
	Kind    StreamKind `json:"kind"`
	Setting *Setting   `json:"setting,omitempty"`
}

type streamAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// frame is one CBOR stream message from the bridge.
type frame struct {
	AtMillis int64   `cbor:"1,keyasint"`
	Values   []int32 `cbor:"2,keyasint"`
}

func (l *mqttLink) Start(ctx context.Context, kind StreamKind, s Setting) (Subscription, error) {
	sub := &mqttSubscription{
		link:    l,
		kind:    kind,
		topic:   l.t.topic(l.id, "stream", string(kind)),
		samples: make(chan Sample, sampleBuffer),
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		var f frame
		if err := decMode.Unmarshal(msg.Payload(), &f); err != nil {
			l.t.logger.Debug("dropping malformed stream frame", slog.String("error", err.Error()))
			return
		}

		sub.deliver(Sample{At: time.UnixMilli(f.AtMillis).UTC(), Values: f.Values})
	}

	if err := waitToken(l.t.client.Subscribe(sub.topic, qosAtLeastOnce, handler), l.t.timeout); err != nil {
		return nil, fmt.Errorf("sensor: subscribing to %s: %w", sub.topic, err)
	}

	var ack streamAck

	err := l.t.request(ctx,
		l.t.topic(l.id, "stream", "start"), l.t.topic(l.id, "stream", "ack"),
		streamRequest{Kind: kind, Setting: &s}, &ack)
	if err == nil && !ack.OK {
		err = bridgeError(ack.Error)
		if err == nil {
			err = errors.New("sensor: bridge rejected stream start")
		}
	}

	if err != nil {
		l.t.unsubscribe(sub.topic)
		return nil, err
	}

	return sub, nil
}

func (l *mqttLink) Close() error {
	err := l.t.publish(l.t.topic(l.id, "disconnect"), struct{}{})
	l.t.unsubscribe(l.t.topic(l.id, "status"))
	l.markGone()

	return err
}

type mqttSubscription struct {
	link    *mqttLink
	kind    StreamKind
	topic   string
	samples chan Sample

	mu      sync.Mutex
	closed  bool
	dropped int
}

func (s *mqttSubscription) deliver(smp Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.samples <- smp:
	default:
		s.dropped++
	}
}

func (s *mqttSubscription) Samples() <-chan Sample {
	return s.samples
}

func (s *mqttSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	close(s.samples)
	dropped := s.dropped
	s.mu.Unlock()

	if dropped > 0 {
		s.link.t.logger.Warn("stream frames dropped, consumer behind", slog.Int("frames", dropped))
	}

	s.link.t.unsubscribe(s.topic)

	return s.link.t.publish(s.link.t.topic(s.link.id, "stream", "stop"), streamRequest{Kind: s.kind})
}
