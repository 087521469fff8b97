package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// fakeMQTT is an in-memory transport for application-level tests: it
// records publishes and subscriptions and can be told to fail the next N
// publish attempts.
type fakeMQTT struct {
	mu            sync.Mutex
	connected     bool
	failConnects  int
	failPublishes int
	published     []fakePublish
	subscriptions map[string]func(msg MQTTMessage)
	msgCount      uint64
}

type fakePublish struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{
		connected:     true,
		subscriptions: make(map[string]func(msg MQTTMessage)),
	}
}

func (f *fakeMQTT) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnects > 0 {
		f.failConnects--
		return fmt.Errorf("broker unavailable")
	}
	f.connected = true
	return nil
}

func (f *fakeMQTT) Close() error { f.mu.Lock(); defer f.mu.Unlock(); f.connected = false; return nil }

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failPublishes > 0 {
		f.failPublishes--
		return fmt.Errorf("broker unavailable")
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.published = append(f.published, fakePublish{topic: topic, qos: qos, payload: cp})
	f.msgCount++
	return nil
}

// Subscribe records the topic even while disconnected, like the transport
// adapter's restore map, and reports the failure to the caller.
func (f *fakeMQTT) Subscribe(topic string, qos byte, handler func(msg MQTTMessage)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[topic] = handler
	if !f.connected {
		return fmt.Errorf("not connected")
	}
	return nil
}

func (f *fakeMQTT) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscriptions, topic)
	return nil
}

func (f *fakeMQTT) IsConnected() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.connected }

func (f *fakeMQTT) Status() MQTTStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return MQTTStatus{MessageCount: f.msgCount, Connected: f.connected}
}

func (f *fakeMQTT) Health() HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := "unhealthy"
	if f.connected {
		status = "healthy"
	}
	return HealthStatus{Status: status, Connected: f.connected}
}

func (f *fakeMQTT) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeMQTT) publishes() []fakePublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakePublish, len(f.published))
	copy(out, f.published)
	return out
}

func (f *fakeMQTT) subscribedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	topics := make([]string, 0, len(f.subscriptions))
	for t := range f.subscriptions {
		topics = append(topics, t)
	}
	return topics
}

// deliver injects an inbound message into the matching wildcard
// subscription handler, mimicking broker delivery.
func (f *fakeMQTT) deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	handlers := make([]func(msg MQTTMessage), 0, 1)
	for pattern, h := range f.subscriptions {
		if topicMatches(pattern, topic) {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(fakeMessage{topic: topic, payload: payload})
	}
	return len(handlers) > 0
}

func topicMatches(pattern, topic string) bool {
	p := splitTopic(pattern)
	t := splitTopic(topic)
	if len(p) != len(t) {
		return false
	}
	for i := range p {
		if p[i] != "+" && p[i] != t[i] {
			return false
		}
	}
	return true
}

func splitTopic(s string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			segs = append(segs, s[start:i])
			start = i + 1
		}
	}
	return segs
}

var _ MQTTClient = &fakeMQTT{}

type MockDeviceRegistry struct {
	mock.Mock
}

func (m *MockDeviceRegistry) ValidateDevice(ctx context.Context, deviceID string) (bool, error) {
	args := m.Called(ctx, deviceID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeviceRegistry) UpdateLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	args := m.Called(ctx, deviceID, at)
	return args.Error(0)
}

var _ DeviceRegistry = &MockDeviceRegistry{}

type MockReadingSink struct {
	mock.Mock
}

func (m *MockReadingSink) SaveReading(ctx context.Context, reading *TelemetryReading) error {
	args := m.Called(ctx, reading)
	return args.Error(0)
}

var _ ReadingSink = &MockReadingSink{}

type MockCommandLog struct {
	mock.Mock
}

func (m *MockCommandLog) SaveCommand(ctx context.Context, cmd *DeviceCommand) error {
	args := m.Called(ctx, cmd)
	return args.Error(0)
}

func (m *MockCommandLog) UpdateAckStatus(ctx context.Context, requestID string, status AckStatus, reason string) error {
	args := m.Called(ctx, requestID, status, reason)
	return args.Error(0)
}

var _ CommandLog = &MockCommandLog{}

type MockThresholdStore struct {
	mock.Mock
}

func (m *MockThresholdStore) SaveThresholds(ctx context.Context, deviceID string, thresholds map[string]ThresholdRange) error {
	args := m.Called(ctx, deviceID, thresholds)
	return args.Error(0)
}

func (m *MockThresholdStore) Thresholds(ctx context.Context, deviceID string) (map[string]ThresholdRange, error) {
	args := m.Called(ctx, deviceID)
	var thresholds map[string]ThresholdRange
	if v := args.Get(0); v != nil {
		thresholds = v.(map[string]ThresholdRange)
	}
	return thresholds, args.Error(1)
}

var _ ThresholdStore = &MockThresholdStore{}

type MockAlertEvaluator struct {
	mock.Mock
}

func (m *MockAlertEvaluator) Evaluate(ctx context.Context, reading *TelemetryReading) error {
	args := m.Called(ctx, reading)
	return args.Error(0)
}

var _ AlertEvaluator = &MockAlertEvaluator{}

type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) SendToDeviceRoom(deviceID, event string, payload any) {
	m.Called(deviceID, event, payload)
}

var _ Broadcaster = &MockBroadcaster{}
