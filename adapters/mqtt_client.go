package adapters

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"simonair-gateway/application"
)

const (
	MQTTDefaultConnectTimeout   = 10 * time.Second
	MQTTDefaultPublishTimeout   = 5 * time.Second
	MQTTDefaultSubscribeTimeout = 5 * time.Second
	MQTTDefaultKeepAlive        = 30 * time.Second

	MQTTDefaultReconnectMaxRetries = 3
	MQTTDefaultReconnectBaseDelay  = 5 * time.Second

	disconnectQuiesceMs = 250
)

var (
	ErrMQTTNotConnected     = fmt.Errorf("not connected")
	ErrMQTTConnectTimeout   = fmt.Errorf("connect timeout")
	ErrMQTTPublishTimeout   = fmt.Errorf("publish timeout")
	ErrMQTTSubscribeTimeout = fmt.Errorf("subscribe timeout")
	ErrMQTTClosed           = fmt.Errorf("client closed")
)

type MQTTClientParams struct {
	BrokerURL      string
	ClientIDPrefix string
	Username       string
	Password       string

	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration

	// Reconnect policy: after a transport failure the client waits
	// BaseDelay*attempt and retries, up to MaxRetries attempts. Exhaustion
	// is fatal; the client stays in the failed state until restarted.
	ReconnectMaxRetries int
	ReconnectBaseDelay  time.Duration

	NewClientFunc func(options *mqtt.ClientOptions) mqtt.Client

	Log zerolog.Logger
}

func (m *MQTTClientParams) EnsureDefaults() {
	if m.ClientIDPrefix == "" {
		m.ClientIDPrefix = "simonair-gateway"
	}
	if m.ConnectTimeout == 0 {
		m.ConnectTimeout = MQTTDefaultConnectTimeout
	}
	if m.PublishTimeout == 0 {
		m.PublishTimeout = MQTTDefaultPublishTimeout
	}
	if m.SubscribeTimeout == 0 {
		m.SubscribeTimeout = MQTTDefaultSubscribeTimeout
	}
	if m.ReconnectMaxRetries == 0 {
		m.ReconnectMaxRetries = MQTTDefaultReconnectMaxRetries
	}
	if m.ReconnectBaseDelay == 0 {
		m.ReconnectBaseDelay = MQTTDefaultReconnectBaseDelay
	}
	if m.NewClientFunc == nil {
		m.NewClientFunc = mqtt.NewClient
	}
}

type subscription struct {
	topic   string
	qos     byte
	handler func(msg application.MQTTMessage)
}

// MQTTClient owns the single logical broker connection: an explicit state
// machine with its own backoff reconnect policy (paho auto-reconnect is
// disabled) and subscription re-establishment on reconnect.
type MQTTClient struct {
	params   MQTTClientParams
	clientID string

	client mqtt.Client

	mu             sync.Mutex
	state          application.ConnState
	retryCount     int
	lastErr        error
	connectedAt    time.Time
	reconnectTimer *time.Timer
	closed         bool

	subMu sync.RWMutex
	subs  map[string]subscription

	msgCount      uint64
	lastPublished atomic.Pointer[time.Time]

	log zerolog.Logger
}

func NewMQTTClient(params MQTTClientParams) *MQTTClient {
	params.EnsureDefaults()

	m := &MQTTClient{
		params: params,
		// Process-unique suffix so a restarted gateway never collides with
		// a half-dead session of its predecessor.
		clientID: params.ClientIDPrefix + "-" + uuid.NewString()[:8],
		state:    application.StateDisconnected,
		subs:     make(map[string]subscription),
		log:      params.Log,
	}
	m.client = m.newMqttClient()

	t := time.Unix(0, 0)
	m.lastPublished.Store(&t)

	return m
}

func (m *MQTTClient) ClientID() string {
	return m.clientID
}

// Connect attempts to establish the connection. On failure the reconnect
// policy takes over in the background; the error reports the first attempt
// only.
func (m *MQTTClient) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMQTTClosed
	}
	if m.state == application.StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.state = application.StateConnecting
	m.mu.Unlock()

	if err := m.connectOnce(); err != nil {
		m.handleFailure(err)
		return err
	}
	// Paho fires OnConnect asynchronously; mark the state here as well so
	// IsConnected is true the moment Connect returns.
	m.OnConnect(m.client)
	return nil
}

func (m *MQTTClient) connectOnce() error {
	token := m.client.Connect()
	if !token.WaitTimeout(m.params.ConnectTimeout) {
		return ErrMQTTConnectTimeout
	}
	return token.Error()
}

func (m *MQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == application.StateConnected
}

func (m *MQTTClient) Status() application.MQTTStatus {
	return application.MQTTStatus{
		MessageCount:      atomic.LoadUint64(&m.msgCount),
		LastTimePublished: *m.lastPublished.Load(),
		Connected:         m.IsConnected(),
	}
}

// Health reads cached connection state only; it never blocks on the
// network.
func (m *MQTTClient) Health() application.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := application.HealthStatus{
		Connected:  m.state == application.StateConnected,
		RetryCount: m.retryCount,
	}
	if m.lastErr != nil {
		h.LastError = m.lastErr.Error()
	}

	switch m.state {
	case application.StateConnected:
		h.Status = "healthy"
		h.Uptime = time.Since(m.connectedAt)
	case application.StateReconnecting:
		h.Status = "reconnecting"
	case application.StateFailed:
		h.Status = "failed"
	default:
		h.Status = "unhealthy"
	}
	return h
}

func (m *MQTTClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !m.IsConnected() {
		return ErrMQTTNotConnected
	}

	token := m.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(m.params.PublishTimeout) {
		return ErrMQTTPublishTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}

	t := time.Now()
	m.lastPublished.Store(&t)
	atomic.AddUint64(&m.msgCount, 1)
	return nil
}

// Subscribe registers the handler and subscribes on the broker. The
// registration survives reconnects: tracked topics are re-established every
// time the connection comes back, and are kept even when the immediate
// subscribe attempt fails so a later reconnect repairs them.
func (m *MQTTClient) Subscribe(topic string, qos byte, handler func(msg application.MQTTMessage)) error {
	m.subMu.Lock()
	m.subs[topic] = subscription{topic: topic, qos: qos, handler: handler}
	m.subMu.Unlock()

	if !m.IsConnected() {
		return ErrMQTTNotConnected
	}

	token := m.client.Subscribe(topic, qos, m.wrapHandler(handler))
	if !token.WaitTimeout(m.params.SubscribeTimeout) {
		return ErrMQTTSubscribeTimeout
	}
	return token.Error()
}

func (m *MQTTClient) Unsubscribe(topic string) error {
	m.subMu.Lock()
	delete(m.subs, topic)
	m.subMu.Unlock()

	if !m.IsConnected() {
		return ErrMQTTNotConnected
	}

	token := m.client.Unsubscribe(topic)
	if !token.WaitTimeout(m.params.SubscribeTimeout) {
		return ErrMQTTSubscribeTimeout
	}
	return token.Error()
}

func (m *MQTTClient) SubscriptionCount() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subs)
}

func (m *MQTTClient) Close() error {
	m.mu.Lock()
	m.closed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.state = application.StateDisconnected
	m.mu.Unlock()

	m.client.Disconnect(disconnectQuiesceMs)
	return nil
}

// OnConnect resets the retry budget and restores subscriptions. Runs on
// both the initial connect and every successful reconnect; the transition
// is applied once even though both paho and Connect invoke it.
func (m *MQTTClient) OnConnect(_ mqtt.Client) {
	m.mu.Lock()
	if m.state == application.StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = application.StateConnected
	m.retryCount = 0
	m.lastErr = nil
	m.connectedAt = time.Now()
	m.mu.Unlock()

	m.log.Info().Str("client_id", m.clientID).Msg("connected to broker")
	m.restoreSubscriptions()
}

func (m *MQTTClient) OnConnectionLost(_ mqtt.Client, err error) {
	m.log.Warn().Err(err).Msg("broker connection lost")
	m.handleFailure(err)
}

// handleFailure drives the reconnect state machine. Backoff grows linearly
// with the attempt number (base, 2*base, 3*base); once the budget is spent
// the client parks in the failed state and waits for operator intervention.
func (m *MQTTClient) handleFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastErr = err
	if m.closed {
		m.state = application.StateDisconnected
		return
	}

	if m.retryCount >= m.params.ReconnectMaxRetries {
		m.state = application.StateFailed
		m.log.Error().Err(err).
			Int("retry_count", m.retryCount).
			Msg("reconnect budget exhausted, giving up")
		return
	}

	m.retryCount++
	delay := m.params.ReconnectBaseDelay * time.Duration(m.retryCount)
	m.state = application.StateReconnecting

	m.log.Info().
		Int("attempt", m.retryCount).
		Dur("delay", delay).
		Msg("scheduling reconnect")

	m.reconnectTimer = time.AfterFunc(delay, m.reconnect)
}

func (m *MQTTClient) reconnect() {
	m.mu.Lock()
	if m.closed || m.state == application.StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = application.StateConnecting
	m.mu.Unlock()

	if err := m.connectOnce(); err != nil {
		m.handleFailure(err)
		return
	}
	m.OnConnect(m.client)
}

func (m *MQTTClient) restoreSubscriptions() {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for _, sub := range m.subs {
		token := m.client.Subscribe(sub.topic, sub.qos, m.wrapHandler(sub.handler))
		if !token.WaitTimeout(m.params.SubscribeTimeout) || token.Error() != nil {
			m.log.Error().Err(token.Error()).Str("topic", sub.topic).Msg("failed to restore subscription")
			continue
		}
		m.log.Debug().Str("topic", sub.topic).Msg("subscription restored")
	}
}

// wrapHandler adapts the paho callback and contains handler panics so a bad
// payload cannot take down the read loop.
func (m *MQTTClient) wrapHandler(handler func(msg application.MQTTMessage)) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error().
					Str("topic", msg.Topic()).
					Interface("panic", r).
					Msg("message handler panic recovered")
			}
		}()
		handler(msg)
	}
}

func (m *MQTTClient) newMqttClient() mqtt.Client {
	opts := mqtt.NewClientOptions()

	opts.AddBroker(m.params.BrokerURL)
	opts.SetClientID(m.clientID)
	if m.params.Username != "" {
		opts.SetUsername(m.params.Username)
		opts.SetPassword(m.params.Password)
	}

	opts.SetCleanSession(true)
	opts.SetKeepAlive(MQTTDefaultKeepAlive)
	opts.SetConnectTimeout(m.params.ConnectTimeout)

	// The reconnect policy lives in this adapter, not in paho.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	opts.OnConnect = m.OnConnect
	opts.OnConnectionLost = m.OnConnectionLost

	return m.params.NewClientFunc(opts)
}

var _ application.MQTTClient = &MQTTClient{}
