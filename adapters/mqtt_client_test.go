package adapters

import (
	"fmt"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"simonair-gateway/application"
)

func newTestClient(mClient *MockMQTTClient, baseDelay time.Duration) *MQTTClient {
	mClient.On("Disconnect", mock.Anything).Maybe()
	return NewMQTTClient(MQTTClientParams{
		BrokerURL:           "tcp://localhost:1883",
		ClientIDPrefix:      "simonair-test",
		Username:            "admin",
		Password:            "password",
		ReconnectMaxRetries: 3,
		ReconnectBaseDelay:  baseDelay,
		NewClientFunc: func(options *mqtt.ClientOptions) mqtt.Client {
			return mClient
		},
		Log: zerolog.Nop(),
	})
}

func TestMQTTClient_ClientIDHasUniqueSuffix(t *testing.T) {
	mClient := &MockMQTTClient{}

	a := newTestClient(mClient, time.Second)
	b := newTestClient(mClient, time.Second)

	assert.True(t, strings.HasPrefix(a.ClientID(), "simonair-test-"))
	assert.NotEqual(t, a.ClientID(), b.ClientID())
}

func TestMQTTClient_Connect(t *testing.T) {
	mClient := &MockMQTTClient{}
	mClient.On("Connect").Return(okToken()).Once()

	client := newTestClient(mClient, time.Second)

	require.NoError(t, client.Connect())
	assert.True(t, client.IsConnected())

	health := client.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Connected)
	assert.Equal(t, 0, health.RetryCount)
	assert.Empty(t, health.LastError)

	// already connected, no second transport connect
	require.NoError(t, client.Connect())
	mClient.AssertExpectations(t)
}

func TestMQTTClient_ConnectFailureSchedulesReconnect(t *testing.T) {
	mClient := &MockMQTTClient{}
	mClient.On("Connect").Return(errToken(fmt.Errorf("connection refused"))).Once()
	mClient.On("Connect").Return(okToken()).Once()

	client := newTestClient(mClient, 10*time.Millisecond)
	defer client.Close()

	err := client.Connect()
	require.Error(t, err)
	assert.Equal(t, "reconnecting", client.Health().Status)

	require.Eventually(t, client.IsConnected, time.Second, time.Millisecond)

	health := client.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 0, health.RetryCount, "retry counter resets on success")
	mClient.AssertExpectations(t)
}

func TestMQTTClient_ReconnectBudgetExhausted(t *testing.T) {
	mClient := &MockMQTTClient{}
	mClient.On("Connect").Return(errToken(fmt.Errorf("connection refused"))).Times(4)

	client := newTestClient(mClient, time.Millisecond)
	defer client.Close()

	require.Error(t, client.Connect())

	require.Eventually(t, func() bool {
		return client.Health().Status == "failed"
	}, time.Second, time.Millisecond)

	// no further attempts once failed
	time.Sleep(20 * time.Millisecond)
	mClient.AssertNumberOfCalls(t, "Connect", 4)

	health := client.Health()
	assert.False(t, health.Connected)
	assert.Equal(t, 3, health.RetryCount)
	assert.Contains(t, health.LastError, "connection refused")
}

func TestMQTTClient_BackoffDelaysIncrease(t *testing.T) {
	var attempts []time.Time

	mClient := &MockMQTTClient{}
	mClient.On("Connect").Run(func(mock.Arguments) {
		attempts = append(attempts, time.Now())
	}).Return(errToken(fmt.Errorf("connection refused"))).Times(4)

	client := newTestClient(mClient, 20*time.Millisecond)
	defer client.Close()

	require.Error(t, client.Connect())
	require.Eventually(t, func() bool {
		return client.Health().Status == "failed"
	}, 2*time.Second, time.Millisecond)

	require.Len(t, attempts, 4)
	gap1 := attempts[1].Sub(attempts[0]) // base * 1
	gap2 := attempts[2].Sub(attempts[1]) // base * 2
	gap3 := attempts[3].Sub(attempts[2]) // base * 3
	assert.Greater(t, gap2, gap1)
	assert.Greater(t, gap3, gap2)
}

func TestMQTTClient_ConnectionLostTriggersReconnect(t *testing.T) {
	mClient := &MockMQTTClient{}
	mClient.On("Connect").Return(okToken()).Twice()
	mClient.On("Subscribe", "simonair/+/data", byte(1), mock.Anything).Return(okToken()).Twice()

	client := newTestClient(mClient, 20*time.Millisecond)
	defer client.Close()

	require.NoError(t, client.Connect())
	require.NoError(t, client.Subscribe("simonair/+/data", 1, func(msg application.MQTTMessage) {}))

	client.OnConnectionLost(mClient, fmt.Errorf("broken pipe"))
	assert.False(t, client.IsConnected())
	assert.Equal(t, "reconnecting", client.Health().Status)

	// reconnect restores the tracked subscription
	require.Eventually(t, client.IsConnected, time.Second, time.Millisecond)
	mClient.AssertExpectations(t)
}

func TestMQTTClient_PublishNotConnected(t *testing.T) {
	mClient := &MockMQTTClient{}
	client := newTestClient(mClient, time.Second)

	err := client.Publish("simonair/SMNR-1234/calibration", 1, false, []byte(`{}`))
	require.ErrorIs(t, err, ErrMQTTNotConnected)
	assert.Equal(t, uint64(0), client.Status().MessageCount)
}

func TestMQTTClient_Publish(t *testing.T) {
	mClient := &MockMQTTClient{}
	mClient.On("Connect").Return(okToken()).Once()

	client := newTestClient(mClient, time.Second)
	require.NoError(t, client.Connect())

	payload := []byte(`{"ph":{"m":-7.153,"c":22.456}}`)
	mClient.On("Publish", "simonair/SMNR-1234/calibrate", byte(1), false, mock.Anything).Return(okToken()).Once()

	require.NoError(t, client.Publish("simonair/SMNR-1234/calibrate", 1, false, payload))

	status := client.Status()
	assert.Equal(t, uint64(1), status.MessageCount)
	assert.True(t, status.Connected)
	mClient.AssertExpectations(t)
}

func TestMQTTClient_PublishError(t *testing.T) {
	mClient := &MockMQTTClient{}
	mClient.On("Connect").Return(okToken()).Once()
	mClient.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errToken(fmt.Errorf("broker rejected"))).Once()

	client := newTestClient(mClient, time.Second)
	require.NoError(t, client.Connect())

	err := client.Publish("simonair/SMNR-1234/offset", 1, false, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, uint64(0), client.Status().MessageCount)
}

func TestMQTTClient_SubscribeTracksTopics(t *testing.T) {
	mClient := &MockMQTTClient{}
	mClient.On("Connect").Return(okToken()).Once()
	mClient.On("Subscribe", "simonair/+/data", byte(1), mock.Anything).Return(okToken()).Once()
	mClient.On("Unsubscribe", []string{"simonair/+/data"}).Return(okToken()).Once()

	client := newTestClient(mClient, time.Second)
	require.NoError(t, client.Connect())

	require.NoError(t, client.Subscribe("simonair/+/data", 1, func(msg application.MQTTMessage) {}))
	assert.Equal(t, 1, client.SubscriptionCount())

	require.NoError(t, client.Unsubscribe("simonair/+/data"))
	assert.Equal(t, 0, client.SubscriptionCount())
	mClient.AssertExpectations(t)
}

func TestMQTTClient_HandlerPanicRecovered(t *testing.T) {
	mClient := &MockMQTTClient{}
	mClient.On("Connect").Return(okToken()).Once()

	var handler mqtt.MessageHandler
	mClient.On("Subscribe", "simonair/+/data", byte(1), mock.Anything).
		Run(func(args mock.Arguments) {
			handler = args.Get(2).(mqtt.MessageHandler)
		}).Return(okToken()).Once()

	client := newTestClient(mClient, time.Second)
	require.NoError(t, client.Connect())
	require.NoError(t, client.Subscribe("simonair/+/data", 1, func(msg application.MQTTMessage) {
		panic("bad payload")
	}))

	require.NotNil(t, handler)
	assert.NotPanics(t, func() {
		handler(mClient, &stubMessage{topic: "simonair/SMNR-1234/data", payload: []byte(`{}`)})
	})
}

func TestMQTTClient_CloseStopsReconnect(t *testing.T) {
	mClient := &MockMQTTClient{}
	mClient.On("Connect").Return(errToken(fmt.Errorf("connection refused"))).Once()

	client := newTestClient(mClient, time.Hour)
	require.Error(t, client.Connect())

	require.NoError(t, client.Close())
	mClient.AssertCalled(t, "Disconnect", uint(disconnectQuiesceMs))
	assert.Equal(t, "unhealthy", client.Health().Status)

	// the scheduled reconnect never fires after Close
	time.Sleep(10 * time.Millisecond)
	mClient.AssertNumberOfCalls(t, "Connect", 1)
}

type stubMessage struct {
	topic   string
	payload []byte
}

func (m *stubMessage) Duplicate() bool   { return false }
func (m *stubMessage) Qos() byte         { return 1 }
func (m *stubMessage) Retained() bool    { return false }
func (m *stubMessage) Topic() string     { return m.topic }
func (m *stubMessage) MessageID() uint16 { return 0 }
func (m *stubMessage) Payload() []byte   { return m.payload }
func (m *stubMessage) Ack()              {}

var _ mqtt.Message = &stubMessage{}
