package application

import "time"

// Connection states for the broker link. Transitions are owned by the
// transport adapter; everything else reads them through Health().
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HealthStatus is a snapshot of the broker connection, built from cached
// state only. It never touches the network.
type HealthStatus struct {
	Status     string        `json:"status"` // healthy|unhealthy|reconnecting|failed
	Connected  bool          `json:"connected"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime_ns"`
}

type MQTTStatus struct {
	MessageCount      uint64
	LastTimePublished time.Time
	Connected         bool
}

type MQTTMessage interface {
	Topic() string
	Payload() []byte
}

type MQTTClient interface {
	Connect() error
	Close() error

	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler func(msg MQTTMessage)) error
	Unsubscribe(topic string) error

	IsConnected() bool
	Status() MQTTStatus
	Health() HealthStatus
}
