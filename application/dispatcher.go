package application

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

const DispatcherDefaultWorkers = 8

// Topic suffixes routed by the dispatcher.
const (
	suffixData         = "/data"
	suffixCalibrateAck = "/calibrate/ack"
	suffixOffsetAck    = "/offset/ack"
	suffixAck          = "/ack"
)

type TelemetryHandler interface {
	Ingest(ctx context.Context, deviceID string, payload []byte, receivedAt time.Time)
}

type AckResolver interface {
	Resolve(deviceID, commandTopic string, payload []byte)
}

type DispatcherParams struct {
	Telemetry TelemetryHandler
	Acks      AckResolver

	// Workers bounds the goroutines processing inbound messages so a burst
	// cannot exhaust the process, while keeping slow devices from blocking
	// each other.
	Workers int

	Log zerolog.Logger
}

func (p *DispatcherParams) EnsureDefaults() {
	if p.Workers == 0 {
		p.Workers = DispatcherDefaultWorkers
	}
}

// Dispatcher routes inbound (topic, payload) pairs by topic suffix. Routing
// runs on a worker pool so the transport's read loop is never blocked by
// parsing, validation, or persistence.
type Dispatcher struct {
	params DispatcherParams

	workers *pool.Pool
	log     zerolog.Logger
}

func NewDispatcher(params DispatcherParams) *Dispatcher {
	params.EnsureDefaults()

	return &Dispatcher{
		params:  params,
		workers: pool.New().WithMaxGoroutines(params.Workers),
		log:     params.Log,
	}
}

// HandleMessage is the transport subscription callback. It copies the
// message and returns immediately; the paho read loop must not wait on
// handlers.
func (d *Dispatcher) HandleMessage(msg MQTTMessage) {
	topic := msg.Topic()
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	receivedAt := time.Now().UTC()

	d.workers.Go(func() {
		d.route(topic, payload, receivedAt)
	})
}

// Close waits for in-flight handlers to drain.
func (d *Dispatcher) Close() {
	d.workers.Wait()
}

func (d *Dispatcher) route(topic string, payload []byte, receivedAt time.Time) {
	segments := strings.Split(topic, "/")
	if len(segments) < 2 || segments[1] == "" {
		d.log.Warn().Str("topic", topic).Msg("topic without device id segment, dropped")
		return
	}
	deviceID := segments[1]

	switch {
	case strings.HasSuffix(topic, suffixData):
		d.params.Telemetry.Ingest(context.Background(), deviceID, payload, receivedAt)
	case strings.HasSuffix(topic, suffixCalibrateAck), strings.HasSuffix(topic, suffixOffsetAck):
		d.params.Acks.Resolve(deviceID, strings.TrimSuffix(topic, suffixAck), payload)
	default:
		d.log.Warn().Str("topic", topic).Msg("unrecognized topic suffix, dropped")
	}
}
