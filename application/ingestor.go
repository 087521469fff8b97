package application

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Broadcast origin tags. The chronologically last reading of a message is
// the device's live state; earlier elements of a batched payload are
// replayed history.
const (
	OriginDevice = "device"
	OriginReplay = "replay"
)

const EventSensorUpdate = "sensor_update"

type TelemetryIngestorParams struct {
	Devices   DeviceRegistry
	Sinks     []ReadingSink
	Alerts    AlertEvaluator
	Broadcast Broadcaster
	Throttle  *ThrottleCache

	Log zerolog.Logger
}

// TelemetryIngestor turns raw inbound payloads into validated readings. The
// payload source is an untrusted embedded device, so every failure is a
// log-and-drop: there is no synchronous caller to report to.
type TelemetryIngestor struct {
	params TelemetryIngestorParams
	log    zerolog.Logger
}

func NewTelemetryIngestor(params TelemetryIngestorParams) (*TelemetryIngestor, error) {
	if params.Devices == nil {
		return nil, errors.New("DeviceRegistry is nil")
	}
	if params.Throttle == nil {
		return nil, errors.New("ThrottleCache is nil")
	}
	return &TelemetryIngestor{params: params, log: params.Log}, nil
}

// Ingest runs the validation pipeline for one inbound message: parse,
// validate, device check, throttle, then hand-off to the persistence,
// alert, and broadcast collaborators.
func (i *TelemetryIngestor) Ingest(ctx context.Context, deviceID string, payload []byte, receivedAt time.Time) {
	log := i.log.With().Str("device_id", deviceID).Logger()

	readings, err := ParseTelemetry(deviceID, payload, receivedAt)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry rejected")
		return
	}

	valid, err := i.params.Devices.ValidateDevice(ctx, deviceID)
	if err != nil {
		log.Error().Err(err).Msg("device validation failed")
		return
	}
	if !valid {
		log.Warn().Msg("telemetry from unknown or inactive device, dropped")
		return
	}

	if !i.params.Throttle.Allow(deviceID, receivedAt) {
		log.Debug().Msg("telemetry throttled")
		return
	}

	if err := i.params.Devices.UpdateLastSeen(ctx, deviceID, receivedAt); err != nil {
		log.Error().Err(err).Msg("failed to update device last seen")
	}

	for idx := range readings {
		reading := &readings[idx]
		origin := OriginReplay
		if idx == len(readings)-1 {
			origin = OriginDevice
		}
		i.handOff(ctx, log, reading, origin)
	}
}

func (i *TelemetryIngestor) handOff(ctx context.Context, log zerolog.Logger, reading *TelemetryReading, origin string) {
	for _, sink := range i.params.Sinks {
		if err := sink.SaveReading(ctx, reading); err != nil {
			log.Error().Err(err).Msg("failed to persist reading")
		}
	}

	if i.params.Alerts != nil {
		if err := i.params.Alerts.Evaluate(ctx, reading); err != nil {
			log.Error().Err(err).Msg("alert evaluation failed")
		}
	}

	if i.params.Broadcast != nil {
		i.params.Broadcast.SendToDeviceRoom(reading.DeviceID, EventSensorUpdate, map[string]any{
			"device_id":    reading.DeviceID,
			"timestamp":    reading.Timestamp,
			"channels":     reading.Channels,
			"origin":       origin,
			"broadcast_at": time.Now().UTC(),
		})
	}

	log.Debug().Time("timestamp", reading.Timestamp).Int("channels", len(reading.Channels)).Str("origin", origin).
		Msg("reading ingested")
}
