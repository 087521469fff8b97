package adapters

import (
	"context"

	"github.com/rs/zerolog"

	"simonair-gateway/application"
)

const eventAlert = "alert"

// ThresholdAlerts compares accepted readings against the device's stored
// good ranges and broadcasts an alert per out-of-range channel.
type ThresholdAlerts struct {
	thresholds application.ThresholdStore
	broadcast  application.Broadcaster
	log        zerolog.Logger
}

func NewThresholdAlerts(thresholds application.ThresholdStore, broadcast application.Broadcaster, log zerolog.Logger) *ThresholdAlerts {
	return &ThresholdAlerts{thresholds: thresholds, broadcast: broadcast, log: log}
}

func (a *ThresholdAlerts) Evaluate(ctx context.Context, reading *application.TelemetryReading) error {
	ranges, err := a.thresholds.Thresholds(ctx, reading.DeviceID)
	if err != nil {
		return err
	}
	if len(ranges) == 0 {
		return nil
	}

	for channel, cr := range reading.Channels {
		rng, ok := ranges[channel]
		if !ok {
			continue
		}
		if cr.Value >= rng.GoodMin && cr.Value <= rng.GoodMax {
			continue
		}

		a.log.Warn().
			Str("device_id", reading.DeviceID).
			Str("channel", channel).
			Float64("value", cr.Value).
			Float64("good_min", rng.GoodMin).
			Float64("good_max", rng.GoodMax).
			Msg("reading outside good range")

		if a.broadcast != nil {
			a.broadcast.SendToDeviceRoom(reading.DeviceID, eventAlert, map[string]any{
				"device_id": reading.DeviceID,
				"channel":   channel,
				"value":     cr.Value,
				"good_min":  rng.GoodMin,
				"good_max":  rng.GoodMax,
				"timestamp": reading.Timestamp,
			})
		}
	}
	return nil
}

var _ application.AlertEvaluator = &ThresholdAlerts{}
