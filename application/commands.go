package application

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultTopicPrefix = "simonair/"

// Command types recorded in the command log.
const (
	CommandTypeCalibration = "calibration"
	CommandTypeThresholds  = "thresholds"
)

// Sensor types accepted by calibration commands.
var calibrationSensorTypes = map[string]struct{}{
	"ph":  {},
	"tds": {},
	"do":  {},
}

var (
	ErrUnknownSensorType  = fmt.Errorf("unknown sensor type")
	ErrInvalidThresholds  = fmt.Errorf("invalid threshold request")
	ErrNoThresholdsMapped = fmt.Errorf("threshold request contains no min/max pairs")
)

// CalibrationParams are the device-specific calibration coefficients for
// one sensor, e.g. {"m": -7.153, "c": 22.456}.
type CalibrationParams map[string]float64

type ThresholdRange struct {
	GoodMin float64 `json:"good_min"`
	GoodMax float64 `json:"good_max"`
}

// DeviceCommand is one outbound command row in the command log. Ack status
// starts pending and is finalized by the correlator.
type DeviceCommand struct {
	RequestID   string
	DeviceID    string
	CommandType string
	Payload     []byte
	AckStatus   AckStatus
	Reason      string
	CreatedAt   time.Time
}

// MapThresholds converts flat request fields ({channel}_min / {channel}_max)
// into the per-channel good ranges the device understands. Every min must
// have a matching max.
func MapThresholds(req map[string]float64) (map[string]ThresholdRange, error) {
	mapped := make(map[string]ThresholdRange)

	for key := range req {
		var channel string
		switch {
		case strings.HasSuffix(key, "_min"):
			channel = strings.TrimSuffix(key, "_min")
		case strings.HasSuffix(key, "_max"):
			channel = strings.TrimSuffix(key, "_max")
		default:
			return nil, fmt.Errorf("%w: unexpected field %q", ErrInvalidThresholds, key)
		}

		if _, done := mapped[channel]; done {
			continue
		}
		min, okMin := req[channel+"_min"]
		max, okMax := req[channel+"_max"]
		if !okMin || !okMax {
			return nil, fmt.Errorf("%w: channel %q needs both min and max", ErrInvalidThresholds, channel)
		}
		mapped[channel] = ThresholdRange{GoodMin: min, GoodMax: max}
	}

	if len(mapped) == 0 {
		return nil, ErrNoThresholdsMapped
	}
	return mapped, nil
}

type CommandServiceParams struct {
	Publisher  *Publisher
	Correlator *AckCorrelator
	Commands   CommandLog
	Thresholds ThresholdStore

	TopicPrefix string

	Log zerolog.Logger
}

func (p *CommandServiceParams) EnsureDefaults() {
	if p.TopicPrefix == "" {
		p.TopicPrefix = DefaultTopicPrefix
	}
}

// CommandService builds and sends calibration and threshold commands,
// persisting each with a pending ack status before publishing so a command
// that never reaches the device is still inspectable later.
type CommandService struct {
	params CommandServiceParams
	log    zerolog.Logger
}

func NewCommandService(params CommandServiceParams) (*CommandService, error) {
	if params.Publisher == nil {
		return nil, fmt.Errorf("Publisher is nil")
	}
	if params.Correlator == nil {
		return nil, fmt.Errorf("AckCorrelator is nil")
	}
	params.EnsureDefaults()

	return &CommandService{params: params, log: params.Log}, nil
}

// SendCalibration publishes calibration coefficients for one sensor and
// waits for the device acknowledgment.
func (s *CommandService) SendCalibration(ctx context.Context, deviceID, sensorType string, params CalibrationParams) (AckOutcome, error) {
	if _, ok := calibrationSensorTypes[sensorType]; !ok {
		return AckOutcome{}, fmt.Errorf("%w: %q", ErrUnknownSensorType, sensorType)
	}

	payload, err := json.Marshal(map[string]CalibrationParams{sensorType: params})
	if err != nil {
		return AckOutcome{}, err
	}

	requestID, err := s.saveCommand(ctx, deviceID, CommandTypeCalibration, payload)
	if err != nil {
		return AckOutcome{}, err
	}

	outcome := s.params.Correlator.PublishAndAwaitAck(ctx, AckRequest{
		DeviceID:     deviceID,
		CommandTopic: s.topic(deviceID, "calibrate"),
		Payload:      payload,
		RequestID:    requestID,
	})
	return outcome, nil
}

// SendCalibrationData pushes a full set of stored calibration entries to a
// device, fire-and-forget with retry. Used when a device reconnects and
// needs its calibration restored.
func (s *CommandService) SendCalibrationData(ctx context.Context, deviceID string, data map[string]CalibrationParams) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.params.Publisher.PublishWithRetryWait(ctx, s.topic(deviceID, "calibration"), payload, 1)
}

// SendThresholds maps the flat min/max request to good ranges, publishes it
// on the offset topic, and waits for the acknowledgment. On success the
// mapped ranges are persisted and mirrored to the thresholds topic.
func (s *CommandService) SendThresholds(ctx context.Context, deviceID string, req map[string]float64) (AckOutcome, error) {
	mapped, err := MapThresholds(req)
	if err != nil {
		return AckOutcome{}, err
	}

	payload, err := json.Marshal(mapped)
	if err != nil {
		return AckOutcome{}, err
	}

	requestID, err := s.saveCommand(ctx, deviceID, CommandTypeThresholds, payload)
	if err != nil {
		return AckOutcome{}, err
	}

	outcome := s.params.Correlator.PublishAndAwaitAck(ctx, AckRequest{
		DeviceID:     deviceID,
		CommandTopic: s.topic(deviceID, "offset"),
		Payload:      payload,
		RequestID:    requestID,
	})

	if outcome.Status == AckSuccess {
		if s.params.Thresholds != nil {
			if err := s.params.Thresholds.SaveThresholds(ctx, deviceID, mapped); err != nil {
				s.log.Error().Err(err).Str("device_id", deviceID).Msg("failed to persist thresholds")
			}
		}
		if err := s.params.Publisher.PublishWithRetryWait(ctx, s.topic(deviceID, "thresholds"), payload, 1); err != nil {
			s.log.Warn().Err(err).Str("device_id", deviceID).Msg("failed to mirror thresholds")
		}
	}
	return outcome, nil
}

func (s *CommandService) saveCommand(ctx context.Context, deviceID, commandType string, payload []byte) (string, error) {
	if s.params.Commands == nil {
		return "", nil
	}

	cmd := &DeviceCommand{
		RequestID:   uuid.NewString(),
		DeviceID:    deviceID,
		CommandType: commandType,
		Payload:     payload,
		AckStatus:   AckPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.params.Commands.SaveCommand(ctx, cmd); err != nil {
		return "", fmt.Errorf("failed to persist command: %w", err)
	}
	return cmd.RequestID, nil
}

func (s *CommandService) topic(deviceID, suffix string) string {
	return s.params.TopicPrefix + deviceID + "/" + suffix
}
