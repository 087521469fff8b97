package application

import (
	"context"
	"time"
)

// Collaborator interfaces consumed by the gateway core. Implementations
// live in adapters; tests substitute mocks.

type DeviceRegistry interface {
	// ValidateDevice reports whether the device is registered and active.
	ValidateDevice(ctx context.Context, deviceID string) (bool, error)
	UpdateLastSeen(ctx context.Context, deviceID string, at time.Time) error
}

type ReadingSink interface {
	SaveReading(ctx context.Context, reading *TelemetryReading) error
}

type CommandLog interface {
	SaveCommand(ctx context.Context, cmd *DeviceCommand) error
	UpdateAckStatus(ctx context.Context, requestID string, status AckStatus, reason string) error
}

type ThresholdStore interface {
	SaveThresholds(ctx context.Context, deviceID string, thresholds map[string]ThresholdRange) error
	Thresholds(ctx context.Context, deviceID string) (map[string]ThresholdRange, error)
}

type AlertEvaluator interface {
	Evaluate(ctx context.Context, reading *TelemetryReading) error
}

type Broadcaster interface {
	SendToDeviceRoom(deviceID, event string, payload any)
}
