package application

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Recognized sensor channels. The wire payload uses short field names
// ("do" for dissolved oxygen); readings are stored under the long names.
const (
	ChannelTemperature = "temperature"
	ChannelPH          = "ph"
	ChannelTDS         = "tds"
	ChannelDO          = "do_level"
)

const (
	ReadingStatusGood = "GOOD"
	ReadingStatusBad  = "BAD"
)

// maxClockSkew is how far ahead of receipt time a payload timestamp may
// be before the message is rejected.
const maxClockSkew = time.Hour

var (
	ErrNotObject       = fmt.Errorf("payload is not a JSON object")
	ErrBadTimestamp    = fmt.Errorf("timestamp is not a valid ISO-8601 string")
	ErrFutureTimestamp = fmt.Errorf("timestamp too far in the future")
	ErrNoChannels      = fmt.Errorf("at least one sensor reading must be provided")
)

// ChannelReading is one channel of a telemetry snapshot. Value defaults to
// Raw when the device supplies no calibrated value.
type ChannelReading struct {
	Raw     float64  `json:"raw"`
	Value   float64  `json:"value"`
	Status  string   `json:"status,omitempty"`
	Voltage *float64 `json:"voltage,omitempty"`
}

type TelemetryReading struct {
	DeviceID  string                    `json:"device_id"`
	Timestamp time.Time                 `json:"timestamp"`
	Channels  map[string]ChannelReading `json:"channels"`
}

type channelSpec struct {
	rawKey        string
	calibratedKey string
	statusKey     string
	voltageKey    string
	out           string
}

var channelSpecs = []channelSpec{
	{rawKey: "temperature", calibratedKey: "temperature_calibrated", statusKey: "temp_status", voltageKey: "temp_voltage", out: ChannelTemperature},
	{rawKey: "ph", calibratedKey: "ph_calibrated", statusKey: "ph_status", voltageKey: "ph_voltage", out: ChannelPH},
	{rawKey: "tds", calibratedKey: "tds_calibrated", statusKey: "tds_status", voltageKey: "tds_voltage", out: ChannelTDS},
	{rawKey: "do", calibratedKey: "do_calibrated", statusKey: "do_status", voltageKey: "do_voltage", out: ChannelDO},
}

// ParseTelemetry validates a raw device payload and returns the readings it
// carries, sorted chronologically. A flat object yields one reading; an
// object with a "readings" array yields one per element. Any invalid
// element rejects the whole message.
func ParseTelemetry(deviceID string, payload []byte, receivedAt time.Time) ([]TelemetryReading, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}

	elements := []map[string]any{obj}
	if raw, ok := obj["readings"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: readings is not an array", ErrNotObject)
		}
		elements = elements[:0]
		for _, el := range list {
			m, ok := el.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: readings element is not an object", ErrNotObject)
			}
			elements = append(elements, m)
		}
	}

	readings := make([]TelemetryReading, 0, len(elements))
	for _, el := range elements {
		r, err := parseOne(deviceID, el, receivedAt)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}

	if len(readings) == 0 {
		return nil, ErrNoChannels
	}

	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})
	return readings, nil
}

func parseOne(deviceID string, obj map[string]any, receivedAt time.Time) (TelemetryReading, error) {
	ts, err := parseTimestamp(obj, receivedAt)
	if err != nil {
		return TelemetryReading{}, err
	}

	channels := make(map[string]ChannelReading)
	for _, spec := range channelSpecs {
		raw, ok := numberField(obj, spec.rawKey)
		if !ok {
			continue
		}

		reading := ChannelReading{Raw: raw, Value: raw}
		if calibrated, ok := numberField(obj, spec.calibratedKey); ok {
			reading.Value = calibrated
		}
		if status, ok := obj[spec.statusKey].(string); ok {
			if status == ReadingStatusGood || status == ReadingStatusBad {
				reading.Status = status
			}
		}
		if voltage, ok := numberField(obj, spec.voltageKey); ok {
			reading.Voltage = &voltage
		}
		channels[spec.out] = reading
	}

	if len(channels) == 0 {
		return TelemetryReading{}, ErrNoChannels
	}

	return TelemetryReading{DeviceID: deviceID, Timestamp: ts, Channels: channels}, nil
}

func parseTimestamp(obj map[string]any, receivedAt time.Time) (time.Time, error) {
	raw, ok := obj["timestamp"]
	if !ok {
		return receivedAt, nil
	}

	s, ok := raw.(string)
	if !ok {
		return time.Time{}, ErrBadTimestamp
	}

	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBadTimestamp, err)
	}

	if ts.After(receivedAt.Add(maxClockSkew)) {
		return time.Time{}, ErrFutureTimestamp
	}
	return ts, nil
}

func numberField(obj map[string]any, key string) (float64, bool) {
	v, ok := obj[key].(float64)
	return v, ok
}
