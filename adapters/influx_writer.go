package adapters

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"

	"simonair-gateway/application"
)

type InfluxWriterParams struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	Log zerolog.Logger
}

// InfluxWriter is an optional reading sink that mirrors accepted telemetry
// into a time-series bucket, one point per reading.
type InfluxWriter struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	log    zerolog.Logger
}

func NewInfluxWriter(params InfluxWriterParams) (*InfluxWriter, error) {
	if params.URL == "" {
		return nil, fmt.Errorf("influx URL is empty")
	}

	client := influxdb2.NewClient(params.URL, params.Token)
	return &InfluxWriter{
		client: client,
		write:  client.WriteAPIBlocking(params.Org, params.Bucket),
		log:    params.Log,
	}, nil
}

func (w *InfluxWriter) SaveReading(ctx context.Context, reading *application.TelemetryReading) error {
	fields := make(map[string]any, len(reading.Channels)*4)
	for channel, cr := range reading.Channels {
		fields[channel+"_raw"] = cr.Raw
		fields[channel+"_value"] = cr.Value
		if cr.Status != "" {
			fields[channel+"_status"] = cr.Status
		}
		if cr.Voltage != nil {
			fields[channel+"_voltage"] = *cr.Voltage
		}
	}

	point := influxdb2.NewPoint(
		"sensor_reading",
		map[string]string{"device_id": reading.DeviceID},
		fields,
		reading.Timestamp,
	)

	if err := w.write.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write reading point: %w", err)
	}
	return nil
}

func (w *InfluxWriter) Close() {
	w.client.Close()
}

var _ application.ReadingSink = &InfluxWriter{}
