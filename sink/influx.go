// Package sink holds the durable write paths for accepted readings.
package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/INLOpen/relayhub/core"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// DefaultMeasurement is the measurement name readings are written under.
const DefaultMeasurement = "monitoring"

// InfluxConfig holds the InfluxDB v2 connection settings.
type InfluxConfig struct {
	URL         string
	Org         string
	Token       string
	Bucket      string
	Measurement string
}

// pointWriter is satisfied by api.WriteAPIBlocking.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes each reading as one point using the blocking write API.
type InfluxSink struct {
	client      influxdb2.Client
	writer      pointWriter
	measurement string
	logger      *slog.Logger
}

// NewInfluxSink creates a sink writing to cfg.Bucket in cfg.Org.
func NewInfluxSink(cfg InfluxConfig, logger *slog.Logger) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Bucket == "" || cfg.Org == "" {
		return nil, errors.New("influx sink requires url, org and bucket")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := newInfluxSink(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Measurement, logger)
	s.client = client
	s.logger.Info("InfluxDB sink configured", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket, "measurement", s.measurement)
	return s, nil
}

func newInfluxSink(w pointWriter, measurement string, logger *slog.Logger) *InfluxSink {
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &InfluxSink{
		writer:      w,
		measurement: measurement,
		logger:      logger.With("component", "InfluxSink"),
	}
}

// Point converts a reading into an InfluxDB point.
func (s *InfluxSink) Point(r core.Reading) *write.Point {
	return write.NewPoint(s.measurement, r.Tags(), r.Fields(), r.Timestamp)
}

func (s *InfluxSink) Record(ctx context.Context, r core.Reading) error {
	if err := s.writer.WritePoint(ctx, s.Point(r)); err != nil {
		return &core.SinkError{Sink: "influx", Err: err}
	}
	return nil
}

func (s *InfluxSink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
