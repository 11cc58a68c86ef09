package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/relayhub/hooks"
	"github.com/caio/go-tdigest/v4"
)

// Quantiles summarises one field of a sensor's readings.
type Quantiles struct {
	Min float64 `json:"min"`
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

// SensorStats is the running summary for one sensor.
type SensorStats struct {
	SensorID    string    `json:"sensor_id"`
	Location    string    `json:"location"`
	Stage       string    `json:"stage"`
	Count       uint64    `json:"count"`
	LastSeen    time.Time `json:"last_seen"`
	Temperature Quantiles `json:"temperature_celsius"`
	Humidity    Quantiles `json:"humidity_percent"`
}

type fieldDigest struct {
	td       *tdigest.TDigest
	min, max float64
}

func newFieldDigest() (*fieldDigest, error) {
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	return &fieldDigest{td: td}, nil
}

func (d *fieldDigest) add(v float64) error {
	if d.td.Count() == 0 || v < d.min {
		d.min = v
	}
	if d.td.Count() == 0 || v > d.max {
		d.max = v
	}
	return d.td.AddWeighted(v, 1)
}

func (d *fieldDigest) quantiles() Quantiles {
	return Quantiles{
		Min: d.min,
		P50: d.td.Quantile(0.5),
		P90: d.td.Quantile(0.9),
		P99: d.td.Quantile(0.99),
		Max: d.max,
	}
}

type sensorAccumulator struct {
	location, stage string
	lastSeen        time.Time
	temperature     *fieldDigest
	humidity        *fieldDigest
}

// SensorStatsListener keeps per-sensor t-digests of temperature and humidity.
type SensorStatsListener struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	sensors map[string]*sensorAccumulator
}

// NewSensorStatsListener creates an empty stats listener.
func NewSensorStatsListener(logger *slog.Logger) *SensorStatsListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SensorStatsListener{
		logger:  logger.With("component", "SensorStatsListener"),
		sensors: make(map[string]*sensorAccumulator),
	}
}

// OnEvent folds each ingested reading into its sensor's digests.
func (l *SensorStatsListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostIngestReading {
		return nil
	}
	payload, ok := event.Payload().(hooks.PostIngestReadingPayload)
	if !ok {
		l.logger.Error("Received PostIngestReading event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	r := payload.Reading

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.sensors[r.SensorID]
	if !ok {
		temp, err := newFieldDigest()
		if err != nil {
			return err
		}
		hum, err := newFieldDigest()
		if err != nil {
			return err
		}
		acc = &sensorAccumulator{temperature: temp, humidity: hum}
		l.sensors[r.SensorID] = acc
	}
	acc.location = r.Location
	acc.stage = r.ProcessStage
	if r.Timestamp.After(acc.lastSeen) {
		acc.lastSeen = r.Timestamp
	}
	if err := acc.temperature.add(r.Temperature); err != nil {
		return err
	}
	return acc.humidity.add(r.Humidity)
}

// Snapshot returns the current summaries ordered by sensor id.
func (l *SensorStatsListener) Snapshot() []SensorStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]SensorStats, 0, len(l.sensors))
	for id, acc := range l.sensors {
		out = append(out, SensorStats{
			SensorID:    id,
			Location:    acc.location,
			Stage:       acc.stage,
			Count:       acc.temperature.td.Count(),
			LastSeen:    acc.lastSeen,
			Temperature: acc.temperature.quantiles(),
			Humidity:    acc.humidity.quantiles(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out
}

// Priority defines the execution order.
func (l *SensorStatsListener) Priority() int { return 200 }

// IsAsync is false so /stats reflects every reading that has been acknowledged.
func (l *SensorStatsListener) IsAsync() bool { return false }
