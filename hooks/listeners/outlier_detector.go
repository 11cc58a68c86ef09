package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/relayhub/core"
	"github.com/INLOpen/relayhub/hooks"
)

// Thresholds defines the min/max acceptable values for a reading field.
type Thresholds struct {
	Min float64
	Max float64
}

// OutlierRule binds thresholds to one reading field. An empty Location applies
// the rule to every location.
type OutlierRule struct {
	FieldName  string
	Location   string
	Thresholds Thresholds
}

// OutlierDetectionListener logs readings whose values fall outside configured thresholds.
// It never rejects a reading.
type OutlierDetectionListener struct {
	logger *slog.Logger
	rules  []OutlierRule
}

// NewOutlierDetectionListener creates a new listener for detecting outliers.
func NewOutlierDetectionListener(logger *slog.Logger, rules []OutlierRule) *OutlierDetectionListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &OutlierDetectionListener{
		logger: logger.With("component", "OutlierDetectionListener"),
		rules:  rules,
	}
}

// OnEvent inspects PreIngestReading events before the reading is recorded.
func (l *OutlierDetectionListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreIngestReading {
		return nil
	}

	payload, ok := event.Payload().(hooks.ReadingPayload)
	if !ok {
		l.logger.Error("Received PreIngestReading event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	r := payload.Reading
	for _, rule := range l.rules {
		if rule.Location != "" && rule.Location != r.Location {
			continue
		}
		value, ok := fieldValue(r, rule.FieldName)
		if !ok {
			continue
		}
		if value < rule.Thresholds.Min || value > rule.Thresholds.Max {
			l.logger.Warn("Outlier detected",
				"sensor_id", r.SensorID,
				"location", r.Location,
				"stage", r.ProcessStage,
				"field", rule.FieldName,
				"value", value,
				"min_threshold", rule.Thresholds.Min,
				"max_threshold", rule.Thresholds.Max,
			)
		}
	}
	return nil
}

func fieldValue(r core.Reading, name string) (float64, bool) {
	switch name {
	case core.FieldTemperature:
		return r.Temperature, true
	case core.FieldHumidity:
		return r.Humidity, true
	}
	return 0, false
}

// Priority defines the execution order.
func (l *OutlierDetectionListener) Priority() int { return 100 }

// IsAsync is ignored for Pre-hooks, which always run synchronously.
func (l *OutlierDetectionListener) IsAsync() bool { return false }
