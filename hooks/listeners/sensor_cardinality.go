package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/relayhub/hooks"
)

// SensorCardinalityListener logs the first reading seen from each sensor id.
// A steadily growing count usually means a misconfigured or spoofing source.
type SensorCardinalityListener struct {
	logger *slog.Logger
	mu     sync.Mutex
	seen   map[string]struct{}
}

// NewSensorCardinalityListener creates a new listener for monitoring sensor ids.
func NewSensorCardinalityListener(logger *slog.Logger) *SensorCardinalityListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SensorCardinalityListener{
		logger: logger.With("component", "SensorCardinalityListener"),
		seen:   make(map[string]struct{}),
	}
}

// OnEvent handles the PostIngestReading event.
func (l *SensorCardinalityListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostIngestReading {
		return nil
	}

	payload, ok := event.Payload().(hooks.PostIngestReadingPayload)
	if !ok {
		l.logger.Error("Received PostIngestReading event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	id := payload.Reading.SensorID
	l.mu.Lock()
	_, known := l.seen[id]
	if !known {
		l.seen[id] = struct{}{}
	}
	total := len(l.seen)
	l.mu.Unlock()

	if !known {
		l.logger.Warn("New sensor observed (cardinality increase)",
			"sensor_id", id,
			"location", payload.Reading.Location,
			"remote_addr", payload.RemoteAddr,
			"known_sensors", total,
		)
	}
	return nil
}

// Count returns the number of distinct sensors seen.
func (l *SensorCardinalityListener) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Priority defines the execution order.
func (l *SensorCardinalityListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *SensorCardinalityListener) IsAsync() bool { return true }
