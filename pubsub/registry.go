package pubsub

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/INLOpen/relayhub/core"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultQueueSize is the outbound queue capacity used for a new subscriber
// when none is configured.
const DefaultQueueSize = 100

// Filter defines which readings a subscriber receives.
// Empty fields match everything; a trailing '*' matches by prefix.
type Filter struct {
	SensorID string
	Location string
	Stage    string
}

// Matches checks if a reading satisfies every non-empty criterion of the filter.
func (f Filter) Matches(r core.Reading) bool {
	return matchValue(f.SensorID, r.SensorID) &&
		matchValue(f.Location, r.Location) &&
		matchValue(f.Stage, r.ProcessStage)
}

func matchValue(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == value
}

type subscriber struct {
	id       string
	outbound chan<- []byte
	filter   Filter
}

// BroadcastResult reports how a single broadcast was distributed.
type BroadcastResult struct {
	Delivered int
	Dropped   int
}

// Registry is the single owner of the live subscriber set.
// Outbound queues handed to Register are closed by the Registry when the
// subscriber is removed; callers must not close them.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	logger      *slog.Logger
	metrics     *Metrics
}

// NewRegistry creates an empty registry. A nil registerer disables metrics.
func NewRegistry(logger *slog.Logger, reg prometheus.Registerer) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "Registry"),
		metrics:     newMetrics(reg),
	}
}

// Register stores outbound as a new subscriber receiving every reading and returns its id.
func (r *Registry) Register(outbound chan<- []byte) string {
	return r.RegisterFiltered(outbound, Filter{})
}

// RegisterFiltered stores outbound as a new subscriber receiving readings that match filter.
func (r *Registry) RegisterFiltered(outbound chan<- []byte, filter Filter) string {
	sub := &subscriber{
		id:       uuid.NewString(),
		outbound: outbound,
		filter:   filter,
	}

	r.mu.Lock()
	r.subscribers[sub.id] = sub
	count := len(r.subscribers)
	r.mu.Unlock()

	r.metrics.setSubscribers(count)
	r.logger.Debug("Subscriber registered", "subscriber_id", sub.id, "subscribers", count)
	return sub.id
}

// Remove deletes the subscriber and closes its outbound queue.
// Removing an unknown or already removed id is a no-op. It reports whether
// an entry was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	sub, ok := r.subscribers[id]
	if ok {
		delete(r.subscribers, id)
		close(sub.outbound)
	}
	count := len(r.subscribers)
	r.mu.Unlock()

	if ok {
		r.metrics.setSubscribers(count)
		r.logger.Debug("Subscriber removed", "subscriber_id", id, "subscribers", count)
	}
	return ok
}

// Broadcast serializes the reading once and enqueues it on every matching
// subscriber's outbound queue without blocking. A full queue drops the reading
// for that subscriber only.
func (r *Registry) Broadcast(reading core.Reading) BroadcastResult {
	payload, err := json.Marshal(reading)
	if err != nil {
		r.logger.Error("Failed to serialize reading for broadcast", "sensor_id", reading.SensorID, "error", err)
		return BroadcastResult{}
	}

	var res BroadcastResult
	// The read lock keeps Remove from closing a queue while we send to it.
	// Sends never block, so the lock is held only for the enqueue pass.
	r.mu.RLock()
	for _, sub := range r.subscribers {
		if !sub.filter.Matches(reading) {
			continue
		}
		select {
		case sub.outbound <- payload:
			res.Delivered++
		default:
			res.Dropped++
			r.logger.Debug("Subscriber queue full, dropping reading", "subscriber_id", sub.id, "sensor_id", reading.SensorID)
		}
	}
	r.mu.RUnlock()

	r.metrics.observeBroadcast(res)
	return res
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Close removes every subscriber, closing their queues so relay loops can finish.
func (r *Registry) Close() {
	r.mu.Lock()
	for id, sub := range r.subscribers {
		close(sub.outbound)
		delete(r.subscribers, id)
	}
	r.mu.Unlock()
	r.metrics.setSubscribers(0)
}
