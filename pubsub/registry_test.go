package pubsub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/relayhub/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReading(sensorID string) core.Reading {
	return core.Reading{
		Timestamp:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		SensorID:     sensorID,
		Location:     "Room1",
		ProcessStage: "Fermentation",
		Temperature:  28.5,
		Humidity:     65.2,
	}
}

func TestRegistry_RegisterRemove(t *testing.T) {
	r := NewRegistry(nil, nil)

	ch := make(chan []byte, 1)
	id := r.Register(ch)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Remove(id))
	assert.Equal(t, 0, r.Len())

	// The registry closes the queue it owns.
	_, ok := <-ch
	assert.False(t, ok, "outbound queue should be closed after Remove")

	// Removing twice, or removing an id that never existed, is a no-op.
	assert.NotPanics(t, func() {
		assert.False(t, r.Remove(id))
		assert.False(t, r.Remove("never-registered"))
	})
}

func TestRegistry_UniqueIDs(t *testing.T) {
	r := NewRegistry(nil, nil)
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := r.Register(make(chan []byte, 1))
		_, dup := seen[id]
		require.False(t, dup, "duplicate subscriber id %s", id)
		seen[id] = struct{}{}
	}
	assert.Equal(t, 100, r.Len())
}

func TestRegistry_BroadcastEachSubscriberOnce(t *testing.T) {
	r := NewRegistry(nil, nil)

	const n = 8
	queues := make([]chan []byte, n)
	for i := range queues {
		queues[i] = make(chan []byte, 4)
		r.Register(queues[i])
	}

	reading := testReading("S1")
	res := r.Broadcast(reading)
	assert.Equal(t, BroadcastResult{Delivered: n}, res)

	for i, q := range queues {
		require.Len(t, q, 1, "subscriber %d should have exactly one item", i)
		var got core.Reading
		require.NoError(t, json.Unmarshal(<-q, &got))
		assert.True(t, got.Timestamp.Equal(reading.Timestamp))
		got.Timestamp = reading.Timestamp
		assert.Equal(t, reading, got)
	}
}

func TestRegistry_FullQueueDropsOnlyForThatSubscriber(t *testing.T) {
	r := NewRegistry(nil, nil)

	full := make(chan []byte, 1)
	full <- []byte("stale")
	fullID := r.Register(full)

	healthy := make([]chan []byte, 3)
	for i := range healthy {
		healthy[i] = make(chan []byte, 1)
		r.Register(healthy[i])
	}

	done := make(chan BroadcastResult)
	go func() { done <- r.Broadcast(testReading("S1")) }()

	select {
	case res := <-done:
		assert.Equal(t, 3, res.Delivered)
		assert.Equal(t, 1, res.Dropped)
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a full subscriber queue")
	}

	for _, q := range healthy {
		assert.Len(t, q, 1)
	}
	assert.Len(t, full, 1)
	assert.Equal(t, []byte("stale"), <-full)

	// Dropping does not remove the slow subscriber.
	assert.Equal(t, 4, r.Len())
	assert.True(t, r.Remove(fullID))
}

func TestRegistry_Filter(t *testing.T) {
	r := NewRegistry(nil, nil)

	all := make(chan []byte, 4)
	s1Only := make(chan []byte, 4)
	roomPrefix := make(chan []byte, 4)
	otherStage := make(chan []byte, 4)

	r.Register(all)
	r.RegisterFiltered(s1Only, Filter{SensorID: "S1"})
	r.RegisterFiltered(roomPrefix, Filter{Location: "Room*"})
	r.RegisterFiltered(otherStage, Filter{Stage: "Drying"})

	r.Broadcast(testReading("S1"))
	r.Broadcast(testReading("S2"))

	assert.Len(t, all, 2)
	assert.Len(t, s1Only, 1)
	assert.Len(t, roomPrefix, 2)
	assert.Len(t, otherStage, 0)
}

func TestFilter_Matches(t *testing.T) {
	reading := testReading("SHT20-PascaPanen-001")

	assert.True(t, Filter{}.Matches(reading))
	assert.True(t, Filter{SensorID: "SHT20-*"}.Matches(reading))
	assert.True(t, Filter{SensorID: "SHT20-PascaPanen-001", Stage: "Fermentation"}.Matches(reading))
	assert.False(t, Filter{SensorID: "SHT20"}.Matches(reading))
	assert.False(t, Filter{Location: "Warehouse*"}.Matches(reading))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil, nil)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ch := make(chan []byte, 2)
				id := r.Register(ch)
				r.Broadcast(testReading("S1"))
				r.Remove(id)
				r.Remove(id)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			r.Broadcast(testReading("S2"))
		}
	}()

	wg.Wait()
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := make(chan []byte, 1)
	b := make(chan []byte, 1)
	idA := r.Register(a)
	r.Register(b)

	r.Close()
	assert.Equal(t, 0, r.Len())
	_, okA := <-a
	_, okB := <-b
	assert.False(t, okA)
	assert.False(t, okB)

	// Remove after Close must not double-close.
	assert.False(t, r.Remove(idA))
}

func TestRegistry_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(nil, reg)

	full := make(chan []byte)
	ok := make(chan []byte, 1)
	r.Register(full)
	id := r.Register(ok)

	r.Broadcast(testReading("S1"))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.broadcasts))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.delivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.dropped))

	r.Remove(id)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.subscribers))
}
