package listeners

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/relayhub/core"
	"github.com/INLOpen/relayhub/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reading(sensor string, temp, hum float64) core.Reading {
	return core.Reading{
		Timestamp:    time.Date(2024, 5, 6, 0, 8, 9, 0, time.UTC),
		SensorID:     sensor,
		Location:     "Gudang Fermentasi 1",
		ProcessStage: "Fermentasi",
		Temperature:  temp,
		Humidity:     hum,
	}
}

func postEvent(r core.Reading) hooks.HookEvent {
	return hooks.NewPostIngestReadingEvent(hooks.PostIngestReadingPayload{Reading: r, RemoteAddr: "127.0.0.1:4000"})
}

func TestOutlierDetectionListener_OnEvent(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	listener := NewOutlierDetectionListener(logger, []OutlierRule{
		{FieldName: core.FieldTemperature, Thresholds: Thresholds{Min: 20, Max: 35}},
		{FieldName: core.FieldHumidity, Location: "Gudang Fermentasi 1", Thresholds: Thresholds{Min: 60, Max: 90}},
		{FieldName: "pressure", Thresholds: Thresholds{Min: 0, Max: 1}},
	})

	t.Run("DetectsTemperatureOutlier", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPreIngestReadingEvent(hooks.ReadingPayload{Reading: reading("S1", 41.5, 80)})
		require.NoError(t, listener.OnEvent(context.Background(), event))

		out := logBuf.String()
		assert.Contains(t, out, "Outlier detected")
		assert.Contains(t, out, `"sensor_id":"S1"`)
		assert.Contains(t, out, `"field":"temperature"`)
		assert.Contains(t, out, `"value":41.5`)
		assert.Contains(t, out, `"max_threshold":35`)
	})

	t.Run("LocationScopedRule", func(t *testing.T) {
		logBuf.Reset()
		r := reading("S2", 25, 40)
		require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPreIngestReadingEvent(hooks.ReadingPayload{Reading: r})))
		assert.Contains(t, logBuf.String(), `"field":"humidity"`)

		logBuf.Reset()
		r.Location = "Gudang 2"
		require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPreIngestReadingEvent(hooks.ReadingPayload{Reading: r})))
		assert.Empty(t, logBuf.String())
	})

	t.Run("NoOutlier", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPreIngestReadingEvent(hooks.ReadingPayload{Reading: reading("S1", 27.4, 81.2)})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Empty(t, logBuf.String())
	})

	t.Run("IgnoresOtherEvents", func(t *testing.T) {
		logBuf.Reset()
		require.NoError(t, listener.OnEvent(context.Background(), postEvent(reading("S1", 99, 99))))
		assert.Empty(t, logBuf.String())
	})
}

func TestSensorCardinalityListener_OnEvent(t *testing.T) {
	var logBuf bytes.Buffer
	listener := NewSensorCardinalityListener(slog.New(slog.NewJSONHandler(&logBuf, nil)))

	require.NoError(t, listener.OnEvent(context.Background(), postEvent(reading("S1", 25, 60))))
	assert.Contains(t, logBuf.String(), "New sensor observed")
	assert.Contains(t, logBuf.String(), `"known_sensors":1`)

	logBuf.Reset()
	require.NoError(t, listener.OnEvent(context.Background(), postEvent(reading("S1", 26, 61))))
	assert.Empty(t, logBuf.String(), "a known sensor should not be reported again")

	require.NoError(t, listener.OnEvent(context.Background(), postEvent(reading("S2", 26, 61))))
	assert.Equal(t, 2, listener.Count())

	logBuf.Reset()
	require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPostSubscribeEvent(hooks.SubscriberPayload{})))
	assert.Empty(t, logBuf.String())
}

func TestSensorStatsListener_Snapshot(t *testing.T) {
	listener := NewSensorStatsListener(nil)
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		require.NoError(t, listener.OnEvent(ctx, postEvent(reading("B", float64(i), 50))))
	}
	require.NoError(t, listener.OnEvent(ctx, postEvent(reading("A", 30, 70))))

	snap := listener.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "A", snap[0].SensorID)
	assert.Equal(t, "B", snap[1].SensorID)

	b := snap[1]
	assert.Equal(t, uint64(100), b.Count)
	assert.Equal(t, 1.0, b.Temperature.Min)
	assert.Equal(t, 100.0, b.Temperature.Max)
	assert.InDelta(t, 50.0, b.Temperature.P50, 2.0)
	assert.InDelta(t, 90.0, b.Temperature.P90, 2.0)
	assert.Equal(t, 50.0, b.Humidity.P50)
	assert.Equal(t, "Fermentasi", b.Stage)

	a := snap[0]
	assert.Equal(t, uint64(1), a.Count)
	assert.Equal(t, 30.0, a.Temperature.P99)
}

func TestSensorStatsListener_ConcurrentUpdates(t *testing.T) {
	manager := hooks.NewHookManager(nil)
	listener := NewSensorStatsListener(nil)
	manager.Register(hooks.EventPostIngestReading, listener)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = manager.Trigger(context.Background(), postEvent(reading("S1", 25, 60)))
				_ = listener.Snapshot()
			}
		}()
	}
	wg.Wait()
	manager.Stop()

	snap := listener.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(400), snap[0].Count)
}
