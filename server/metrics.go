package server

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// serverMetrics holds the ingestion, subscription and sink pool metrics.
// A nil *serverMetrics is valid and records nothing.
type serverMetrics struct {
	connections     prometheus.Gauge
	lines           *prometheus.CounterVec
	sinkWrites      *prometheus.CounterVec
	sinkLatency     prometheus.Histogram
	sinkQueueDepth  prometheus.Gauge
	wsSessions      prometheus.Gauge
	verifyResponses *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	if reg == nil {
		return nil
	}
	m := &serverMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayhub",
			Subsystem: "ingest",
			Name:      "connections",
			Help:      "Open sensor connections",
		}),
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayhub",
			Subsystem: "ingest",
			Name:      "lines_total",
			Help:      "Ingested lines by result",
		}, []string{"result"}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayhub",
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Sink writes by result",
		}, []string{"result"}),
		sinkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relayhub",
			Subsystem: "sink",
			Name:      "write_duration_seconds",
			Help:      "Sink write latency",
			Buckets:   prometheus.DefBuckets,
		}),
		sinkQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayhub",
			Subsystem: "sink",
			Name:      "queue_depth",
			Help:      "Readings waiting for a sink worker",
		}),
		wsSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayhub",
			Subsystem: "subscription",
			Name:      "websocket_sessions",
			Help:      "Open WebSocket sessions",
		}),
		verifyResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayhub",
			Subsystem: "subscription",
			Name:      "verify_responses_total",
			Help:      "/verify-access responses by status code",
		}, []string{"code"}),
	}
	reg.MustRegister(m.connections, m.lines, m.sinkWrites, m.sinkLatency, m.sinkQueueDepth, m.wsSessions, m.verifyResponses)
	return m
}

func (m *serverMetrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *serverMetrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *serverMetrics) line(result string) {
	if m != nil {
		m.lines.WithLabelValues(result).Inc()
	}
}

func (m *serverMetrics) observeSinkWrite(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sinkWrites.WithLabelValues(result).Inc()
	m.sinkLatency.Observe(d.Seconds())
}

func (m *serverMetrics) sinkWriteDropped() {
	if m != nil {
		m.sinkWrites.WithLabelValues("dropped").Inc()
	}
}

func (m *serverMetrics) setQueueDepth(n int) {
	if m != nil {
		m.sinkQueueDepth.Set(float64(n))
	}
}

func (m *serverMetrics) sessionOpened() {
	if m != nil {
		m.wsSessions.Inc()
	}
}

func (m *serverMetrics) sessionClosed() {
	if m != nil {
		m.wsSessions.Dec()
	}
}

func (m *serverMetrics) verifyResponse(code string) {
	if m != nil {
		m.verifyResponses.WithLabelValues(code).Inc()
	}
}

// SystemCollector periodically samples host CPU, memory and disk usage and
// publishes them as Prometheus gauges.
type SystemCollector struct {
	cpuUsagePercent prometheus.Gauge
	memUsagePercent prometheus.Gauge
	diskUsage       prometheus.Gauge
	diskPath        string
	interval        time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *slog.Logger
}

// NewSystemCollector creates a new collector.
// diskPath is the filesystem whose usage is reported.
func NewSystemCollector(diskPath string, interval time.Duration, reg prometheus.Registerer, logger *slog.Logger) *SystemCollector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "relayhub", Subsystem: "system", Name: name, Help: help})
	}
	sc := &SystemCollector{
		cpuUsagePercent: gauge("cpu_usage_percent", "Host CPU usage"),
		memUsagePercent: gauge("mem_usage_percent", "Host memory usage"),
		diskUsage:       gauge("disk_usage_percent", "Disk usage of the working directory"),
		diskPath:        diskPath,
		interval:        interval,
		stopChan:        make(chan struct{}),
		logger:          logger.With("component", "SystemCollector"),
	}
	if reg != nil {
		reg.MustRegister(sc.cpuUsagePercent, sc.memUsagePercent, sc.diskUsage)
	}
	return sc
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.collect()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *SystemCollector) collect() {
	// A zero interval compares against the previous call instead of blocking.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sc.cpuUsagePercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sc.memUsagePercent.Set(vm.UsedPercent)
	}
	if du, err := disk.Usage(sc.diskPath); err == nil {
		sc.diskUsage.Set(du.UsedPercent)
	}
}
