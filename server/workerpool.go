package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/relayhub/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrPoolStopped is returned by Submit once the pool has been stopped.
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrPoolFull is returned by TrySubmit when the job queue has no room.
	ErrPoolFull = errors.New("worker pool queue full")
)

// Job represents a sink write to be executed by a worker.
// ResultCh is optional and receives the write's outcome.
type Job struct {
	Ctx      context.Context
	Reading  core.Reading
	ResultCh chan error
}

// WorkerPool writes readings to a sink on a fixed number of goroutines so
// slow sink I/O never stalls ingestion or broadcast.
type WorkerPool struct {
	numWorkers   int
	jobQueue     chan Job
	sink         core.Sink
	writeTimeout time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *serverMetrics
	wg           sync.WaitGroup

	// mu guards closing jobQueue against concurrent Submit calls.
	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool creates a new worker pool.
// numWorkers: the number of worker goroutines to spawn.
// queueSize: the size of the job queue.
// writeTimeout bounds each sink write, including writes drained during Stop.
func NewWorkerPool(numWorkers, queueSize int, sink core.Sink, writeTimeout time.Duration, metrics *serverMetrics, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &WorkerPool{
		numWorkers:   numWorkers,
		jobQueue:     make(chan Job, queueSize),
		sink:         sink,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "WorkerPool"),
		tracer:       otel.Tracer("github.com/INLOpen/relayhub/server"),
		metrics:      metrics,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 1; i <= wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Info("Worker pool started", "num_workers", wp.numWorkers, "queue_size", cap(wp.jobQueue))
}

// Submit queues a reading for the sink. It blocks only while the queue is
// full, and gives up when ctx is done.
func (wp *WorkerPool) Submit(ctx context.Context, r core.Reading) error {
	return wp.submit(Job{Ctx: ctx, Reading: r})
}

// TrySubmit queues a reading without blocking. When the queue is full the
// write is dropped and counted, and ErrPoolFull is returned.
func (wp *WorkerPool) TrySubmit(ctx context.Context, r core.Reading) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrPoolStopped
	}
	select {
	case wp.jobQueue <- Job{Ctx: ctx, Reading: r}:
		wp.metrics.setQueueDepth(len(wp.jobQueue))
		return nil
	default:
		wp.metrics.sinkWriteDropped()
		wp.logger.Warn("Sink queue full, dropping write", "sensor_id", r.SensorID, "queue_size", cap(wp.jobQueue))
		return ErrPoolFull
	}
}

func (wp *WorkerPool) submit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrPoolStopped
	}
	select {
	case wp.jobQueue <- job:
		wp.metrics.setQueueDepth(len(wp.jobQueue))
		return nil
	case <-job.Ctx.Done():
		return job.Ctx.Err()
	}
}

// Stop gracefully shuts down the worker pool.
// It closes the job queue and waits for all workers to drain it.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobQueue)
	wp.mu.Unlock()

	wp.logger.Info("Draining worker pool", "queued", len(wp.jobQueue))
	wp.wg.Wait()
	wp.logger.Info("Worker pool stopped")
}

// worker is the main loop for a single worker goroutine.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for job := range wp.jobQueue {
		wp.metrics.setQueueDepth(len(wp.jobQueue))
		err := wp.record(job)
		if job.ResultCh != nil {
			job.ResultCh <- err
		}
	}
}

func (wp *WorkerPool) record(job Job) error {
	// The write must outlive the connection that produced it.
	ctx := context.WithoutCancel(job.Ctx)
	ctx, span := wp.tracer.Start(ctx, "WorkerPool.record", trace.WithAttributes(
		attribute.String("sensor_id", job.Reading.SensorID),
	))
	defer span.End()

	if wp.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wp.writeTimeout)
		defer cancel()
	}

	start := time.Now()
	err := wp.sink.Record(ctx, job.Reading)
	wp.metrics.observeSinkWrite(err, time.Since(start))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		wp.logger.Warn("Sink write failed", "sensor_id", job.Reading.SensorID, "error", err)
	}
	return err
}
