// Package worker runs persistence jobs off the caller's goroutine while
// keeping jobs for the same record strictly ordered.
package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/terrascout/fieldmap/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/terrascout/fieldmap/internal/worker"

// Job is one unit of persistence work.
type Job func(ctx context.Context) error

// ErrorHandler receives the key and error of every failed job.
type ErrorHandler func(key string, err error)

// Manager serializes jobs per key. Jobs on different keys run concurrently,
// each key drained by at most one goroutine at a time.
type Manager struct {
	ctx    context.Context
	logger *slog.Logger
	onErr  ErrorHandler

	chains *queue.Chains[Job]

	mu      sync.Mutex
	idle    *sync.Cond // broadcast when running drops to zero
	running int        // drain goroutines, guarded by mu
	idles   uint64     // times running dropped to zero
	closed  bool

	completed metric.Int64Counter
	failed    metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for failed jobs.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithErrorHandler registers a callback for failed jobs.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(m *Manager) { m.onErr = fn }
}

// NewManager creates a manager whose jobs run with ctx.
func NewManager(ctx context.Context, opts ...Option) *Manager {
	m := &Manager{
		ctx:    ctx,
		logger: slog.Default(),
		chains: queue.NewChains[Job](),
	}
	m.idle = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	m.initMetrics()
	return m
}

func (m *Manager) initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error
	m.completed, err = meter.Int64Counter("worker.jobs.completed",
		metric.WithDescription("Persistence jobs that finished"))
	if err != nil {
		m.logger.Error("failed to create completed counter", "error", err)
	}
	m.failed, err = meter.Int64Counter("worker.jobs.failed",
		metric.WithDescription("Persistence jobs that returned an error"))
	if err != nil {
		m.logger.Error("failed to create failed counter", "error", err)
	}
	_, err = meter.Int64ObservableGauge("worker.keys.active",
		metric.WithDescription("Keys with queued or running jobs"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(m.Active()))
			return nil
		}))
	if err != nil {
		m.logger.Error("failed to create active gauge", "error", err)
	}
}

// Submit queues job behind any earlier job with the same key.
// It never blocks. Jobs submitted after Close are dropped and reported false.
func (m *Manager) Submit(key string, job Job) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}

	if m.chains.Push(key, job) {
		m.running++
		go m.drain(key)
	}
	return true
}

func (m *Manager) drain(key string) {
	defer func() {
		m.mu.Lock()
		m.running--
		if m.running == 0 {
			m.idles++
			m.idle.Broadcast()
		}
		m.mu.Unlock()
	}()
	for {
		job, ok := m.chains.Next(key)
		if !ok {
			return
		}
		m.run(key, job)
	}
}

func (m *Manager) run(key string, job Job) {
	if err := job(m.ctx); err != nil {
		if m.failed != nil {
			m.failed.Add(m.ctx, 1)
		}
		m.logger.Error("persistence job failed", "key", key, "error", err)
		if m.onErr != nil {
			m.onErr(key, err)
		}
		return
	}
	if m.completed != nil {
		m.completed.Add(m.ctx, 1)
	}
}

// Active returns the number of keys with queued or running work.
func (m *Manager) Active() int {
	return m.chains.Len()
}

// Wait blocks until every job submitted before it has finished. Submit may
// be called concurrently; Wait returns at the first moment nothing runs.
func (m *Manager) Wait() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == 0 {
		return
	}
	for seen := m.idles; m.idles == seen; {
		m.idle.Wait()
	}
}

// Close stops accepting jobs and waits for queued ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Wait()
}
