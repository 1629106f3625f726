// Package dispatch runs background jobs serialized per application key.
//
// All invocations for one key execute in submission order, one at a time;
// invocations for different keys run concurrently. This is the concurrency
// contract the tagging engine depends on: concurrent runs for the same key
// race on read-modify-write of the same tag field.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bookverse/tagd/internal/telemetry"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("dispatch: dispatcher closed")

// Job is one unit of background work. The error is logged, never returned to
// the submitter: acceptance of an event is decoupled from its processing.
type Job func(ctx context.Context) error

// Dispatcher owns one logical FIFO queue per key. A queue's runner goroutine
// exists only while the queue is non-empty.
type Dispatcher struct {
	baseCtx context.Context
	log     *slog.Logger

	mu     sync.Mutex
	queues map[string]*keyQueue
	closed bool
	wg     sync.WaitGroup

	jobsRun  metric.Int64Counter
	jobsFail metric.Int64Counter
}

type keyQueue struct {
	pending []queued
	running bool
}

type queued struct {
	name string
	job  Job
}

// New creates a dispatcher whose jobs run with baseCtx as their parent.
// Cancelling baseCtx cancels in-flight jobs.
func New(baseCtx context.Context, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	m := telemetry.Meter("")
	jobsRun, _ := m.Int64Counter("tagd.dispatch.jobs",
		metric.WithDescription("Background jobs executed"))
	jobsFail, _ := m.Int64Counter("tagd.dispatch.job_failures",
		metric.WithDescription("Background jobs that returned an error"))

	return &Dispatcher{
		baseCtx:  baseCtx,
		log:      log,
		queues:   make(map[string]*keyQueue),
		jobsRun:  jobsRun,
		jobsFail: jobsFail,
	}
}

// Submit enqueues job on key's queue. Jobs for the same key run strictly in
// submission order; the call never blocks on job execution.
func (d *Dispatcher) Submit(key, name string, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	q, ok := d.queues[key]
	if !ok {
		q = &keyQueue{}
		d.queues[key] = q
	}
	q.pending = append(q.pending, queued{name: name, job: job})

	if !q.running {
		q.running = true
		d.wg.Add(1)
		go d.run(key, q)
	}
	return nil
}

// run drains one key's queue, then exits. Holds the dispatcher lock only
// while manipulating the queue, never while a job executes.
func (d *Dispatcher) run(key string, q *keyQueue) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		d.mu.Unlock()

		d.jobsRun.Add(d.baseCtx, 1, metric.WithAttributes(attribute.String("job", next.name)))
		if err := next.job(d.baseCtx); err != nil {
			d.jobsFail.Add(d.baseCtx, 1, metric.WithAttributes(attribute.String("job", next.name)))
			d.log.Error("background job failed", "job", next.name, "key", key, "error", err)
		}
	}
}

// Close stops accepting work and waits for queued jobs to finish, up to
// ctx's deadline. Jobs still running after the deadline are abandoned (their
// own context is the dispatcher's base context).
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports the number of queued (not yet started) jobs across keys.
// Exposed for health reporting.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		n += len(q.pending)
	}
	return n
}
