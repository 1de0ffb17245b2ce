// Package worker puts a bounded queue in front of the Recorder so request
// paths can hand off audit writes without waiting for storage.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"auditvault/internal/audit/ingest"
	"auditvault/internal/audit/metrics"
	dErrors "auditvault/pkg/domain-errors"
)

// Overflow decides what Enqueue does when the queue is full.
type Overflow int

const (
	// Block waits for room until the caller's context ends.
	Block Overflow = iota
	// Reject fails immediately with CodeStorageUnavailable.
	Reject
)

// ParseOverflow maps configuration values to an Overflow policy.
func ParseOverflow(s string) (Overflow, error) {
	switch s {
	case "", "block":
		return Block, nil
	case "reject":
		return Reject, nil
	}
	return Block, dErrors.New(dErrors.CodeValidation, "unknown queue overflow policy: "+s)
}

const (
	DefaultSize        = 1024
	DefaultWorkers     = 4
	DefaultMaxAttempts = 5
	DefaultBackoff     = 100 * time.Millisecond
	maxBackoff         = 5 * time.Second
	writeTimeout       = 10 * time.Second
)

var ErrClosed = dErrors.New(dErrors.CodeStorageUnavailable, "audit queue closed")

// Recorder is the synchronous write path the queue drains into.
type Recorder interface {
	Record(ctx context.Context, entry ingest.Entry) (uuid.UUID, error)
}

type job struct {
	ctx   context.Context
	entry ingest.Entry
}

// Queue accepts entries and records them on a fixed pool of workers.
// Entries are never dropped silently: a rejected entry is an error to the
// caller and an entry that exhausts its retries goes to the emergency log.
type Queue struct {
	recorder    Recorder
	jobs        chan job
	overflow    Overflow
	workers     int
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
	emergency   *slog.Logger
	metrics     *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Queue)

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

func WithEmergencyLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.emergency = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

func WithOverflow(o Overflow) Option {
	return func(q *Queue) {
		q.overflow = o
	}
}

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithMaxAttempts bounds how often a storage failure is retried.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff sets the first retry delay; later delays double.
func WithBackoff(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.backoff = d
		}
	}
}

// New starts the workers. size is the channel capacity.
func New(recorder Recorder, size int, opts ...Option) *Queue {
	if size <= 0 {
		size = DefaultSize
	}
	q := &Queue{
		recorder:    recorder,
		jobs:        make(chan job, size),
		workers:     DefaultWorkers,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.emergency == nil {
		q.emergency = q.logger
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
	return q
}

// Enqueue hands entry to the workers. Request-scoped values on ctx (actor,
// client metadata) travel with the entry; its cancellation does not.
func (q *Queue) Enqueue(ctx context.Context, entry ingest.Entry) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	j := job{ctx: context.WithoutCancel(ctx), entry: entry}
	if q.overflow == Reject {
		select {
		case q.jobs <- j:
			q.metrics.SetQueueDepth(len(q.jobs))
			return nil
		default:
			q.metrics.IncQueueRejected()
			q.logger.WarnContext(ctx, "audit queue full, entry rejected",
				"action", entry.Action,
				"resource_type", entry.ResourceType,
			)
			return dErrors.New(dErrors.CodeStorageUnavailable, "audit queue full")
		}
	}

	select {
	case q.jobs <- j:
		q.metrics.SetQueueDepth(len(q.jobs))
		return nil
	case <-ctx.Done():
		return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "audit queue wait interrupted")
	}
}

// Len returns the number of entries waiting.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Close stops accepting entries and waits for the queued ones to be written
// or for ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	q.logger.InfoContext(ctx, "draining audit queue", "pending", len(q.jobs))

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.emergency.ErrorContext(ctx, "CRITICAL: audit queue drain incomplete", "pending", len(q.jobs))
		return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "audit queue drain interrupted")
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for j := range q.jobs {
		q.metrics.SetQueueDepth(len(q.jobs))
		q.process(j)
	}
}

func (q *Queue) process(j job) {
	delay := q.backoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(j.ctx, writeTimeout)
		_, err := q.recorder.Record(ctx, j.entry)
		cancel()
		if err == nil {
			return
		}
		if !retryable(err) || attempt >= q.maxAttempts {
			q.emergency.ErrorContext(j.ctx, "CRITICAL: queued audit entry lost",
				"action", j.entry.Action,
				"resource_type", j.entry.ResourceType,
				"resource_id", j.entry.ResourceID,
				"attempts", attempt,
				"code", dErrors.CodeOf(err),
			)
			return
		}
		q.metrics.IncQueueRetry()
		time.Sleep(delay)
		delay = min(delay*2, maxBackoff)
	}
}

func retryable(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeStorageUnavailable) ||
		dErrors.HasCode(err, dErrors.CodeTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
