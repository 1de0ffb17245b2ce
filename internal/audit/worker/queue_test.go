package worker

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditvault/internal/audit/ingest"
	"auditvault/internal/audit/metrics"
	"auditvault/internal/audit/models"
	dErrors "auditvault/pkg/domain-errors"
	"auditvault/pkg/requestcontext"
)

type fakeRecorder struct {
	mu       sync.Mutex
	calls    int
	failures []error
	actors   []string
	started  chan struct{}
	release  chan struct{}
}

func (f *fakeRecorder) Record(ctx context.Context, _ ingest.Entry) (uuid.UUID, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if a, ok := requestcontext.ActorFrom(ctx); ok {
		f.actors = append(f.actors, a.ID)
	}
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return uuid.Nil, err
	}
	return uuid.New(), nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var entry = ingest.Entry{Action: models.ActionRead, ResourceType: models.ResourcePatient, ResourceID: "P5"}

func TestQueueDrainsOnClose(t *testing.T) {
	rec := &fakeRecorder{}
	q := New(rec, 8, WithWorkers(3))

	ctx := requestcontext.WithActor(context.Background(), requestcontext.Actor{ID: "u-1", Name: "A", Role: "nurse"})
	for range 50 {
		require.NoError(t, q.Enqueue(ctx, entry))
	}
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, 50, rec.count())
	assert.Len(t, rec.actors, 50)
	assert.Equal(t, "u-1", rec.actors[0])

	err := q.Enqueue(ctx, entry)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueueOverflow(t *testing.T) {
	setup := func(opts ...Option) (*Queue, *fakeRecorder) {
		rec := &fakeRecorder{started: make(chan struct{}, 4), release: make(chan struct{})}
		q := New(rec, 1, append([]Option{WithWorkers(1)}, opts...)...)
		require.NoError(t, q.Enqueue(context.Background(), entry))
		<-rec.started
		require.NoError(t, q.Enqueue(context.Background(), entry))
		return q, rec
	}

	t.Run("reject fails fast when full", func(t *testing.T) {
		m := metrics.NewWithRegisterer(prometheus.NewRegistry())
		q, rec := setup(WithOverflow(Reject), WithMetrics(m))

		err := q.Enqueue(context.Background(), entry)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeStorageUnavailable))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.QueueRejected))

		close(rec.release)
		require.NoError(t, q.Close(context.Background()))
		assert.Equal(t, 2, rec.count())
	})

	t.Run("block waits until the caller gives up", func(t *testing.T) {
		q, rec := setup(WithOverflow(Block))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := q.Enqueue(ctx, entry)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))

		close(rec.release)
		require.NoError(t, q.Close(context.Background()))
	})
}

func TestQueueRetries(t *testing.T) {
	unavailable := dErrors.New(dErrors.CodeStorageUnavailable, "audit storage unavailable")

	t.Run("storage failures are retried", func(t *testing.T) {
		m := metrics.NewWithRegisterer(prometheus.NewRegistry())
		rec := &fakeRecorder{failures: []error{unavailable, unavailable}}
		q := New(rec, 4, WithWorkers(1), WithBackoff(time.Millisecond), WithMetrics(m))

		require.NoError(t, q.Enqueue(context.Background(), entry))
		require.NoError(t, q.Close(context.Background()))

		assert.Equal(t, 3, rec.count())
		assert.Equal(t, float64(2), testutil.ToFloat64(m.QueueRetries))
	})

	t.Run("exhausted retries reach the emergency log", func(t *testing.T) {
		logs := &bytes.Buffer{}
		rec := &fakeRecorder{failures: []error{unavailable, unavailable, unavailable}}
		q := New(rec, 4, WithWorkers(1), WithBackoff(time.Millisecond), WithMaxAttempts(2),
			WithEmergencyLogger(slog.New(slog.NewJSONHandler(logs, nil))))

		require.NoError(t, q.Enqueue(context.Background(), entry))
		require.NoError(t, q.Close(context.Background()))

		assert.Equal(t, 2, rec.count())
		assert.Contains(t, logs.String(), "CRITICAL: queued audit entry lost")
	})

	t.Run("validation failures are not retried", func(t *testing.T) {
		logs := &bytes.Buffer{}
		rec := &fakeRecorder{failures: []error{dErrors.New(dErrors.CodeValidation, "unknown action")}}
		q := New(rec, 4, WithWorkers(1), WithBackoff(time.Millisecond),
			WithEmergencyLogger(slog.New(slog.NewJSONHandler(logs, nil))))

		require.NoError(t, q.Enqueue(context.Background(), entry))
		require.NoError(t, q.Close(context.Background()))

		assert.Equal(t, 1, rec.count())
		assert.Contains(t, logs.String(), "validation_error")
	})
}

func TestParseOverflow(t *testing.T) {
	o, err := ParseOverflow("reject")
	require.NoError(t, err)
	assert.Equal(t, Reject, o)

	o, err = ParseOverflow("")
	require.NoError(t, err)
	assert.Equal(t, Block, o)

	_, err = ParseOverflow("drop")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}
