package archive

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingStore struct {
	calls atomic.Int32
}

func (c *countingStore) ArchiveBatch(context.Context, time.Time, int) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func (c *countingStore) PurgeBatch(context.Context, time.Time, int) (int, error) {
	panic("purge must never be scheduled")
}

func TestSchedulerRunsUntilCancelled(t *testing.T) {
	store := &countingStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheduler := NewScheduler(New(store, WithLogger(logger)), 10*time.Millisecond, 30, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	assert.Eventually(t, func() bool { return store.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
