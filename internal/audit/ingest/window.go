package ingest

import (
	"context"
	"sync"
	"time"

	"auditvault/internal/audit/models"
)

// FailureWindow counts recent failures per key inside a sliding window.
// Implementations must be safe for concurrent use.
type FailureWindow interface {
	// Observe records a failure at the given time and returns how many
	// failures, including this one, fall inside the window.
	Observe(ctx context.Context, key string, at time.Time) (int, error)
	// Reset clears the streak for key.
	Reset(ctx context.Context, key string) error
}

func streakKey(actorID string, action models.Action) string {
	return actorID + ":" + string(action)
}

// MemoryWindow keeps failure streaks in process memory. It is correct for a
// single instance only; multi-instance deployments use RedisWindow.
type MemoryWindow struct {
	mu        sync.Mutex
	size      time.Duration
	entries   map[string][]time.Time
	lastSweep time.Time
}

// NewMemoryWindow creates an in-process window. A non-positive size uses
// FailureWindowSize.
func NewMemoryWindow(size time.Duration) *MemoryWindow {
	if size <= 0 {
		size = FailureWindowSize
	}
	return &MemoryWindow{size: size, entries: make(map[string][]time.Time)}
}

func (w *MemoryWindow) Observe(_ context.Context, key string, at time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := at.Add(-w.size)
	if at.Sub(w.lastSweep) >= w.size {
		w.sweep(cutoff)
		w.lastSweep = at
	}
	kept := w.entries[key][:0]
	for _, t := range w.entries[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	w.entries[key] = kept
	return len(kept), nil
}

// sweep drops keys whose newest failure has left the window. Observations
// arrive in time order per key, so the last entry is the newest.
func (w *MemoryWindow) sweep(cutoff time.Time) {
	for key, times := range w.entries {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(w.entries, key)
		}
	}
}

func (w *MemoryWindow) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *MemoryWindow) Reset(_ context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, key)
	return nil
}
