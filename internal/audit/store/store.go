// Package store defines the Event Store contract shared by the audit
// services. Append is the only write path; there is no update operation.
// Archival moves records between tiers without altering them and purge
// removes whole records.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"auditvault/internal/audit/models"
)

// Appender is the single write path.
type Appender interface {
	// Append writes one new record. It returns sentinel.ErrConflict when the
	// id already exists and sentinel.ErrUnavailable when the backend cannot
	// accept the write.
	Append(ctx context.Context, event models.Event) error
}

// Reader serves the indexed lookups. All reads span both tiers.
type Reader interface {
	GetByID(ctx context.Context, id uuid.UUID) (models.Event, error)
	// GetByResource returns events ordered by occurred_at ascending.
	GetByResource(ctx context.Context, resourceType models.ResourceType, resourceID string) ([]models.Event, error)
	// GetByActor returns events ordered by occurred_at ascending.
	GetByActor(ctx context.Context, actorID string, r models.TimeRange) ([]models.Event, error)
}

// Searcher serves filtered, paged search and aggregates. Search and Count
// apply the same predicate.
type Searcher interface {
	Search(ctx context.Context, c models.Criteria, page models.Page) ([]models.Event, error)
	Count(ctx context.Context, c models.Criteria) (int, error)
	Aggregate(ctx context.Context, r models.TimeRange, topN int) (models.Statistics, error)
	ListFlagged(ctx context.Context, limit int) ([]models.Event, error)
}

// Lifecycle moves and purges records in independently committed batches.
type Lifecycle interface {
	// ArchiveBatch moves up to batchSize hot records older than cutoff to the
	// archive tier, verbatim, and returns how many moved.
	ArchiveBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
	// PurgeBatch deletes up to batchSize whole records older than cutoff from
	// either tier and returns how many were deleted.
	PurgeBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}

// Store is the full Event Store contract.
type Store interface {
	Appender
	Reader
	Searcher
	Lifecycle
}
