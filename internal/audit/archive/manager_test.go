package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"auditvault/internal/audit/integrity"
	"auditvault/internal/audit/models"
	"auditvault/internal/audit/store/memory"
	dErrors "auditvault/pkg/domain-errors"
	"auditvault/pkg/platform/sentinel"
)

type ManagerSuite struct {
	suite.Suite
	store   *memory.InMemoryStore
	codec   *integrity.Codec
	now     time.Time
	manager *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.store = memory.NewInMemoryStore()
	codec, err := integrity.New(integrity.Config{Salt: []byte("archive-suite-salt-0123456789")})
	s.Require().NoError(err)
	s.codec = codec
	s.now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s.manager = New(s.store,
		WithBatchSize(2),
		WithClock(func() time.Time { return s.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func (s *ManagerSuite) seed(age time.Duration, n int) []models.Event {
	var events []models.Event
	for i := 0; i < n; i++ {
		e, err := s.codec.Seal(models.Event{
			ID:           uuid.Must(uuid.NewV7()),
			OccurredAt:   s.now.Add(-age).Add(time.Duration(i) * time.Second),
			ActorID:      fmt.Sprintf("u-%d", i),
			ActorName:    "Nurse",
			ActorRole:    "nurse",
			Action:       models.ActionRead,
			ResourceType: models.ResourcePatient,
			ResourceID:   "P5",
			PatientID:    "P5",
			Details:      map[string]string{"view": "chart"},
			Severity:     models.SeverityInfo,
			Category:     models.CategoryDataAccess,
		})
		s.Require().NoError(err)
		s.Require().NoError(s.store.Append(context.Background(), e))
		events = append(events, e)
	}
	return events
}

func (s *ManagerSuite) TestArchive() {
	ctx := context.Background()
	old := s.seed(40*24*time.Hour, 5)
	s.seed(time.Hour, 2)

	s.Run("moves every qualifying event across several batches", func() {
		moved, err := s.manager.Archive(ctx, 30)
		s.Require().NoError(err)
		s.Equal(5, moved)
		for _, e := range old {
			tier, ok := s.store.Tier(e.ID)
			s.True(ok)
			s.Equal(models.TierArchive, tier)
		}
	})

	s.Run("second run moves nothing", func() {
		moved, err := s.manager.Archive(ctx, 30)
		s.Require().NoError(err)
		s.Zero(moved)
	})

	s.Run("archived events still verify and stay searchable", func() {
		got, err := s.store.GetByID(ctx, old[0].ID)
		s.Require().NoError(err)
		s.Equal(integrity.Valid, s.codec.Verify(got))

		all, err := s.store.Count(ctx, models.Criteria{})
		s.Require().NoError(err)
		s.Equal(7, all)
		active, err := s.store.Count(ctx, models.Criteria{ActiveOnly: true})
		s.Require().NoError(err)
		s.Equal(2, active)
	})

	s.Run("days must be positive", func() {
		_, err := s.manager.Archive(ctx, 0)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("days beyond the bound are rejected and move nothing", func() {
		for _, days := range []int{MaxArchiveDays + 1, 200000} {
			moved, err := s.manager.Archive(ctx, days)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), days)
			s.Zero(moved)
		}
		active, err := s.store.Count(ctx, models.Criteria{ActiveOnly: true})
		s.Require().NoError(err)
		s.Equal(2, active)
	})

	s.Run("largest allowed bound leaves recent events hot", func() {
		moved, err := s.manager.Archive(ctx, MaxArchiveDays)
		s.Require().NoError(err)
		s.Zero(moved)
	})
}

func (s *ManagerSuite) TestPurge() {
	ctx := context.Background()
	ancient := s.seed(8*365*24*time.Hour, 3)
	recent := s.seed(24*time.Hour, 1)

	s.Run("refuses a cutoff inside the retention window", func() {
		_, err := s.manager.Purge(ctx, s.now.Add(-365*24*time.Hour))
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.Contains(err.Error(), "retention window not elapsed")
	})

	s.Run("purges whole records past retention", func() {
		purged, err := s.manager.Purge(ctx, s.now.Add(-DefaultRetention))
		s.Require().NoError(err)
		s.Equal(3, purged)

		_, err = s.store.GetByID(ctx, ancient[0].ID)
		s.ErrorIs(err, sentinel.ErrNotFound)
		_, err = s.store.GetByID(ctx, recent[0].ID)
		s.NoError(err)
	})
}

type failingStore struct {
	batches int
	failAt  int
}

func (f *failingStore) ArchiveBatch(_ context.Context, _ time.Time, batchSize int) (int, error) {
	f.batches++
	if f.batches == f.failAt {
		return 0, fmt.Errorf("insert archive: %w", sentinel.ErrUnavailable)
	}
	return batchSize, nil
}

func (f *failingStore) PurgeBatch(context.Context, time.Time, int) (int, error) {
	return 0, errors.New("unused")
}

func (s *ManagerSuite) TestPartialFailureReportsProgress() {
	store := &failingStore{failAt: 3}
	manager := New(store, WithBatchSize(10), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	moved, err := manager.Archive(context.Background(), 30)
	s.Equal(20, moved)
	s.True(dErrors.HasCode(err, dErrors.CodeStorageUnavailable))
}

func (s *ManagerSuite) TestCancelledBetweenBatches() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.manager.Archive(ctx, 30)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
}

func (s *ManagerSuite) TestShortRetentionIsIgnored() {
	m := New(s.store, WithRetention(24*time.Hour))
	s.Equal(DefaultRetention, m.retention)
}
