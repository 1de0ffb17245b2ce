package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"auditvault/internal/audit/models"
	"auditvault/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	base  time.Time
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.base = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
}

func (s *InMemoryStoreSuite) event(offset time.Duration, actor string, action models.Action) models.Event {
	id, err := uuid.NewV7()
	s.Require().NoError(err)
	return models.Event{
		ID:           id,
		OccurredAt:   s.base.Add(offset),
		ActorID:      actor,
		ActorName:    "Name " + actor,
		ActorRole:    "nurse",
		Action:       action,
		ResourceType: models.ResourcePatient,
		ResourceID:   "P5",
		PatientID:    "P5",
		Details:      map[string]string{"view": "chart"},
		Severity:     models.SeverityInfo,
		Category:     models.CategoryDataAccess,
		Checksum:     "sha256:test",
	}
}

func (s *InMemoryStoreSuite) append(events ...models.Event) {
	for _, e := range events {
		s.Require().NoError(s.store.Append(context.Background(), e))
	}
}

func (s *InMemoryStoreSuite) TestAppend() {
	ctx := context.Background()

	s.Run("duplicate id is a conflict", func() {
		e := s.event(0, "u-1", models.ActionRead)
		s.append(e)
		err := s.store.Append(ctx, e)
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("stored record is isolated from caller mutation", func() {
		e := s.event(time.Second, "u-1", models.ActionRead)
		s.append(e)
		e.Details["view"] = "changed"

		got, err := s.store.GetByID(ctx, e.ID)
		s.Require().NoError(err)
		s.Equal("chart", got.Details["view"])

		got.Details["view"] = "changed again"
		again, err := s.store.GetByID(ctx, e.ID)
		s.Require().NoError(err)
		s.Equal("chart", again.Details["view"])
	})

	s.Run("missing id is not found", func() {
		_, err := s.store.GetByID(ctx, uuid.New())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestGetByResourceIsAscending() {
	late := s.event(time.Hour, "u-1", models.ActionUpdate)
	early := s.event(0, "u-2", models.ActionRead)
	s.append(late, early)

	events, err := s.store.GetByResource(context.Background(), models.ResourcePatient, "P5")
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(early.ID, events[0].ID)
	s.Equal(late.ID, events[1].ID)
}

func (s *InMemoryStoreSuite) TestGetByActorRespectsRange() {
	in := s.event(time.Minute, "u-1", models.ActionRead)
	out := s.event(2*time.Hour, "u-1", models.ActionRead)
	other := s.event(time.Minute, "u-2", models.ActionRead)
	s.append(in, out, other)

	events, err := s.store.GetByActor(context.Background(), "u-1", models.TimeRange{From: s.base, To: s.base.Add(time.Hour)})
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(in.ID, events[0].ID)
}

func (s *InMemoryStoreSuite) TestPagingCoversCountExactly() {
	ctx := context.Background()
	for i := range 23 {
		action := models.ActionRead
		if i%3 == 0 {
			action = models.ActionUpdate
		}
		s.append(s.event(time.Duration(i)*time.Second, fmt.Sprintf("u-%d", i%4), action))
	}
	// Two events with the same timestamp exercise the id tie-break.
	s.append(s.event(5*time.Second, "u-9", models.ActionRead), s.event(5*time.Second, "u-9", models.ActionRead))

	criteria := models.Criteria{Actions: []models.Action{models.ActionRead}}
	total, err := s.store.Count(ctx, criteria)
	s.Require().NoError(err)

	seen := make(map[uuid.UUID]bool)
	var previous *models.Event
	for page := 1; ; page++ {
		events, err := s.store.Search(ctx, criteria, models.Page{Number: page, Size: 4})
		s.Require().NoError(err)
		s.LessOrEqual(len(events), 4)
		if len(events) == 0 {
			break
		}
		for _, e := range events {
			s.False(seen[e.ID], "duplicate across pages")
			seen[e.ID] = true
			if previous != nil {
				s.True(models.Less(*previous, e), "results must be newest first")
			}
			current := e
			previous = &current
		}
	}
	s.Equal(total, len(seen))
}

func (s *InMemoryStoreSuite) TestArchiveIsIdempotentAndVerbatim() {
	ctx := context.Background()
	old := s.event(-48*time.Hour, "u-1", models.ActionRead)
	recent := s.event(0, "u-1", models.ActionRead)
	s.append(old, recent)

	moved, err := s.store.ArchiveBatch(ctx, s.base.Add(-24*time.Hour), 10)
	s.Require().NoError(err)
	s.Equal(1, moved)

	moved, err = s.store.ArchiveBatch(ctx, s.base.Add(-24*time.Hour), 10)
	s.Require().NoError(err)
	s.Equal(0, moved)

	tier, ok := s.store.Tier(old.ID)
	s.True(ok)
	s.Equal(models.TierArchive, tier)

	got, err := s.store.GetByID(ctx, old.ID)
	s.Require().NoError(err)
	s.Equal(old, got)

	all, err := s.store.Count(ctx, models.Criteria{})
	s.Require().NoError(err)
	s.Equal(2, all)
	active, err := s.store.Count(ctx, models.Criteria{ActiveOnly: true})
	s.Require().NoError(err)
	s.Equal(1, active)
}

func (s *InMemoryStoreSuite) TestPurgeRemovesWholeRecords() {
	ctx := context.Background()
	old := s.event(-48*time.Hour, "u-1", models.ActionRead)
	older := s.event(-72*time.Hour, "u-1", models.ActionRead)
	recent := s.event(0, "u-1", models.ActionRead)
	s.append(old, older, recent)

	purged, err := s.store.PurgeBatch(ctx, s.base.Add(-24*time.Hour), 1)
	s.Require().NoError(err)
	s.Equal(1, purged)
	_, err = s.store.GetByID(ctx, older.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)

	purged, err = s.store.PurgeBatch(ctx, s.base.Add(-24*time.Hour), 10)
	s.Require().NoError(err)
	s.Equal(1, purged)

	events, err := s.store.GetByResource(ctx, models.ResourcePatient, "P5")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(recent.ID, events[0].ID)
}

func (s *InMemoryStoreSuite) TestAggregate() {
	ctx := context.Background()
	s.append(
		s.event(0, "u-1", models.ActionLoginFailed),
		s.event(time.Minute, "u-1", models.ActionLoginFailed),
		s.event(2*time.Minute, "u-1", models.ActionAccessDenied),
		s.event(3*time.Minute, "u-2", models.ActionRead),
		s.event(25*time.Hour, "u-2", models.ActionRead),
	)

	stats, err := s.store.Aggregate(ctx, models.TimeRange{From: s.base, To: s.base.Add(24 * time.Hour)}, 10)
	s.Require().NoError(err)
	s.Equal(2, stats.EventsByAction[models.ActionLoginFailed])
	s.Equal(4, stats.EventsByResourceType[models.ResourcePatient])
	s.Equal(3, stats.FailedAccessAttempts)
	s.Equal(3, stats.FailedAccessByActor["u-1"])
	s.Require().Len(stats.TopActors, 2)
	s.Equal("u-1", stats.TopActors[0].ActorID)
	s.Equal([]models.DayCount{{Day: "2025-06-15", Count: 4}}, stats.EventsPerDay)
}

func (s *InMemoryStoreSuite) TestListFlagged() {
	plain := s.event(0, "u-1", models.ActionRead)
	first := s.event(time.Minute, "u-1", models.ActionAccessDenied)
	first.Flagged = true
	second := s.event(2*time.Minute, "u-1", models.ActionAccessDenied)
	second.Flagged = true
	s.append(plain, first, second)

	events, err := s.store.ListFlagged(context.Background(), 10)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(second.ID, events[0].ID)
	s.Equal(first.ID, events[1].ID)
}
