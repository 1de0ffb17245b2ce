//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"auditvault/internal/audit/integrity"
	"auditvault/internal/audit/models"
	"auditvault/internal/audit/store/postgres"
	"auditvault/pkg/platform/sentinel"
	"auditvault/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
	codec    *integrity.Codec
	base     time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = postgres.New(s.postgres.DB)
	s.Require().NoError(s.store.Migrate(context.Background()))

	codec, err := integrity.New(integrity.Config{Salt: []byte("integration-test-salt-0123456789")})
	s.Require().NoError(err)
	s.codec = codec
	s.base = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "audit_events", "audit_events_archive")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) sealed(offset time.Duration, actor string, action models.Action) models.Event {
	id, err := uuid.NewV7()
	s.Require().NoError(err)
	e, err := s.codec.Seal(models.Event{
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
		SourceIP:     "10.0.0.1",
		Severity:     models.SeverityInfo,
		Category:     models.CategoryDataAccess,
	})
	s.Require().NoError(err)
	return e
}

func (s *PostgresStoreSuite) append(events ...models.Event) {
	for _, e := range events {
		s.Require().NoError(s.store.Append(context.Background(), e))
	}
}

func (s *PostgresStoreSuite) TestRoundTripPreservesChecksum() {
	ctx := context.Background()
	e := s.sealed(0, "u-1", models.ActionRead)
	e.UserAgent = ""
	s.append(e)

	got, err := s.store.GetByID(ctx, e.ID)
	s.Require().NoError(err)
	s.Equal(e, got)
	s.Equal(integrity.Valid, s.codec.Verify(got))
}

func (s *PostgresStoreSuite) TestDuplicateIDIsConflict() {
	e := s.sealed(0, "u-1", models.ActionRead)
	s.append(e)
	err := s.store.Append(context.Background(), e)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestGetByIDMissing() {
	_, err := s.store.GetByID(context.Background(), uuid.New())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestUpdateIsRejected() {
	e := s.sealed(0, "u-1", models.ActionRead)
	s.append(e)
	_, err := s.postgres.DB.ExecContext(context.Background(),
		`UPDATE audit_events SET actor_name = 'someone else' WHERE id = $1`, e.ID)
	s.Error(err)
}

func (s *PostgresStoreSuite) TestSearchAndCountAgree() {
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		s.append(s.sealed(time.Duration(i)*time.Minute, "u-1", models.ActionRead))
	}
	s.append(s.sealed(time.Hour, "u-2", models.ActionExport))

	c := models.Criteria{ActorID: "u-1", Actions: []models.Action{models.ActionRead}}
	total, err := s.store.Count(ctx, c)
	s.Require().NoError(err)
	s.Equal(7, total)

	seen := map[uuid.UUID]bool{}
	var previous *models.Event
	for n := 1; ; n++ {
		page, err := s.store.Search(ctx, c, models.Page{Number: n, Size: 3})
		s.Require().NoError(err)
		if len(page) == 0 {
			break
		}
		for i := range page {
			if previous != nil {
				s.True(models.Less(*previous, page[i]))
			}
			seen[page[i].ID] = true
			previous = &page[i]
		}
	}
	s.Len(seen, total)
}

func (s *PostgresStoreSuite) TestTextSearchMatchesDetails() {
	ctx := context.Background()
	e := s.sealed(0, "u-1", models.ActionSearch)
	e.Details = map[string]string{"query": "Jane 50%"}
	e, err := s.codec.Seal(e)
	s.Require().NoError(err)
	s.append(e, s.sealed(time.Second, "u-2", models.ActionRead))

	found, err := s.store.Search(ctx, models.Criteria{Text: "jane 50%"}, models.Page{Number: 1, Size: 10})
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Equal(e.ID, found[0].ID)
}

func (s *PostgresStoreSuite) TestArchiveMovesVerbatim() {
	ctx := context.Background()
	old := s.sealed(-48*time.Hour, "u-1", models.ActionRead)
	recent := s.sealed(0, "u-1", models.ActionRead)
	s.append(old, recent)

	moved, err := s.store.ArchiveBatch(ctx, s.base.Add(-time.Hour), 100)
	s.Require().NoError(err)
	s.Equal(1, moved)

	moved, err = s.store.ArchiveBatch(ctx, s.base.Add(-time.Hour), 100)
	s.Require().NoError(err)
	s.Zero(moved)

	got, err := s.store.GetByID(ctx, old.ID)
	s.Require().NoError(err)
	s.Equal(old, got)
	s.Equal(integrity.Valid, s.codec.Verify(got))

	active, err := s.store.Count(ctx, models.Criteria{ActiveOnly: true})
	s.Require().NoError(err)
	s.Equal(1, active)
	all, err := s.store.Count(ctx, models.Criteria{})
	s.Require().NoError(err)
	s.Equal(2, all)
}

func (s *PostgresStoreSuite) TestPurgeSpansBothTiers() {
	ctx := context.Background()
	archived := s.sealed(-72*time.Hour, "u-1", models.ActionRead)
	hot := s.sealed(-48*time.Hour, "u-1", models.ActionRead)
	kept := s.sealed(0, "u-1", models.ActionRead)
	s.append(archived, hot, kept)
	_, err := s.store.ArchiveBatch(ctx, s.base.Add(-60*time.Hour), 10)
	s.Require().NoError(err)

	purged, err := s.store.PurgeBatch(ctx, s.base.Add(-time.Hour), 10)
	s.Require().NoError(err)
	s.Equal(2, purged)

	_, err = s.store.GetByID(ctx, archived.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.GetByID(ctx, kept.ID)
	s.NoError(err)
}

func (s *PostgresStoreSuite) TestAggregate() {
	ctx := context.Background()
	s.append(
		s.sealed(0, "u-1", models.ActionLoginFailed),
		s.sealed(time.Second, "u-1", models.ActionLoginFailed),
		s.sealed(2*time.Second, "u-1", models.ActionAccessDenied),
		s.sealed(3*time.Second, "u-2", models.ActionRead),
		s.sealed(25*time.Hour, "u-2", models.ActionRead),
	)

	stats, err := s.store.Aggregate(ctx, models.TimeRange{}, 1)
	s.Require().NoError(err)
	s.Equal(2, stats.EventsByAction[models.ActionLoginFailed])
	s.Equal(5, stats.EventsByResourceType[models.ResourcePatient])
	s.Equal(3, stats.FailedAccessAttempts)
	s.Equal(3, stats.FailedAccessByActor["u-1"])
	s.Require().Len(stats.TopActors, 1)
	s.Equal("u-1", stats.TopActors[0].ActorID)
	s.Equal([]models.DayCount{{Day: "2025-06-15", Count: 4}, {Day: "2025-06-16", Count: 1}}, stats.EventsPerDay)
}
