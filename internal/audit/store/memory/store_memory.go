package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"auditvault/internal/audit/models"
	"auditvault/pkg/platform/sentinel"
)

type resourceKey struct {
	resourceType models.ResourceType
	resourceID   string
}

type record struct {
	event models.Event
	tier  models.Tier
}

// InMemoryStore keeps both tiers in process with the same four access paths
// as the Postgres schema: actor, resource, action and time. Records are
// cloned on the way in and out so callers never share detail maps.
type InMemoryStore struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*record
	byActor    map[string][]*record
	byResource map[resourceKey][]*record
	byAction   map[models.Action][]*record
	// timeline is sorted by occurred_at then id, ascending.
	timeline []*record
}

func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{}
	s.reset()
	return s
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *InMemoryStore) reset() {
	s.byID = make(map[uuid.UUID]*record)
	s.byActor = make(map[string][]*record)
	s.byResource = make(map[resourceKey][]*record)
	s.byAction = make(map[models.Action][]*record)
	s.timeline = nil
}

func ascending(a, b models.Event) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	return a.ID.String() < b.ID.String()
}

// insertSorted keeps an index slice ordered ascending.
func insertSorted(list []*record, r *record) []*record {
	i := sort.Search(len(list), func(i int) bool { return !ascending(list[i].event, r.event) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = r
	return list
}

func removeRecord(list []*record, r *record) []*record {
	for i, candidate := range list {
		if candidate == r {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (s *InMemoryStore) Append(ctx context.Context, event models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[event.ID]; exists {
		return sentinel.ErrConflict
	}
	r := &record{event: event.Clone(), tier: models.TierHot}
	s.byID[event.ID] = r
	s.byActor[event.ActorID] = insertSorted(s.byActor[event.ActorID], r)
	key := resourceKey{event.ResourceType, event.ResourceID}
	s.byResource[key] = insertSorted(s.byResource[key], r)
	s.byAction[event.Action] = insertSorted(s.byAction[event.Action], r)
	s.timeline = insertSorted(s.timeline, r)
	return nil
}

func (s *InMemoryStore) GetByID(_ context.Context, id uuid.UUID) (models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return models.Event{}, sentinel.ErrNotFound
	}
	return r.event.Clone(), nil
}

func (s *InMemoryStore) GetByResource(_ context.Context, resourceType models.ResourceType, resourceID string) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byResource[resourceKey{resourceType, resourceID}]
	events := make([]models.Event, 0, len(list))
	for _, r := range list {
		events = append(events, r.event.Clone())
	}
	return events, nil
}

func (s *InMemoryStore) GetByActor(_ context.Context, actorID string, tr models.TimeRange) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []models.Event
	for _, r := range s.byActor[actorID] {
		if tr.Contains(r.event.OccurredAt) {
			events = append(events, r.event.Clone())
		}
	}
	return events, nil
}

// candidates picks the narrowest index for the criteria.
func (s *InMemoryStore) candidates(c models.Criteria) []*record {
	switch {
	case c.ResourceType != "" && c.ResourceID != "":
		return s.byResource[resourceKey{c.ResourceType, c.ResourceID}]
	case c.ActorID != "":
		return s.byActor[c.ActorID]
	case len(c.Actions) == 1:
		return s.byAction[c.Actions[0]]
	default:
		return s.timeline
	}
}

func visible(c models.Criteria, r *record) bool {
	if c.ActiveOnly && r.tier != models.TierHot {
		return false
	}
	return c.Matches(r.event)
}

// Search walks the chosen index newest first and returns one page.
func (s *InMemoryStore) Search(ctx context.Context, c models.Criteria, page models.Page) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.candidates(c)
	offset := page.Offset()
	var events []models.Event
	for i := len(list) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !visible(c, list[i]) {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		events = append(events, list[i].event.Clone())
		if len(events) == page.Size {
			break
		}
	}
	return events, nil
}

func (s *InMemoryStore) Count(ctx context.Context, c models.Criteria) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, r := range s.candidates(c) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if visible(c, r) {
			total++
		}
	}
	return total, nil
}

// Aggregate streams over the time index with running counters.
func (s *InMemoryStore) Aggregate(ctx context.Context, tr models.TimeRange, topN int) (models.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.NewStatistics()
	actorCounts := make(map[string]*models.ActorCount)
	dayCounts := make(map[string]int)
	for _, r := range s.timeline {
		if err := ctx.Err(); err != nil {
			return models.Statistics{}, err
		}
		e := r.event
		if !tr.Contains(e.OccurredAt) {
			continue
		}
		stats.EventsByAction[e.Action]++
		stats.EventsByResourceType[e.ResourceType]++
		ac, ok := actorCounts[e.ActorID]
		if !ok {
			ac = &models.ActorCount{ActorID: e.ActorID}
			actorCounts[e.ActorID] = ac
		}
		ac.ActorName = e.ActorName
		ac.Count++
		if e.Action.IsFailedAccess() {
			stats.FailedAccessAttempts++
			stats.FailedAccessByActor[e.ActorID]++
		}
		dayCounts[e.OccurredAt.UTC().Format(models.DayLayout)]++
	}

	for _, ac := range actorCounts {
		stats.TopActors = append(stats.TopActors, *ac)
	}
	sort.Slice(stats.TopActors, func(i, j int) bool {
		if stats.TopActors[i].Count != stats.TopActors[j].Count {
			return stats.TopActors[i].Count > stats.TopActors[j].Count
		}
		return stats.TopActors[i].ActorID < stats.TopActors[j].ActorID
	})
	if topN > 0 && len(stats.TopActors) > topN {
		stats.TopActors = stats.TopActors[:topN]
	}
	for day, n := range dayCounts {
		stats.EventsPerDay = append(stats.EventsPerDay, models.DayCount{Day: day, Count: n})
	}
	sort.Slice(stats.EventsPerDay, func(i, j int) bool { return stats.EventsPerDay[i].Day < stats.EventsPerDay[j].Day })
	return stats, nil
}

func (s *InMemoryStore) ListFlagged(_ context.Context, limit int) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []models.Event
	for i := len(s.timeline) - 1; i >= 0 && len(events) < limit; i-- {
		if s.timeline[i].event.Flagged {
			events = append(events, s.timeline[i].event.Clone())
		}
	}
	return events, nil
}

// ArchiveBatch flips the tier of the oldest qualifying hot records. The
// event itself is untouched.
func (s *InMemoryStore) ArchiveBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := 0
	for _, r := range s.timeline {
		if moved == batchSize || !r.event.OccurredAt.Before(cutoff) {
			break
		}
		if r.tier == models.TierHot {
			r.tier = models.TierArchive
			moved++
		}
	}
	return moved, nil
}

func (s *InMemoryStore) PurgeBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var doomed []*record
	for _, r := range s.timeline {
		if len(doomed) == batchSize || !r.event.OccurredAt.Before(cutoff) {
			break
		}
		doomed = append(doomed, r)
	}
	for _, r := range doomed {
		e := r.event
		delete(s.byID, e.ID)
		s.byActor[e.ActorID] = removeRecord(s.byActor[e.ActorID], r)
		key := resourceKey{e.ResourceType, e.ResourceID}
		s.byResource[key] = removeRecord(s.byResource[key], r)
		s.byAction[e.Action] = removeRecord(s.byAction[e.Action], r)
	}
	s.timeline = s.timeline[len(doomed):]
	return len(doomed), nil
}

// Tier reports which tier holds id.
func (s *InMemoryStore) Tier(id uuid.UUID) (models.Tier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return "", false
	}
	return r.tier, true
}
