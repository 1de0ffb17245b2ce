package models

// ActorCount is one row of a per-actor ranking.
type ActorCount struct {
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
	Count     int    `json:"count"`
}

// DayCount is the number of events on one UTC day (YYYY-MM-DD).
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// Statistics aggregates events in a time range.
type Statistics struct {
	EventsByAction       map[Action]int       `json:"events_by_action"`
	EventsByResourceType map[ResourceType]int `json:"events_by_resource_type"`
	TopActors            []ActorCount         `json:"top_actors"`
	FailedAccessAttempts int                  `json:"failed_access_attempts"`
	FailedAccessByActor  map[string]int       `json:"failed_access_by_actor"`
	EventsPerDay         []DayCount           `json:"events_per_day"`
}

// NewStatistics returns Statistics with non-nil maps.
func NewStatistics() Statistics {
	return Statistics{
		EventsByAction:       make(map[Action]int),
		EventsByResourceType: make(map[ResourceType]int),
		FailedAccessByActor:  make(map[string]int),
	}
}

// DayLayout formats the EventsPerDay buckets.
const DayLayout = "2006-01-02"
