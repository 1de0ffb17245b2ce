package models

import (
	"time"

	"github.com/google/uuid"

	dErrors "auditvault/pkg/domain-errors"
)

// SystemActorID identifies unauthenticated callers and the system itself.
const SystemActorID = "system"

// Event is one immutable audit record.
//
// ActorName and ActorRole are a snapshot taken when the event happened, not
// a reference to the live user: later renames must not rewrite history.
type Event struct {
	ID           uuid.UUID         `json:"id" yaml:"id"`
	OccurredAt   time.Time         `json:"occurred_at" yaml:"occurred_at"`
	ActorID      string            `json:"actor_id" yaml:"actor_id"`
	ActorName    string            `json:"actor_name" yaml:"actor_name"`
	ActorRole    string            `json:"actor_role" yaml:"actor_role"`
	Action       Action            `json:"action" yaml:"action"`
	ResourceType ResourceType      `json:"resource_type" yaml:"resource_type"`
	ResourceID   string            `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	PatientID    string            `json:"patient_id,omitempty" yaml:"patient_id,omitempty"`
	Details      map[string]string `json:"details,omitempty" yaml:"details,omitempty"`
	SourceIP     string            `json:"source_ip,omitempty" yaml:"source_ip,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	SessionID    string            `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Severity     Severity          `json:"severity" yaml:"severity"`
	Category     Category          `json:"category" yaml:"category"`
	Flagged      bool              `json:"flagged" yaml:"flagged"`
	Checksum     string            `json:"checksum" yaml:"checksum"`
}

// Validate checks the mandatory fields. Checksum is checked separately by
// the store since it is set last.
func (e Event) Validate() error {
	switch {
	case e.ID == uuid.Nil:
		return dErrors.New(dErrors.CodeValidation, "event id is required")
	case e.OccurredAt.IsZero():
		return dErrors.New(dErrors.CodeValidation, "occurred_at is required")
	case e.ActorID == "":
		return dErrors.New(dErrors.CodeValidation, "actor_id is required")
	case e.ActorName == "":
		return dErrors.New(dErrors.CodeValidation, "actor_name is required")
	case e.ActorRole == "":
		return dErrors.New(dErrors.CodeValidation, "actor_role is required")
	case !e.Action.IsValid():
		return dErrors.New(dErrors.CodeValidation, "invalid action")
	case !e.ResourceType.IsValid():
		return dErrors.New(dErrors.CodeValidation, "invalid resource_type")
	case !e.Severity.IsValid():
		return dErrors.New(dErrors.CodeValidation, "invalid severity")
	case !e.Category.IsValid():
		return dErrors.New(dErrors.CodeValidation, "invalid category")
	}
	return nil
}

// Clone returns a deep copy so callers cannot reach stored detail maps.
func (e Event) Clone() Event {
	if e.Details != nil {
		details := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}
	return e
}
