package ingest

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"auditvault/internal/audit/models"
)

// LoginSucceeded records a successful login and clears the actor's failed
// login streak.
func (r *Recorder) LoginSucceeded(ctx context.Context, actor Actor, method string) (uuid.UUID, error) {
	return r.Record(ctx, Entry{
		Actor:        actor,
		Action:       models.ActionLogin,
		ResourceType: models.ResourceUser,
		ResourceID:   actor.ID,
		Details:      pairs("method", method),
	})
}

// LoginFailed records a failed login. The attempted username is the actor
// since nobody is authenticated yet.
func (r *Recorder) LoginFailed(ctx context.Context, username, method, reason string) (uuid.UUID, error) {
	return r.Record(ctx, Entry{
		Actor:        Actor{ID: username, Name: username, Role: unknownRole},
		Action:       models.ActionLoginFailed,
		ResourceType: models.ResourceUser,
		ResourceID:   username,
		Details:      pairs("method", method, "failure_reason", reason),
	})
}

func (r *Recorder) Logout(ctx context.Context, actor Actor) (uuid.UUID, error) {
	return r.Record(ctx, Entry{
		Actor:        actor,
		Action:       models.ActionLogout,
		ResourceType: models.ResourceUser,
		ResourceID:   actor.ID,
	})
}

// AccessDenied records a rejected attempt on a resource. Repeated denials
// for the same actor are flagged.
func (r *Recorder) AccessDenied(ctx context.Context, actor Actor, resourceType models.ResourceType, resourceID, permission string) (uuid.UUID, error) {
	return r.Record(ctx, Entry{
		Actor:        actor,
		Action:       models.ActionAccessDenied,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      pairs("required_permission", permission),
	})
}

// PHIViewed records a read of patient data. patientID may be empty when the
// resource itself identifies the patient or a resolver is configured.
func (r *Recorder) PHIViewed(ctx context.Context, actor Actor, resourceType models.ResourceType, resourceID, patientID, purpose string) (uuid.UUID, error) {
	return r.Record(ctx, Entry{
		Actor:        actor,
		Action:       models.ActionRead,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		PatientID:    patientID,
		Details:      pairs("purpose", purpose),
	})
}

func (r *Recorder) PasswordChanged(ctx context.Context, actor Actor, targetUserID string, forced bool) (uuid.UUID, error) {
	return r.Record(ctx, Entry{
		Actor:        actor,
		Action:       models.ActionPasswordChange,
		ResourceType: models.ResourceUser,
		ResourceID:   targetUserID,
		Details:      pairs("forced", strconv.FormatBool(forced)),
	})
}

// Exported records a bulk export of records of the given type.
func (r *Recorder) Exported(ctx context.Context, actor Actor, resourceType models.ResourceType, format string, recordCount int, criteria string) (uuid.UUID, error) {
	return r.Record(ctx, Entry{
		Actor:        actor,
		Action:       models.ActionExport,
		ResourceType: resourceType,
		Details: pairs(
			"format", format,
			"record_count", strconv.Itoa(recordCount),
			"criteria", criteria,
		),
	})
}

// pairs builds a details map from key/value pairs, skipping empty values.
func pairs(kv ...string) map[string]string {
	out := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			out[kv[i]] = kv[i+1]
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
