package ingest

import (
	"context"
	"errors"
	"maps"

	"github.com/google/uuid"

	"auditvault/internal/audit/models"
)

// Policy decides what happens to an operation when its audit record cannot
// be written.
type Policy int

const (
	// FailOpen runs the operation and reports the audit failure alongside
	// its result.
	FailOpen Policy = iota
	// FailClosed records before the operation and refuses to run it when
	// the record fails.
	FailClosed
)

func (p Policy) String() string {
	if p == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// PolicyFor returns the default policy for an action. Destructive and
// disclosing actions are fail-closed.
func PolicyFor(a models.Action) Policy {
	switch a {
	case models.ActionDelete, models.ActionExport, models.ActionPermissionChange, models.ActionAmend:
		return FailClosed
	}
	return FailOpen
}

const (
	outcomeAttempted = "attempted"
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
)

// EntryRecorder is the part of Recorder the guard needs.
type EntryRecorder interface {
	Record(ctx context.Context, entry Entry) (uuid.UUID, error)
}

// AuditError marks an audit write failure returned next to an operation's
// own result.
type AuditError struct {
	Err error
}

func (e *AuditError) Error() string { return "audit record failed: " + e.Err.Error() }
func (e *AuditError) Unwrap() error { return e.Err }

// Audited runs op under the default policy for the entry's action.
func Audited[T any](ctx context.Context, rec EntryRecorder, entry Entry, op func(context.Context) (T, error)) (T, error) {
	return AuditedWith(ctx, rec, entry, PolicyFor(entry.Action), op)
}

// AuditedWith runs op and records its outcome under the given policy.
//
// FailClosed: an "attempted" event is recorded first; if that fails op never
// runs. A failed op is followed by a "failed" event; if that write fails too
// it is joined to op's error as an *AuditError.
//
// FailOpen: op runs first, then its outcome is recorded. An audit failure is
// joined to op's error as an *AuditError so the caller can log or alert on it
// without losing op's result.
func AuditedWith[T any](ctx context.Context, rec EntryRecorder, entry Entry, policy Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if policy == FailClosed {
		if _, err := rec.Record(ctx, withOutcome(entry, outcomeAttempted)); err != nil {
			return zero, &AuditError{Err: err}
		}
		result, opErr := op(ctx)
		if opErr != nil {
			if _, err := rec.Record(ctx, withOutcome(entry, outcomeFailed)); err != nil {
				return result, errors.Join(opErr, &AuditError{Err: err})
			}
			return result, opErr
		}
		return result, nil
	}

	result, opErr := op(ctx)
	outcome := outcomeSucceeded
	if opErr != nil {
		outcome = outcomeFailed
	}
	if _, err := rec.Record(ctx, withOutcome(entry, outcome)); err != nil {
		return result, errors.Join(opErr, &AuditError{Err: err})
	}
	return result, opErr
}

// IsAuditFailure reports whether err carries an audit write failure.
func IsAuditFailure(err error) bool {
	var ae *AuditError
	return errors.As(err, &ae)
}

// OperationErr strips audit failures from err and returns what remains of
// the operation's own error, or nil when only the audit failed.
func OperationErr(err error) error {
	var ae *AuditError
	if err == nil || (errors.As(err, &ae) && error(ae) == err) {
		return nil
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return err
	}
	var rest []error
	for _, e := range joined.Unwrap() {
		if !errors.As(e, &ae) {
			rest = append(rest, e)
		}
	}
	return errors.Join(rest...)
}

func withOutcome(entry Entry, outcome string) Entry {
	details := make(map[string]string, len(entry.Details)+1)
	maps.Copy(details, entry.Details)
	details["outcome"] = outcome
	entry.Details = details
	return entry
}
