package models

import (
	"strings"
	"time"

	dErrors "auditvault/pkg/domain-errors"
)

// TimeRange is the half-open interval [From, To). A zero bound is open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Validate rejects inverted ranges.
func (r TimeRange) Validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return dErrors.New(dErrors.CodeValidation, "invalid time range: from must be before to")
	}
	return nil
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Criteria is the set of optional search filters. Every set filter must
// match (logical AND).
type Criteria struct {
	ActorID      string
	Actions      []Action
	ResourceType ResourceType
	ResourceID   string
	PatientID    string
	Severity     Severity
	Category     Category
	Flagged      *bool
	Range        TimeRange
	// Text is a case-insensitive substring match over detail values and actor name.
	Text string
	// ActiveOnly restricts the search to the hot tier.
	ActiveOnly bool
}

// MaxTextLength bounds the free-text filter.
const MaxTextLength = 200

// Validate fails fast on malformed criteria before any storage access.
func (c Criteria) Validate() error {
	for _, a := range c.Actions {
		if !a.IsValid() {
			return dErrors.New(dErrors.CodeValidation, "invalid criteria: unknown action "+string(a))
		}
	}
	if c.ResourceType != "" && !c.ResourceType.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "invalid criteria: unknown resource type")
	}
	if c.ResourceID != "" && c.ResourceType == "" {
		return dErrors.New(dErrors.CodeValidation, "invalid criteria: resource id requires resource type")
	}
	if c.Severity != "" && !c.Severity.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "invalid criteria: unknown severity")
	}
	if c.Category != "" && !c.Category.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "invalid criteria: unknown category")
	}
	if len(c.Text) > MaxTextLength {
		return dErrors.New(dErrors.CodeValidation, "invalid criteria: text filter too long")
	}
	if err := c.Range.Validate(); err != nil {
		return err
	}
	return nil
}

// Matches is the in-process form of the search predicate. Stores that
// filter in memory use it for both the page and the count.
func (c Criteria) Matches(e Event) bool {
	if c.ActorID != "" && e.ActorID != c.ActorID {
		return false
	}
	if len(c.Actions) > 0 && !containsAction(c.Actions, e.Action) {
		return false
	}
	if c.ResourceType != "" && e.ResourceType != c.ResourceType {
		return false
	}
	if c.ResourceID != "" && e.ResourceID != c.ResourceID {
		return false
	}
	if c.PatientID != "" && e.PatientID != c.PatientID {
		return false
	}
	if c.Severity != "" && e.Severity != c.Severity {
		return false
	}
	if c.Category != "" && e.Category != c.Category {
		return false
	}
	if c.Flagged != nil && e.Flagged != *c.Flagged {
		return false
	}
	if !c.Range.Contains(e.OccurredAt) {
		return false
	}
	if c.Text != "" && !matchesText(e, c.Text) {
		return false
	}
	return true
}

func containsAction(actions []Action, a Action) bool {
	for _, candidate := range actions {
		if candidate == a {
			return true
		}
	}
	return false
}

func matchesText(e Event, text string) bool {
	needle := strings.ToLower(text)
	if strings.Contains(strings.ToLower(e.ActorName), needle) {
		return true
	}
	for _, v := range e.Details {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}

// Page addresses one page of a result set. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// Less orders events newest first, ties broken by id descending. UUIDv7 ids
// sort by creation time so the tie-break is deterministic.
func Less(a, b Event) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.After(b.OccurredAt)
	}
	return strings.Compare(a.ID.String(), b.ID.String()) > 0
}
