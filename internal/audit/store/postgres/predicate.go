package postgres

import (
	"strconv"
	"strings"

	"github.com/lib/pq"

	"auditvault/internal/audit/models"
)

// predicate is the single WHERE builder behind Search, Count and Aggregate.
// It is rendered once and the rendered clause is reused verbatim for every
// tier and for both the page query and the count query, so the two can
// never disagree about which rows match.
type predicate struct {
	clauses []string
	args    []any
}

// arg binds v and returns its placeholder.
func (p *predicate) arg(v any) string {
	p.args = append(p.args, v)
	return "$" + strconv.Itoa(len(p.args))
}

func (p *predicate) where(clause string) {
	p.clauses = append(p.clauses, clause)
}

// sql renders the WHERE clause (or an always-true clause).
func (p *predicate) sql() string {
	if len(p.clauses) == 0 {
		return "TRUE"
	}
	return strings.Join(p.clauses, " AND ")
}

func buildPredicate(c models.Criteria) *predicate {
	p := &predicate{}
	if c.ActorID != "" {
		p.where("actor_id = " + p.arg(c.ActorID))
	}
	if len(c.Actions) > 0 {
		actions := make([]string, len(c.Actions))
		for i, a := range c.Actions {
			actions[i] = string(a)
		}
		p.where("action = ANY(" + p.arg(pq.Array(actions)) + "::text[])")
	}
	if c.ResourceType != "" {
		p.where("resource_type = " + p.arg(string(c.ResourceType)))
	}
	if c.ResourceID != "" {
		p.where("resource_id = " + p.arg(c.ResourceID))
	}
	if c.PatientID != "" {
		p.where("patient_id = " + p.arg(c.PatientID))
	}
	if c.Severity != "" {
		p.where("severity = " + p.arg(string(c.Severity)))
	}
	if c.Category != "" {
		p.where("category = " + p.arg(string(c.Category)))
	}
	if c.Flagged != nil {
		p.where("flagged = " + p.arg(*c.Flagged))
	}
	if !c.Range.From.IsZero() {
		p.where("occurred_at >= " + p.arg(c.Range.From))
	}
	if !c.Range.To.IsZero() {
		p.where("occurred_at < " + p.arg(c.Range.To))
	}
	if c.Text != "" {
		pattern := p.arg("%" + escapeLike(c.Text) + "%")
		p.where("(actor_name ILIKE " + pattern +
			" OR EXISTS (SELECT 1 FROM jsonb_each_text(details) AS d WHERE d.value ILIKE " + pattern + "))")
	}
	return p
}

// escapeLike neutralises LIKE wildcards in user text (backslash is the
// default escape character).
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

const eventColumns = `id, occurred_at, actor_id, actor_name, actor_role, action, resource_type,
	resource_id, patient_id, details, source_ip, user_agent, session_id,
	severity, category, flagged, checksum`

// source renders a FROM-able relation of the tiers the criteria cover, each
// branch filtered by the same rendered predicate.
func source(where string, activeOnly bool) string {
	hot := "SELECT " + eventColumns + " FROM audit_events WHERE " + where
	if activeOnly {
		return "(" + hot + ") AS e"
	}
	archive := "SELECT " + eventColumns + " FROM audit_events_archive WHERE " + where
	return "(" + hot + " UNION ALL " + archive + ") AS e"
}
