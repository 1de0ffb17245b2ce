package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"auditvault/internal/audit/models"
)

func TestBuildPredicate(t *testing.T) {
	t.Run("empty criteria match everything", func(t *testing.T) {
		p := buildPredicate(models.Criteria{})
		assert.Equal(t, "TRUE", p.sql())
		assert.Empty(t, p.args)
	})

	t.Run("filters are AND-combined with sequential placeholders", func(t *testing.T) {
		flagged := true
		from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		p := buildPredicate(models.Criteria{
			ActorID:      "u-1",
			Actions:      []models.Action{models.ActionRead, models.ActionExport},
			ResourceType: models.ResourcePatient,
			ResourceID:   "P5",
			Flagged:      &flagged,
			Range:        models.TimeRange{From: from},
		})
		sql := p.sql()
		assert.Equal(t, "actor_id = $1 AND action = ANY($2::text[]) AND resource_type = $3 AND resource_id = $4 AND flagged = $5 AND occurred_at >= $6", sql)
		assert.Len(t, p.args, 6)
	})

	t.Run("text filter reuses one placeholder and escapes wildcards", func(t *testing.T) {
		p := buildPredicate(models.Criteria{Text: "50%_off"})
		assert.Equal(t, 2, strings.Count(p.sql(), "$1"))
		assert.Equal(t, []any{`%50\%\_off%`}, p.args)
	})

	t.Run("page and count share the rendered predicate", func(t *testing.T) {
		c := models.Criteria{ActorID: "u-1", PatientID: "P5"}
		page := searchQuery(buildPredicate(c), c.ActiveOnly, 10, 20)
		count := countQuery(buildPredicate(c), c.ActiveOnly)
		where := buildPredicate(c).sql()
		assert.Contains(t, page.sql, where)
		assert.Contains(t, count.sql, where)
		assert.Equal(t, count.args, page.args[:len(count.args)])
	})

	t.Run("active only skips the archive tier", func(t *testing.T) {
		q := countQuery(buildPredicate(models.Criteria{ActiveOnly: true}), true)
		assert.NotContains(t, q.sql, "audit_events_archive")
		q = countQuery(buildPredicate(models.Criteria{}), false)
		assert.Contains(t, q.sql, "audit_events_archive")
	})
}
