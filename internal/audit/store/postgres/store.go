package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"auditvault/internal/audit/models"
	"auditvault/pkg/platform/sentinel"
	txcontext "auditvault/pkg/platform/tx"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store persists audit events in two tables, one per tier. Writes and
// integrity reads always go to the primary; searches and aggregates may be
// served by a replica.
type Store struct {
	db     *sql.DB
	reader *sql.DB
}

// Option configures the Store.
type Option func(*Store)

// WithReader routes Search, Count, Aggregate and ListFlagged to a replica.
func WithReader(reader *sql.DB) Option {
	return func(s *Store) {
		if reader != nil {
			s.reader = reader
		}
	}
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, reader: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply audit schema: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append inserts one event into the hot tier. There is no ON CONFLICT
// clause: a duplicate id is a generation bug and must surface.
func (s *Store) Append(ctx context.Context, event models.Event) error {
	details, err := marshalDetails(event.Details)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO audit_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		event.ID,
		event.OccurredAt,
		event.ActorID,
		event.ActorName,
		event.ActorRole,
		string(event.Action),
		string(event.ResourceType),
		nullable(event.ResourceID),
		nullable(event.PatientID),
		details,
		nullable(event.SourceIP),
		nullable(event.UserAgent),
		nullable(event.SessionID),
		string(event.Severity),
		string(event.Category),
		event.Flagged,
		event.Checksum,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert audit event %s: %w", event.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert audit event: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

// GetByID reads from the primary so integrity checks see the latest write.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE id = $1
		UNION ALL
		SELECT ` + eventColumns + ` FROM audit_events_archive WHERE id = $1
		LIMIT 1`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return models.Event{}, unavailable("get audit event", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return models.Event{}, err
	}
	if len(events) == 0 {
		return models.Event{}, sentinel.ErrNotFound
	}
	return events[0], nil
}

func (s *Store) GetByResource(ctx context.Context, resourceType models.ResourceType, resourceID string) ([]models.Event, error) {
	p := &predicate{}
	p.where("resource_type = " + p.arg(string(resourceType)))
	p.where("resource_id = " + p.arg(resourceID))
	query := `SELECT ` + eventColumns + ` FROM ` + source(p.sql(), false) + ` ORDER BY occurred_at ASC, id ASC`
	return s.queryEvents(ctx, s.reader, query, p.args...)
}

func (s *Store) GetByActor(ctx context.Context, actorID string, r models.TimeRange) ([]models.Event, error) {
	p := buildPredicate(models.Criteria{ActorID: actorID, Range: r})
	query := `SELECT ` + eventColumns + ` FROM ` + source(p.sql(), false) + ` ORDER BY occurred_at ASC, id ASC`
	return s.queryEvents(ctx, s.reader, query, p.args...)
}

type statement struct {
	sql  string
	args []any
}

func searchQuery(p *predicate, activeOnly bool, limit, offset int) statement {
	where := p.sql()
	limitArg := p.arg(limit)
	offsetArg := p.arg(offset)
	return statement{
		sql: `SELECT ` + eventColumns + ` FROM ` + source(where, activeOnly) +
			` ORDER BY occurred_at DESC, id DESC LIMIT ` + limitArg + ` OFFSET ` + offsetArg,
		args: p.args,
	}
}

func countQuery(p *predicate, activeOnly bool) statement {
	return statement{
		sql:  `SELECT count(*) FROM ` + source(p.sql(), activeOnly),
		args: p.args,
	}
}

func (s *Store) Search(ctx context.Context, c models.Criteria, page models.Page) ([]models.Event, error) {
	q := searchQuery(buildPredicate(c), c.ActiveOnly, page.Size, page.Offset())
	return s.queryEvents(ctx, s.reader, q.sql, q.args...)
}

func (s *Store) Count(ctx context.Context, c models.Criteria) (int, error) {
	q := countQuery(buildPredicate(c), c.ActiveOnly)
	var total int
	if err := s.reader.QueryRowContext(ctx, q.sql, q.args...).Scan(&total); err != nil {
		return 0, unavailable("count audit events", err)
	}
	return total, nil
}

func (s *Store) ListFlagged(ctx context.Context, limit int) ([]models.Event, error) {
	flagged := true
	q := searchQuery(buildPredicate(models.Criteria{Flagged: &flagged}), false, limit, 0)
	return s.queryEvents(ctx, s.reader, q.sql, q.args...)
}

// Aggregate runs the grouped counts concurrently; each is computed by the
// database so no event rows are materialised here.
func (s *Store) Aggregate(ctx context.Context, r models.TimeRange, topN int) (models.Statistics, error) {
	p := buildPredicate(models.Criteria{Range: r})
	from := source(p.sql(), false)
	args := p.args
	stats := models.NewStatistics()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.groupCount(ctx, `SELECT action, count(*) FROM `+from+` GROUP BY action`, args, func(key string, n int) {
			stats.EventsByAction[models.Action(key)] = n
		})
	})
	g.Go(func() error {
		return s.groupCount(ctx, `SELECT resource_type, count(*) FROM `+from+` GROUP BY resource_type`, args, func(key string, n int) {
			stats.EventsByResourceType[models.ResourceType(key)] = n
		})
	})
	g.Go(func() error {
		failed := `SELECT actor_id, count(*) FROM ` + from + ` WHERE action IN ('LOGIN_FAILED', 'ACCESS_DENIED') GROUP BY actor_id`
		return s.groupCount(ctx, failed, args, func(key string, n int) {
			stats.FailedAccessByActor[key] = n
			stats.FailedAccessAttempts += n
		})
	})
	g.Go(func() error {
		perDay := `SELECT to_char(occurred_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, count(*) FROM ` + from + ` GROUP BY day ORDER BY day`
		return s.groupCount(ctx, perDay, args, func(key string, n int) {
			stats.EventsPerDay = append(stats.EventsPerDay, models.DayCount{Day: key, Count: n})
		})
	})
	g.Go(func() error {
		top := `SELECT actor_id, max(actor_name), count(*) AS n FROM ` + from +
			` GROUP BY actor_id ORDER BY n DESC, actor_id ASC LIMIT ` + fmt.Sprint(topN)
		rows, err := s.reader.QueryContext(ctx, top, args...)
		if err != nil {
			return unavailable("aggregate top actors", err)
		}
		defer rows.Close()
		for rows.Next() {
			var ac models.ActorCount
			if err := rows.Scan(&ac.ActorID, &ac.ActorName, &ac.Count); err != nil {
				return fmt.Errorf("scan top actor: %w", err)
			}
			stats.TopActors = append(stats.TopActors, ac)
		}
		return rows.Err()
	})
	if err := g.Wait(); err != nil {
		return models.Statistics{}, err
	}
	return stats, nil
}

func (s *Store) groupCount(ctx context.Context, query string, args []any, fn func(key string, n int)) error {
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return unavailable("aggregate audit events", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan aggregate row: %w", err)
		}
		fn(key, n)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate aggregate rows: %w", err)
	}
	return nil
}

// ArchiveBatch moves one batch inside a single transaction: the rows are
// locked, copied column for column and then deleted from the hot tier. An
// interrupted batch rolls back as a whole.
func (s *Store) ArchiveBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	moved := 0
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		ids, err := s.lockBatch(ctx, "audit_events", cutoff, batchSize)
		if err != nil || len(ids) == 0 {
			return err
		}
		copyRows := `INSERT INTO audit_events_archive (` + eventColumns + `)
			SELECT ` + eventColumns + ` FROM audit_events WHERE id = ANY($1::uuid[])
			ON CONFLICT (id) DO NOTHING`
		if _, err := s.execer(ctx).ExecContext(ctx, copyRows, pq.Array(ids)); err != nil {
			return unavailable("copy batch to archive", err)
		}
		res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM audit_events WHERE id = ANY($1::uuid[])`, pq.Array(ids))
		if err != nil {
			return unavailable("remove archived batch", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("archive rows affected: %w", err)
		}
		moved = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// PurgeBatch deletes whole records, oldest first, archive tier before hot.
func (s *Store) PurgeBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	purged := 0
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		for _, table := range []string{"audit_events_archive", "audit_events"} {
			remaining := batchSize - purged
			if remaining <= 0 {
				return nil
			}
			ids, err := s.lockBatch(ctx, table, cutoff, remaining)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				continue
			}
			res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ANY($1::uuid[])`, pq.Array(ids))
			if err != nil {
				return unavailable("purge batch", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("purge rows affected: %w", err)
			}
			purged += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func (s *Store) lockBatch(ctx context.Context, table string, cutoff time.Time, limit int) ([]string, error) {
	query := `SELECT id FROM ` + table + ` WHERE occurred_at < $1
		ORDER BY occurred_at, id LIMIT $2 FOR UPDATE SKIP LOCKED`
	rows, err := s.execer(ctx).QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, unavailable("select batch", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch id: %w", err)
		}
		ids = append(ids, id.String())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch ids: %w", err)
	}
	return ids, nil
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) queryEvents(ctx context.Context, db rowQuerier, query string, args ...any) ([]models.Event, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query audit events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		var (
			event                                   models.Event
			action, resourceType, severity, category string
			resourceID, patientID                    sql.NullString
			sourceIP, userAgent, sessionID           sql.NullString
			details                                  []byte
		)
		err := rows.Scan(
			&event.ID,
			&event.OccurredAt,
			&event.ActorID,
			&event.ActorName,
			&event.ActorRole,
			&action,
			&resourceType,
			&resourceID,
			&patientID,
			&details,
			&sourceIP,
			&userAgent,
			&sessionID,
			&severity,
			&category,
			&event.Flagged,
			&event.Checksum,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.OccurredAt = event.OccurredAt.UTC()
		event.Action = models.Action(action)
		event.ResourceType = models.ResourceType(resourceType)
		event.Severity = models.Severity(severity)
		event.Category = models.Category(category)
		event.ResourceID = resourceID.String
		event.PatientID = patientID.String
		event.SourceIP = sourceIP.String
		event.UserAgent = userAgent.String
		event.SessionID = sessionID.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &event.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit details: %w", err)
			}
			if len(event.Details) == 0 {
				event.Details = nil
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func marshalDetails(details map[string]string) ([]byte, error) {
	if details == nil {
		details = map[string]string{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal audit details: %w", err)
	}
	return b, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

// unavailable marks infrastructure failures so services can report
// StorageUnavailable. Context cancellation is passed through unchanged.
func unavailable(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
}
