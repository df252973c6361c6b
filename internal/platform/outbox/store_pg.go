package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hcx/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore keeps messages in the outbox table.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const messageCols = `id, correlation_id, workflow, endpoint, recipient_code, envelope, status,
	attempts, next_attempt_at, last_error, created_at, updated_at, sent_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var status string
	err := row.Scan(&m.ID, &m.CorrelationID, &m.Workflow, &m.Endpoint, &m.RecipientCode, &m.Envelope, &status,
		&m.Attempts, &m.NextAttemptAt, &m.LastError, &m.CreatedAt, &m.UpdatedAt, &m.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Status = Status(status)
	return &m, nil
}

func (s *PGStore) Enqueue(ctx context.Context, m *Message) error {
	if err := prepare(m, time.Now()); err != nil {
		return err
	}
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO outbox (id, correlation_id, workflow, endpoint, recipient_code, envelope, status, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		m.ID, m.CorrelationID, m.Workflow, m.Endpoint, m.RecipientCode, m.Envelope, string(m.Status), m.NextAttemptAt,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", m.ID, err)
	}
	return nil
}

func (s *PGStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox
			WHERE status = 'queued' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE outbox o
		SET status = 'sending', attempts = o.attempts + 1, updated_at = NOW()
		FROM due
		WHERE o.id = due.id
		RETURNING `+prefixCols("o.", messageCols),
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) exec(ctx context.Context, id, sql string, args ...interface{}) error {
	tag, err := s.conn(ctx).Exec(ctx, sql, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PGStore) MarkSent(ctx context.Context, id string) error {
	return s.exec(ctx, id, `
		UPDATE outbox SET status = 'sent', sent_at = NOW(), last_error = '', updated_at = NOW()
		WHERE id = $1`)
}

func (s *PGStore) MarkRetry(ctx context.Context, id string, next time.Time, lastErr string) error {
	return s.exec(ctx, id, `
		UPDATE outbox SET status = 'queued', next_attempt_at = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`, next, lastErr)
}

func (s *PGStore) MarkFailed(ctx context.Context, id string, lastErr string) error {
	return s.exec(ctx, id, `
		UPDATE outbox SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1`, lastErr)
}

func (s *PGStore) Requeue(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(s.conn(ctx).QueryRow(ctx, `
		UPDATE outbox SET status = 'queued', attempts = 0, next_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+messageCols, id))
	if err != nil {
		return nil, fmt.Errorf("requeue %s: %w", id, err)
	}
	return m, nil
}

func (s *PGStore) RequeueStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE outbox SET status = 'queued', updated_at = NOW()
		WHERE status = 'sending' AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(s.conn(ctx).QueryRow(ctx, `SELECT `+messageCols+` FROM outbox WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	return m, nil
}

func (s *PGStore) List(ctx context.Context, f Filter, limit, offset int) ([]*Message, int, error) {
	var conds []string
	var args []interface{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.CorrelationID != "" {
		args = append(args, f.CorrelationID)
		conds = append(conds, fmt.Sprintf("correlation_id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	var items []*Message
	err := db.InTx(ctx, s.pool, func(ctx context.Context) error {
		if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM outbox`+where, args...).Scan(&total); err != nil {
			return err
		}
		rows, err := s.conn(ctx).Query(ctx,
			fmt.Sprintf(`SELECT %s FROM outbox%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
				messageCols, where, len(args)+1, len(args)+2),
			append(args, limit, offset)...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			items = append(items, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PGStore) Depth(ctx context.Context, now time.Time) (int, time.Duration, error) {
	var n int
	var oldest *time.Time
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM outbox WHERE status = 'queued'`).Scan(&n, &oldest)
	if err != nil {
		return 0, 0, err
	}
	if oldest == nil {
		return n, 0, nil
	}
	return n, now.Sub(*oldest), nil
}

// prefixCols qualifies each column of a comma separated list.
func prefixCols(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
