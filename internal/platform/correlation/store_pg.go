package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hcx/internal/platform/db"
	"github.com/ehr/hcx/internal/platform/protocol"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore stores records in the exchange table.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const recordCols = `correlation_id, workflow, business_key, direction, status, headers,
	request_fhir, request_envelope, response_fhir, response_envelope, error_detail,
	created_at, updated_at`

func scanRecord(row pgx.Row, extra ...interface{}) (*Record, error) {
	var (
		r                       Record
		bizKey, reqEnv, respEnv *string
		headers, errDetail      []byte
		reqFHIR, respFHIR       []byte
		direction, status       string
	)
	dest := []interface{}{&r.CorrelationID, &r.Workflow, &bizKey, &direction, &status, &headers,
		&reqFHIR, &reqEnv, &respFHIR, &respEnv, &errDetail, &r.CreatedAt, &r.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	r.Direction = Direction(direction)
	r.Status = Status(status)
	if bizKey != nil {
		r.BusinessKey = *bizKey
	}
	if reqEnv != nil {
		r.RequestEnvelope = *reqEnv
	}
	if respEnv != nil {
		r.ResponseEnvelope = *respEnv
	}
	if reqFHIR != nil {
		r.RequestFHIR = json.RawMessage(reqFHIR)
	}
	if respFHIR != nil {
		r.ResponseFHIR = json.RawMessage(respFHIR)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &r.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	if len(errDetail) > 0 {
		var d protocol.ErrorDetail
		if err := json.Unmarshal(errDetail, &d); err != nil {
			return nil, fmt.Errorf("decode error detail: %w", err)
		}
		r.ErrorDetail = &d
	}
	return &r, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonArg(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func rawArg(b json.RawMessage) []byte {
	if b == nil {
		return nil
	}
	return []byte(b)
}

func (s *PGStore) Create(ctx context.Context, r *Record) error {
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	var errDetail []byte
	if r.ErrorDetail != nil {
		if errDetail, err = jsonArg(r.ErrorDetail); err != nil {
			return fmt.Errorf("encode error detail: %w", err)
		}
	}

	err = s.conn(ctx).QueryRow(ctx, `
		INSERT INTO exchange (correlation_id, workflow, business_key, direction, status, headers,
			request_fhir, request_envelope, response_fhir, response_envelope, error_detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		r.CorrelationID, r.Workflow, nullString(r.BusinessKey), string(r.Direction), string(r.Status), headers,
		rawArg(r.RequestFHIR), nullString(r.RequestEnvelope), rawArg(r.ResponseFHIR), nullString(r.ResponseEnvelope), errDetail,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("create record %s: %w", r.CorrelationID, ErrDuplicateCorrelation)
	}
	if err != nil {
		return fmt.Errorf("create record %s: %w", r.CorrelationID, err)
	}
	return nil
}

// updateRecordSQL applies patchArgs to one record. Like Patch.Apply, a
// move to complete without an error detail clears error_detail.
const updateRecordSQL = `
		UPDATE exchange SET
			status            = COALESCE($2, status),
			headers           = COALESCE($3, headers),
			request_fhir      = COALESCE($4, request_fhir),
			request_envelope  = COALESCE($5, request_envelope),
			response_fhir     = COALESCE($6, response_fhir),
			response_envelope = COALESCE($7, response_envelope),
			error_detail      = CASE WHEN $2::text = 'complete' AND $8::jsonb IS NULL THEN NULL
			                         ELSE COALESCE($8, error_detail) END,
			updated_at        = NOW()
		WHERE correlation_id = $1
		RETURNING ` + recordCols

// patchArgs renders p as positional arguments; nil means untouched.
func patchArgs(p Patch) ([]interface{}, error) {
	var status *string
	if p.Status != nil {
		st := string(*p.Status)
		status = &st
	}
	var headers, errDetail []byte
	var err error
	if p.Headers != nil {
		if headers, err = json.Marshal(*p.Headers); err != nil {
			return nil, fmt.Errorf("encode headers: %w", err)
		}
	}
	if p.ErrorDetail != nil {
		if errDetail, err = json.Marshal(p.ErrorDetail); err != nil {
			return nil, fmt.Errorf("encode error detail: %w", err)
		}
	}
	return []interface{}{status, headers, rawArg(p.RequestFHIR), p.RequestEnvelope,
		rawArg(p.ResponseFHIR), p.ResponseEnvelope, errDetail}, nil
}

func (s *PGStore) UpdateByCorrelationID(ctx context.Context, correlationID string, p Patch) (*Record, error) {
	args, err := patchArgs(p)
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(s.conn(ctx).QueryRow(ctx, updateRecordSQL,
		append([]interface{}{correlationID}, args...)...))
	if err != nil {
		return nil, fmt.Errorf("update record %s: %w", correlationID, err)
	}
	return rec, nil
}

func (s *PGStore) GetByCorrelationID(ctx context.Context, correlationID string) (*Record, error) {
	rec, err := scanRecord(s.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM exchange WHERE correlation_id = $1`, correlationID))
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", correlationID, err)
	}
	return rec, nil
}

// upsertRecordSQL inserts a record or merges a resubmission into the
// pending record holding its business key. No row comes back when that
// record is complete or error.
const upsertRecordSQL = `
		INSERT INTO exchange (correlation_id, workflow, business_key, direction, status, headers,
			request_fhir, request_envelope)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (direction, workflow, business_key) WHERE business_key IS NOT NULL
		DO UPDATE SET
			status           = EXCLUDED.status,
			headers          = jsonb_set(EXCLUDED.headers, '{` + protocol.HeaderCorrelationID + `}', to_jsonb(exchange.correlation_id)),
			request_fhir     = COALESCE(EXCLUDED.request_fhir, exchange.request_fhir),
			request_envelope = COALESCE(EXCLUDED.request_envelope, exchange.request_envelope),
			error_detail     = NULL,
			updated_at       = NOW()
		WHERE exchange.status = 'pending'
		RETURNING ` + recordCols + `, (xmax = 0) AS inserted`

func (s *PGStore) byBusinessKey(ctx context.Context, r *Record) (*Record, error) {
	return scanRecord(s.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM exchange WHERE direction = $1 AND workflow = $2 AND business_key = $3`,
		string(r.Direction), r.Workflow, r.BusinessKey))
}

func (s *PGStore) UpsertByBusinessKey(ctx context.Context, r *Record) (*Record, bool, error) {
	if r.BusinessKey == "" {
		if err := s.Create(ctx, r); err != nil {
			return nil, false, err
		}
		return r.Clone(), true, nil
	}

	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return nil, false, fmt.Errorf("encode headers: %w", err)
	}
	var inserted bool
	rec, err := scanRecord(s.conn(ctx).QueryRow(ctx, upsertRecordSQL,
		r.CorrelationID, r.Workflow, r.BusinessKey, string(r.Direction), string(r.Status), headers,
		rawArg(r.RequestFHIR), nullString(r.RequestEnvelope),
	), &inserted)
	if errors.Is(err, ErrNotFound) {
		// The key is held by a complete or error record, which the
		// conditional update leaves alone.
		existing, gerr := s.byBusinessKey(ctx, r)
		if gerr != nil {
			return nil, false, fmt.Errorf("upsert record %s: %w", r.CorrelationID, gerr)
		}
		return existing, false, nil
	}
	if db.IsUniqueViolation(err) {
		return nil, false, fmt.Errorf("upsert record %s: %w", r.CorrelationID, ErrDuplicateCorrelation)
	}
	if err != nil {
		return nil, false, fmt.Errorf("upsert record %s: %w", r.CorrelationID, err)
	}
	return rec, inserted, nil
}

// filterClause renders f as a WHERE clause and its arguments.
func filterClause(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("workflow", f.Workflow)
	add("direction", string(f.Direction))
	add("status", string(f.Status))
	add("business_key", f.BusinessKey)
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PGStore) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	where, args := filterClause(f)

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM exchange`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM exchange%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		recordCols, where, len(args)+1, len(args)+2)
	rows, err := s.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}
