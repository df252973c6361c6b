package correlation

import (
	"context"
	"errors"
)

var (
	ErrNotFound             = errors.New("correlation record not found")
	ErrDuplicateCorrelation = errors.New("correlation id already in use")
)

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Workflow    string
	Direction   Direction
	Status      Status
	BusinessKey string
}

// Store persists correlation records.
type Store interface {
	Create(ctx context.Context, r *Record) error
	UpdateByCorrelationID(ctx context.Context, correlationID string, p Patch) (*Record, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*Record, error)
	// UpsertByBusinessKey inserts r unless a record with the same direction,
	// workflow and business key exists. A pending record has the new request
	// merged in and keeps its correlation id; a complete or error record is
	// returned unchanged. created is false in both cases.
	UpsertByBusinessKey(ctx context.Context, r *Record) (rec *Record, created bool, err error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error)
}
