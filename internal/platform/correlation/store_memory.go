package correlation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Records are copied on the
// way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	byBizKey map[string]string
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		byBizKey: make(map[string]string),
		now:      time.Now,
	}
}

func bizKey(r *Record) string {
	if r.BusinessKey == "" {
		return ""
	}
	return string(r.Direction) + "|" + r.Workflow + "|" + r.BusinessKey
}

func (s *MemoryStore) Create(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(r)
}

func (s *MemoryStore) createLocked(r *Record) error {
	if r.CorrelationID == "" {
		return fmt.Errorf("create record: correlation id is required")
	}
	if _, ok := s.records[r.CorrelationID]; ok {
		return fmt.Errorf("create record %s: %w", r.CorrelationID, ErrDuplicateCorrelation)
	}
	key := bizKey(r)
	if key != "" {
		if _, ok := s.byBizKey[key]; ok {
			return fmt.Errorf("create record %s: business key %s: %w", r.CorrelationID, r.BusinessKey, ErrDuplicateCorrelation)
		}
	}

	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.records[r.CorrelationID] = r.Clone()
	if key != "" {
		s.byBizKey[key] = r.CorrelationID
	}
	return nil
}

func (s *MemoryStore) UpdateByCorrelationID(_ context.Context, correlationID string, p Patch) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[correlationID]
	if !ok {
		return nil, fmt.Errorf("update record %s: %w", correlationID, ErrNotFound)
	}
	p.Apply(rec, s.now())
	return rec.Clone(), nil
}

func (s *MemoryStore) GetByCorrelationID(_ context.Context, correlationID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[correlationID]
	if !ok {
		return nil, fmt.Errorf("get record %s: %w", correlationID, ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpsertByBusinessKey(_ context.Context, r *Record) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bizKey(r)
	if key != "" {
		if id, ok := s.byBizKey[key]; ok {
			existing := s.records[id]
			if existing.Status.Terminal() {
				return existing.Clone(), false, nil
			}
			headers := r.Headers
			headers.CorrelationID = existing.CorrelationID
			existing.Status = r.Status
			existing.Headers = headers
			if r.RequestFHIR != nil {
				existing.RequestFHIR = cloneRaw(r.RequestFHIR)
			}
			if r.RequestEnvelope != "" {
				existing.RequestEnvelope = r.RequestEnvelope
			}
			existing.ErrorDetail = nil
			existing.UpdatedAt = s.now()
			return existing.Clone(), false, nil
		}
	}

	if err := s.createLocked(r); err != nil {
		return nil, false, err
	}
	return s.records[r.CorrelationID].Clone(), true, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Record
	for _, rec := range s.records {
		if f.Workflow != "" && rec.Workflow != f.Workflow {
			continue
		}
		if f.Direction != "" && rec.Direction != f.Direction {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.BusinessKey != "" && rec.BusinessKey != f.BusinessKey {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CorrelationID < matched[j].CorrelationID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []*Record{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	out := make([]*Record, 0, end-offset)
	for _, rec := range matched[offset:end] {
		out = append(out, rec.Clone())
	}
	return out, total, nil
}
