// Package outbox durably queues callback envelopes produced after an
// acknowledgement and delivers them with bounded exponential backoff.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

// Status is the delivery state of a queued message.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// ErrNotFound is returned for unknown message ids.
var ErrNotFound = errors.New("outbox message not found")

// Message is one envelope awaiting delivery to a counterpart endpoint.
type Message struct {
	ID            string     `json:"id"`
	CorrelationID string     `json:"correlation_id"`
	Workflow      string     `json:"workflow"`
	Endpoint      string     `json:"endpoint"`
	RecipientCode string     `json:"recipient_code,omitempty"`
	Envelope      string     `json:"envelope"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

func (m *Message) clone() *Message {
	c := *m
	if m.SentAt != nil {
		t := *m.SentAt
		c.SentAt = &t
	}
	return &c
}

// Filter narrows List results.
type Filter struct {
	Status        Status
	CorrelationID string
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store persists outbox messages.
type Store interface {
	Enqueue(ctx context.Context, m *Message) error
	// ClaimDue moves up to limit queued messages whose next attempt is due to
	// sending and increments their attempt counter.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Message, error)
	MarkSent(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, lastErr string) error
	// Requeue makes a message due immediately with a fresh attempt budget.
	Requeue(ctx context.Context, id string) (*Message, error)
	// RequeueStuck returns messages left in sending since before olderThan
	// to the queue.
	RequeueStuck(ctx context.Context, olderThan time.Time) (int64, error)
	Get(ctx context.Context, id string) (*Message, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Message, int, error)
	// Depth returns the number of queued messages and the age of the oldest.
	Depth(ctx context.Context, now time.Time) (int, time.Duration, error)
}

// prepare fills defaults on a message about to be enqueued.
func prepare(m *Message, now time.Time) error {
	if m.Endpoint == "" {
		return fmt.Errorf("enqueue: endpoint is required")
	}
	if m.Envelope == "" {
		return fmt.Errorf("enqueue: envelope is required")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.Status = StatusQueued
	m.Attempts = 0
	if m.NextAttemptAt.IsZero() {
		m.NextAttemptAt = now
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

// MemoryStore is a thread-safe, in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	// insertion order for deterministic claiming and pagination
	order []string
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		now:      time.Now,
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := prepare(m, s.now()); err != nil {
		return err
	}
	s.messages[m.ID] = m.clone()
	s.order = append(s.order, m.ID)
	return nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Message
	for _, id := range s.order {
		m := s.messages[id]
		if m.Status == StatusQueued && !m.NextAttemptAt.After(now) {
			due = append(due, m)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Message, 0, len(due))
	for _, m := range due {
		m.Status = StatusSending
		m.Attempts++
		m.UpdatedAt = now
		out = append(out, m.clone())
	}
	return out, nil
}

func (s *MemoryStore) update(id string, fn func(m *Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	fn(m)
	m.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id string) error {
	return s.update(id, func(m *Message) {
		now := s.now()
		m.Status = StatusSent
		m.SentAt = &now
		m.LastError = ""
	})
}

func (s *MemoryStore) MarkRetry(_ context.Context, id string, next time.Time, lastErr string) error {
	return s.update(id, func(m *Message) {
		m.Status = StatusQueued
		m.NextAttemptAt = next
		m.LastError = lastErr
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, lastErr string) error {
	return s.update(id, func(m *Message) {
		m.Status = StatusFailed
		m.LastError = lastErr
	})
}

func (s *MemoryStore) Requeue(ctx context.Context, id string) (*Message, error) {
	err := s.update(id, func(m *Message) {
		m.Status = StatusQueued
		m.Attempts = 0
		m.NextAttemptAt = s.now()
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) RequeueStuck(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.Status == StatusSending && m.UpdatedAt.Before(olderThan) {
			m.Status = StatusQueued
			m.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter, limit, offset int) ([]*Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Message
	for i := len(s.order) - 1; i >= 0; i-- {
		m := s.messages[s.order[i]]
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.CorrelationID != "" && m.CorrelationID != f.CorrelationID {
			continue
		}
		filtered = append(filtered, m)
	}
	total := len(filtered)
	if offset >= total {
		return []*Message{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	out := make([]*Message, 0, end-offset)
	for _, m := range filtered[offset:end] {
		out = append(out, m.clone())
	}
	return out, total, nil
}

func (s *MemoryStore) Depth(_ context.Context, now time.Time) (int, time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	var oldest time.Time
	for _, m := range s.messages {
		if m.Status != StatusQueued {
			continue
		}
		n++
		if oldest.IsZero() || m.CreatedAt.Before(oldest) {
			oldest = m.CreatedAt
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return n, now.Sub(oldest), nil
}
