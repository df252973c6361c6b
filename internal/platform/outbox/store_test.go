package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore() (*MemoryStore, *clock) {
	clk := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore()
	s.now = clk.Now
	return s, clk
}

func newTestWorker(s *MemoryStore, clk *clock, d Deliverer, opts ...WorkerOption) *Worker {
	w := NewWorker(s, d, zerolog.Nop(), opts...)
	w.now = clk.Now
	return w
}

func testMessage(corr string) *Message {
	return &Message{
		CorrelationID: corr,
		Workflow:      "claim",
		Endpoint:      "http://provider.local/claim/on_submit",
		Envelope:      "a.b.c.d.e",
	}
}

type permanentErr struct{}

func (permanentErr) Error() string   { return "rejected by counterpart" }
func (permanentErr) Retryable() bool { return false }

// =========== Store ===========

func TestMemoryStore_EnqueueDefaults(t *testing.T) {
	s, clk := newTestStore()
	m := testMessage("c1")
	if err := s.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if m.ID == "" || m.Status != StatusQueued || !m.NextAttemptAt.Equal(clk.Now()) {
		t.Fatalf("defaults not applied: %+v", m)
	}

	got, err := s.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Status = StatusSent
	again, _ := s.Get(context.Background(), m.ID)
	if again.Status != StatusQueued {
		t.Fatal("Get must return a copy")
	}
}

func TestMemoryStore_EnqueueRequiresEndpointAndEnvelope(t *testing.T) {
	s, _ := newTestStore()
	if err := s.Enqueue(context.Background(), &Message{Envelope: "x"}); err == nil {
		t.Error("expected error for missing endpoint")
	}
	if err := s.Enqueue(context.Background(), &Message{Endpoint: "http://x"}); err == nil {
		t.Error("expected error for missing envelope")
	}
}

func TestMemoryStore_ClaimDueOnlyOnce(t *testing.T) {
	s, clk := newTestStore()
	ctx := context.Background()
	s.Enqueue(ctx, testMessage("c1"))
	later := testMessage("c2")
	later.NextAttemptAt = clk.Now().Add(time.Minute)
	s.Enqueue(ctx, later)

	claimed, err := s.ClaimDue(ctx, clk.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].CorrelationID != "c1" {
		t.Fatalf("claimed = %+v", claimed)
	}
	if claimed[0].Status != StatusSending || claimed[0].Attempts != 1 {
		t.Errorf("claimed message state = %s/%d", claimed[0].Status, claimed[0].Attempts)
	}
	if again, _ := s.ClaimDue(ctx, clk.Now(), 10); len(again) != 0 {
		t.Errorf("message claimed twice: %d", len(again))
	}
}

func TestMemoryStore_RequeueStuck(t *testing.T) {
	s, clk := newTestStore()
	ctx := context.Background()
	s.Enqueue(ctx, testMessage("c1"))
	s.ClaimDue(ctx, clk.Now(), 10)

	clk.Advance(time.Hour)
	n, err := s.RequeueStuck(ctx, clk.Now().Add(-time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("requeued %d, %v", n, err)
	}
	if claimed, _ := s.ClaimDue(ctx, clk.Now(), 10); len(claimed) != 1 || claimed[0].Attempts != 2 {
		t.Fatalf("expected reclaim with attempts=2, got %+v", claimed)
	}
}

func TestMemoryStore_ListAndDepth(t *testing.T) {
	s, clk := newTestStore()
	ctx := context.Background()
	for _, c := range []string{"c1", "c2", "c3"} {
		s.Enqueue(ctx, testMessage(c))
		clk.Advance(time.Second)
	}

	items, total, err := s.List(ctx, Filter{}, 2, 0)
	if err != nil || total != 3 || len(items) != 2 || items[0].CorrelationID != "c3" {
		t.Fatalf("list: total=%d items=%d err=%v", total, len(items), err)
	}
	items, total, _ = s.List(ctx, Filter{CorrelationID: "c2"}, 10, 0)
	if total != 1 || items[0].CorrelationID != "c2" {
		t.Errorf("filtered list = %+v", items)
	}

	depth, lag, _ := s.Depth(ctx, clk.Now())
	if depth != 3 || lag != 3*time.Second {
		t.Errorf("depth=%d lag=%s", depth, lag)
	}
}

func TestMemoryStore_UnknownID(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: %v", err)
	}
	if err := s.MarkSent(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkSent: %v", err)
	}
	if _, err := s.Requeue(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Requeue: %v", err)
	}
}

// =========== Retry policy ===========

func TestRetryPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
	if p.Exhausted(4) || !p.Exhausted(5) {
		t.Error("exhaustion boundary wrong")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(errors.New("connection reset")) {
		t.Error("plain errors should be retryable")
	}
	if Retryable(permanentErr{}) {
		t.Error("permanent error reported retryable")
	}
}

// =========== Worker ===========

func TestWorker_DeliversAndMarksSent(t *testing.T) {
	s, clk := newTestStore()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	var got []string
	w := newTestWorker(s, clk, DelivererFunc(func(_ context.Context, m *Message) error {
		got = append(got, m.CorrelationID)
		return nil
	}), WithMetrics(metrics))

	ctx := context.Background()
	m := testMessage("c1")
	if err := w.Enqueue(ctx, m); err != nil {
		t.Fatal(err)
	}
	if n := w.Poll(ctx); n != 1 {
		t.Fatalf("polled %d", n)
	}
	if len(got) != 1 || got[0] != "c1" {
		t.Fatalf("delivered = %v", got)
	}
	stored, _ := s.Get(ctx, m.ID)
	if stored.Status != StatusSent || stored.SentAt == nil {
		t.Errorf("status = %s", stored.Status)
	}
	if v := testutil.ToFloat64(metrics.SentTotal.WithLabelValues("claim")); v != 1 {
		t.Errorf("sent metric = %v", v)
	}
	if v := testutil.ToFloat64(metrics.EnqueuedTotal.WithLabelValues("claim")); v != 1 {
		t.Errorf("enqueued metric = %v", v)
	}
}

func TestWorker_RetriesWithBackoffThenFails(t *testing.T) {
	s, clk := newTestStore()
	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: time.Minute, Multiplier: 2}

	calls := 0
	var failed *Message
	w := newTestWorker(s, clk,
		DelivererFunc(func(context.Context, *Message) error {
			calls++
			return errors.New("502 from counterpart")
		}),
		WithRetryPolicy(policy),
		WithOnFailed(func(_ context.Context, m *Message, _ error) { failed = m }),
	)

	ctx := context.Background()
	m := testMessage("c1")
	w.Enqueue(ctx, m)

	w.Poll(ctx)
	stored, _ := s.Get(ctx, m.ID)
	if stored.Status != StatusQueued || !stored.NextAttemptAt.Equal(clk.Now().Add(time.Second)) {
		t.Fatalf("after first failure: %s next=%s", stored.Status, stored.NextAttemptAt)
	}
	if w.Poll(ctx) != 0 {
		t.Fatal("message retried before its backoff elapsed")
	}

	clk.Advance(time.Second)
	w.Poll(ctx)
	clk.Advance(2 * time.Second)
	w.Poll(ctx)

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	stored, _ = s.Get(ctx, m.ID)
	if stored.Status != StatusFailed || !strings.Contains(stored.LastError, "502") {
		t.Errorf("final state = %s %q", stored.Status, stored.LastError)
	}
	if failed == nil || failed.CorrelationID != "c1" {
		t.Fatal("OnFailed hook not called")
	}
}

func TestWorker_PermanentErrorFailsImmediately(t *testing.T) {
	s, clk := newTestStore()
	var hooked bool
	w := newTestWorker(s, clk,
		DelivererFunc(func(context.Context, *Message) error { return permanentErr{} }),
		WithOnFailed(func(context.Context, *Message, error) { hooked = true }),
	)
	ctx := context.Background()
	m := testMessage("c1")
	w.Enqueue(ctx, m)
	w.Poll(ctx)

	stored, _ := s.Get(ctx, m.ID)
	if stored.Status != StatusFailed || stored.Attempts != 1 || !hooked {
		t.Errorf("status=%s attempts=%d hooked=%v", stored.Status, stored.Attempts, hooked)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	s, clk := newTestStore()
	delivered := make(chan string, 1)
	w := newTestWorker(s, clk, DelivererFunc(func(_ context.Context, m *Message) error {
		delivered <- m.CorrelationID
		return nil
	}), WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Enqueue(context.Background(), testMessage("c1"))
	select {
	case got := <-delivered:
		if got != "c1" {
			t.Errorf("delivered %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wake did not trigger delivery")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// =========== Handler ===========

func TestHandler_ListGetRetry(t *testing.T) {
	s, clk := newTestStore()
	w := newTestWorker(s, clk, DelivererFunc(func(context.Context, *Message) error { return permanentErr{} }))
	ctx := context.Background()
	m := testMessage("c1")
	w.Enqueue(ctx, m)
	w.Poll(ctx)

	h := NewHandler(w)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/outbox?status=failed", nil)
	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	var page struct {
		Data  []Message `json:"data"`
		Total int       `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || page.Data[0].ID != m.ID {
		t.Fatalf("list body = %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(m.ID)
	if err := h.Retry(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("retry status = %d", rec.Code)
	}
	stored, _ := s.Get(ctx, m.ID)
	if stored.Status != StatusQueued || stored.Attempts != 0 {
		t.Errorf("after retry: %s/%d", stored.Status, stored.Attempts)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")
	err := h.Get(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestPrefixCols(t *testing.T) {
	got := prefixCols("o.", "id, status,\n\tattempts")
	if got != "o.id, o.status, o.attempts" {
		t.Errorf("prefixCols = %q", got)
	}
}
