package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Deliverer sends one message to its endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, m *Message) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, m *Message) error

func (f DelivererFunc) Deliver(ctx context.Context, m *Message) error { return f(ctx, m) }

// FailedFunc is called once a message has been given up on.
type FailedFunc func(ctx context.Context, m *Message, err error)

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPollInterval sets how often the queue is polled without a wake-up.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) WorkerOption {
	return func(w *Worker) { w.policy = p.withDefaults() }
}

// WithBatchSize caps the messages claimed per poll.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) { w.batchSize = n }
}

// WithDeliveryTimeout bounds each delivery attempt.
func WithDeliveryTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.deliveryTimeout = d }
}

// WithStuckAfter sets how long a message may stay in sending before it is
// returned to the queue.
func WithStuckAfter(d time.Duration) WorkerOption {
	return func(w *Worker) { w.stuckAfter = d }
}

// WithMetrics records worker activity.
func WithMetrics(m *Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithOnFailed registers the hook run when a message is moved to failed.
func WithOnFailed(fn FailedFunc) WorkerOption {
	return func(w *Worker) { w.onFailed = fn }
}

// Worker drains the outbox.
type Worker struct {
	store     Store
	deliverer Deliverer
	logger    zerolog.Logger

	pollInterval    time.Duration
	batchSize       int
	deliveryTimeout time.Duration
	stuckAfter      time.Duration
	policy          RetryPolicy
	metrics         *Metrics
	onFailed        FailedFunc

	wake chan struct{}
	now  func() time.Time
}

// NewWorker creates a Worker with sensible defaults.
func NewWorker(store Store, deliverer Deliverer, logger zerolog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:           store,
		deliverer:       deliverer,
		logger:          logger.With().Str("component", "outbox").Logger(),
		pollInterval:    time.Second,
		batchSize:       20,
		deliveryTimeout: 30 * time.Second,
		stuckAfter:      2 * time.Minute,
		policy:          DefaultRetryPolicy,
		wake:            make(chan struct{}, 1),
		now:             time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Enqueue stores m and wakes the worker.
func (w *Worker) Enqueue(ctx context.Context, m *Message) error {
	if err := w.store.Enqueue(ctx, m); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.EnqueuedTotal.WithLabelValues(m.Workflow).Inc()
	}
	w.Wake()
	return nil
}

// Wake triggers a poll without waiting for the next tick.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("poll_interval", w.pollInterval).
		Int("max_attempts", w.policy.MaxAttempts).
		Msg("outbox worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("outbox worker stopped")
			return nil
		case <-ticker.C:
		case <-w.wake:
		}
		w.Poll(ctx)
	}
}

// Poll runs a single claim-and-deliver cycle and returns how many messages
// were attempted.
func (w *Worker) Poll(ctx context.Context) int {
	now := w.now()
	if n, err := w.store.RequeueStuck(ctx, now.Add(-w.stuckAfter)); err != nil {
		w.logger.Error().Err(err).Msg("outbox requeue failed")
	} else if n > 0 {
		w.logger.Warn().Int64("count", n).Msg("outbox requeued stuck messages")
		if w.metrics != nil {
			w.metrics.RequeuedTotal.Add(float64(n))
		}
	}

	msgs, err := w.store.ClaimDue(ctx, now, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("outbox claim failed")
		return 0
	}
	for _, m := range msgs {
		w.deliver(ctx, m)
	}

	if w.metrics != nil {
		if depth, lag, err := w.store.Depth(ctx, w.now()); err == nil {
			w.metrics.QueueDepth.Set(float64(depth))
			w.metrics.LagSeconds.Set(lag.Seconds())
		}
	}
	return len(msgs)
}

func (w *Worker) deliver(ctx context.Context, m *Message) {
	log := w.logger.With().
		Str("message_id", m.ID).
		Str("correlation_id", m.CorrelationID).
		Str("workflow", m.Workflow).
		Str("endpoint", m.Endpoint).
		Int("attempt", m.Attempts).
		Logger()

	dctx, cancel := context.WithTimeout(ctx, w.deliveryTimeout)
	start := time.Now()
	err := w.deliverer.Deliver(dctx, m)
	cancel()
	elapsed := time.Since(start)

	if err == nil {
		w.observe(m.Workflow, "sent", elapsed)
		if err := w.store.MarkSent(ctx, m.ID); err != nil {
			log.Error().Err(err).Msg("outbox mark sent failed")
			return
		}
		if w.metrics != nil {
			w.metrics.SentTotal.WithLabelValues(m.Workflow).Inc()
		}
		log.Info().Dur("duration", elapsed).Msg("callback delivered")
		return
	}

	if !Retryable(err) || w.policy.Exhausted(m.Attempts) {
		w.observe(m.Workflow, "failed", elapsed)
		if merr := w.store.MarkFailed(ctx, m.ID, err.Error()); merr != nil {
			log.Error().Err(merr).Msg("outbox mark failed failed")
			return
		}
		if w.metrics != nil {
			w.metrics.FailedTotal.WithLabelValues(m.Workflow).Inc()
		}
		log.Error().Err(err).Msg("callback delivery failed permanently")
		if w.onFailed != nil {
			m.Status = StatusFailed
			m.LastError = err.Error()
			w.onFailed(ctx, m, err)
		}
		return
	}

	w.observe(m.Workflow, "retry", elapsed)
	next := w.now().Add(w.policy.Delay(m.Attempts))
	if merr := w.store.MarkRetry(ctx, m.ID, next, err.Error()); merr != nil {
		log.Error().Err(merr).Msg("outbox mark retry failed")
		return
	}
	if w.metrics != nil {
		w.metrics.RetriedTotal.WithLabelValues(m.Workflow).Inc()
	}
	log.Warn().Err(err).Time("next_attempt_at", next).Msg("callback delivery failed, will retry")
}

func (w *Worker) observe(workflow, outcome string, d time.Duration) {
	if w.metrics != nil {
		w.metrics.DeliverySecs.WithLabelValues(workflow, outcome).Observe(d.Seconds())
	}
}

// Retry requeues a message for immediate redelivery.
func (w *Worker) Retry(ctx context.Context, id string) (*Message, error) {
	m, err := w.store.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	w.Wake()
	return m, nil
}
