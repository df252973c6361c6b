// Package notify carries local exchange events (new request, response,
// delivery failure) to whatever sinks the process is configured with.
// Delivery is best effort and at most once; nothing is replayed.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Event kinds, appended to the workflow name.
const (
	SuffixNew      = ":new"
	SuffixResponse = "-response"
	SuffixFailed   = "-failed"
)

// Event is a single local notification.
type Event struct {
	Name          string          `json:"event"`
	Workflow      string          `json:"workflow"`
	CorrelationID string          `json:"correlation_id"`
	Status        string          `json:"status,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	// Source identifies the emitting process so relays can skip their own
	// events.
	Source string `json:"source,omitempty"`
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// ---------------------------------------------------------------------------
// Fanout
// ---------------------------------------------------------------------------

// Fanout publishes to every sink. A failing sink does not stop the others;
// failures are logged and joined into the returned error.
type Fanout struct {
	sinks  []Publisher
	source string
	logger zerolog.Logger
	now    func() time.Time
}

// NewFanout builds a Fanout. source is stamped on events that carry none.
func NewFanout(logger zerolog.Logger, source string, sinks ...Publisher) *Fanout {
	return &Fanout{
		sinks:  sinks,
		source: source,
		logger: logger.With().Str("component", "notify").Logger(),
		now:    time.Now,
	}
}

// Add registers another sink.
func (f *Fanout) Add(p Publisher) { f.sinks = append(f.sinks, p) }

func (f *Fanout) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = f.now().UTC()
	}
	if e.Source == "" {
		e.Source = f.source
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, e); err != nil {
			f.logger.Warn().Err(err).
				Str("event", e.Name).
				Str("correlation_id", e.CorrelationID).
				Msg("notification sink failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New is a shorthand for building an event of the given kind.
func New(workflow, suffix, correlationID, status string, payload json.RawMessage) Event {
	return Event{
		Name:          workflow + suffix,
		Workflow:      workflow,
		CorrelationID: correlationID,
		Status:        status,
		Payload:       payload,
	}
}
