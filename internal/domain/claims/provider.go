package claims

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hcx/internal/platform/exchange"
	"github.com/ehr/hcx/internal/platform/protocol"
	fm "github.com/ehr/hcx/pkg/fhirmodels"
)

// DefaultCommunicationReply is the text a provider answers with when it
// has nothing more specific to say.
const DefaultCommunicationReply = "Requested information is attached to the claim."

// Provider answers the payer's communication requests.
type Provider struct {
	code   string
	reply  string
	logger zerolog.Logger
	now    func() time.Time
}

func NewProvider(participantCode string, logger zerolog.Logger) *Provider {
	return &Provider{
		code:   participantCode,
		reply:  DefaultCommunicationReply,
		logger: logger.With().Str("component", "provider").Logger(),
		now:    time.Now,
	}
}

// WithReply overrides the text sent back on communications.
func (p *Provider) WithReply(text string) *Provider {
	if text != "" {
		p.reply = text
	}
	return p
}

func (p *Provider) Options() []exchange.Option {
	return []exchange.Option{
		exchange.WithResponder(protocol.WorkflowCommunication, exchange.ResponderFunc(p.Answer)),
	}
}

// Answer replies to a CommunicationRequest with a completed Communication
// based on it.
func (p *Provider) Answer(_ context.Context, in *exchange.Inbound) (*exchange.Reply, error) {
	var req CommunicationRequest
	if _, err := primary(in, "CommunicationRequest", &req); err != nil {
		return nil, err
	}

	comm := Communication{
		ResourceType: "Communication",
		ID:           uuid.New().String(),
		Status:       fm.EventCompleted,
		BasedOn:      []fm.Reference{fm.Ref("CommunicationRequest", req.ID)},
		About:        req.About,
		Subject:      req.Subject,
		Sent:         p.now().UTC().Format(time.RFC3339),
		Payload:      []Content{{ContentString: p.reply}},
	}
	sender := fm.Ref("Organization", p.code)
	comm.Sender = &sender
	if req.Sender != nil {
		comm.Recipient = []fm.Reference{*req.Sender}
	}

	p.logger.Info().
		Str("communication_request", req.ID).
		Str("correlation_id", in.Headers.CorrelationID).
		Msg("communication answered")

	r, err := fm.ToMap(comm)
	if err != nil {
		return nil, err
	}
	return &exchange.Reply{Payload: r}, nil
}
