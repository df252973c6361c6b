package exchange

import (
	"context"
	"encoding/json"

	"github.com/ehr/hcx/internal/platform/bundle"
	"github.com/ehr/hcx/internal/platform/correlation"
	"github.com/ehr/hcx/internal/platform/protocol"
)

// Inbound is a decrypted request handed to a Responder.
type Inbound struct {
	Workflow protocol.Workflow
	Headers  protocol.Headers
	Record   *correlation.Record
	// Payload is nil when the plaintext was not JSON.
	Payload json.RawMessage
	// Bundle is set when Payload is a FHIR Bundle.
	Bundle *bundle.Parsed
}

// Reply is what a Responder sends back on the callback leg.
type Reply struct {
	Payload interface{}
	// Status defaults to response.complete.
	Status        protocol.Status
	DomainHeaders map[string]interface{}
	Error         *protocol.ErrorDetail
}

// Responder produces the callback for an inbound request. It runs after the
// request has been acknowledged, under its own deadline.
type Responder interface {
	Respond(ctx context.Context, in *Inbound) (*Reply, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, in *Inbound) (*Reply, error)

func (f ResponderFunc) Respond(ctx context.Context, in *Inbound) (*Reply, error) { return f(ctx, in) }

// businessKey derives "Type/id" of the primary resource of payload, which
// is either a Bundle or a bare resource.
func businessKey(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	if p, err := bundle.Parse(payload); err == nil {
		return p.PrimaryReference()
	}
	var r map[string]interface{}
	if err := json.Unmarshal(payload, &r); err != nil {
		return ""
	}
	return bundle.ReferenceOf(r)
}

func parseBundle(payload json.RawMessage) *bundle.Parsed {
	if len(payload) == 0 {
		return nil
	}
	p, err := bundle.Parse(payload)
	if err != nil {
		return nil
	}
	return p
}
