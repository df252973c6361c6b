// Package correlation persists one record per exchange, keyed by the
// correlation id the initiator assigned, so that asynchronous callbacks can
// be matched to the request that caused them.
package correlation

import (
	"encoding/json"
	"time"

	"github.com/ehr/hcx/internal/platform/protocol"
)

// Direction tells whether an exchange was initiated here or received here.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Status is the exchange lifecycle state. Complete and Error are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Terminal reports whether s ends the exchange.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusError }

// Record is the persisted state of one exchange.
type Record struct {
	CorrelationID    string                `json:"correlation_id"`
	Workflow         string                `json:"workflow"`
	BusinessKey      string                `json:"business_key,omitempty"`
	Direction        Direction             `json:"direction"`
	Status           Status                `json:"status"`
	Headers          protocol.Headers      `json:"headers"`
	RequestFHIR      json.RawMessage       `json:"request_fhir,omitempty"`
	RequestEnvelope  string                `json:"request_envelope,omitempty"`
	ResponseFHIR     json.RawMessage       `json:"response_fhir,omitempty"`
	ResponseEnvelope string                `json:"response_envelope,omitempty"`
	ErrorDetail      *protocol.ErrorDetail `json:"error_detail,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.RequestFHIR = cloneRaw(r.RequestFHIR)
	c.ResponseFHIR = cloneRaw(r.ResponseFHIR)
	if r.ErrorDetail != nil {
		d := *r.ErrorDetail
		c.ErrorDetail = &d
	}
	if r.Headers.Error != nil {
		d := *r.Headers.Error
		c.Headers.Error = &d
	}
	return &c
}

// Patch is a merge patch: nil fields are left untouched.
type Patch struct {
	Status           *Status
	Headers          *protocol.Headers
	RequestFHIR      json.RawMessage
	RequestEnvelope  *string
	ResponseFHIR     json.RawMessage
	ResponseEnvelope *string
	ErrorDetail      *protocol.ErrorDetail
}

// Apply merges p into r and stamps UpdatedAt. Moving to complete without
// an error detail clears the one recorded earlier.
func (p Patch) Apply(r *Record, now time.Time) {
	if p.Status != nil {
		r.Status = *p.Status
		if r.Status == StatusComplete && p.ErrorDetail == nil {
			r.ErrorDetail = nil
		}
	}
	if p.Headers != nil {
		r.Headers = *p.Headers
	}
	if p.RequestFHIR != nil {
		r.RequestFHIR = cloneRaw(p.RequestFHIR)
	}
	if p.RequestEnvelope != nil {
		r.RequestEnvelope = *p.RequestEnvelope
	}
	if p.ResponseFHIR != nil {
		r.ResponseFHIR = cloneRaw(p.ResponseFHIR)
	}
	if p.ResponseEnvelope != nil {
		r.ResponseEnvelope = *p.ResponseEnvelope
	}
	if p.ErrorDetail != nil {
		d := *p.ErrorDetail
		r.ErrorDetail = &d
	}
	r.UpdatedAt = now
}

// StatusPtr and StringPtr help build patches.
func StatusPtr(s Status) *Status { return &s }
func StringPtr(s string) *string { return &s }

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
