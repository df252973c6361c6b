// Package protocol defines the HCX gateway protocol contracts shared by the
// payer and provider roles: protocol headers, status values, workflows, and
// the synchronous acknowledgement / error response bodies.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protected header keys carried on every exchange.
const (
	HeaderSenderCode    = "x-hcx-sender_code"
	HeaderRecipientCode = "x-hcx-recipient_code"
	HeaderAPICallID     = "x-hcx-api_call_id"
	HeaderCorrelationID = "x-hcx-correlation_id"
	HeaderRequestID     = "x-hcx-request_id"
	HeaderWorkflowID    = "x-hcx-workflow_id"
	HeaderTimestamp     = "x-hcx-timestamp"
	HeaderStatus        = "x-hcx-status"
	HeaderEntityType    = "x-hcx-entity-type"
	HeaderBeneficiaryID = "x-hcx-beneficiary_id"
	HeaderDebugFlag     = "x-hcx-debug_flag"
	HeaderErrorDetails  = "x-hcx-error_details"
)

// TimestampLayout is the outbound header timestamp format: local offset,
// second precision, no fractional seconds.
const TimestampLayout = "2006-01-02T15:04:05-0700"

// ErrorDetail is the protocol error block.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// Headers is the canonical protocol header set exchanged between parties.
type Headers struct {
	SenderCode    string       `json:"x-hcx-sender_code"`
	RecipientCode string       `json:"x-hcx-recipient_code"`
	APICallID     string       `json:"x-hcx-api_call_id"`
	CorrelationID string       `json:"x-hcx-correlation_id"`
	RequestID     string       `json:"x-hcx-request_id,omitempty"`
	WorkflowID    string       `json:"x-hcx-workflow_id,omitempty"`
	Timestamp     time.Time    `json:"-"`
	Status        Status       `json:"x-hcx-status"`
	EntityType    string       `json:"x-hcx-entity-type,omitempty"`
	BeneficiaryID string       `json:"x-hcx-beneficiary_id,omitempty"`
	DebugFlag     string       `json:"x-hcx-debug_flag,omitempty"`
	Error         *ErrorDetail `json:"x-hcx-error_details,omitempty"`
}

// FormatTimestamp renders t in the outbound header layout.
func FormatTimestamp(t time.Time) string {
	return t.Local().Truncate(time.Second).Format(TimestampLayout)
}

// ParseTimestamp accepts the outbound layout, RFC 3339, or Unix epoch
// seconds (as a number or a numeric string).
func ParseTimestamp(v interface{}) (time.Time, error) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is empty")
	case time.Time:
		return val, nil
	case float64:
		return epochSeconds(val), nil
	case int64:
		return time.Unix(val, 0), nil
	case int:
		return time.Unix(int64(val), 0), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch timestamp %q: %w", val, err)
		}
		return epochSeconds(f), nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, fmt.Errorf("timestamp is empty")
		}
		if t, err := time.Parse(TimestampLayout, s); err == nil {
			return t, nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochSeconds(f), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func epochSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Map renders the headers as protected header entries. Empty optional
// fields are omitted.
func (h Headers) Map() map[string]interface{} {
	m := map[string]interface{}{
		HeaderSenderCode:    h.SenderCode,
		HeaderRecipientCode: h.RecipientCode,
		HeaderAPICallID:     h.APICallID,
		HeaderCorrelationID: h.CorrelationID,
		HeaderStatus:        string(h.Status),
	}
	if !h.Timestamp.IsZero() {
		m[HeaderTimestamp] = FormatTimestamp(h.Timestamp)
	}
	if h.RequestID != "" {
		m[HeaderRequestID] = h.RequestID
	}
	if h.WorkflowID != "" {
		m[HeaderWorkflowID] = h.WorkflowID
	}
	if h.EntityType != "" {
		m[HeaderEntityType] = h.EntityType
	}
	if h.BeneficiaryID != "" {
		m[HeaderBeneficiaryID] = h.BeneficiaryID
	}
	if h.DebugFlag != "" {
		m[HeaderDebugFlag] = h.DebugFlag
	}
	if h.Error != nil {
		detail := map[string]interface{}{
			"code":    h.Error.Code,
			"message": h.Error.Message,
		}
		if h.Error.Trace != "" {
			detail["trace"] = h.Error.Trace
		}
		m[HeaderErrorDetails] = detail
	}
	return m
}

// HeadersFromMap extracts protocol headers from a decoded protected header.
// Unknown keys are ignored; a malformed timestamp leaves Timestamp zero.
func HeadersFromMap(m map[string]interface{}) Headers {
	h := Headers{
		SenderCode:    stringValue(m[HeaderSenderCode]),
		RecipientCode: stringValue(m[HeaderRecipientCode]),
		APICallID:     stringValue(m[HeaderAPICallID]),
		CorrelationID: stringValue(m[HeaderCorrelationID]),
		RequestID:     stringValue(m[HeaderRequestID]),
		WorkflowID:    stringValue(m[HeaderWorkflowID]),
		Status:        Status(stringValue(m[HeaderStatus])),
		EntityType:    stringValue(m[HeaderEntityType]),
		BeneficiaryID: stringValue(m[HeaderBeneficiaryID]),
		DebugFlag:     stringValue(m[HeaderDebugFlag]),
	}
	if ts, ok := m[HeaderTimestamp]; ok {
		if t, err := ParseTimestamp(ts); err == nil {
			h.Timestamp = t
		}
	}
	if raw, ok := m[HeaderErrorDetails].(map[string]interface{}); ok {
		h.Error = &ErrorDetail{
			Code:    stringValue(raw["code"]),
			Message: stringValue(raw["message"]),
			Trace:   stringValue(raw["trace"]),
		}
	}
	return h
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// MarshalJSON includes the formatted timestamp alongside the tagged fields.
func (h Headers) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Map())
}

// UnmarshalJSON accepts any timestamp representation ParseTimestamp does.
func (h *Headers) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*h = HeadersFromMap(m)
	return nil
}

// Build fills the required headers for an outbound message from the role
// and caller overrides. Identifiers are generated only when absent.
func Build(role Role, overrides Headers, entityType string) Headers {
	h := overrides
	if h.SenderCode == "" {
		h.SenderCode = role.Self
	}
	if h.RecipientCode == "" {
		h.RecipientCode = role.Counterpart
	}
	if h.APICallID == "" {
		h.APICallID = uuid.New().String()
	}
	if h.CorrelationID == "" {
		h.CorrelationID = uuid.New().String()
	}
	if h.RequestID == "" {
		h.RequestID = uuid.New().String()
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}
	if h.Status == "" {
		h.Status = StatusRequestInitiated
	}
	if h.EntityType == "" {
		h.EntityType = entityType
	}
	return h
}

// Reply composes headers for a message answering inbound. Sender and
// recipient are swapped, correlation and workflow ids are echoed, and a
// fresh api-call id is issued.
func Reply(inbound Headers, status Status) Headers {
	return Headers{
		SenderCode:    inbound.RecipientCode,
		RecipientCode: inbound.SenderCode,
		APICallID:     uuid.New().String(),
		CorrelationID: inbound.CorrelationID,
		RequestID:     inbound.RequestID,
		WorkflowID:    inbound.WorkflowID,
		Timestamp:     time.Now(),
		Status:        status,
		EntityType:    inbound.EntityType,
		BeneficiaryID: inbound.BeneficiaryID,
	}
}
