package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the protocol status carried in x-hcx-status.
type Status string

const (
	StatusRequestInitiated  Status = "request.initiated"
	StatusRequestQueued     Status = "request.queued"
	StatusRequestDispatched Status = "request.dispatched"
	StatusRequestStopped    Status = "request.stopped"
	StatusRequestComplete   Status = "request.complete"
	StatusResponseComplete  Status = "response.complete"
	StatusResponsePartial   Status = "response.partial"
	StatusResponseError     Status = "response.error"
	StatusResponseFail      Status = "response.fail"
)

var validStatuses = map[Status]bool{
	StatusRequestInitiated:  true,
	StatusRequestQueued:     true,
	StatusRequestDispatched: true,
	StatusRequestStopped:    true,
	StatusRequestComplete:   true,
	StatusResponseComplete:  true,
	StatusResponsePartial:   true,
	StatusResponseError:     true,
	StatusResponseFail:      true,
}

// Valid reports whether s is one of the protocol status values.
func (s Status) Valid() bool { return validStatuses[s] }

// IsFailure reports whether s signals a failed response.
func (s Status) IsFailure() bool {
	return s == StatusResponseError || s == StatusResponseFail
}

// ErrHeaderValidation is matched by every *ValidationError.
var ErrHeaderValidation = errors.New("protocol header validation failed")

// Violation describes one header problem.
type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries the violations found by Validate.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return fmt.Sprintf("%s: %s", ErrHeaderValidation.Error(), strings.Join(msgs, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrHeaderValidation }

// Detail converts the first violation into a protocol error block.
func (e *ValidationError) Detail() ErrorDetail {
	if len(e.Violations) == 0 {
		return ErrorDetail{Code: CodeMandatoryHeaderMissing, Message: ErrHeaderValidation.Error()}
	}
	return ErrorDetail{Code: e.Violations[0].Code, Message: e.Error()}
}

// Validate flags missing routing headers and status values outside the enum.
func Validate(h Headers) []Violation {
	var out []Violation
	required := []struct {
		field, value string
	}{
		{HeaderSenderCode, h.SenderCode},
		{HeaderRecipientCode, h.RecipientCode},
		{HeaderCorrelationID, h.CorrelationID},
		{HeaderAPICallID, h.APICallID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			out = append(out, Violation{
				Field:   r.field,
				Code:    CodeMandatoryHeaderMissing,
				Message: fmt.Sprintf("%s is required", r.field),
			})
		}
	}
	if !h.Status.Valid() {
		out = append(out, Violation{
			Field:   HeaderStatus,
			Code:    CodeInvalidStatus,
			Message: fmt.Sprintf("invalid %s %q", HeaderStatus, h.Status),
		})
	}
	return out
}

// Check runs Validate and wraps any violations in a *ValidationError.
func Check(h Headers) error {
	if v := Validate(h); len(v) > 0 {
		return &ValidationError{Violations: v}
	}
	return nil
}
