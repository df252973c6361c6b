package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ehr/hcx/internal/platform/auth"
	"github.com/ehr/hcx/internal/platform/outbox"
	"github.com/ehr/hcx/internal/platform/protocol"
)

// DefaultOutboundTimeout bounds every outbound protocol call.
const DefaultOutboundTimeout = 30 * time.Second

// maxResponseBody caps how much of a counterpart response is read.
const maxResponseBody = 1 << 20

// PayloadType is the type tag of the JSON body carrying an envelope.
const PayloadType = "JWEPayload"

// RequestBody is the HTTP body of every protocol call.
type RequestBody struct {
	Type    string `json:"type,omitempty"`
	Payload string `json:"payload"`
}

// DeliveryError classifies a failed outbound call. StatusCode 0 means the
// request never got an HTTP response.
type DeliveryError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("post %s: %v", e.URL, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("post %s: %s (%d): %s", e.URL, e.Kind(), e.StatusCode, e.Body)
	}
	return fmt.Sprintf("post %s: %s (%d)", e.URL, e.Kind(), e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Kind names the failure class.
func (e *DeliveryError) Kind() string {
	switch {
	case e.StatusCode == 0:
		return "transport"
	case e.StatusCode == http.StatusBadRequest:
		return "bad payload"
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return "auth"
	case e.StatusCode == http.StatusNotFound:
		return "unknown endpoint"
	case e.StatusCode >= 500:
		return "counterpart fault"
	default:
		return "unexpected status"
	}
}

// Retryable reports whether repeating the call could succeed.
func (e *DeliveryError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Detail maps the failure to a protocol error block.
func (e *DeliveryError) Detail() protocol.ErrorDetail {
	code := protocol.CodeServiceUnavailable
	if e.StatusCode == http.StatusBadRequest {
		code = protocol.CodeInvalidPayload
	}
	return protocol.ErrorDetail{Code: code, Message: e.Error()}
}

// RejectedError is returned when the counterpart answered with a protocol
// error body.
type RejectedError struct {
	URL      string
	Response *protocol.Response
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("post %s: rejected with %s: %s", e.URL, e.Response.Error.Code, e.Response.Error.Message)
}

// Retryable is false: resending the same envelope gets the same answer.
func (e *RejectedError) Retryable() bool { return false }

// Detail returns the counterpart's error block.
func (e *RejectedError) Detail() protocol.ErrorDetail {
	if e.Response.ErrorDetails != nil {
		return *e.Response.ErrorDetails
	}
	return protocol.ErrorDetail{Code: e.Response.Error.Code, Message: e.Response.Error.Message}
}

// Transport posts envelopes to counterpart endpoints.
type Transport struct {
	client *http.Client
	tokens auth.TokenSource
}

// NewTransport creates a Transport with a fixed per-call timeout. A nil
// token source sends no Authorization header.
func NewTransport(tokens auth.TokenSource, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = DefaultOutboundTimeout
	}
	if tokens == nil {
		tokens = auth.NoToken{}
	}
	return &Transport{
		client: &http.Client{Timeout: timeout},
		tokens: tokens,
	}
}

// Post sends compact to url. A fresh bearer token is obtained per call.
// Non-2xx answers become *DeliveryError; a 2xx protocol error body becomes
// *RejectedError alongside the decoded response.
func (t *Transport) Post(ctx context.Context, url, compact string) (*protocol.Response, error) {
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return nil, &DeliveryError{URL: url, Err: err}
	}

	body, err := json.Marshal(RequestBody{Type: PayloadType, Payload: compact})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &DeliveryError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &DeliveryError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DeliveryError{URL: url, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}

	var out protocol.Response
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, &DeliveryError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	if out.Failed() {
		return &out, &RejectedError{URL: url, Response: &out}
	}
	return &out, nil
}

// Deliver implements outbox.Deliverer by posting the queued envelope to its
// callback endpoint.
func (t *Transport) Deliver(ctx context.Context, m *outbox.Message) error {
	_, err := t.Post(ctx, m.Endpoint, m.Envelope)
	return err
}
