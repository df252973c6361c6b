package protocol

// Protocol error codes returned in error bodies and error headers.
const (
	CodeInvalidPayload         = "ERR_INVALID_PAYLOAD"
	CodeInvalidEncryption      = "ERR_INVALID_ENCRYPTION"
	CodeMandatoryHeaderMissing = "ERR_MANDATORY_HEADERFIELD_MISSING"
	CodeInvalidStatus          = "ERR_INVALID_STATUS"
	CodeInvalidRecipient       = "ERR_INVALID_RECIPIENT"
	CodeInvalidCorrelationID   = "ERR_INVALID_CORRELATION_ID"
	CodeDomainProcessing       = "ERR_DOMAIN_PROCESSING"
	CodeServiceUnavailable     = "ERR_SERVICE_UNAVAILABLE"
)

// DefaultAckEntityType is used when the caller does not name an entity type.
const DefaultAckEntityType = "protocol-response"

// DebugFlagError marks error bodies.
const DebugFlagError = "Error"

// AckResult is the result block of an acknowledgement.
type AckResult struct {
	SenderCode     string `json:"sender_code"`
	RecipientCode  string `json:"recipient_code"`
	EntityType     string `json:"entity_type"`
	ProtocolStatus Status `json:"protocol_status"`
}

// AckError is the short error block present on every response body.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckBody is the synchronous 202 response to a request or callback.
type AckBody struct {
	Timestamp     string    `json:"timestamp"`
	APICallID     string    `json:"api_call_id"`
	CorrelationID string    `json:"correlation_id"`
	Result        AckResult `json:"result"`
	Error         AckError  `json:"error"`
}

// ErrorBody is the protocol-shaped error response. It never carries a
// success result.
type ErrorBody struct {
	Timestamp     string      `json:"timestamp"`
	APICallID     string      `json:"api_call_id"`
	CorrelationID string      `json:"correlation_id"`
	SenderCode    string      `json:"sender_code"`
	RecipientCode string      `json:"recipient_code"`
	EntityType    string      `json:"entity_type"`
	DebugFlag     string      `json:"debug_flag"`
	ErrorDetails  ErrorDetail `json:"error_details"`
	Error         AckError    `json:"error"`
	RedirectTo    string      `json:"redirect_to"`
}

// Response is the decoded shape of either body, as seen by a sender.
type Response struct {
	Timestamp     string       `json:"timestamp"`
	APICallID     string       `json:"api_call_id"`
	CorrelationID string       `json:"correlation_id"`
	Result        *AckResult   `json:"result,omitempty"`
	DebugFlag     string       `json:"debug_flag,omitempty"`
	ErrorDetails  *ErrorDetail `json:"error_details,omitempty"`
	Error         AckError     `json:"error"`
}

// Failed reports whether the counterpart signaled a protocol error.
func (r *Response) Failed() bool {
	return r.Error.Code != "" || r.DebugFlag == DebugFlagError
}

// BuildAccepted acknowledges h. The acknowledger was the recipient of h, so
// sender and recipient are swapped; identifiers are echoed unchanged.
func BuildAccepted(h Headers, entityType string, status Status) AckBody {
	if entityType == "" {
		entityType = DefaultAckEntityType
	}
	if status == "" {
		status = StatusResponseComplete
	}
	return AckBody{
		Timestamp:     ackTimestamp(h),
		APICallID:     h.APICallID,
		CorrelationID: h.CorrelationID,
		Result: AckResult{
			SenderCode:     h.RecipientCode,
			RecipientCode:  h.SenderCode,
			EntityType:     entityType,
			ProtocolStatus: status,
		},
		Error: AckError{},
	}
}

// BuildError reports detail back to the sender of h.
func BuildError(h Headers, detail ErrorDetail, entityType string) ErrorBody {
	if entityType == "" {
		entityType = DefaultAckEntityType
	}
	return ErrorBody{
		Timestamp:     ackTimestamp(h),
		APICallID:     h.APICallID,
		CorrelationID: h.CorrelationID,
		SenderCode:    h.RecipientCode,
		RecipientCode: h.SenderCode,
		EntityType:    entityType,
		DebugFlag:     DebugFlagError,
		ErrorDetails:  detail,
		Error:         AckError{Code: detail.Code, Message: detail.Message},
		RedirectTo:    "",
	}
}

// ackTimestamp echoes the inbound header timestamp; the builders never read
// the clock.
func ackTimestamp(h Headers) string {
	if h.Timestamp.IsZero() {
		return ""
	}
	return FormatTimestamp(h.Timestamp)
}
