// Package exchange runs the asynchronous request / acknowledgement /
// callback protocol between a payer and a provider. The same Dispatcher
// serves both roles; only protocol.Role and the registered responders
// differ.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hcx/internal/platform/blobstore"
	"github.com/ehr/hcx/internal/platform/correlation"
	"github.com/ehr/hcx/internal/platform/envelope"
	"github.com/ehr/hcx/internal/platform/notify"
	"github.com/ehr/hcx/internal/platform/outbox"
	"github.com/ehr/hcx/internal/platform/protocol"
	"github.com/ehr/hcx/internal/platform/registry"
)

// Defaults for Config.
const (
	DefaultMatchWindow       = 2 * time.Second
	DefaultProcessingTimeout = time.Minute
)

var (
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrDuplicateRequest is returned for an inbound request whose
	// correlation id or sender-scoped business key belongs to another
	// exchange. It is answered with ERR_INVALID_CORRELATION_ID.
	ErrDuplicateRequest = errors.New("request duplicates another exchange")
)

// ProtocolError is a failure detected before the acknowledgement. It is
// reported to the sender as a protocol error body.
type ProtocolError struct {
	Headers protocol.Headers
	Detail  protocol.ErrorDetail
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Detail.Code, e.Detail.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Body renders the error for the wire.
func (e *ProtocolError) Body() protocol.ErrorBody {
	return protocol.BuildError(e.Headers, e.Detail, "")
}

// Directory resolves participant codes.
type Directory interface {
	Lookup(code string) (*registry.Participant, error)
}

// Poster sends an envelope and returns the counterpart's acknowledgement.
type Poster interface {
	Post(ctx context.Context, url, compact string) (*protocol.Response, error)
}

// Enqueuer queues callbacks for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, m *outbox.Message) error
}

// Config holds the dispatcher's protocol settings.
type Config struct {
	Role protocol.Role
	// MatchWindow is how long a callback waits for its record to appear.
	MatchWindow time.Duration
	// ProcessingTimeout bounds each post-ack continuation.
	ProcessingTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPublisher sets the local notification sink.
func WithPublisher(p notify.Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithArchiver archives envelopes and payloads per correlation id.
func WithArchiver(a *blobstore.Archiver) Option {
	return func(d *Dispatcher) { d.archiver = a }
}

// WithMetrics records exchange activity.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithOutbox routes callbacks through q instead of posting them inline.
func WithOutbox(q Enqueuer) Option {
	return func(d *Dispatcher) { d.outbox = q }
}

// WithResponder registers the responder for inbound requests of workflow.
func WithResponder(workflow string, r Responder) Option {
	return func(d *Dispatcher) { d.responders[workflow] = r }
}

// Dispatcher originates exchanges and answers inbound ones.
type Dispatcher struct {
	cfg       Config
	store     correlation.Store
	codec     *envelope.Codec
	key       envelope.PrivateKeySource
	dir       Directory
	transport Poster
	outbox    Enqueuer
	publisher notify.Publisher
	archiver  *blobstore.Archiver
	metrics   *Metrics
	logger    zerolog.Logger

	responders map[string]Responder
	wg         sync.WaitGroup
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(cfg Config, store correlation.Store, key envelope.PrivateKeySource, dir Directory, transport Poster, logger zerolog.Logger, opts ...Option) *Dispatcher {
	if cfg.MatchWindow < 0 {
		cfg.MatchWindow = 0
	} else if cfg.MatchWindow == 0 {
		cfg.MatchWindow = DefaultMatchWindow
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = DefaultProcessingTimeout
	}
	d := &Dispatcher{
		cfg:        cfg,
		store:      store,
		codec:      envelope.NewCodec(),
		key:        key,
		dir:        dir,
		transport:  transport,
		publisher:  notify.Nop{},
		logger:     logger.With().Str("component", "exchange").Str("role", cfg.Role.Name).Logger(),
		responders: make(map[string]Responder),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Role returns the role the dispatcher acts as.
func (d *Dispatcher) Role() protocol.Role { return d.cfg.Role }

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

// SendRequest describes an exchange to originate.
type SendRequest struct {
	Workflow string `json:"-"`
	// RecipientCode defaults to the role's counterpart.
	RecipientCode string          `json:"recipient_code,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	// Headers overrides generated protocol headers.
	Headers       protocol.Headers       `json:"-"`
	DomainHeaders map[string]interface{} `json:"domain_headers,omitempty"`
	// BusinessKey defaults to Type/id of the payload's primary resource.
	BusinessKey string `json:"business_key,omitempty"`
}

// SendResult is the outcome of Send.
type SendResult struct {
	Record  *correlation.Record `json:"record"`
	Created bool                `json:"created"`
	Ack     *protocol.Response  `json:"ack,omitempty"`
}

// Send records a pending exchange, seals req.Payload for the recipient and
// posts it to the workflow's request endpoint. Resubmitting the business
// key of a pending exchange resends it under the existing correlation id;
// a complete or error exchange is returned as is and nothing is sent. A
// failed delivery or a protocol error answer leaves the record in error
// and is returned along with the result.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	wf, ok := protocol.LookupWorkflow(req.Workflow)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, req.Workflow)
	}
	recipientCode := req.RecipientCode
	if recipientCode == "" {
		recipientCode = req.Headers.RecipientCode
	}
	if recipientCode == "" {
		recipientCode = d.cfg.Role.Counterpart
	}
	recipient, err := d.dir.Lookup(recipientCode)
	if err != nil {
		return nil, err
	}

	role := d.cfg.Role
	role.Counterpart = recipient.Code
	overrides := req.Headers
	overrides.RecipientCode = recipient.Code
	h := protocol.Build(role, overrides, wf.Name)
	if err := protocol.Check(h); err != nil {
		return nil, err
	}

	key := req.BusinessKey
	if key == "" {
		key = businessKey(req.Payload)
	}
	rec := &correlation.Record{
		CorrelationID: h.CorrelationID,
		Workflow:      wf.Name,
		BusinessKey:   key,
		Direction:     correlation.DirectionOutbound,
		Status:        correlation.StatusPending,
		Headers:       h,
		RequestFHIR:   req.Payload,
	}
	created := true
	if key != "" {
		rec, created, err = d.store.UpsertByBusinessKey(ctx, rec)
	} else {
		err = d.store.Create(ctx, rec)
	}
	if err != nil {
		return nil, fmt.Errorf("record %s exchange: %w", wf.Name, err)
	}
	if !created && rec.Status.Terminal() {
		d.logger.Info().
			Str("workflow", wf.Name).
			Str("correlation_id", rec.CorrelationID).
			Str("status", string(rec.Status)).
			Msg("exchange already finished, not resent")
		return &SendResult{Record: rec, Created: false}, nil
	}
	h.CorrelationID = rec.CorrelationID

	log := d.logger.With().
		Str("workflow", wf.Name).
		Str("correlation_id", h.CorrelationID).
		Str("api_call_id", h.APICallID).
		Str("recipient_code", recipient.Code).
		Logger()

	compact, err := d.codec.EncryptMessage(ctx, req.Payload, h, req.DomainHeaders, recipient.PublicKey())
	if err != nil {
		d.markError(ctx, h.CorrelationID, protocol.ErrorDetail{Code: protocol.CodeInvalidEncryption, Message: err.Error()})
		d.metrics.sent(wf.Name, "error")
		return nil, fmt.Errorf("seal %s request: %w", wf.Name, err)
	}
	if rec, err = d.store.UpdateByCorrelationID(ctx, h.CorrelationID, correlation.Patch{Headers: &h, RequestEnvelope: &compact}); err != nil {
		return nil, err
	}
	d.archive(ctx, h.CorrelationID, blobstore.KindRequestFHIR, wf.Name, req.Payload)
	d.archive(ctx, h.CorrelationID, blobstore.KindRequestEnvelope, wf.Name, []byte(compact))

	endpoint := recipient.URL(wf.RequestPath)
	start := time.Now()
	ack, err := d.transport.Post(ctx, endpoint, compact)
	d.metrics.outbound(wf.Name, time.Since(start).Seconds())

	result := &SendResult{Record: rec, Created: created, Ack: ack}
	if err != nil {
		if updated := d.markError(ctx, h.CorrelationID, errorDetail(err)); updated != nil {
			result.Record = updated
		}
		d.metrics.sent(wf.Name, "error")
		log.Warn().Err(err).Str("endpoint", endpoint).Msg("request not accepted")
		return result, err
	}
	d.metrics.sent(wf.Name, "accepted")
	log.Info().Bool("created", created).Str("endpoint", endpoint).Msg("request sent")
	return result, nil
}

// SendFollowUp starts a related exchange with the counterpart of a prior
// one, carrying over its workflow id and beneficiary. Workflow defaults to
// communication.
func (d *Dispatcher) SendFollowUp(ctx context.Context, correlationID string, req SendRequest) (*SendResult, error) {
	prior, err := d.store.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if req.Workflow == "" {
		req.Workflow = protocol.WorkflowCommunication
	}
	if req.RecipientCode == "" {
		req.RecipientCode = prior.Headers.SenderCode
		if req.RecipientCode == d.cfg.Role.Self {
			req.RecipientCode = prior.Headers.RecipientCode
		}
	}
	if req.Headers.WorkflowID == "" {
		req.Headers.WorkflowID = prior.Headers.WorkflowID
		if req.Headers.WorkflowID == "" {
			req.Headers.WorkflowID = prior.CorrelationID
		}
	}
	if req.Headers.BeneficiaryID == "" {
		req.Headers.BeneficiaryID = prior.Headers.BeneficiaryID
	}
	return d.Send(ctx, req)
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// open decrypts and validates an inbound envelope addressed to us.
func (d *Dispatcher) open(ctx context.Context, compact string) (*envelope.Message, error) {
	msg, err := d.codec.Decrypt(ctx, compact, d.key)
	if err != nil {
		h, _ := envelope.ProtocolHeaders(compact)
		code := protocol.CodeInvalidEncryption
		if errors.Is(err, envelope.ErrEnvelopeFormat) {
			code = protocol.CodeInvalidPayload
		}
		return nil, &ProtocolError{Headers: h, Detail: protocol.ErrorDetail{Code: code, Message: err.Error()}, Err: err}
	}
	h := msg.Protocol
	if err := protocol.Check(h); err != nil {
		var ve *protocol.ValidationError
		detail := protocol.ErrorDetail{Code: protocol.CodeMandatoryHeaderMissing, Message: err.Error()}
		if errors.As(err, &ve) {
			detail = ve.Detail()
		}
		return nil, &ProtocolError{Headers: h, Detail: detail, Err: err}
	}
	if h.RecipientCode != d.cfg.Role.Self {
		return nil, &ProtocolError{
			Headers: h,
			Detail: protocol.ErrorDetail{
				Code:    protocol.CodeInvalidRecipient,
				Message: fmt.Sprintf("recipient %s is not %s", h.RecipientCode, d.cfg.Role.Self),
			},
		}
	}
	return msg, nil
}

// HandleRequest accepts an inbound request. The record is stored and the
// acknowledgement returned before the registered responder runs. A request
// duplicating another exchange is rejected with ERR_INVALID_CORRELATION_ID.
func (d *Dispatcher) HandleRequest(ctx context.Context, workflow, compact string) (*protocol.AckBody, error) {
	wf, ok := protocol.LookupWorkflow(workflow)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflow)
	}
	msg, err := d.open(ctx, compact)
	if err != nil {
		d.metrics.received(wf.Name, "request", "rejected")
		return nil, err
	}
	h := msg.Protocol
	log := d.logger.With().
		Str("workflow", wf.Name).
		Str("correlation_id", h.CorrelationID).
		Str("api_call_id", h.APICallID).
		Str("sender_code", h.SenderCode).
		Logger()
	if msg.Payload == nil {
		log.Warn().Msg("request payload is not JSON")
	}

	rec, fresh, err := d.recordInbound(ctx, wf, h, msg.Payload, compact)
	if errors.Is(err, ErrDuplicateRequest) {
		d.metrics.received(wf.Name, "request", "duplicate")
		log.Warn().Err(err).Msg("duplicate request rejected")
		return nil, &ProtocolError{
			Headers: h,
			Detail:  protocol.ErrorDetail{Code: protocol.CodeInvalidCorrelationID, Message: err.Error()},
			Err:     err,
		}
	}
	if err != nil {
		d.metrics.received(wf.Name, "request", "error")
		log.Error().Err(err).Msg("failed to record request")
		return nil, &ProtocolError{
			Headers: h,
			Detail:  protocol.ErrorDetail{Code: protocol.CodeServiceUnavailable, Message: "could not record exchange"},
			Err:     err,
		}
	}
	if !fresh {
		d.metrics.received(wf.Name, "request", "redelivered")
		log.Info().Str("status", string(rec.Status)).Msg("request already answered, acknowledged again")
		ack := protocol.BuildAccepted(h, "", "")
		return &ack, nil
	}
	d.archive(ctx, h.CorrelationID, blobstore.KindRequestEnvelope, wf.Name, []byte(compact))
	d.archive(ctx, h.CorrelationID, blobstore.KindRequestFHIR, wf.Name, msg.Payload)
	d.publish(ctx, notify.New(wf.Name, notify.SuffixNew, h.CorrelationID, string(h.Status), msg.Payload))

	if responder, ok := d.responders[wf.Name]; ok {
		d.goRespond(wf, responder, &Inbound{
			Workflow: wf,
			Headers:  h,
			Record:   rec,
			Payload:  msg.Payload,
			Bundle:   parseBundle(msg.Payload),
		})
	} else {
		log.Info().Msg("no responder registered, exchange left pending")
	}

	d.metrics.received(wf.Name, "request", "accepted")
	log.Info().Msg("request accepted")
	ack := protocol.BuildAccepted(h, "", "")
	return &ack, nil
}

// recordInbound stores a received request. The business key is scoped by
// the sender. A redelivered correlation id refreshes a pending record; a
// finished one is returned with fresh false so the request is not answered
// twice. Any other clash is ErrDuplicateRequest.
func (d *Dispatcher) recordInbound(ctx context.Context, wf protocol.Workflow, h protocol.Headers, payload json.RawMessage, compact string) (*correlation.Record, bool, error) {
	rec := &correlation.Record{
		CorrelationID:   h.CorrelationID,
		Workflow:        wf.Name,
		BusinessKey:     inboundKey(h.SenderCode, businessKey(payload)),
		Direction:       correlation.DirectionInbound,
		Status:          correlation.StatusPending,
		Headers:         h,
		RequestFHIR:     payload,
		RequestEnvelope: compact,
	}
	err := d.store.Create(ctx, rec)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, correlation.ErrDuplicateCorrelation) {
		return nil, false, err
	}

	existing, err := d.store.GetByCorrelationID(ctx, h.CorrelationID)
	switch {
	case err == nil && (existing.Direction != correlation.DirectionInbound || existing.Workflow != wf.Name):
		return nil, false, fmt.Errorf("%w: correlation id %s belongs to an %s %s exchange",
			ErrDuplicateRequest, h.CorrelationID, existing.Direction, existing.Workflow)
	case err == nil && existing.Status.Terminal():
		return existing, false, nil
	case err == nil:
		updated, err := d.store.UpdateByCorrelationID(ctx, h.CorrelationID, correlation.Patch{
			Status:          correlation.StatusPtr(correlation.StatusPending),
			Headers:         &h,
			RequestFHIR:     payload,
			RequestEnvelope: &compact,
		})
		if err != nil {
			return nil, false, err
		}
		return updated, true, nil
	case !errors.Is(err, correlation.ErrNotFound):
		return nil, false, err
	}

	held, _, err := d.store.List(ctx, correlation.Filter{
		Workflow:    wf.Name,
		Direction:   correlation.DirectionInbound,
		BusinessKey: rec.BusinessKey,
	}, 1, 0)
	if err == nil && len(held) == 1 {
		return nil, false, fmt.Errorf("%w: %s was received under correlation id %s",
			ErrDuplicateRequest, businessKey(payload), held[0].CorrelationID)
	}
	return nil, false, fmt.Errorf("%w: %s", ErrDuplicateRequest, businessKey(payload))
}

// inboundKey scopes a received business key by its sender.
func inboundKey(sender, key string) string {
	if key == "" {
		return ""
	}
	return sender + "/" + key
}

// HandleCallback matches a callback to its exchange and completes it. A
// callback whose record does not appear within MatchWindow, or whose record
// is not an outbound exchange of the same workflow, is rejected and nothing
// is stored.
func (d *Dispatcher) HandleCallback(ctx context.Context, workflow, compact string) (*protocol.AckBody, error) {
	wf, ok := protocol.LookupWorkflow(workflow)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflow)
	}
	msg, err := d.open(ctx, compact)
	if err != nil {
		d.metrics.received(wf.Name, "callback", "rejected")
		return nil, err
	}
	h := msg.Protocol
	log := d.logger.With().
		Str("workflow", wf.Name).
		Str("correlation_id", h.CorrelationID).
		Str("api_call_id", h.APICallID).
		Str("status", string(h.Status)).
		Logger()

	status := correlation.StatusComplete
	detail := h.Error
	if h.Status.IsFailure() {
		status = correlation.StatusError
		if detail == nil {
			detail = &protocol.ErrorDetail{Code: protocol.CodeDomainProcessing, Message: "counterpart reported " + string(h.Status)}
		}
	}
	_, err = d.match(ctx, h.CorrelationID, wf.Name, correlation.Patch{
		Status:           &status,
		Headers:          &h,
		ResponseFHIR:     msg.Payload,
		ResponseEnvelope: &compact,
		ErrorDetail:      detail,
	})
	if errors.Is(err, errForeignRecord) {
		d.metrics.unmatched(wf.Name)
		d.metrics.received(wf.Name, "callback", "unmatched")
		log.Warn().Err(err).Msg("callback matches no exchange of ours")
		return nil, &ProtocolError{
			Headers: h,
			Detail: protocol.ErrorDetail{
				Code:    protocol.CodeInvalidCorrelationID,
				Message: fmt.Sprintf("no %s request was sent with correlation id %s", wf.Name, h.CorrelationID),
			},
			Err: err,
		}
	}
	if errors.Is(err, correlation.ErrNotFound) {
		d.metrics.unmatched(wf.Name)
		d.metrics.received(wf.Name, "callback", "unmatched")
		log.Warn().Dur("match_window", d.cfg.MatchWindow).Msg("callback matches no exchange")
		return nil, &ProtocolError{
			Headers: h,
			Detail: protocol.ErrorDetail{
				Code:    protocol.CodeInvalidCorrelationID,
				Message: fmt.Sprintf("no exchange with correlation id %s", h.CorrelationID),
			},
			Err: err,
		}
	}
	if err != nil {
		d.metrics.received(wf.Name, "callback", "error")
		log.Error().Err(err).Msg("failed to record callback")
		return nil, &ProtocolError{
			Headers: h,
			Detail:  protocol.ErrorDetail{Code: protocol.CodeServiceUnavailable, Message: "could not record callback"},
			Err:     err,
		}
	}

	d.archive(ctx, h.CorrelationID, blobstore.KindResponseEnvelope, wf.Name, []byte(compact))
	d.archive(ctx, h.CorrelationID, blobstore.KindResponseFHIR, wf.Name, msg.Payload)
	d.publish(ctx, notify.New(wf.Name, notify.SuffixResponse, h.CorrelationID, string(h.Status), msg.Payload))

	d.metrics.received(wf.Name, "callback", string(status))
	log.Info().Msg("callback matched")
	ack := protocol.BuildAccepted(h, "", "")
	return &ack, nil
}

// errForeignRecord means the correlation id belongs to an inbound exchange
// or to another workflow.
var errForeignRecord = errors.New("correlation id is not an outbound exchange of this workflow")

// match applies p to the outbound record of workflow, retrying while it is
// not there yet.
func (d *Dispatcher) match(ctx context.Context, correlationID, workflow string, p correlation.Patch) (*correlation.Record, error) {
	apply := func() (*correlation.Record, error) {
		rec, err := d.store.GetByCorrelationID(ctx, correlationID)
		if err != nil {
			return nil, err
		}
		if rec.Direction != correlation.DirectionOutbound || rec.Workflow != workflow {
			return nil, fmt.Errorf("%s is %s %s: %w", correlationID, rec.Direction, rec.Workflow, errForeignRecord)
		}
		return d.store.UpdateByCorrelationID(ctx, correlationID, p)
	}
	if d.cfg.MatchWindow <= 0 {
		return apply()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = d.cfg.MatchWindow

	var rec *correlation.Record
	err := backoff.Retry(func() error {
		r, err := apply()
		if errors.Is(err, correlation.ErrNotFound) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		rec = r
		return nil
	}, backoff.WithContext(b, ctx))
	return rec, err
}

// ---------------------------------------------------------------------------
// Continuation
// ---------------------------------------------------------------------------

func (d *Dispatcher) goRespond(wf protocol.Workflow, r Responder, in *Inbound) {
	d.wg.Add(1)
	d.metrics.continuation(1)
	go func() {
		defer d.wg.Done()
		defer d.metrics.continuation(-1)

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ProcessingTimeout)
		defer cancel()
		log := d.logger.With().
			Str("workflow", wf.Name).
			Str("correlation_id", in.Headers.CorrelationID).
			Logger()

		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Msg("responder panicked")
				d.markError(ctx, in.Headers.CorrelationID, protocol.ErrorDetail{
					Code:    protocol.CodeDomainProcessing,
					Message: fmt.Sprintf("responder panicked: %v", p),
				})
			}
		}()

		reply, err := r.Respond(ctx, in)
		if err != nil {
			log.Error().Err(err).Msg("responder failed, answering with error")
			reply = &Reply{
				Payload: map[string]interface{}{},
				Status:  protocol.StatusResponseError,
				Error:   &protocol.ErrorDetail{Code: protocol.CodeDomainProcessing, Message: err.Error()},
			}
		}
		if err := d.Callback(ctx, wf.Name, in.Headers.CorrelationID, reply); err != nil {
			log.Error().Err(err).Msg("callback not queued")
			d.markError(ctx, in.Headers.CorrelationID, protocol.ErrorDetail{Code: protocol.CodeServiceUnavailable, Message: err.Error()})
		}
	}()
}

// Callback seals reply for the sender of the inbound exchange and queues
// it for delivery. Headers are composed from the stored record.
func (d *Dispatcher) Callback(ctx context.Context, workflow, correlationID string, reply *Reply) error {
	wf, ok := protocol.LookupWorkflow(workflow)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflow)
	}
	rec, err := d.store.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("load exchange: %w", err)
	}

	status := reply.Status
	if status == "" {
		status = protocol.StatusResponseComplete
	}
	h := protocol.Reply(rec.Headers, status)
	h.EntityType = wf.Name
	if reply.Error != nil {
		h.Error = reply.Error
		h.DebugFlag = protocol.DebugFlagError
	}

	recipient, err := d.dir.Lookup(h.RecipientCode)
	if err != nil {
		return err
	}

	payload := json.RawMessage(`{}`)
	if reply.Payload != nil {
		if payload, err = json.Marshal(reply.Payload); err != nil {
			return fmt.Errorf("marshal %s response: %w", wf.Name, err)
		}
	}
	compact, err := d.codec.EncryptMessage(ctx, payload, h, reply.DomainHeaders, recipient.PublicKey())
	if err != nil {
		return fmt.Errorf("seal %s response: %w", wf.Name, err)
	}

	recStatus := correlation.StatusComplete
	if status.IsFailure() {
		recStatus = correlation.StatusError
	}
	if _, err := d.store.UpdateByCorrelationID(ctx, correlationID, correlation.Patch{
		Status:           &recStatus,
		ResponseFHIR:     payload,
		ResponseEnvelope: &compact,
		ErrorDetail:      reply.Error,
	}); err != nil {
		return err
	}
	d.archive(ctx, correlationID, blobstore.KindResponseFHIR, wf.Name, payload)
	d.archive(ctx, correlationID, blobstore.KindResponseEnvelope, wf.Name, []byte(compact))

	m := &outbox.Message{
		CorrelationID: correlationID,
		Workflow:      wf.Name,
		Endpoint:      recipient.URL(wf.CallbackPath),
		RecipientCode: recipient.Code,
		Envelope:      compact,
	}
	if d.outbox != nil {
		return d.outbox.Enqueue(ctx, m)
	}
	if _, err := d.transport.Post(ctx, m.Endpoint, compact); err != nil {
		d.DeliveryFailed(ctx, m, err)
	}
	return nil
}

// DeliveryFailed moves the exchange of an undeliverable callback to error
// and emits the workflow's failed event. It matches outbox.FailedFunc.
func (d *Dispatcher) DeliveryFailed(ctx context.Context, m *outbox.Message, err error) {
	detail := errorDetail(err)
	d.markError(ctx, m.CorrelationID, detail)
	payload, _ := json.Marshal(detail)
	d.publish(ctx, notify.New(m.Workflow, notify.SuffixFailed, m.CorrelationID, string(correlation.StatusError), payload))
}

// Wait blocks until every running continuation has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Shutdown waits for running continuations or until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("continuations still running: %w", ctx.Err())
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (d *Dispatcher) markError(ctx context.Context, correlationID string, detail protocol.ErrorDetail) *correlation.Record {
	status := correlation.StatusError
	rec, err := d.store.UpdateByCorrelationID(ctx, correlationID, correlation.Patch{Status: &status, ErrorDetail: &detail})
	if err != nil {
		d.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("failed to mark exchange as error")
		return nil
	}
	return rec
}

func (d *Dispatcher) archive(ctx context.Context, correlationID, kind, workflow string, data []byte) {
	if err := d.archiver.Save(ctx, correlationID, kind, workflow, data); err != nil {
		d.logger.Warn().Err(err).Str("correlation_id", correlationID).Str("kind", kind).Msg("archive write failed")
	}
}

func (d *Dispatcher) publish(ctx context.Context, e notify.Event) {
	if err := d.publisher.Publish(ctx, e); err != nil {
		d.logger.Warn().Err(err).Str("event", e.Name).Str("correlation_id", e.CorrelationID).Msg("notification not delivered")
	}
}

func errorDetail(err error) protocol.ErrorDetail {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Detail()
	}
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Detail()
	}
	return protocol.ErrorDetail{Code: protocol.CodeServiceUnavailable, Message: err.Error()}
}
