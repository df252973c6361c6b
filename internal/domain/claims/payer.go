package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hcx/internal/platform/bundle"
	"github.com/ehr/hcx/internal/platform/exchange"
	"github.com/ehr/hcx/internal/platform/protocol"
	fm "github.com/ehr/hcx/pkg/fhirmodels"
)

var (
	ErrNotJSON           = errors.New("request payload is not JSON")
	ErrUnexpectedPayload = errors.New("request payload has an unexpected resource type")
	ErrNoCoverage        = errors.New("request names no coverage")
)

// Payer answers claim, preauth, eligibility and plan requests from its
// plan catalog.
type Payer struct {
	catalog *Catalog
	code    string
	logger  zerolog.Logger
	now     func() time.Time
}

func NewPayer(catalog *Catalog, participantCode string, logger zerolog.Logger) *Payer {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Payer{
		catalog: catalog,
		code:    participantCode,
		logger:  logger.With().Str("component", "payer").Logger(),
		now:     time.Now,
	}
}

// Options registers the payer's responders on a dispatcher.
func (p *Payer) Options() []exchange.Option {
	return []exchange.Option{
		exchange.WithResponder(protocol.WorkflowClaim, exchange.ResponderFunc(p.AdjudicateClaim)),
		exchange.WithResponder(protocol.WorkflowPreauth, exchange.ResponderFunc(p.AdjudicatePreauth)),
		exchange.WithResponder(protocol.WorkflowCoverageEligibility, exchange.ResponderFunc(p.CheckEligibility)),
		exchange.WithResponder(protocol.WorkflowInsurancePlan, exchange.ResponderFunc(p.ListPlans)),
	}
}

func (p *Payer) Catalog() *Catalog { return p.catalog }

// AdjudicateClaim answers a claim with a ClaimResponse bundle.
func (p *Payer) AdjudicateClaim(ctx context.Context, in *exchange.Inbound) (*exchange.Reply, error) {
	return p.adjudicate(ctx, in, false)
}

// AdjudicatePreauth answers a preauthorization and issues a preAuthRef.
func (p *Payer) AdjudicatePreauth(ctx context.Context, in *exchange.Inbound) (*exchange.Reply, error) {
	return p.adjudicate(ctx, in, true)
}

func (p *Payer) adjudicate(ctx context.Context, in *exchange.Inbound, preauth bool) (*exchange.Reply, error) {
	var claim Claim
	src, err := primary(in, "Claim", &claim)
	if err != nil {
		return nil, err
	}

	coverageRef := focalCoverage(claim.Insurance)
	cov := resolveCoverage(src, coverageRef)
	plan, err := p.catalog.Resolve(cov.PlanID())
	if err != nil {
		return nil, fmt.Errorf("resolve plan: %w", err)
	}

	now := p.now().UTC()
	resp := &ClaimResponse{
		ResourceType: "ClaimResponse",
		ID:           uuid.New().String(),
		Status:       fm.StatusActive,
		Use:          claimUse(claim.Use, preauth),
		Patient:      claim.Patient,
		Created:      now.Format(time.RFC3339),
		Insurer:      p.insurer(claim.Insurer),
		Requestor:    claim.Provider,
		Request:      fm.Ref("Claim", claim.ID),
	}
	if coverageRef != "" {
		resp.Insurance = []ResponseInsurance{{Sequence: 1, Focal: true, Coverage: fm.Reference{Reference: coverageRef}}}
	}

	submitted, eligible := 0.0, 0.0
	for i, item := range claim.Item {
		seq := item.Sequence
		if seq == 0 {
			seq = i + 1
		}
		amt := item.amount()
		covered := 0.0
		if plan.Covers(serviceCode(item.ProductOrService)) {
			covered = amt
		}
		submitted += amt
		eligible += covered
		resp.Item = append(resp.Item, ResponseItem{
			ItemSequence: seq,
			Adjudication: []Adjudication{
				adjudication(fm.AdjudicationSubmitted, amt, plan.Currency),
				adjudication(fm.AdjudicationEligible, covered, plan.Currency),
			},
		})
	}
	if len(claim.Item) == 0 && claim.Total != nil {
		submitted, eligible = claim.Total.Value, claim.Total.Value
	}

	status := protocol.StatusResponseComplete
	var benefit float64
	switch {
	case !plan.InForce(now):
		resp.Outcome = fm.OutcomeError
		resp.Disposition = fmt.Sprintf("plan %s is not in force", plan.ID)
	case eligible > plan.CoverageLimit:
		benefit = plan.CoverageLimit
		resp.Outcome = fm.OutcomePartial
		resp.Disposition = fmt.Sprintf("benefit capped at plan limit %.2f %s", plan.CoverageLimit, plan.Currency)
		status = protocol.StatusResponsePartial
	case eligible < submitted:
		benefit = eligible
		resp.Outcome = fm.OutcomePartial
		resp.Disposition = "some services are not covered by the plan"
		status = protocol.StatusResponsePartial
	default:
		benefit = eligible
		resp.Outcome = fm.OutcomeComplete
		resp.Disposition = "claim settled in full"
	}
	benefit = round2(benefit)
	resp.Total = []Total{
		{Category: adjudicationCategory(fm.AdjudicationSubmitted), Amount: fm.Money{Value: round2(submitted), Currency: plan.Currency}},
		{Category: adjudicationCategory(fm.AdjudicationBenefit), Amount: fm.Money{Value: benefit, Currency: plan.Currency}},
	}
	if preauth && resp.Outcome != fm.OutcomeError {
		resp.PreAuthRef = "PA-" + strings.ToUpper(uuid.New().String()[:8])
	}

	b, err := p.responseBundle(ctx, resp, src, claim.Patient.Reference, resp.Insurer.Reference, coverageRef)
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("claim", claim.ID).
		Str("plan", plan.ID).
		Str("outcome", resp.Outcome).
		Float64("submitted", submitted).
		Float64("benefit", benefit).
		Bool("preauth", preauth).
		Msg("claim adjudicated")

	return &exchange.Reply{Payload: b, Status: status}, nil
}

// CheckEligibility answers a CoverageEligibilityRequest.
func (p *Payer) CheckEligibility(ctx context.Context, in *exchange.Inbound) (*exchange.Reply, error) {
	var req EligibilityRequest
	src, err := primary(in, "CoverageEligibilityRequest", &req)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	purpose := req.Purpose
	if len(purpose) == 0 {
		purpose = []string{fm.PurposeValidation}
	}
	resp := &EligibilityResponse{
		ResourceType: "CoverageEligibilityResponse",
		ID:           uuid.New().String(),
		Status:       fm.StatusActive,
		Purpose:      purpose,
		Patient:      req.Patient,
		Created:      now.Format(time.RFC3339),
		Request:      fm.Ref("CoverageEligibilityRequest", req.ID),
		Insurer:      p.insurer(req.Insurer),
		Outcome:      fm.OutcomeComplete,
	}

	if len(req.Insurance) == 0 {
		resp.Outcome = fm.OutcomeError
		resp.Disposition = ErrNoCoverage.Error()
	}
	var coverageRefs []string
	for _, ins := range req.Insurance {
		ref := ins.Coverage.Reference
		coverageRefs = append(coverageRefs, ref)
		plan, err := p.catalog.Resolve(resolveCoverage(src, ref).PlanID())
		if err != nil {
			return nil, fmt.Errorf("resolve plan: %w", err)
		}
		entry := EligibilityResponseInsurance{
			Coverage: fm.Reference{Reference: ref},
			Inforce:  plan.InForce(now),
		}
		if entry.Inforce {
			entry.Item = []EligibilityItem{{
				Category: fm.CodeableConcept{Text: plan.Name},
				Benefit: []Benefit{{
					Type:         fm.Concept("http://terminology.hl7.org/CodeSystem/benefit-type", "benefit", "Benefit"),
					AllowedMoney: &fm.Money{Value: plan.CoverageLimit, Currency: plan.Currency},
				}},
			}}
		}
		resp.Insurance = append(resp.Insurance, entry)
	}

	b, err := p.responseBundle(ctx, resp, src, append([]string{req.Patient.Reference, resp.Insurer.Reference}, coverageRefs...)...)
	if err != nil {
		return nil, err
	}
	return &exchange.Reply{Payload: b}, nil
}

// PlanQuery filters ListPlans. An empty query returns every plan.
type PlanQuery struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ListPlans answers an insurance plan query with a bundle of InsurancePlan
// resources.
func (p *Payer) ListPlans(_ context.Context, in *exchange.Inbound) (*exchange.Reply, error) {
	var q PlanQuery
	if len(in.Payload) > 0 {
		if err := json.Unmarshal(in.Payload, &q); err != nil {
			return nil, ErrNotJSON
		}
	}
	owner := fm.Ref("Organization", p.code)

	var plans []Plan
	if q.ID != "" {
		plan, err := p.catalog.Get(q.ID)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", q.ID, err)
		}
		plans = []Plan{*plan}
	} else {
		for _, plan := range p.catalog.List() {
			if q.Status != "" && plan.Status != q.Status {
				continue
			}
			plans = append(plans, plan)
		}
	}
	if len(plans) == 0 {
		return nil, ErrPlanNotFound
	}

	bld := bundle.NewBuilder()
	for i := range plans {
		r, err := fm.ToMap(plans[i].ToFHIR(owner))
		if err != nil {
			return nil, err
		}
		if _, err := bld.Add(r); err != nil {
			return nil, err
		}
	}
	b, _, err := bld.Build()
	if err != nil {
		return nil, err
	}
	return &exchange.Reply{Payload: b}, nil
}

// responseBundle puts resp first and follows its references into the
// listed resources the request carried, so the answer is self-contained.
func (p *Payer) responseBundle(ctx context.Context, resp interface{}, src *bundle.Parsed, refs ...string) (*bundle.Bundle, error) {
	r, err := fm.ToMap(resp)
	if err != nil {
		return nil, err
	}
	known := bundle.NewMemorySource()
	if src != nil {
		for _, ref := range refs {
			if res, ok := src.Resolve(ref); ok && ref != "" {
				known.Put(res)
			}
		}
	}
	b, res, err := bundle.Assemble(ctx, r, known, bundle.Options{})
	if err != nil {
		return nil, err
	}
	if len(res.Cycles) > 0 {
		p.logger.Debug().Int("cycles", len(res.Cycles)).Msg("response bundle has reference cycles")
	}
	return b, nil
}

func (p *Payer) insurer(ref *fm.Reference) fm.Reference {
	if ref != nil && ref.Reference != "" {
		return *ref
	}
	return fm.Ref("Organization", p.code)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// primary decodes the request's resource of resourceType into v. Bundle
// references are localized first so they resolve by Type/id.
func primary(in *exchange.Inbound, resourceType string, v interface{}) (*bundle.Parsed, error) {
	if in.Bundle != nil {
		local, err := in.Bundle.Localize()
		if err != nil {
			return nil, err
		}
		src := bundle.Index(local)
		res, err := src.Primary()
		if err != nil {
			return nil, err
		}
		if rt, _ := res["resourceType"].(string); rt != resourceType {
			found := src.ByType(resourceType)
			if len(found) == 0 {
				return nil, fmt.Errorf("%w: bundle has no %s", ErrUnexpectedPayload, resourceType)
			}
			res = found[0]
		}
		return src, fm.FromMap(res, v)
	}

	if len(in.Payload) == 0 {
		return nil, ErrNotJSON
	}
	var res map[string]interface{}
	if err := json.Unmarshal(in.Payload, &res); err != nil {
		return nil, ErrNotJSON
	}
	if rt, _ := res["resourceType"].(string); rt != resourceType {
		return nil, fmt.Errorf("%w: want %s, got %q", ErrUnexpectedPayload, resourceType, rt)
	}
	return nil, fm.FromMap(res, v)
}

func resolveCoverage(src *bundle.Parsed, ref string) *Coverage {
	if src == nil || ref == "" {
		return nil
	}
	res, ok := src.Resolve(ref)
	if !ok {
		return nil
	}
	var c Coverage
	if err := fm.FromMap(res, &c); err != nil {
		return nil
	}
	return &c
}

func focalCoverage(ins []ClaimInsurance) string {
	for _, i := range ins {
		if i.Focal {
			return i.Coverage.Reference
		}
	}
	if len(ins) > 0 {
		return ins[0].Coverage.Reference
	}
	return ""
}

func claimUse(use string, preauth bool) string {
	if preauth {
		return fm.UsePreauthorization
	}
	if use == "" {
		return fm.UseClaim
	}
	return use
}

func serviceCode(cc fm.CodeableConcept) string {
	for _, c := range cc.Coding {
		if c.Code != "" {
			return c.Code
		}
	}
	return cc.Text
}

func adjudicationCategory(code string) fm.CodeableConcept {
	return fm.Concept(fm.AdjudicationSystem, code, "")
}

func adjudication(code string, amount float64, currency string) Adjudication {
	return Adjudication{
		Category: adjudicationCategory(code),
		Amount:   &fm.Money{Value: round2(amount), Currency: currency},
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
