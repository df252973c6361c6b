package claims

import (
	"errors"
	"sort"
	"sync"
	"time"

	fm "github.com/ehr/hcx/pkg/fhirmodels"
)

var ErrPlanNotFound = errors.New("insurance plan not found")

// -- Inbound resources --

// Claim is the subset of a FHIR Claim the payer adjudicates.
type Claim struct {
	ResourceType string              `json:"resourceType"`
	ID           string              `json:"id"`
	Status       string              `json:"status,omitempty"`
	Use          string              `json:"use,omitempty"`
	Patient      fm.Reference        `json:"patient"`
	Insurer      *fm.Reference       `json:"insurer,omitempty"`
	Provider     *fm.Reference       `json:"provider,omitempty"`
	Insurance    []ClaimInsurance    `json:"insurance,omitempty"`
	Item         []ClaimItem         `json:"item,omitempty"`
	Total        *fm.Money           `json:"total,omitempty"`
	Identifier   []fm.Identifier     `json:"identifier,omitempty"`
	Priority     *fm.CodeableConcept `json:"priority,omitempty"`
}

type ClaimInsurance struct {
	Sequence int          `json:"sequence"`
	Focal    bool         `json:"focal"`
	Coverage fm.Reference `json:"coverage"`
}

type ClaimItem struct {
	Sequence         int                `json:"sequence"`
	ProductOrService fm.CodeableConcept `json:"productOrService"`
	Quantity         *Quantity          `json:"quantity,omitempty"`
	UnitPrice        *fm.Money          `json:"unitPrice,omitempty"`
	Net              *fm.Money          `json:"net,omitempty"`
}

type Quantity struct {
	Value float64 `json:"value"`
}

// amount is the item's net, else unitPrice times quantity.
func (i ClaimItem) amount() float64 {
	if i.Net != nil {
		return i.Net.Value
	}
	if i.UnitPrice == nil {
		return 0
	}
	q := 1.0
	if i.Quantity != nil && i.Quantity.Value > 0 {
		q = i.Quantity.Value
	}
	return i.UnitPrice.Value * q
}

// Coverage is read only for the plan it names.
type Coverage struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	Status       string          `json:"status,omitempty"`
	Beneficiary  *fm.Reference   `json:"beneficiary,omitempty"`
	Payor        []fm.Reference  `json:"payor,omitempty"`
	Class        []CoverageClass `json:"class,omitempty"`
}

type CoverageClass struct {
	Type  fm.CodeableConcept `json:"type"`
	Value string             `json:"value"`
	Name  string             `json:"name,omitempty"`
}

// PlanID returns the value of the "plan" class, or the first class value.
func (c *Coverage) PlanID() string {
	if c == nil {
		return ""
	}
	for _, cl := range c.Class {
		for _, cd := range cl.Type.Coding {
			if cd.Code == "plan" {
				return cl.Value
			}
		}
	}
	if len(c.Class) > 0 {
		return c.Class[0].Value
	}
	return ""
}

type EligibilityRequest struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id"`
	Purpose      []string               `json:"purpose,omitempty"`
	Patient      fm.Reference           `json:"patient"`
	Insurer      *fm.Reference          `json:"insurer,omitempty"`
	Insurance    []EligibilityInsurance `json:"insurance,omitempty"`
}

type EligibilityInsurance struct {
	Focal    bool         `json:"focal,omitempty"`
	Coverage fm.Reference `json:"coverage"`
}

type CommunicationRequest struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id"`
	Status       string         `json:"status,omitempty"`
	About        []fm.Reference `json:"about,omitempty"`
	Subject      *fm.Reference  `json:"subject,omitempty"`
	Sender       *fm.Reference  `json:"sender,omitempty"`
	Recipient    []fm.Reference `json:"recipient,omitempty"`
	Payload      []Content      `json:"payload,omitempty"`
}

type Content struct {
	ContentString string `json:"contentString,omitempty"`
}

// -- Outbound resources --

type ClaimResponse struct {
	ResourceType string              `json:"resourceType"`
	ID           string              `json:"id"`
	Status       string              `json:"status"`
	Use          string              `json:"use"`
	Patient      fm.Reference        `json:"patient"`
	Created      string              `json:"created"`
	Insurer      fm.Reference        `json:"insurer"`
	Requestor    *fm.Reference       `json:"requestor,omitempty"`
	Request      fm.Reference        `json:"request"`
	Outcome      string              `json:"outcome"`
	Disposition  string              `json:"disposition,omitempty"`
	PreAuthRef   string              `json:"preAuthRef,omitempty"`
	Item         []ResponseItem      `json:"item,omitempty"`
	Total        []Total             `json:"total,omitempty"`
	Insurance    []ResponseInsurance `json:"insurance,omitempty"`
}

type ResponseItem struct {
	ItemSequence int            `json:"itemSequence"`
	Adjudication []Adjudication `json:"adjudication"`
}

type Adjudication struct {
	Category fm.CodeableConcept `json:"category"`
	Amount   *fm.Money          `json:"amount,omitempty"`
}

type Total struct {
	Category fm.CodeableConcept `json:"category"`
	Amount   fm.Money           `json:"amount"`
}

type ResponseInsurance struct {
	Sequence int          `json:"sequence"`
	Focal    bool         `json:"focal"`
	Coverage fm.Reference `json:"coverage"`
}

type EligibilityResponse struct {
	ResourceType string                         `json:"resourceType"`
	ID           string                         `json:"id"`
	Status       string                         `json:"status"`
	Purpose      []string                       `json:"purpose"`
	Patient      fm.Reference                   `json:"patient"`
	Created      string                         `json:"created"`
	Request      fm.Reference                   `json:"request"`
	Outcome      string                         `json:"outcome"`
	Disposition  string                         `json:"disposition,omitempty"`
	Insurer      fm.Reference                   `json:"insurer"`
	Insurance    []EligibilityResponseInsurance `json:"insurance,omitempty"`
}

type EligibilityResponseInsurance struct {
	Coverage fm.Reference      `json:"coverage"`
	Inforce  bool              `json:"inforce"`
	Item     []EligibilityItem `json:"item,omitempty"`
}

type EligibilityItem struct {
	Category fm.CodeableConcept `json:"category"`
	Benefit  []Benefit          `json:"benefit,omitempty"`
}

type Benefit struct {
	Type         fm.CodeableConcept `json:"type"`
	AllowedMoney *fm.Money          `json:"allowedMoney,omitempty"`
	UsedMoney    *fm.Money          `json:"usedMoney,omitempty"`
}

type Communication struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	BasedOn      []fm.Reference `json:"basedOn,omitempty"`
	About        []fm.Reference `json:"about,omitempty"`
	Subject      *fm.Reference  `json:"subject,omitempty"`
	Sent         string         `json:"sent"`
	Sender       *fm.Reference  `json:"sender,omitempty"`
	Recipient    []fm.Reference `json:"recipient,omitempty"`
	Payload      []Content      `json:"payload,omitempty"`
}

// -- Plans --

// Plan is a benefit plan the payer adjudicates against.
type Plan struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	CoverageLimit   float64   `json:"coverage_limit"`
	Currency        string    `json:"currency"`
	CoveredServices []string  `json:"covered_services,omitempty"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
}

// Covers reports whether code is a covered service. An empty list covers
// every service.
func (p *Plan) Covers(code string) bool {
	if len(p.CoveredServices) == 0 {
		return true
	}
	for _, s := range p.CoveredServices {
		if s == code {
			return true
		}
	}
	return false
}

// InForce reports whether the plan is active at t.
func (p *Plan) InForce(t time.Time) bool {
	if p.Status != fm.StatusActive {
		return false
	}
	if !p.PeriodStart.IsZero() && t.Before(p.PeriodStart) {
		return false
	}
	if !p.PeriodEnd.IsZero() && t.After(p.PeriodEnd) {
		return false
	}
	return true
}

func (p *Plan) ToFHIR(insurer fm.Reference) map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "InsurancePlan",
		"id":           p.ID,
		"status":       p.Status,
		"name":         p.Name,
		"ownedBy":      insurer,
		"plan": []map[string]interface{}{{
			"generalCost": []map[string]interface{}{{
				"cost": fm.Money{Value: p.CoverageLimit, Currency: p.Currency},
			}},
		}},
	}
	if !p.PeriodStart.IsZero() || !p.PeriodEnd.IsZero() {
		period := fm.Period{}
		if !p.PeriodStart.IsZero() {
			period.Start = p.PeriodStart.Format("2006-01-02")
		}
		if !p.PeriodEnd.IsZero() {
			period.End = p.PeriodEnd.Format("2006-01-02")
		}
		result["period"] = period
	}
	if len(p.CoveredServices) > 0 {
		var items []map[string]interface{}
		for _, s := range p.CoveredServices {
			items = append(items, map[string]interface{}{
				"benefit": []map[string]interface{}{{"type": fm.CodeableConcept{Text: s}}},
			})
		}
		result["coverage"] = []map[string]interface{}{{
			"type":    fm.CodeableConcept{Text: "medical"},
			"benefit": items,
		}}
	}
	return result
}

// Catalog holds the payer's plans. The first plan added is the default
// for claims whose coverage names no known plan.
type Catalog struct {
	mu    sync.RWMutex
	plans map[string]*Plan
	first string
}

func NewCatalog(plans ...Plan) *Catalog {
	c := &Catalog{plans: make(map[string]*Plan)}
	for _, p := range plans {
		c.Add(p)
	}
	return c
}

// DefaultCatalog returns a catalog with a single open plan.
func DefaultCatalog() *Catalog {
	return NewCatalog(Plan{
		ID:            "default-plan",
		Name:          "Standard Health Plan",
		Status:        fm.StatusActive,
		CoverageLimit: 100000,
		Currency:      "INR",
	})
}

func (c *Catalog) Add(p Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.Status == "" {
		p.Status = fm.StatusActive
	}
	if c.first == "" {
		c.first = p.ID
	}
	c.plans[p.ID] = &p
}

func (c *Catalog) Get(id string) (*Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

// Resolve returns plan id, or the default plan when id is unknown.
func (c *Catalog) Resolve(id string) (*Plan, error) {
	if p, err := c.Get(id); err == nil {
		return p, nil
	}
	c.mu.RLock()
	first := c.first
	c.mu.RUnlock()
	return c.Get(first)
}

func (c *Catalog) List() []Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
