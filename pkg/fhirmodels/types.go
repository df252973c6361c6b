package fhirmodels

import (
	"encoding/json"
	"fmt"
	"time"
)

// Common FHIR value set constants used by the claims exchange.

// FinancialResourceStatus values per FHIR R4.
const (
	StatusActive         = "active"
	StatusCancelled      = "cancelled"
	StatusDraft          = "draft"
	StatusEnteredInError = "entered-in-error"
)

// ClaimUse codes.
const (
	UseClaim            = "claim"
	UsePreauthorization = "preauthorization"
	UsePredetermination = "predetermination"
)

// RemittanceOutcome codes carried on ClaimResponse and
// CoverageEligibilityResponse.
const (
	OutcomeQueued   = "queued"
	OutcomeComplete = "complete"
	OutcomeError    = "error"
	OutcomePartial  = "partial"
)

// EligibilityPurpose codes.
const (
	PurposeAuthRequirements = "auth-requirements"
	PurposeBenefits         = "benefits"
	PurposeDiscovery        = "discovery"
	PurposeValidation       = "validation"
)

// EventStatus codes used by Communication.
const (
	EventPreparation = "preparation"
	EventInProgress  = "in-progress"
	EventCompleted   = "completed"
)

// Adjudication category codes.
const (
	AdjudicationSubmitted = "submitted"
	AdjudicationEligible  = "eligible"
	AdjudicationBenefit   = "benefit"
)

// AdjudicationSystem is the code system of the adjudication categories.
const AdjudicationSystem = "http://terminology.hl7.org/CodeSystem/adjudication"

// ---------------------------------------------------------------------------
// Datatypes
// ---------------------------------------------------------------------------

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Concept is shorthand for a single-coding CodeableConcept.
func Concept(system, code, display string) CodeableConcept {
	return CodeableConcept{Coding: []Coding{{System: system, Code: code, Display: display}}}
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Ref creates a Type/id reference.
func Ref(resourceType, id string) Reference {
	return Reference{Reference: fmt.Sprintf("%s/%s", resourceType, id)}
}

type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Money struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency,omitempty"`
}

// ToMap converts a typed resource to the generic form bundles carry.
func ToMap(resource interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(resource)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromMap decodes a generic resource into a typed one.
func FromMap(resource map[string]interface{}, v interface{}) error {
	b, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
