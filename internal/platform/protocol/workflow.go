package protocol

import (
	"fmt"
	"sort"
)

// Role parameterizes the protocol library for one side of the exchange.
type Role struct {
	Name        string // "payer" or "provider"
	Self        string // own participant code
	Counterpart string // default recipient participant code
}

// Role names.
const (
	RolePayer    = "payer"
	RoleProvider = "provider"
)

// Validate checks that the role names both participants.
func (r Role) Validate() error {
	if r.Name != RolePayer && r.Name != RoleProvider {
		return fmt.Errorf("role must be %q or %q, got %q", RolePayer, RoleProvider, r.Name)
	}
	if r.Self == "" {
		return fmt.Errorf("role %s: own participant code is required", r.Name)
	}
	if r.Counterpart == "" {
		return fmt.Errorf("role %s: counterpart participant code is required", r.Name)
	}
	return nil
}

// Workflow describes one request/callback endpoint pair.
type Workflow struct {
	Name             string
	RequestPath      string
	CallbackPath     string
	RequestResource  string
	ResponseResource string
}

// Workflow names.
const (
	WorkflowCoverageEligibility = "coverage-eligibility"
	WorkflowClaim               = "claim"
	WorkflowPreauth             = "preauth"
	WorkflowCommunication       = "communication"
	WorkflowInsurancePlan       = "insurance-plan"
)

var workflows = map[string]Workflow{
	WorkflowCoverageEligibility: {
		Name:             WorkflowCoverageEligibility,
		RequestPath:      "/coverageeligibility/check",
		CallbackPath:     "/coverageeligibility/on_check",
		RequestResource:  "CoverageEligibilityRequest",
		ResponseResource: "CoverageEligibilityResponse",
	},
	WorkflowClaim: {
		Name:             WorkflowClaim,
		RequestPath:      "/claim/submit",
		CallbackPath:     "/claim/on_submit",
		RequestResource:  "Claim",
		ResponseResource: "ClaimResponse",
	},
	WorkflowPreauth: {
		Name:             WorkflowPreauth,
		RequestPath:      "/preauth/submit",
		CallbackPath:     "/preauth/on_submit",
		RequestResource:  "Claim",
		ResponseResource: "ClaimResponse",
	},
	WorkflowCommunication: {
		Name:             WorkflowCommunication,
		RequestPath:      "/communication/request",
		CallbackPath:     "/communication/on_request",
		RequestResource:  "CommunicationRequest",
		ResponseResource: "Communication",
	},
	WorkflowInsurancePlan: {
		Name:             WorkflowInsurancePlan,
		RequestPath:      "/insuranceplan/request",
		CallbackPath:     "/insuranceplan/on_request",
		RequestResource:  "",
		ResponseResource: "InsurancePlan",
	},
}

// LookupWorkflow returns the workflow registered under name.
func LookupWorkflow(name string) (Workflow, bool) {
	wf, ok := workflows[name]
	return wf, ok
}

// Workflows returns every registered workflow ordered by name.
func Workflows() []Workflow {
	out := make([]Workflow, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Events published on the local notification channel.
func (w Workflow) NewEvent() string      { return w.Name + ":new" }
func (w Workflow) ResponseEvent() string { return w.Name + "-response" }
func (w Workflow) FailedEvent() string   { return w.Name + "-failed" }
