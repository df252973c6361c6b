package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func claim() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Claim",
		"id":           "42",
		"patient":      map[string]interface{}{"reference": "Patient/p1"},
		"insurance": []interface{}{
			map[string]interface{}{"coverage": map[string]interface{}{"reference": "Coverage/cov1"}},
		},
		"provider": map[string]interface{}{"reference": "Organization/external"},
	}
}

func patient() map[string]interface{} {
	return map[string]interface{}{"resourceType": "Patient", "id": "p1"}
}

func coverage() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Coverage",
		"id":           "cov1",
		"beneficiary":  map[string]interface{}{"reference": "Patient/p1"},
	}
}

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

func TestBuilder_RewritesInBundleReferences(t *testing.T) {
	b := NewBuilder()
	claimURL, _ := b.Add(claim())
	patientURL, _ := b.Add(patient())
	coverageURL, _ := b.Add(coverage())

	bundle, res, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if bundle.ResourceType != "Bundle" || bundle.Type != TypeCollection || len(bundle.Entry) != 3 {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}
	if bundle.Entry[0].FullURL != claimURL || !strings.HasPrefix(claimURL, "urn:uuid:") {
		t.Errorf("primary fullUrl = %s", bundle.Entry[0].FullURL)
	}

	c := bundle.Entry[0].Resource
	if ref := c["patient"].(map[string]interface{})["reference"]; ref != patientURL {
		t.Errorf("patient reference = %v, want %s", ref, patientURL)
	}
	cov := c["insurance"].([]interface{})[0].(map[string]interface{})["coverage"].(map[string]interface{})
	if cov["reference"] != coverageURL {
		t.Errorf("coverage reference = %v, want %s", cov["reference"], coverageURL)
	}
	if ref := bundle.Entry[2].Resource["beneficiary"].(map[string]interface{})["reference"]; ref != patientURL {
		t.Errorf("beneficiary reference = %v", ref)
	}

	if len(res.Unresolved) != 1 || res.Unresolved[0] != "Organization/external" {
		t.Errorf("unresolved = %v", res.Unresolved)
	}
	if ref := c["provider"].(map[string]interface{})["reference"]; ref != "Organization/external" {
		t.Errorf("unresolved reference should be left untouched, got %v", ref)
	}
}

func TestBuilder_DoesNotMutateInput(t *testing.T) {
	in := claim()
	b := NewBuilder()
	b.Add(in)
	b.Add(patient())
	b.Build()

	if ref := in["patient"].(map[string]interface{})["reference"]; ref != "Patient/p1" {
		t.Fatalf("input mutated: %v", ref)
	}
}

func TestBuilder_DeduplicatesByReference(t *testing.T) {
	b := NewBuilder()
	first, _ := b.Add(patient())
	second, _ := b.Add(patient())
	if first != second || b.Len() != 1 {
		t.Fatalf("expected one entry, got %d (%s, %s)", b.Len(), first, second)
	}
}

func TestBuilder_Errors(t *testing.T) {
	if _, _, err := NewBuilder().Build(); !errors.Is(err, ErrEmptyBundle) {
		t.Errorf("expected ErrEmptyBundle, got %v", err)
	}
	if _, err := NewBuilder().Add(map[string]interface{}{"id": "x"}); !errors.Is(err, ErrMissingIdentity) {
		t.Errorf("expected ErrMissingIdentity, got %v", err)
	}

	deep := map[string]interface{}{"resourceType": "Basic", "id": "deep"}
	cur := deep
	for i := 0; i < 10; i++ {
		next := map[string]interface{}{}
		cur["extension"] = next
		cur = next
	}
	if _, err := NewBuilder().WithMaxNesting(5).Add(deep); !errors.Is(err, ErrNestingExceeded) {
		t.Errorf("expected ErrNestingExceeded, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Assemble
// ---------------------------------------------------------------------------

func TestAssemble_FollowsReferencesTransitively(t *testing.T) {
	src := NewMemorySource(patient(), coverage())
	bundle, res, err := Assemble(context.Background(), claim(), src, Options{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(bundle.Entry) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(bundle.Entry))
	}
	if got := ReferenceOf(bundle.Entry[0].Resource); got != "Claim/42" {
		t.Errorf("primary = %s", got)
	}
	if len(res.Unresolved) != 1 {
		t.Errorf("unresolved = %v", res.Unresolved)
	}

	p := Index(bundle)
	if d := p.Dangling(); len(d) != 0 {
		t.Errorf("expected closed graph, dangling = %v", d)
	}
}

func TestAssemble_TerminatesOnCycles(t *testing.T) {
	a := map[string]interface{}{"resourceType": "Basic", "id": "a", "next": map[string]interface{}{"reference": "Basic/b"}}
	b := map[string]interface{}{"resourceType": "Basic", "id": "b", "next": map[string]interface{}{"reference": "Basic/a"}}
	self := map[string]interface{}{"resourceType": "Basic", "id": "s", "me": map[string]interface{}{"reference": "Basic/s"}}

	bundle, res, err := Assemble(context.Background(), a, NewMemorySource(a, b), Options{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(bundle.Entry) != 2 {
		t.Errorf("expected 2 entries, got %d", len(bundle.Entry))
	}
	if len(res.Cycles) != 1 || res.Cycles[0][0] != "Basic/b" || res.Cycles[0][1] != "Basic/a" {
		t.Errorf("cycles = %v", res.Cycles)
	}

	bundle, res, err = Assemble(context.Background(), self, NewMemorySource(self), Options{})
	if err != nil || len(bundle.Entry) != 1 || len(res.Cycles) != 1 {
		t.Errorf("self reference: entries=%d cycles=%v err=%v", len(bundle.Entry), res.Cycles, err)
	}
}

func chain(n int) (map[string]interface{}, *MemorySource) {
	src := NewMemorySource()
	var first map[string]interface{}
	for i := 0; i < n; i++ {
		r := map[string]interface{}{"resourceType": "Basic", "id": fmt.Sprint(i)}
		if i+1 < n {
			r["next"] = map[string]interface{}{"reference": fmt.Sprintf("Basic/%d", i+1)}
		}
		if i == 0 {
			first = r
		}
		src.Put(r)
	}
	return first, src
}

func TestAssemble_DepthCap(t *testing.T) {
	primary, src := chain(10)

	bundle, res, err := Assemble(context.Background(), primary, src, Options{MaxDepth: 3})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(bundle.Entry) != 4 {
		t.Errorf("expected 4 entries, got %d", len(bundle.Entry))
	}
	if len(res.Truncated) != 1 || res.Truncated[0] != "Basic/4" {
		t.Errorf("truncated = %v", res.Truncated)
	}

	_, _, err = Assemble(context.Background(), primary, src, Options{MaxDepth: 3, Strict: true})
	if !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("expected ErrDepthExceeded, got %v", err)
	}
}

type failingSource struct{}

func (failingSource) Fetch(context.Context, string, string) (map[string]interface{}, error) {
	return nil, errors.New("backend down")
}

func TestAssemble_SourceError(t *testing.T) {
	_, _, err := Assemble(context.Background(), claim(), failingSource{}, Options{})
	if err == nil || !strings.Contains(err.Error(), "backend down") {
		t.Fatalf("expected source error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Parse / Resolve / Localize
// ---------------------------------------------------------------------------

func TestParse_ResolveAndLocalize(t *testing.T) {
	bundle, _, err := Assemble(context.Background(), claim(), NewMemorySource(patient(), coverage()), Options{})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(bundle)

	p, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	primary, err := p.Primary()
	if err != nil || ReferenceOf(primary) != "Claim/42" {
		t.Fatalf("primary = %v, %v", primary, err)
	}
	if p.PrimaryReference() != "Claim/42" {
		t.Errorf("primary reference = %s", p.PrimaryReference())
	}

	patientRef := primary["patient"].(map[string]interface{})["reference"].(string)
	res, ok := p.Resolve(patientRef)
	if !ok || res["id"] != "p1" {
		t.Fatalf("resolve %s: %v %v", patientRef, res, ok)
	}
	if _, ok := p.Resolve("Coverage/cov1"); !ok {
		t.Error("expected Type/id lookup to resolve")
	}
	if len(p.ByType("Coverage")) != 1 {
		t.Error("expected one coverage")
	}

	local, err := p.Localize()
	if err != nil {
		t.Fatal(err)
	}
	if ref := local.Entry[0].Resource["patient"].(map[string]interface{})["reference"]; ref != "Patient/p1" {
		t.Errorf("localized reference = %v", ref)
	}
	if ref := primary["patient"].(map[string]interface{})["reference"]; ref != patientRef {
		t.Error("Localize must not mutate the parsed bundle")
	}
}

func TestParse_Errors(t *testing.T) {
	if _, err := Parse([]byte(`{"resourceType":"Claim"}`)); !errors.Is(err, ErrNotBundle) {
		t.Errorf("expected ErrNotBundle, got %v", err)
	}
	if _, err := Parse([]byte(`not json`)); !errors.Is(err, ErrNotBundle) {
		t.Errorf("expected ErrNotBundle, got %v", err)
	}
	p, err := Parse([]byte(`{"resourceType":"Bundle","type":"collection","entry":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Primary(); !errors.Is(err, ErrEmptyBundle) {
		t.Errorf("expected ErrEmptyBundle, got %v", err)
	}
}

func TestDangling_ReportsMissingEntries(t *testing.T) {
	doc := `{"resourceType":"Bundle","type":"collection","entry":[
		{"fullUrl":"urn:uuid:a","resource":{"resourceType":"Claim","id":"1","patient":{"reference":"urn:uuid:missing"}}}]}`
	p, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if d := p.Dangling(); len(d) != 1 || d[0] != "urn:uuid:missing" {
		t.Errorf("dangling = %v", d)
	}
}
