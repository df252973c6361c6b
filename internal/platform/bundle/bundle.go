// Package bundle assembles FHIR collection bundles whose internal
// references point at urn:uuid fullUrls, and resolves those references on
// the receiving side.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TypeCollection = "collection"
	urnPrefix      = "urn:uuid:"
)

// DefaultMaxNesting caps recursion into nested JSON objects and arrays.
const DefaultMaxNesting = 64

var (
	ErrNotBundle        = errors.New("document is not a FHIR Bundle")
	ErrEmptyBundle      = errors.New("bundle has no entries")
	ErrMissingIdentity  = errors.New("resource has no resourceType")
	ErrNestingExceeded  = errors.New("resource nesting exceeds limit")
	ErrDepthExceeded    = errors.New("reference graph deeper than limit")
	ErrResourceNotFound = errors.New("resource not found")
)

// Bundle is a FHIR Bundle of type collection.
type Bundle struct {
	ResourceType string  `json:"resourceType"`
	ID           string  `json:"id,omitempty"`
	Type         string  `json:"type"`
	Timestamp    string  `json:"timestamp,omitempty"`
	Entry        []Entry `json:"entry"`
}

// Entry is one bundle entry.
type Entry struct {
	FullURL  string                 `json:"fullUrl"`
	Resource map[string]interface{} `json:"resource"`
}

// Result reports what the builder or assembler could not fully resolve.
type Result struct {
	Unresolved []string   `json:"unresolved,omitempty"`
	Cycles     [][]string `json:"cycles,omitempty"`
	Truncated  []string   `json:"truncated,omitempty"`
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// ReferenceOf returns "Type/id" for r, or "" when r has no id.
func ReferenceOf(r map[string]interface{}) string {
	rt, _ := r["resourceType"].(string)
	id, _ := r["id"].(string)
	if rt == "" || id == "" {
		return ""
	}
	return FormatReference(rt, id)
}

// Builder collects resources and rewrites their references to in-bundle
// fullUrls on Build.
type Builder struct {
	entries    []Entry
	byRef      map[string]string
	maxNesting int
	now        func() time.Time
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		byRef:      make(map[string]string),
		maxNesting: DefaultMaxNesting,
		now:        time.Now,
	}
}

// WithMaxNesting overrides DefaultMaxNesting.
func (b *Builder) WithMaxNesting(n int) *Builder {
	if n > 0 {
		b.maxNesting = n
	}
	return b
}

// Add appends a copy of resource and returns its fullUrl. Adding the same
// Type/id twice returns the first fullUrl without a second entry. The first
// resource added is the bundle's primary resource.
func (b *Builder) Add(resource map[string]interface{}) (string, error) {
	if rt, _ := resource["resourceType"].(string); rt == "" {
		return "", ErrMissingIdentity
	}
	ref := ReferenceOf(resource)
	if ref != "" {
		if fullURL, ok := b.byRef[ref]; ok {
			return fullURL, nil
		}
	}

	cp, err := deepCopy(resource, b.maxNesting)
	if err != nil {
		return "", err
	}
	fullURL := urnPrefix + uuid.New().String()
	b.entries = append(b.entries, Entry{FullURL: fullURL, Resource: cp})
	if ref != "" {
		b.byRef[ref] = fullURL
	}
	return fullURL, nil
}

// Len returns the number of entries added so far.
func (b *Builder) Len() int { return len(b.entries) }

// Build rewrites every reference that names an added resource to that
// resource's fullUrl. References to resources outside the bundle are left
// as they are and listed in Result.Unresolved.
func (b *Builder) Build() (*Bundle, *Result, error) {
	if len(b.entries) == 0 {
		return nil, nil, ErrEmptyBundle
	}

	own := make(map[string]bool, len(b.entries))
	for _, e := range b.entries {
		own[e.FullURL] = true
	}

	unresolved := map[string]bool{}
	entries := make([]Entry, len(b.entries))
	for i, e := range b.entries {
		res, err := deepCopy(e.Resource, b.maxNesting)
		if err != nil {
			return nil, nil, err
		}
		rewriteReferences(res, func(ref string) (string, bool) {
			if mapped, ok := b.byRef[ref]; ok {
				return mapped, true
			}
			if own[ref] || isLocal(ref) {
				return ref, true
			}
			unresolved[ref] = true
			return ref, false
		})
		entries[i] = Entry{FullURL: e.FullURL, Resource: res}
	}

	bundle := &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.New().String(),
		Type:         TypeCollection,
		Timestamp:    b.now().Format(time.RFC3339),
		Entry:        entries,
	}
	return bundle, &Result{Unresolved: sortedKeys(unresolved)}, nil
}

// isLocal reports references that never need an entry: contained
// resources and absolute URLs other than urn:uuid.
func isLocal(ref string) bool {
	if strings.HasPrefix(ref, "#") {
		return true
	}
	if strings.HasPrefix(ref, urnPrefix) {
		return false
	}
	return strings.Contains(ref, "://")
}

// Marshal renders b as JSON.
func (b *Bundle) Marshal() (json.RawMessage, error) {
	return json.Marshal(b)
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
