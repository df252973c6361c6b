package bundle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Parsed is a received bundle indexed for reference lookup.
type Parsed struct {
	Bundle *Bundle

	byURL map[string]int
	byRef map[string]int
}

// Parse decodes and indexes a bundle document.
func Parse(data []byte) (*Parsed, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotBundle, err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("%w: resourceType %q", ErrNotBundle, b.ResourceType)
	}
	for i, e := range b.Entry {
		if e.Resource == nil {
			continue
		}
		if _, err := deepCopy(e.Resource, DefaultMaxNesting); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return Index(&b), nil
}

// Index builds lookup tables over b's entries.
func Index(b *Bundle) *Parsed {
	p := &Parsed{
		Bundle: b,
		byURL:  make(map[string]int, len(b.Entry)),
		byRef:  make(map[string]int, len(b.Entry)),
	}
	for i, e := range b.Entry {
		if e.FullURL != "" {
			p.byURL[e.FullURL] = i
		}
		if ref := ReferenceOf(e.Resource); ref != "" {
			if _, dup := p.byRef[ref]; !dup {
				p.byRef[ref] = i
			}
		}
	}
	return p
}

// Resolve finds the entry a reference points to, by fullUrl or by Type/id.
func (p *Parsed) Resolve(ref string) (map[string]interface{}, bool) {
	if i, ok := p.byURL[ref]; ok {
		return p.Bundle.Entry[i].Resource, true
	}
	if i, ok := p.byRef[ref]; ok {
		return p.Bundle.Entry[i].Resource, true
	}
	return nil, false
}

// Primary returns the first entry's resource.
func (p *Parsed) Primary() (map[string]interface{}, error) {
	if len(p.Bundle.Entry) == 0 || p.Bundle.Entry[0].Resource == nil {
		return nil, ErrEmptyBundle
	}
	return p.Bundle.Entry[0].Resource, nil
}

// PrimaryReference returns "Type/id" of the primary resource, or "".
func (p *Parsed) PrimaryReference() string {
	r, err := p.Primary()
	if err != nil {
		return ""
	}
	return ReferenceOf(r)
}

// ByType returns the resources of the given type in entry order.
func (p *Parsed) ByType(resourceType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, e := range p.Bundle.Entry {
		if rt, _ := e.Resource["resourceType"].(string); rt == resourceType {
			out = append(out, e.Resource)
		}
	}
	return out
}

// Dangling lists urn:uuid references that no entry carries. An empty
// result means the bundle's internal reference graph is closed.
func (p *Parsed) Dangling() []string {
	missing := map[string]bool{}
	for _, e := range p.Bundle.Entry {
		if e.Resource == nil {
			continue
		}
		for _, ref := range extractReferences(e.Resource) {
			if !strings.HasPrefix(ref, urnPrefix) {
				continue
			}
			if _, ok := p.byURL[ref]; !ok {
				missing[ref] = true
			}
		}
	}
	return sortedKeys(missing)
}

// Localize returns a copy of the bundle with urn:uuid references replaced
// by the Type/id of the entry they point at. Entries without an id keep
// their urn reference.
func (p *Parsed) Localize() (*Bundle, error) {
	urlToRef := make(map[string]string, len(p.byURL))
	for url, i := range p.byURL {
		if ref := ReferenceOf(p.Bundle.Entry[i].Resource); ref != "" {
			urlToRef[url] = ref
		}
	}

	out := &Bundle{
		ResourceType: p.Bundle.ResourceType,
		ID:           p.Bundle.ID,
		Type:         p.Bundle.Type,
		Timestamp:    p.Bundle.Timestamp,
		Entry:        make([]Entry, len(p.Bundle.Entry)),
	}
	for i, e := range p.Bundle.Entry {
		entry := Entry{FullURL: e.FullURL}
		if e.Resource != nil {
			res, err := deepCopy(e.Resource, DefaultMaxNesting)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			rewriteReferences(res, func(ref string) (string, bool) {
				mapped, ok := urlToRef[ref]
				return mapped, ok
			})
			entry.Resource = res
		}
		out.Entry[i] = entry
	}
	return out, nil
}
