package bundle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DefaultMaxDepth bounds how many reference hops Assemble follows.
const DefaultMaxDepth = 8

// Source fetches referenced resources. Implementations return an error
// wrapping ErrResourceNotFound for unknown references.
type Source interface {
	Fetch(ctx context.Context, resourceType, id string) (map[string]interface{}, error)
}

// Options tunes Assemble.
type Options struct {
	MaxDepth   int
	MaxNesting int
	// Strict fails with ErrDepthExceeded instead of truncating the walk.
	Strict bool
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxNesting <= 0 {
		o.MaxNesting = DefaultMaxNesting
	}
	return o
}

// Assemble builds a bundle around primary by following its references
// transitively through src. Each resource is fetched once; reference
// cycles are reported in Result.Cycles.
func Assemble(ctx context.Context, primary map[string]interface{}, src Source, opts Options) (*Bundle, *Result, error) {
	opts = opts.withDefaults()
	b := NewBuilder().WithMaxNesting(opts.MaxNesting)
	if _, err := b.Add(primary); err != nil {
		return nil, nil, err
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	result := &Result{}
	missing := map[string]bool{}

	var visit func(node string, res map[string]interface{}, depth int) error
	visit = func(node string, res map[string]interface{}, depth int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		color[node] = gray
		for _, ref := range extractReferences(res) {
			rt, id, ok := splitReference(ref)
			if !ok {
				continue
			}
			switch color[ref] {
			case gray:
				result.Cycles = append(result.Cycles, []string{node, ref})
				continue
			case black:
				continue
			}
			if missing[ref] {
				continue
			}
			if depth+1 > opts.MaxDepth {
				if opts.Strict {
					return fmt.Errorf("%w: %s at depth %d", ErrDepthExceeded, ref, depth+1)
				}
				result.Truncated = append(result.Truncated, ref)
				continue
			}

			child, err := src.Fetch(ctx, rt, id)
			if errors.Is(err, ErrResourceNotFound) {
				missing[ref] = true
				continue
			}
			if err != nil {
				return fmt.Errorf("fetch %s: %w", ref, err)
			}
			if _, err := b.Add(child); err != nil {
				return fmt.Errorf("add %s: %w", ref, err)
			}
			if err := visit(ref, child, depth+1); err != nil {
				return err
			}
		}
		color[node] = black
		return nil
	}

	root := ReferenceOf(primary)
	if root == "" {
		root = "#primary"
	}
	if err := visit(root, primary, 0); err != nil {
		return nil, nil, err
	}

	bundle, built, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	result.Unresolved = built.Unresolved
	return bundle, result, nil
}

// splitReference parses a relative "Type/id" reference.
func splitReference(ref string) (resourceType, id string, ok bool) {
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, urnPrefix) {
		return "", "", false
	}
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// MemorySource is a Source over resources keyed by "Type/id".
type MemorySource struct {
	mu        sync.RWMutex
	resources map[string]map[string]interface{}
}

// NewMemorySource indexes resources by their Type/id.
func NewMemorySource(resources ...map[string]interface{}) *MemorySource {
	s := &MemorySource{resources: make(map[string]map[string]interface{})}
	for _, r := range resources {
		s.Put(r)
	}
	return s
}

// Put adds or replaces r.
func (s *MemorySource) Put(r map[string]interface{}) {
	ref := ReferenceOf(r)
	if ref == "" {
		return
	}
	s.mu.Lock()
	s.resources[ref] = r
	s.mu.Unlock()
}

func (s *MemorySource) Fetch(_ context.Context, resourceType, id string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[FormatReference(resourceType, id)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrResourceNotFound)
	}
	return r, nil
}
