package typeinfer

import "firestige.xyz/plumber/internal/perr"

// Catalogue is the in-memory stand-in for the protocol type description
// database (explicitly out of scope as an on-disk compiled artifact per
// SPEC_FULL.md §1/§4.3): a small map from dotted type name to its byte
// size and parent type, enough to resolve the built-in servlets' types
// and run common_ancestor subtyping checks.
type Catalogue struct {
	entries map[string]catEntry
}

type catEntry struct {
	size   uint32
	parent string // "" for a root type
}

// NewCatalogue returns a catalogue seeded with Plumber's built-in
// primitive and composite types.
func NewCatalogue() *Catalogue {
	c := &Catalogue{entries: make(map[string]catEntry)}
	c.Register("plumber/std/Object", 0, "")
	c.Register("plumber/std/Bytes", 0, "plumber/std/Object")
	c.Register("plumber/std/String", 0, "plumber/std/Bytes")
	c.Register("plumber/std/Int32", 4, "plumber/std/Object")
	c.Register("plumber/std/Int64", 8, "plumber/std/Object")
	c.Register("plumber/std/Request", 16, "plumber/std/Object")
	c.Register("plumber/std/Response", 16, "plumber/std/Object")
	return c
}

// Register adds or overwrites a catalogue entry. parent must already be
// registered (or empty, for a root type).
func (c *Catalogue) Register(name string, size uint32, parent string) {
	c.entries[name] = catEntry{size: size, parent: parent}
}

// Size returns the registered byte size for name.
func (c *Catalogue) Size(name string) (uint32, bool) {
	e, ok := c.entries[name]
	return e.size, ok
}

// IsSubtype reports whether child is ancestor itself or descends from it
// through the parent chain.
func (c *Catalogue) IsSubtype(child, ancestor string) bool {
	for t, ok := child, true; ok; {
		if t == ancestor {
			return true
		}
		e, exists := c.entries[t]
		if !exists {
			return false
		}
		if e.parent == "" {
			return false
		}
		t = e.parent
	}
	return false
}

// CommonAncestor returns the nearest type both a and b descend from
// (including a or b themselves), by walking a's chain to the root and
// then walking b's chain looking for the first match.
func (c *Catalogue) CommonAncestor(a, b string) (string, error) {
	chain := map[string]bool{}
	for t, ok := a, true; ok; {
		chain[t] = true
		e, exists := c.entries[t]
		if !exists || e.parent == "" {
			break
		}
		t = e.parent
	}
	for t, ok := b, true; ok; {
		if chain[t] {
			return t, nil
		}
		e, exists := c.entries[t]
		if !exists || e.parent == "" {
			break
		}
		t = e.parent
	}
	return "", perr.ErrTypeError
}
