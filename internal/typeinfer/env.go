package typeinfer

import "firestige.xyz/plumber/internal/perr"

// env holds one node's type-variable bindings while its incoming edges are
// solved. A variable seen a second time is merged by common ancestor rather
// than overwritten, per spec.md §4.3.
type env struct {
	bindings map[string]string
}

func newEnv() *env {
	return &env{bindings: make(map[string]string)}
}

func (e *env) get(name string) (string, bool) {
	t, ok := e.bindings[name]
	return t, ok
}

// bind records typ for name, merging with any existing binding via the
// catalogue's common-ancestor rule. This is the corrected semantics
// recorded in DESIGN.md: both the trailing and non-trailing case bind to
// the resolved *source* segment, never to the unresolved destination token.
func (e *env) bind(cat *Catalogue, name, typ string) (string, error) {
	existing, ok := e.bindings[name]
	if !ok {
		e.bindings[name] = typ
		return typ, nil
	}
	if existing == typ {
		return existing, nil
	}
	merged, err := cat.CommonAncestor(existing, typ)
	if err != nil {
		return "", err
	}
	e.bindings[name] = merged
	return merged, nil
}

// fieldType looks up the catalogue entry registered for "<typ>.<field>",
// the projection form $var.field; the catalogue must carry an explicit
// entry for that composite key (e.g. "plumber/std/Request.body").
func fieldType(cat *Catalogue, typ, field string) (string, error) {
	name := typ + "." + field
	if _, ok := cat.Size(name); ok {
		return name, nil
	}
	return "", perr.ErrTypeError
}
