// Package typeinfer implements the type inferrer (C5): parsing a pipe's
// declared type expression and solving the convertibility equations that
// bind its type variables against an incoming edge's resolved source type.
package typeinfer

import (
	"fmt"
	"strings"

	"firestige.xyz/plumber/internal/perr"
)

// tokenKind distinguishes the three shapes a type expression position can
// take, per spec.md §3/§4.3: a concrete type name, a captured variable
// ($name, optionally $name.field projecting one field), or an alternation
// (A|B) meaning "source must convert to A or to B".
type tokenKind int

const (
	kindConcrete tokenKind = iota
	kindVar
	kindAlt
)

type token struct {
	kind     tokenKind
	name     string   // concrete name, or variable name for kindVar
	field    string   // non-empty for a $var.field projection
	alts     []string // alternative concrete names for kindAlt
	trailing bool     // true only for the last token of an expr, when it is a var
}

// parseExpr parses a whitespace-separated sequence of type-expression
// positions. Each position is either a concrete dotted type name, an
// alternation "A|B", or a captured variable "$name" / "$name.field". Only
// the last position may be a variable marked trailing (it then captures the
// remainder of the source sequence instead of a single position).
func parseExpr(expr string) ([]token, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return nil, fmt.Errorf("typeinfer: empty type expression: %w", perr.ErrTypeError)
	}
	toks := make([]token, 0, len(fields))
	for i, f := range fields {
		tok, err := parseToken(f)
		if err != nil {
			return nil, err
		}
		if tok.kind == kindVar && i == len(fields)-1 {
			tok.trailing = true
		}
		toks = append(toks, tok)
	}
	return toks, nil
}

func parseToken(f string) (token, error) {
	switch {
	case strings.HasPrefix(f, "$"):
		name := f[1:]
		if name == "" {
			return token{}, fmt.Errorf("typeinfer: empty variable name in %q: %w", f, perr.ErrTypeError)
		}
		var field string
		if dot := strings.Index(name, "."); dot >= 0 {
			field = name[dot+1:]
			name = name[:dot]
		}
		return token{kind: kindVar, name: name, field: field}, nil
	case strings.Contains(f, "|"):
		alts := strings.Split(f, "|")
		for _, a := range alts {
			if a == "" {
				return token{}, fmt.Errorf("typeinfer: empty alternative in %q: %w", f, perr.ErrTypeError)
			}
		}
		return token{kind: kindAlt, alts: alts}, nil
	default:
		return token{kind: kindConcrete, name: f}, nil
	}
}
