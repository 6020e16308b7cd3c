// Package matcher defines matchers: named, parameterized filters over
// documents. A matcher's match mapping mixes literal constraints with
// placeholders; literals are checked when a document is indexed, and
// placeholders become the binding that keys the index.
package matcher

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/syntrixbase/contextdb/internal/hashing"
	"github.com/syntrixbase/contextdb/pkg/model"
)

// Placeholder keys inside a match value.
const (
	QueryKey = "$query"
	ParamKey = "$param"
)

// Errors
var (
	ErrEmptyRef      = errors.New("matcher ref cannot be empty")
	ErrDuplicateRef  = errors.New("duplicate matcher ref")
	ErrEmptyParam    = errors.New("placeholder must name a parameter")
	ErrInvalidWhere  = errors.New("invalid where expression")
	ErrEmptyField    = errors.New("match field cannot be empty")
	ErrReservedField = errors.New("match field starts with '$'")
)

// Matcher is a declared view definition.
type Matcher struct {
	// Ref names the matcher; contexts select matchers by ref.
	Ref string `yaml:"ref" json:"ref"`

	// Match maps fields to literals or {$query: name} / {$param: name}.
	Match map[string]interface{} `yaml:"match" json:"match"`

	// Collection materializes every match as an item of a list rather
	// than a single value.
	Collection bool `yaml:"collection" json:"collection"`

	// Path is where results land in a context's tree. Defaults to Ref.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Where is an optional CEL predicate over `doc`, checked after Match.
	Where string `yaml:"where,omitempty" json:"where,omitempty"`
}

// TreePath returns the tree path of the matcher's results.
func (m Matcher) TreePath() string {
	if m.Path != "" {
		return m.Path
	}
	return m.Ref
}

// Param binds a document field to a context parameter.
type Param struct {
	Field string
	Name  string
}

// Paramified is a match mapping split into literal constraints and
// parameter bindings. Params are ordered by field name.
type Paramified struct {
	Ensure map[string]interface{}
	Params []Param
}

// Placeholder reports whether v is a {$query: name} or {$param: name}
// placeholder and returns the parameter name.
func Placeholder(v interface{}) (string, bool) {
	m, ok := asMap(v)
	if !ok || len(m) != 1 {
		return "", false
	}
	for _, key := range []string{QueryKey, ParamKey} {
		if raw, ok := m[key]; ok {
			name, ok := raw.(string)
			return name, ok
		}
	}
	return "", false
}

// Paramify splits match into literal constraints and parameter bindings.
func Paramify(match map[string]interface{}) Paramified {
	fields := make([]string, 0, len(match))
	for field := range match {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	p := Paramified{Ensure: make(map[string]interface{})}
	for _, field := range fields {
		value := match[field]
		if name, ok := Placeholder(value); ok {
			p.Params = append(p.Params, Param{Field: field, Name: name})
		} else {
			p.Ensure[field] = value
		}
	}
	return p
}

// Compiled is a validated matcher ready for indexing and querying.
type Compiled struct {
	Matcher
	Paramified

	// Fingerprint identifies the filter shape independent of Ref.
	Fingerprint string

	where cel.Program
}

// Compile validates m and computes its fingerprint.
func Compile(m Matcher, algo hashing.Algorithm, compiler *WhereCompiler) (*Compiled, error) {
	if m.Ref == "" {
		return nil, ErrEmptyRef
	}
	if m.Match == nil {
		m.Match = map[string]interface{}{}
	}
	for field, value := range m.Match {
		if field == "" {
			return nil, fmt.Errorf("matcher %q: %w", m.Ref, ErrEmptyField)
		}
		if field[0] == '$' {
			return nil, fmt.Errorf("matcher %q: field %q: %w", m.Ref, field, ErrReservedField)
		}
		if name, ok := Placeholder(value); ok && name == "" {
			return nil, fmt.Errorf("matcher %q: field %q: %w", m.Ref, field, ErrEmptyParam)
		}
	}

	c := &Compiled{
		Matcher:    m,
		Paramified: Paramify(m.Match),
	}

	// The where clause is part of the filter shape, so it takes part in the
	// fingerprint. Matchers without one hash their match mapping alone.
	var shape interface{} = m.Match
	if m.Where != "" {
		if compiler == nil {
			return nil, fmt.Errorf("matcher %q: %w: no compiler", m.Ref, ErrInvalidWhere)
		}
		prg, err := compiler.Compile(m.Where)
		if err != nil {
			return nil, fmt.Errorf("matcher %q: %w", m.Ref, err)
		}
		c.where = prg
		shape = map[string]interface{}{"match": m.Match, "where": m.Where}
	}

	fp, err := hashing.Hash(shape, algo)
	if err != nil {
		return nil, fmt.Errorf("matcher %q: failed to fingerprint: %w", m.Ref, err)
	}
	c.Fingerprint = fp
	return c, nil
}

// Matches reports whether doc satisfies the literal constraints and the
// where clause. Parameter fields are not checked.
func (c *Compiled) Matches(doc model.Document) (bool, error) {
	if doc == nil {
		return false, nil
	}
	if len(c.Ensure) > 0 && !CheckFilter(doc, c.Ensure) {
		return false, nil
	}
	if c.where == nil {
		return true, nil
	}
	return Evaluate(c.where, doc)
}

// DocumentBinding returns the binding of doc: every parameter field with
// the document's value, or nil when the field is missing.
func (c *Compiled) DocumentBinding(doc model.Document) map[string]interface{} {
	binding := make(map[string]interface{}, len(c.Params))
	for _, p := range c.Params {
		binding[p.Field] = doc[p.Field]
	}
	return binding
}

// ValueBinding returns the binding for a query, resolving each parameter
// name through get.
func (c *Compiled) ValueBinding(get func(name string) interface{}) map[string]interface{} {
	binding := make(map[string]interface{}, len(c.Params))
	for _, p := range c.Params {
		binding[p.Field] = get(p.Name)
	}
	return binding
}

// Set is an immutable collection of compiled matchers.
type Set struct {
	ordered []*Compiled
	byRef   map[string]*Compiled
}

// NewSet compiles matchers. Refs must be unique.
func NewSet(matchers []Matcher, algo hashing.Algorithm) (*Set, error) {
	compiler, err := NewWhereCompiler()
	if err != nil {
		return nil, err
	}

	s := &Set{byRef: make(map[string]*Compiled, len(matchers))}
	for _, m := range matchers {
		if _, dup := s.byRef[m.Ref]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRef, m.Ref)
		}
		c, err := Compile(m, algo, compiler)
		if err != nil {
			return nil, err
		}
		s.ordered = append(s.ordered, c)
		s.byRef[m.Ref] = c
	}
	return s, nil
}

// Lookup returns the matcher named ref.
func (s *Set) Lookup(ref string) (*Compiled, bool) {
	c, ok := s.byRef[ref]
	return c, ok
}

// Resolve looks up every ref in order. An unknown ref fails the whole call.
func (s *Set) Resolve(refs []string) ([]*Compiled, error) {
	out := make([]*Compiled, 0, len(refs))
	for _, ref := range refs {
		c, ok := s.byRef[ref]
		if !ok {
			return nil, fmt.Errorf("%w: %q", model.ErrUnknownMatcher, ref)
		}
		out = append(out, c)
	}
	return out, nil
}

// All returns the matchers in declaration order.
func (s *Set) All() []*Compiled {
	return s.ordered
}

// Len returns the number of matchers.
func (s *Set) Len() int {
	return len(s.ordered)
}

// Fingerprints returns the sorted fingerprints of every matcher, one per
// matcher, duplicates included.
func (s *Set) Fingerprints() []string {
	fps := make([]string, len(s.ordered))
	for i, c := range s.ordered {
		fps[i] = c.Fingerprint
	}
	sort.Strings(fps)
	return fps
}
