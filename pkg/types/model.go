package types

import (
	"github.com/cockroachdb/errors"
)

// Model is a closed graph of concrete types. It is built once, frozen, and
// then consumed read-only by the code generator.
//
// Builder methods never fail individually; the first error is remembered and
// reported by Freeze.
type Model struct {
	types    []*Type
	byName   map[string]*Type
	pointers map[*Type]*Type
	frozen   bool
	err      error
}

// NewModel creates an empty model with the common C scalars predeclared
func NewModel() *Model {
	m := &Model{
		byName:   make(map[string]*Type),
		pointers: make(map[*Type]*Type),
	}
	for _, s := range []string{"char", "int", "long", "double", "bool"} {
		m.Scalar(s)
	}
	return m
}

func (m *Model) fail(err error) {
	if m.err == nil {
		m.err = err
	}
}

func (m *Model) declare(t *Type) *Type {
	if m.frozen {
		m.fail(errors.Wrapf(ErrFrozen, "cannot declare %s", t.Name))
		return t
	}
	if t.Name == "" {
		m.fail(errors.Wrapf(ErrInvalidType, "%s type without a name", KindString(t.Kind)))
		return t
	}
	if prev, ok := m.byName[t.Name]; ok {
		if prev.Kind == KindScalar && t.Kind == KindScalar {
			return prev
		}
		m.fail(errors.Wrapf(ErrInvalidType, "type %q declared twice", t.Name))
		return prev
	}
	m.byName[t.Name] = t
	m.types = append(m.types, t)
	return t
}

// Scalar declares (or returns) a plain value type
func (m *Model) Scalar(name string) *Type {
	return m.declare(&Type{Kind: KindScalar, Name: name})
}

// Record declares a record that lives inline or on the stack
func (m *Model) Record(name string) *Type {
	return m.declare(&Type{Kind: KindRecord, Name: name})
}

// GcRecord declares a heap-allocated, refcounted record
func (m *Model) GcRecord(name string) *Type {
	return m.declare(&Type{Kind: KindRecord, Name: name, GC: true})
}

// Array declares a fixed-size array container
func (m *Model) Array(name string, elem *Type, length int, gc bool) *Type {
	if elem == nil {
		m.fail(errors.Wrapf(ErrInvalidType, "array %q without element type", name))
	}
	if length <= 0 {
		m.fail(errors.Wrapf(ErrInvalidType, "array %q length %d", name, length))
	}
	return m.declare(&Type{Kind: KindArray, Name: name, Elem: elem, Length: length, GC: gc})
}

// Foreign declares an object type owned by the external counted-object runtime
func (m *Model) Foreign(name string) *Type {
	return m.declare(&Type{Kind: KindForeign, Name: name})
}

// Opaque declares an external inline container released through its tag's hook
func (m *Model) Opaque(name, tag string) *Type {
	if tag == "" {
		m.fail(errors.Wrapf(ErrInvalidType, "opaque %q without tag", name))
	}
	return m.declare(&Type{Kind: KindOpaque, Name: name, Tag: tag})
}

// Ptr returns the pointer type to target. Pointer types are interned, so two
// calls with the same target return the same descriptor. Deriving a pointer
// does not change the graph and is allowed after Freeze.
func (m *Model) Ptr(target *Type) *Type {
	if p, ok := m.pointers[target]; ok {
		return p
	}
	if target == nil {
		m.fail(errors.Wrap(ErrInvalidType, "pointer to nil type"))
		return &Type{Kind: KindPointer}
	}
	p := &Type{Kind: KindPointer, Elem: target}
	m.pointers[target] = p
	return p
}

// AddField appends a field to a record
func (m *Model) AddField(rec *Type, name string, typ *Type) *Field {
	if m.frozen {
		m.fail(errors.Wrapf(ErrFrozen, "cannot add field %s.%s", rec.Name, name))
		return nil
	}
	if rec.Kind != KindRecord {
		m.fail(errors.Wrapf(ErrInvalidType, "%s is not a record", rec))
		return nil
	}
	if name == "" || name == "super" || rec.Field(name) != nil {
		m.fail(errors.Wrapf(ErrInvalidType, "bad field name %q in %s", name, rec.Name))
		return nil
	}
	if typ == nil {
		m.fail(errors.Wrapf(ErrInvalidType, "field %s.%s without type", rec.Name, name))
		return nil
	}
	f := &Field{Name: name, Type: typ, Ordinal: len(rec.Fields)}
	rec.Fields = append(rec.Fields, f)
	return f
}

// Inherit makes base the parent of derived; base is inlined as derived's first member
func (m *Model) Inherit(derived, base *Type) {
	if m.frozen {
		m.fail(errors.Wrapf(ErrFrozen, "cannot set parent of %s", derived.Name))
		return
	}
	if derived.Kind != KindRecord || base.Kind != KindRecord {
		m.fail(errors.Wrapf(ErrInvalidType, "inheritance between %s and %s", derived, base))
		return
	}
	if derived.Parent != nil {
		m.fail(errors.Wrapf(ErrInvalidType, "%s already has parent %s", derived.Name, derived.Parent.Name))
		return
	}
	if base.IsSubtypeOf(derived) {
		m.fail(errors.Wrapf(ErrInvalidType, "inheritance cycle through %s", derived.Name))
		return
	}
	derived.Parent = base
}

// AttachRTTI marks rec as the static base of a subtype family
func (m *Model) AttachRTTI(rec *Type, rtti RTTI) {
	if m.frozen {
		m.fail(errors.Wrapf(ErrFrozen, "cannot attach RTTI to %s", rec.Name))
		return
	}
	if rec.Kind != KindRecord {
		m.fail(errors.Wrapf(ErrInvalidType, "RTTI on non-record %s", rec))
		return
	}
	if rec.RTTI != nil {
		m.fail(errors.Wrapf(ErrInvalidType, "RTTI attached twice to %s", rec.Name))
		return
	}
	r := rtti
	rec.RTTI = &r
}

// Lookup finds a named type
func (m *Model) Lookup(name string) (*Type, error) {
	t, ok := m.byName[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q", name)
	}
	return t, nil
}

// Types returns named types in declaration order
func (m *Model) Types() []*Type {
	out := make([]*Type, len(m.types))
	copy(out, m.types)
	return out
}

// Containers returns records and arrays in declaration order
func (m *Model) Containers() []*Type {
	var out []*Type
	for _, t := range m.types {
		if t.Kind == KindRecord || t.Kind == KindArray {
			out = append(out, t)
		}
	}
	return out
}

// Subtypes returns base followed by every record that has base as an
// ancestor, in declaration order
func (m *Model) Subtypes(base *Type) []*Type {
	out := []*Type{base}
	for _, t := range m.types {
		if t != base && t.Kind == KindRecord && t.IsSubtypeOf(base) {
			out = append(out, t)
		}
	}
	return out
}

// Frozen reports whether Freeze has succeeded
func (m *Model) Frozen() bool {
	return m.frozen
}

// Freeze validates the graph and makes it read-only
func (m *Model) Freeze() error {
	if m.err != nil {
		return m.err
	}
	if m.frozen {
		return nil
	}
	for _, t := range m.types {
		if err := m.validate(t); err != nil {
			return err
		}
	}
	if err := m.checkInlineCycles(); err != nil {
		return err
	}
	m.frozen = true
	return nil
}

func (m *Model) validate(t *Type) error {
	switch t.Kind {
	case KindRecord:
		if t.Parent != nil && t.GC && !t.Parent.IsGC() {
			return errors.Wrapf(ErrInvalidType, "GC record %s cannot extend non-GC record %s", t.Name, t.Parent.Name)
		}
		if t.RTTI != nil {
			if !t.IsGC() {
				return errors.Wrapf(ErrInvalidType, "RTTI on non-GC record %s", t.Name)
			}
			if q := t.RTTI.QueryArg; q != nil && q.Kind != KindPointer {
				return errors.Wrapf(ErrInvalidType, "RTTI query argument of %s must be a pointer", t.Name)
			}
		}
		for _, f := range t.Fields {
			if err := m.validateMember(t.Name+"."+f.Name, f.Type); err != nil {
				return err
			}
		}
	case KindArray:
		if err := m.validateMember(t.Name+"[]", t.Elem); err != nil {
			return err
		}
	}
	return nil
}

// validateMember rejects members that cannot be laid out inline
func (m *Model) validateMember(where string, t *Type) error {
	switch {
	case t == nil:
		return errors.Wrapf(ErrInvalidType, "%s has no type", where)
	case t.Kind == KindForeign:
		return errors.Wrapf(ErrInvalidType, "%s: foreign object %s can only be held by pointer", where, t.Name)
	case t.IsGC():
		return errors.Wrapf(ErrInvalidType, "%s: GC container %s can only be held by pointer", where, t.Name)
	case t.Kind == KindPointer && t.Elem == nil:
		return errors.Wrapf(ErrInvalidType, "%s: pointer without target", where)
	}
	return nil
}

// checkInlineCycles rejects a container that includes itself by value
func (m *Model) checkInlineCycles() error {
	const (
		white = iota
		grey
		black
	)
	state := make(map[*Type]int)
	var visit func(t *Type) error
	visit = func(t *Type) error {
		switch state[t] {
		case grey:
			return errors.Wrapf(ErrInvalidType, "%s contains itself by value", t.Name)
		case black:
			return nil
		}
		state[t] = grey
		for _, c := range InlineMembers(t) {
			if err := visit(c); err != nil {
				return err
			}
		}
		state[t] = black
		return nil
	}
	for _, t := range m.types {
		if err := visit(t); err != nil {
			return err
		}
	}
	return nil
}

// InlineMembers returns the containers t holds by value, parent first
func InlineMembers(t *Type) []*Type {
	var out []*Type
	switch t.Kind {
	case KindRecord:
		if t.Parent != nil {
			out = append(out, t.Parent)
		}
		for _, f := range t.Fields {
			if f.Type.IsContainer() {
				out = append(out, f.Type)
			}
		}
	case KindArray:
		if t.Elem != nil && t.Elem.IsContainer() {
			out = append(out, t.Elem)
		}
	}
	return out
}
