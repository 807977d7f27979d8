package types

import (
	"github.com/cockroachdb/errors"
)

// Kind classifies a type in the translated program's type graph
type Kind int

const (
	KindScalar  Kind = iota
	KindRecord       // Named, ordered, typed fields
	KindArray        // Fixed number of elements of one type
	KindPointer      // Typed pointer to a container
	KindForeign      // Object owned by an external refcounting runtime
	KindOpaque       // Inline external container released by its own hook
)

// KindString returns the string representation of a kind
func KindString(k Kind) string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindRecord:
		return "record"
	case KindArray:
		return "array"
	case KindPointer:
		return "pointer"
	case KindForeign:
		return "foreign"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Model errors
var (
	ErrUnknownType = errors.New("unknown type")
	ErrInvalidType = errors.New("invalid type")
	ErrFrozen      = errors.New("type model is frozen")
)

// Field is one member of a record
type Field struct {
	Name    string
	Type    *Type
	Ordinal int
}

// RTTI marks a record as the static base of a family of subtypes.
//
// Query names an externally supplied function that maps a base-typed pointer
// to the static deallocator of the pointee's actual type. Closed declares that
// every subtype is known to the model, so dispatch can switch on a type tag
// instead of calling out.
type RTTI struct {
	Query    string
	QueryArg *Type // Pointer type the query function takes; defaults to the base pointer
	Closed   bool
}

// Type is a node of the type graph. Types are shared by pointer and never
// copied; once the owning model is frozen they do not change.
type Type struct {
	Kind Kind
	Name string

	// KindRecord
	Fields []*Field
	Parent *Type // Inlined as the first member, named "super"
	RTTI   *RTTI

	// KindRecord, KindArray: instances live on the heap with a refcount header
	GC bool

	// KindArray: element type; KindPointer: target type
	Elem   *Type
	Length int

	// KindOpaque
	Tag string
}

// IsContainer reports whether values of t occupy storage with an inner layout
func (t *Type) IsContainer() bool {
	return t.Kind == KindRecord || t.Kind == KindArray || t.Kind == KindOpaque
}

// IsGC reports whether instances of a record or array are refcounted heap objects.
// A record inherits GC-ness from its parent.
func (t *Type) IsGC() bool {
	if t == nil {
		return false
	}
	switch t.Kind {
	case KindRecord:
		return t.GC || t.Parent.IsGC()
	case KindArray:
		return t.GC
	}
	return false
}

// NeedsGC reports whether t is a pointer whose target's lifetime is managed,
// either by a refcount header or by the foreign runtime
func (t *Type) NeedsGC() bool {
	if t == nil || t.Kind != KindPointer || t.Elem == nil {
		return false
	}
	return t.Elem.Kind == KindForeign || t.Elem.IsGC()
}

// RTTIBase returns the nearest of t and its ancestors that carries RTTI,
// or nil when t belongs to no subtype family
func (t *Type) RTTIBase() *Type {
	if t == nil || t.Kind != KindRecord {
		return nil
	}
	for r := t; r != nil; r = r.Parent {
		if r.RTTI != nil {
			return r
		}
	}
	return nil
}

// IsSubtypeOf reports whether base is t or one of t's ancestors
func (t *Type) IsSubtypeOf(base *Type) bool {
	for r := t; r != nil; r = r.Parent {
		if r == base {
			return true
		}
	}
	return false
}

// Field looks up a record field by name
func (t *Type) Field(name string) *Field {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Kind {
	case KindPointer:
		return "Ptr<" + t.Elem.String() + ">"
	case KindOpaque:
		return "Opaque<" + t.Tag + ">"
	}
	return t.Name
}
