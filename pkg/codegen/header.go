package codegen

import (
	"strings"

	"github.com/cockroachdb/errors"

	"rcgen/pkg/ast"
	"rcgen/pkg/logger"
	"rcgen/pkg/types"
)

// TagSlot is a type tag an object stores at allocation so that a dynamic
// deallocator of the closed family rooted at Base can find its real type
type TagSlot struct {
	Base  *types.Type
	Path  []string // From the object to Base's tag field
	Value int64
}

// HeaderInfo is the refcount header attached to a managed record or array.
// It is created once per type and never replaced.
type HeaderInfo struct {
	Type *types.Type

	// Field is the header member name. Records that extend a managed parent
	// share the root's field, reached through Path.
	Field string
	Path  []string

	// TagField is declared by a base record whose subtype family is closed
	TagField string
	Tags     []TagSlot

	// Deallocator is what a decrement to zero calls. It equals
	// StaticDeallocator unless the type has RTTI, in which case it names the
	// dynamic deallocator. Both are empty when releasing the storage is enough.
	Deallocator       string
	StaticDeallocator string

	prepared bool
}

// Dynamic reports whether decrements dispatch through a dynamic deallocator
func (h *HeaderInfo) Dynamic() bool {
	return h.Deallocator != "" && h.Deallocator != h.StaticDeallocator
}

// OwnsHeaderField reports whether the header member is declared by this type
// rather than inherited from a parent
func (h *HeaderInfo) OwnsHeaderField() bool {
	return len(h.Path) == 1
}

// HeaderExpr is ptr->path.to.header
func (h *HeaderInfo) HeaderExpr(ptr ast.Expr) ast.Expr {
	return ast.ArrowPath(ptr, h.Path...)
}

// HeaderPlanner decides which types carry a refcount header and names it
type HeaderPlanner struct {
	model  *types.Model
	ns     *Namespace
	naming Naming
	infos  map[*types.Type]*HeaderInfo
	stats  *GenStats
}

// NewHeaderPlanner creates a planner allocating names from ns
func NewHeaderPlanner(model *types.Model, ns *Namespace, naming Naming, stats *GenStats) *HeaderPlanner {
	if stats == nil {
		stats = NewGenStats()
	}
	return &HeaderPlanner{
		model:  model,
		ns:     ns,
		naming: naming,
		infos:  make(map[*types.Type]*HeaderInfo),
		stats:  stats,
	}
}

// Plan returns the header of t, creating it on first use. Types that are
// not managed records or arrays get nil.
func (hp *HeaderPlanner) Plan(t *types.Type) *HeaderInfo {
	if !t.IsGC() {
		return nil
	}
	if info, ok := hp.infos[t]; ok {
		return info
	}

	info := &HeaderInfo{Type: t}
	if t.Kind == types.KindRecord && t.Parent.IsGC() {
		parent := hp.Plan(t.Parent)
		info.Field = parent.Field
		info.Path = append([]string{"super"}, parent.Path...)
	} else {
		info.Field = hp.ns.Unique(hp.naming.HeaderPrefix + t.Name)
		info.Path = []string{info.Field}
	}
	if closedFamily(t) {
		info.TagField = hp.ns.Unique(hp.naming.TagPrefix + t.Name)
	}
	hp.infos[t] = info
	info.Tags = hp.tagSlots(t)

	hp.stats.HeadersPlanned++
	logger.Logger.Debugw("header planned",
		"type", t.Name,
		"field", strings.Join(info.Path, "."),
		"tags", len(info.Tags))
	return info
}

// Require is Plan for callers that need a header and treat its absence as
// a configuration error
func (hp *HeaderPlanner) Require(t *types.Type) (*HeaderInfo, error) {
	if info := hp.Plan(t); info != nil {
		return info, nil
	}
	return nil, errors.WithHint(
		errors.Wrapf(ErrUnmanagedType, "%s %s", types.KindString(t.Kind), t),
		"only records and arrays declared gc carry a refcount header")
}

// tagSlots lists one tag per closed family t belongs to, innermost base first
func (hp *HeaderPlanner) tagSlots(t *types.Type) []TagSlot {
	if t.Kind != types.KindRecord {
		return nil
	}
	var slots []TagSlot
	var supers []string
	for base := t; base != nil; base = base.Parent {
		if closedFamily(base) {
			family := hp.model.Subtypes(base)
			for i, member := range family {
				if member == t {
					path := append(append([]string{}, supers...), hp.Plan(base).TagField)
					slots = append(slots, TagSlot{Base: base, Path: path, Value: int64(i + 1)})
					break
				}
			}
		}
		supers = append(supers, "super")
	}
	return slots
}

// closedFamily reports whether dynamic dispatch for t switches on a tag.
// An explicit query function takes precedence over a closed declaration.
func closedFamily(t *types.Type) bool {
	return t.Kind == types.KindRecord && t.RTTI != nil && t.RTTI.Query == "" && t.RTTI.Closed
}

// CType renders the C type of t
func CType(t *types.Type) string {
	switch t.Kind {
	case types.KindRecord, types.KindArray:
		return "struct " + t.Name
	case types.KindPointer:
		return CType(t.Elem) + " *"
	}
	return t.Name
}
