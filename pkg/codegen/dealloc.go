package codegen

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"rcgen/pkg/ast"
	"rcgen/pkg/logger"
	"rcgen/pkg/types"
)

// Local names used inside generated deallocators
const (
	recordParam   = "p"
	arrayParam    = "a"
	staticFnLocal = "staticdealloc"
	deallocFnType = "void (*@)(void *)"
)

// DeallocatorPlan holds the deallocators synthesized for one type. Static is
// nil when releasing the storage is all there is to do; Dynamic is set only
// for types with RTTI.
type DeallocatorPlan struct {
	Type    *types.Type
	Header  *HeaderInfo
	Static  *ast.Func
	Dynamic *ast.Func
}

// Funcs returns the plan's functions, static first
func (p *DeallocatorPlan) Funcs() []*ast.Func {
	var out []*ast.Func
	if p.Static != nil {
		out = append(out, p.Static)
	}
	if p.Dynamic != nil {
		out = append(out, p.Dynamic)
	}
	return out
}

// DeallocatorSynthesizer builds per-type deallocators by walking each type's
// shape and releasing everything it owns
type DeallocatorSynthesizer struct {
	model   *types.Model
	headers *HeaderPlanner
	alive   *AliveEmitter
	ns      *Namespace
	opts    Options
	stats   *GenStats
	plans   map[*types.Type]*DeallocatorPlan
}

// NewDeallocatorSynthesizer wires a synthesizer to the shared planner, emitter and namespace
func NewDeallocatorSynthesizer(model *types.Model, hp *HeaderPlanner, alive *AliveEmitter, ns *Namespace, opts Options, stats *GenStats) *DeallocatorSynthesizer {
	return &DeallocatorSynthesizer{
		model:   model,
		headers: hp,
		alive:   alive,
		ns:      ns,
		opts:    opts,
		stats:   stats,
		plans:   make(map[*types.Type]*DeallocatorPlan),
	}
}

// Prepare names the deallocators of t in its header. It must run for every
// managed type before any decrement is emitted, so that decrements call the
// right function.
//
// Every member of an RTTI family gets a static deallocator, even one that
// owns nothing, so the family's lookup always has a function to return. A
// member with subtypes of its own also gets a dynamic deallocator, so a
// decrement through a pointer to it still releases the whole object.
func (d *DeallocatorSynthesizer) Prepare(t *types.Type) error {
	info := d.headers.Plan(t)
	if info == nil || info.prepared {
		return nil
	}

	switch base := t.RTTIBase(); {
	case base != nil:
		if base.RTTI.Query == "" && !base.RTTI.Closed {
			return errors.WithHint(
				errors.Wrapf(ErrMissingRTTIQuery, "type %s", base.Name),
				"attach RTTI with a query function, or declare the subtype family closed")
		}
		info.Deallocator = d.ns.Unique(d.opts.Naming.DeallocPrefix + t.Name)
		if base == t || len(d.model.Subtypes(t)) > 1 {
			info.StaticDeallocator = d.ns.Unique(d.opts.Naming.StaticDeallocPrefix + t.Name)
		} else {
			info.StaticDeallocator = info.Deallocator
		}
	case owns(t):
		info.Deallocator = d.ns.Unique(d.opts.Naming.DeallocPrefix + t.Name)
		info.StaticDeallocator = info.Deallocator
	}
	info.prepared = true
	return nil
}

// Synthesize returns the deallocators of a managed type
func (d *DeallocatorSynthesizer) Synthesize(t *types.Type) (*DeallocatorPlan, error) {
	if plan, ok := d.plans[t]; ok {
		return plan, nil
	}
	info, err := d.headers.Require(t)
	if err != nil {
		return nil, err
	}
	if err := d.Prepare(t); err != nil {
		return nil, err
	}

	plan := &DeallocatorPlan{Type: t, Header: info}
	if info.StaticDeallocator != "" {
		plan.Static = d.staticDeallocator(t, info)
		d.stats.StaticDeallocators++
	} else {
		d.stats.DeallocatorsElided++
		logger.Logger.Debugw("deallocator elided, nothing owned", "type", t.Name)
	}
	if info.Dynamic() {
		dyn, err := d.dynamicDeallocator(t, info)
		if err != nil {
			return nil, err
		}
		plan.Dynamic = dyn
		d.stats.DynamicDeallocators++
		logger.Logger.Debugw("dynamic deallocator", "type", t.Name, "dispatch", dispatchKind(t.RTTIBase()))
	}
	d.plans[t] = plan
	return plan, nil
}

// SynthesizeDynamic returns the dynamic deallocator of t, failing when t
// belongs to no RTTI family. It is nil for a family member without subtypes.
func (d *DeallocatorSynthesizer) SynthesizeDynamic(t *types.Type) (*ast.Func, error) {
	if t.RTTIBase() == nil {
		return nil, errors.WithHint(
			errors.Wrapf(ErrMissingRTTI, "dynamic deallocator for %s", t),
			"attach RTTI to the base record before generating")
	}
	plan, err := d.Synthesize(t)
	if err != nil {
		return nil, err
	}
	return plan.Dynamic, nil
}

// lines returns the statements releasing everything a value of type t,
// stored at expr, owns. Record fields are visited in declaration order.
func (d *DeallocatorSynthesizer) lines(t *types.Type, expr ast.Expr, depth int) []ast.Stmt {
	switch t.Kind {
	case types.KindPointer:
		if s := d.alive.Decrement(expr, t); s != nil {
			return []ast.Stmt{s}
		}
	case types.KindRecord:
		var out []ast.Stmt
		if t.Parent != nil {
			out = append(out, d.lines(t.Parent, &ast.Member{X: expr, Name: "super"}, depth)...)
		}
		for _, f := range t.Fields {
			out = append(out, d.lines(f.Type, &ast.Member{X: expr, Name: f.Name}, depth)...)
		}
		return out
	case types.KindArray:
		iv := fmt.Sprintf("i%d", depth)
		elem := &ast.Index{X: &ast.Member{X: expr, Name: "items"}, Index: ast.Id(iv)}
		if body := d.lines(t.Elem, elem, depth+1); len(body) > 0 {
			return []ast.Stmt{&ast.For{Var: iv, N: t.Length, Body: body}}
		}
	case types.KindOpaque:
		return []ast.Stmt{&ast.OpaqueRelease{Fn: d.opaqueHook(t), X: expr}}
	}
	return nil
}

func (d *DeallocatorSynthesizer) opaqueHook(t *types.Type) string {
	return d.opts.Naming.OpaqueDeallocPrefix + t.Tag
}

func (d *DeallocatorSynthesizer) staticDeallocator(t *types.Type, info *HeaderInfo) *ast.Func {
	param := paramName(t)
	body := d.lines(t, &ast.Deref{X: ast.Id(param)}, 0)
	body = append(body, &ast.Free{Fn: d.opts.Primitives.RawFree, Ptr: ast.Id(param)})
	return &ast.Func{
		Name:   info.StaticDeallocator,
		Params: []ast.Param{{CType: CType(t) + " *", Name: param}},
		Body:   body,
	}
}

// dynamicDeallocator builds the RTTI entry point:
//
//	p->header = 1;                      resolving: decrements during lookup cannot free p
//	staticdealloc = <lookup of p's type>;
//	if (!--p->header) staticdealloc(p);
//
// t is the family base or a member with subtypes; either way the lookup is
// the base's, restricted to t's own subtypes when switching on the tag.
func (d *DeallocatorSynthesizer) dynamicDeallocator(t *types.Type, info *HeaderInfo) (*ast.Func, error) {
	p := ast.Id(recordParam)
	resolve := &ast.Resolve{Into: staticFnLocal, Ptr: p}
	base := t.RTTIBase()

	if base.RTTI.Query != "" {
		arg := CType(base) + " *"
		if base.RTTI.QueryArg != nil {
			arg = CType(base.RTTI.QueryArg)
		}
		resolve.Query = base.RTTI.Query
		resolve.ArgType = arg
	} else {
		tag := tagSlot(info, base)
		if tag == nil {
			return nil, errors.Wrapf(ErrMissingRTTI, "%s has no tag for family %s", t.Name, base.Name)
		}
		resolve.Tag = ast.ArrowPath(p, tag.Path...)
		resolve.Default = d.opts.Primitives.RawFree
		for _, sub := range d.model.Subtypes(t) {
			if err := d.Prepare(sub); err != nil {
				return nil, err
			}
			subInfo := d.headers.Plan(sub)
			if slot := tagSlot(subInfo, base); slot != nil {
				resolve.Cases = append(resolve.Cases, ast.TagCase{Tag: slot.Value, Dealloc: subInfo.StaticDeallocator})
			}
		}
	}

	header := info.HeaderExpr(p)
	return &ast.Func{
		Name:   info.Deallocator,
		Params: []ast.Param{{CType: CType(t) + " *", Name: recordParam}},
		Body: []ast.Stmt{
			&ast.Decl{CType: deallocFnType, Name: staticFnLocal},
			&ast.Assign{LHS: header, RHS: &ast.Int{Value: 1}},
			resolve,
			&ast.DecRef{Ptr: p, Header: header, Dealloc: ast.Id(staticFnLocal), Unguarded: true},
		},
	}, nil
}

// owns reports whether a value of type t holds anything that must be
// released, i.e. whether walking it would produce at least one statement
func owns(t *types.Type) bool {
	switch t.Kind {
	case types.KindPointer:
		return t.NeedsGC()
	case types.KindRecord:
		if t.Parent != nil && owns(t.Parent) {
			return true
		}
		for _, f := range t.Fields {
			if owns(f.Type) {
				return true
			}
		}
	case types.KindArray:
		return owns(t.Elem)
	case types.KindOpaque:
		return true
	}
	return false
}

func tagSlot(info *HeaderInfo, base *types.Type) *TagSlot {
	for i := range info.Tags {
		if info.Tags[i].Base == base {
			return &info.Tags[i]
		}
	}
	return nil
}

func paramName(t *types.Type) string {
	if t.Kind == types.KindArray {
		return arrayParam
	}
	return recordParam
}

func dispatchKind(t *types.Type) string {
	if t.RTTI.Query != "" {
		return "query:" + t.RTTI.Query
	}
	return "tag"
}
