package codegen

import (
	"github.com/cockroachdb/errors"

	"rcgen/pkg/ast"
	"rcgen/pkg/logger"
	"rcgen/pkg/types"
)

// Generator emits reference-counting code for one frozen type model.
//
// All components share a single Namespace and HeaderPlanner, so every name
// the generator hands out is unique across the module. A Generator is not
// safe for concurrent use.
type Generator struct {
	Model   *types.Model
	Options Options
	Names   *Namespace
	Stats   *GenStats

	Headers      *HeaderPlanner
	Alive        *AliveEmitter
	Barriers     *BarrierSynthesizer
	Deallocators *DeallocatorSynthesizer
	Allocs       *AllocationInitializer
}

// New wires the generator components and prepares the deallocator names of
// every managed type. RTTI configuration errors surface here.
func New(model *types.Model, opts Options) (*Generator, error) {
	if model == nil || !model.Frozen() {
		return nil, errors.WithHint(ErrModelNotFrozen, "call Freeze on the model before generating")
	}
	opts = opts.withDefaults()

	ns := NewNamespace()
	ns.Reserve(
		opts.Primitives.RawFree,
		opts.Primitives.ZeroAlloc,
		opts.Primitives.ForeignIncref,
		opts.Primitives.ForeignDecref,
		RefcountImmortal,
	)
	for _, t := range model.Types() {
		switch {
		case t.Kind == types.KindForeign:
			ns.Reserve(t.Name)
		case t.Kind == types.KindOpaque:
			ns.Reserve(t.Name, opts.Naming.OpaqueDeallocPrefix+t.Tag)
		case t.Kind == types.KindRecord && t.RTTI != nil:
			ns.Reserve(t.RTTI.Query)
		}
	}

	stats := NewGenStats()
	headers := NewHeaderPlanner(model, ns, opts.Naming, stats)
	alive := NewAliveEmitter(headers, opts.Primitives, stats)
	g := &Generator{
		Model:        model,
		Options:      opts,
		Names:        ns,
		Stats:        stats,
		Headers:      headers,
		Alive:        alive,
		Barriers:     NewBarrierSynthesizer(alive, stats),
		Deallocators: NewDeallocatorSynthesizer(model, headers, alive, ns, opts, stats),
		Allocs:       NewAllocationInitializer(headers, opts.Primitives, stats),
	}

	for _, t := range model.Containers() {
		if err := g.Deallocators.Prepare(t); err != nil {
			return nil, errors.Wrap(err, "prepare deallocators")
		}
	}
	logger.Logger.Debugw("generator ready",
		"types", len(model.Types()),
		"headers", stats.HeadersPlanned)
	return g, nil
}

// Plan returns the refcount header of t, or nil if t is not managed
func (g *Generator) Plan(t *types.Type) *HeaderInfo {
	return g.Headers.Plan(t)
}

// Increment returns the statement taking a reference to expr, or nil
func (g *Generator) Increment(expr ast.Expr, t *types.Type) ast.Stmt {
	return g.Alive.Increment(expr, t)
}

// Decrement returns the statement dropping a reference to expr, or nil
func (g *Generator) Decrement(expr ast.Expr, t *types.Type) ast.Stmt {
	return g.Alive.Decrement(expr, t)
}

// Barrier instruments a store of newValue into target
func (g *Generator) Barrier(store []ast.Stmt, newValue ast.Expr, t *types.Type, target ast.Expr) []ast.Stmt {
	return g.Barriers.Barrier(store, newValue, t, target)
}

// Store is Barrier for the common case of a plain assignment target = newValue
func (g *Generator) Store(target ast.Expr, newValue ast.Expr, t *types.Type) []ast.Stmt {
	store := []ast.Stmt{&ast.Assign{LHS: target, RHS: newValue}}
	return g.Barriers.Barrier(store, newValue, t, target)
}

// Synthesize returns the deallocators of a managed type
func (g *Generator) Synthesize(t *types.Type) (*DeallocatorPlan, error) {
	return g.Deallocators.Synthesize(t)
}

// ZeroInit emits a zero-filled allocation of t into result
func (g *Generator) ZeroInit(t *types.Type, size ast.Expr, result ast.Expr, onError string) []ast.Stmt {
	return g.Allocs.ZeroInit(t, size, result, onError)
}

// AllDeallocators returns the deallocator plans of every managed type in
// declaration order
func (g *Generator) AllDeallocators() ([]*DeallocatorPlan, error) {
	var plans []*DeallocatorPlan
	for _, t := range g.Model.Containers() {
		if g.Headers.Plan(t) == nil {
			continue
		}
		plan, err := g.Synthesize(t)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}
