package codegen

import (
	"rcgen/pkg/ast"
	"rcgen/pkg/types"
)

// OpDirectCall is the operation name whose results are already owned by the caller
const OpDirectCall = "direct_call"

// AliveEmitter emits the increment and decrement code for one typed expression.
//
// Foreign objects go through the external runtime's incref/decref pair; types
// with a header get a null-guarded header update, and a decrement that reaches
// zero calls the type's deallocator (or just releases storage when the type
// has none).
type AliveEmitter struct {
	headers *HeaderPlanner
	prims   Primitives
	stats   *GenStats
}

// NewAliveEmitter creates an emitter reading headers from hp
func NewAliveEmitter(hp *HeaderPlanner, prims Primitives, stats *GenStats) *AliveEmitter {
	return &AliveEmitter{headers: hp, prims: prims, stats: stats}
}

// Increment returns the statement adding a reference to expr, or nil
func (e *AliveEmitter) Increment(expr ast.Expr, t *types.Type) ast.Stmt {
	if !t.NeedsGC() {
		return nil
	}
	if ast.IsNull(expr) {
		e.stats.NullElided++
		return nil
	}
	if t.Elem.Kind == types.KindForeign {
		e.stats.ForeignIncrefs++
		return &ast.ForeignRef{Fn: e.prims.ForeignIncref, Incr: true, Ptr: expr}
	}
	info := e.headers.Plan(t.Elem)
	if info == nil {
		return nil
	}
	e.stats.Increments++
	return &ast.IncRef{Ptr: expr, Header: info.HeaderExpr(expr)}
}

// Decrement returns the statement dropping a reference to expr, or nil
func (e *AliveEmitter) Decrement(expr ast.Expr, t *types.Type) ast.Stmt {
	if !t.NeedsGC() {
		return nil
	}
	if ast.IsNull(expr) {
		e.stats.NullElided++
		return nil
	}
	if t.Elem.Kind == types.KindForeign {
		e.stats.ForeignDecrefs++
		return &ast.ForeignRef{Fn: e.prims.ForeignDecref, Incr: false, Ptr: expr}
	}
	info := e.headers.Plan(t.Elem)
	if info == nil {
		return nil
	}
	dealloc := info.Deallocator
	if dealloc == "" {
		dealloc = e.prims.RawFree
	}
	e.stats.Decrements++
	return &ast.DecRef{Ptr: expr, Header: info.HeaderExpr(expr), Dealloc: ast.Id(dealloc)}
}

// KeepAliveResult takes a reference on the result of operation op. Direct
// calls hand back an owned reference already, and foreign results are owned
// by the foreign runtime's own convention, so both are left alone.
func (e *AliveEmitter) KeepAliveResult(op string, expr ast.Expr, t *types.Type) ast.Stmt {
	if op == OpDirectCall {
		return nil
	}
	if t.NeedsGC() && t.Elem.Kind == types.KindForeign {
		return nil
	}
	return e.Increment(expr, t)
}
