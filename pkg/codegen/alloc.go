package codegen

import (
	"rcgen/pkg/ast"
	"rcgen/pkg/types"
)

// AllocationInitializer emits the prologue of a fresh allocation
type AllocationInitializer struct {
	headers *HeaderPlanner
	prims   Primitives
	stats   *GenStats
}

// NewAllocationInitializer creates an initializer using the zero_alloc primitive
func NewAllocationInitializer(hp *HeaderPlanner, prims Primitives, stats *GenStats) *AllocationInitializer {
	return &AllocationInitializer{headers: hp, prims: prims, stats: stats}
}

// ZeroInit allocates zero-filled storage for a t into result, jumping to
// onError when the allocator fails. A nil size means sizeof(t).
//
// Zero fill leaves the header at 0 and every pointer member NULL, so the
// first write barrier on a fresh object decrements nothing. The caller takes
// its own reference with AliveEmitter.KeepAliveResult. Members of a closed
// RTTI family also get their type tags stored here.
func (a *AllocationInitializer) ZeroInit(t *types.Type, size ast.Expr, result ast.Expr, onError string) []ast.Stmt {
	if t.Kind == types.KindPointer {
		t = t.Elem
	}
	if size == nil {
		size = &ast.SizeOf{CType: CType(t)}
	}
	out := []ast.Stmt{&ast.ZeroAlloc{
		Fn:       a.prims.ZeroAlloc,
		TypeName: t.Name,
		Size:     size,
		Result:   result,
		OnError:  onError,
	}}
	if info := a.headers.Plan(t); info != nil {
		for _, slot := range info.Tags {
			out = append(out, &ast.Assign{
				LHS: ast.ArrowPath(result, slot.Path...),
				RHS: &ast.Int{Value: slot.Value},
			})
		}
	}
	a.stats.Allocations++
	return out
}

// HeaderInitializer is the header value of a statically allocated instance,
// which must never be freed. Nil for unmanaged types.
func (a *AllocationInitializer) HeaderInitializer(t *types.Type) ast.Expr {
	if a.headers.Plan(t) == nil {
		return nil
	}
	return ast.Id(RefcountImmortal)
}

// RefcountImmortal is the macro emitted for headers of prebuilt objects
const RefcountImmortal = "REFCOUNT_IMMORTAL"
