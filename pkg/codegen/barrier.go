package codegen

import (
	"rcgen/pkg/ast"
	"rcgen/pkg/types"
)

// PrevVar is the local holding the overwritten value inside a write barrier
const PrevVar = "prev"

// BarrierSynthesizer wraps pointer-field stores with refcount maintenance
type BarrierSynthesizer struct {
	alive *AliveEmitter
	stats *GenStats
}

// NewBarrierSynthesizer creates a synthesizer on top of an alive emitter
func NewBarrierSynthesizer(alive *AliveEmitter, stats *GenStats) *BarrierSynthesizer {
	return &BarrierSynthesizer{alive: alive, stats: stats}
}

// Barrier instruments store, which writes newValue (of type t) into target.
//
// The result runs in the order: capture old value of target into prev,
// store, increment newValue, decrement prev. The increment must come first:
// when newValue and the old value are the same object, the count never
// touches zero in between.
func (b *BarrierSynthesizer) Barrier(store []ast.Stmt, newValue ast.Expr, t *types.Type, target ast.Expr) []ast.Stmt {
	decr := b.alive.Decrement(ast.Id(PrevVar), t)
	incr := b.alive.Increment(newValue, t)

	out := append([]ast.Stmt(nil), store...)
	if incr == nil && decr == nil {
		b.stats.BarriersPassthrough++
		return out
	}
	b.stats.Barriers++

	if incr != nil {
		out = append(out, incr)
	}
	if decr != nil {
		block := make([]ast.Stmt, 0, len(out)+2)
		block = append(block, &ast.Decl{CType: CType(t), Name: PrevVar, Init: target})
		block = append(block, out...)
		block = append(block, decr)
		out = []ast.Stmt{&ast.Block{Stmts: block}}
	}
	return out
}
