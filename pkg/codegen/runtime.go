package codegen

import (
	"fmt"
	"io"
	"strings"

	"rcgen/pkg/ast"
	"rcgen/pkg/types"
)

// RuntimeGenerator writes a C translation unit for a generator's model:
// runtime prelude, struct layouts with headers, and deallocators
type RuntimeGenerator struct {
	w   io.Writer
	gen *Generator
}

// NewRuntimeGenerator creates a new runtime generator
func NewRuntimeGenerator(w io.Writer, gen *Generator) *RuntimeGenerator {
	return &RuntimeGenerator{w: w, gen: gen}
}

func (g *RuntimeGenerator) emit(format string, args ...interface{}) {
	fmt.Fprintf(g.w, format, args...)
}

// GenerateHeader generates the includes and the primitive contract
func (g *RuntimeGenerator) GenerateHeader() {
	p := g.gen.Options.Primitives
	g.emit(`/* Generated C99 code: reference-counted memory management */

#include <stddef.h>
#include <stdbool.h>
#include <limits.h>

/* Header value of prebuilt objects; never reaches zero */
#define %s (LONG_MAX / 2)

/* Runtime support primitives */
void %s(void *p);
void *%s(size_t size);
void %s(void *p);
void %s(void *p);

`, RefcountImmortal, p.RawFree, p.ZeroAlloc, p.ForeignIncref, p.ForeignDecref)
}

// GenerateExternals declares foreign and opaque types, their hooks, and RTTI query functions
func (g *RuntimeGenerator) GenerateExternals() {
	var lines []string
	for _, t := range g.gen.Model.Types() {
		switch t.Kind {
		case types.KindForeign:
			lines = append(lines, fmt.Sprintf("typedef struct %s %s;", t.Name, t.Name))
		case types.KindOpaque:
			lines = append(lines, fmt.Sprintf("typedef struct %s %s;", t.Name, t.Name))
			lines = append(lines, fmt.Sprintf("void %s%s(%s *);", g.gen.Options.Naming.OpaqueDeallocPrefix, t.Tag, t.Name))
		case types.KindRecord:
			if t.RTTI != nil && t.RTTI.Query != "" {
				arg := CType(t) + " *"
				if t.RTTI.QueryArg != nil {
					arg = CType(t.RTTI.QueryArg)
				}
				lines = append(lines, ast.CDecl("void (*@)(void *)", fmt.Sprintf("%s(%s)", t.RTTI.Query, strings.TrimSpace(arg)))+";")
			}
		}
	}
	if len(lines) == 0 {
		return
	}
	g.emit("/* External types and hooks */\n")
	for _, l := range lines {
		g.emit("%s\n", l)
	}
	g.emit("\n")
}

// GenerateStructs generates forward declarations and struct definitions,
// each container after everything it holds by value
func (g *RuntimeGenerator) GenerateStructs() {
	containers := g.gen.Model.Containers()
	if len(containers) == 0 {
		return
	}

	g.emit("/* Forward declarations */\n")
	for _, t := range containers {
		g.emit("struct %s;\n", t.Name)
	}
	g.emit("\n")

	for _, t := range layoutOrder(containers) {
		g.GenerateStruct(t)
	}
}

// GenerateStruct generates one struct definition
func (g *RuntimeGenerator) GenerateStruct(t *types.Type) {
	indent := g.gen.Options.Indent
	info := g.gen.Headers.Plan(t)

	g.emit("struct %s {\n", t.Name)
	if t.Kind == types.KindRecord && t.Parent != nil {
		g.emit("%s%s;\n", indent, ast.CDecl(CType(t.Parent), "super"))
	}
	if info != nil && info.OwnsHeaderField() {
		g.emit("%slong %s;\n", indent, info.Field)
	}
	if info != nil && info.TagField != "" {
		g.emit("%slong %s;\n", indent, info.TagField)
	}
	switch t.Kind {
	case types.KindRecord:
		for _, f := range t.Fields {
			g.emit("%s%s;\n", indent, ast.CDecl(CType(f.Type), f.Name))
		}
	case types.KindArray:
		g.emit("%s%s;\n", indent, ast.CDecl(CType(t.Elem), fmt.Sprintf("items[%d]", t.Length)))
	}
	g.emit("};\n\n")
}

// GeneratePrototypes declares every synthesized deallocator
func (g *RuntimeGenerator) GeneratePrototypes(plans []*DeallocatorPlan) {
	var protos []string
	for _, plan := range plans {
		for _, f := range plan.Funcs() {
			protos = append(protos, f.Prototype()+";")
		}
	}
	if len(protos) == 0 {
		return
	}
	g.emit("/* Deallocators */\n")
	for _, p := range protos {
		g.emit("%s\n", p)
	}
	g.emit("\n")
}

// GenerateDeallocators writes the deallocator bodies
func (g *RuntimeGenerator) GenerateDeallocators(plans []*DeallocatorPlan) {
	printer := ast.NewPrinter(g.w, g.gen.Options.Indent)
	for _, plan := range plans {
		for _, f := range plan.Funcs() {
			printer.Func(f)
			g.emit("\n")
		}
	}
}

// GenerateAll generates the complete translation unit
func (g *RuntimeGenerator) GenerateAll() error {
	plans, err := g.gen.AllDeallocators()
	if err != nil {
		return err
	}
	g.GenerateHeader()
	g.GenerateExternals()
	g.GenerateStructs()
	g.GeneratePrototypes(plans)
	g.GenerateDeallocators(plans)
	return nil
}

// layoutOrder sorts containers so that anything held by value precedes its holder
func layoutOrder(containers []*types.Type) []*types.Type {
	done := make(map[*types.Type]bool)
	var out []*types.Type
	var visit func(t *types.Type)
	visit = func(t *types.Type) {
		if done[t] {
			return
		}
		done[t] = true
		for _, m := range types.InlineMembers(t) {
			if m.Kind != types.KindOpaque {
				visit(m)
			}
		}
		out = append(out, t)
	}
	for _, t := range containers {
		visit(t)
	}
	return out
}

// GenerateModule writes the complete C translation unit of gen's model
func (g *Generator) GenerateModule(w io.Writer) error {
	return NewRuntimeGenerator(w, g).GenerateAll()
}

// GenerateModuleToString builds a generator for model and returns its translation unit
func GenerateModuleToString(model *types.Model, opts Options) (string, *GenStats, error) {
	gen, err := New(model, opts)
	if err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	if err := gen.GenerateModule(&sb); err != nil {
		return "", nil, err
	}
	return sb.String(), gen.Stats, nil
}
