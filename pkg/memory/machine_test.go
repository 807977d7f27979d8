package memory

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcgen/pkg/ast"
	"rcgen/pkg/codegen"
	"rcgen/pkg/types"
)

// fixture runs generated code for one model on a fresh machine
type fixture struct {
	t     *testing.T
	model *types.Model
	gen   *codegen.Generator
	m     *Machine
}

func newFixture(t *testing.T, model *types.Model) *fixture {
	t.Helper()
	require.NoError(t, model.Freeze())
	gen, err := codegen.New(model, codegen.DefaultOptions())
	require.NoError(t, err)
	plans, err := gen.AllDeallocators()
	require.NoError(t, err)

	m := NewMachine(gen.Options.Primitives)
	m.RegisterPlans(plans...)
	return &fixture{t: t, model: model, gen: gen, m: m}
}

// run executes statements and statement lists in order, skipping nils
func (f *fixture) run(parts ...interface{}) {
	f.t.Helper()
	require.NoError(f.t, f.m.Exec(collect(parts...)))
}

func collect(parts ...interface{}) []ast.Stmt {
	var stmts []ast.Stmt
	for _, p := range parts {
		switch p := p.(type) {
		case ast.Stmt:
			stmts = append(stmts, p)
		case []ast.Stmt:
			stmts = append(stmts, p...)
		}
	}
	return stmts
}

// alloc allocates a t into local name and takes the caller's reference
func (f *fixture) alloc(name string, t *types.Type) Addr {
	f.t.Helper()
	f.m.SetLocal(name, 0)
	f.run(
		f.gen.ZeroInit(t, nil, ast.Id(name), "fail"),
		f.gen.Alive.KeepAliveResult("new", ast.Id(name), f.model.Ptr(t)),
	)
	p := f.m.Ptr(name)
	require.NotZero(f.t, p)
	return p
}

func (f *fixture) header(p Addr, t *types.Type) int64 {
	f.t.Helper()
	info := f.gen.Plan(t)
	require.NotNil(f.t, info)
	v, err := f.m.Header(p, info.Path...)
	require.NoError(f.t, err)
	return v
}

func nodeModel() (*types.Model, *types.Type) {
	m := types.NewModel()
	node := m.GcRecord("Node")
	long, _ := m.Lookup("long")
	m.AddField(node, "val", long)
	m.AddField(node, "next", m.Ptr(node))
	return m, node
}

func TestIncrementDecrementRoundTrip(t *testing.T) {
	model, node := nodeModel()
	arr := model.Array("NodeArray", model.Ptr(node), 4, true)
	f := newFixture(t, model)

	for _, typ := range []*types.Type{node, arr} {
		t.Run(typ.Name, func(t *testing.T) {
			name := "x" + typ.Name
			p := f.alloc(name, typ)
			before := f.header(p, typ)
			pt := f.model.Ptr(typ)
			f.run(f.gen.Increment(ast.Id(name), pt), f.gen.Decrement(ast.Id(name), pt))
			assert.Equal(t, before, f.header(p, typ))
			assert.False(t, f.m.Heap.IsFreed(p))
		})
	}
}

func TestAllocationTakesOneReference(t *testing.T) {
	model, node := nodeModel()
	f := newFixture(t, model)

	p := f.alloc("a", node)
	assert.EqualValues(t, 1, f.header(p, node))
	next, err := f.m.Header(p, "next")
	require.NoError(t, err)
	assert.Zero(t, next, "fresh pointer fields read NULL")

	// direct calls hand back an owned reference
	assert.Nil(t, f.gen.Alive.KeepAliveResult(codegen.OpDirectCall, ast.Id("a"), model.Ptr(node)))
}

func TestNodeStoreScenario(t *testing.T) {
	model, node := nodeModel()
	f := newFixture(t, model)
	pn := model.Ptr(node)

	a := f.alloc("a", node)
	b := f.alloc("b", node)
	next := ast.Arrow(ast.Id("a"), "next")

	inc, dec := f.m.Increments, f.m.Decrements
	f.run(f.gen.Store(next, ast.Id("b"), pn))
	assert.Equal(t, 1, f.m.Increments-inc)
	assert.Equal(t, 0, f.m.Decrements-dec, "old value was NULL")
	assert.EqualValues(t, 2, f.header(b, node))

	// drop the local reference; a.next keeps b alive
	f.run(f.gen.Decrement(ast.Id("b"), pn))
	assert.EqualValues(t, 1, f.header(b, node))

	dealloc := f.gen.Plan(node).Deallocator
	inc, dec = f.m.Increments, f.m.Decrements
	f.run(f.gen.Store(next, &ast.Null{}, pn))
	assert.Equal(t, 0, f.m.Increments-inc)
	assert.Equal(t, 1, f.m.Decrements-dec)
	assert.Equal(t, 1, f.m.Calls[dealloc])
	assert.True(t, f.m.Heap.IsFreed(b))
	assert.False(t, f.m.Heap.IsFreed(a))

	f.run(f.gen.Decrement(ast.Id("a"), pn))
	assert.Equal(t, 2, f.m.Calls[dealloc])
	assert.Empty(t, f.m.Heap.Live())
}

func TestSelfStoreKeepsCount(t *testing.T) {
	model, node := nodeModel()
	f := newFixture(t, model)
	pn := model.Ptr(node)

	a := f.alloc("a", node)
	b := f.alloc("b", node)
	next := ast.Arrow(ast.Id("a"), "next")
	f.run(f.gen.Store(next, ast.Id("b"), pn))
	before := f.header(b, node)

	f.run(f.gen.Store(next, ast.Arrow(ast.Id("a"), "next"), pn))
	assert.Equal(t, before, f.header(b, node))

	// a cycle through itself: the only reference besides the local
	f.run(f.gen.Store(next, ast.Id("a"), pn))
	f.run(f.gen.Store(next, ast.Id("a"), pn))
	assert.EqualValues(t, 2, f.header(a, node))
	assert.False(t, f.m.Heap.IsFreed(a))
}

func TestBarrierIncrementsBeforeDecrement(t *testing.T) {
	model, node := nodeModel()
	f := newFixture(t, model)
	pn := model.Ptr(node)

	f.alloc("a", node)
	b := f.alloc("b", node)
	c := f.alloc("c", node)
	next := ast.Arrow(ast.Id("a"), "next")
	f.run(f.gen.Store(next, ast.Id("b"), pn))

	mark := len(f.m.Trace)
	f.run(f.gen.Store(next, ast.Id("c"), pn))
	assert.Equal(t, []string{
		fmt.Sprintf("inc %s -> 2", c),
		fmt.Sprintf("dec %s -> 1", b),
	}, f.m.Trace[mark:])
}

func TestFieldlessTypeFallsThroughToFree(t *testing.T) {
	m := types.NewModel()
	leaf := m.GcRecord("Leaf")
	long, _ := m.Lookup("long")
	m.AddField(leaf, "x", long)
	f := newFixture(t, m)

	plan, err := f.gen.Synthesize(leaf)
	require.NoError(t, err)
	assert.Nil(t, plan.Static)
	assert.Empty(t, plan.Header.Deallocator)

	p := f.alloc("l", leaf)
	f.run(f.gen.Decrement(ast.Id("l"), m.Ptr(leaf)))
	assert.True(t, f.m.Heap.IsFreed(p))
	assert.Equal(t, 1, f.m.Calls[f.gen.Options.Primitives.RawFree])
	assert.Equal(t, 1, f.gen.Stats.DeallocatorsElided)
}

func rttiModel(rtti types.RTTI) (model *types.Model, base, d1, d2, node *types.Type) {
	model = types.NewModel()
	node = model.GcRecord("Node")
	model.AddField(node, "next", model.Ptr(node))

	base = model.GcRecord("Base")
	d1 = model.Record("Derived1")
	model.Inherit(d1, base)
	model.AddField(d1, "left", model.Ptr(node))
	d2 = model.Record("Derived2")
	model.Inherit(d2, base)
	model.AddField(d2, "child", model.Ptr(node))
	model.AttachRTTI(base, rtti)
	return
}

func TestDynamicDeallocatorResolvesActualType(t *testing.T) {
	tests := []struct {
		name string
		rtti types.RTTI
	}{
		{"closed family", types.RTTI{Closed: true}},
		{"query function", types.RTTI{Query: "base_rtti"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			model, base, d1, d2, node := rttiModel(tc.rtti)
			f := newFixture(t, model)

			var resolving []int64
			f.m.RegisterQuery("base_rtti", func(m *Machine, p Addr) (string, error) {
				h, err := m.Header(p, f.gen.Plan(base).Path...)
				if err != nil {
					return "", err
				}
				resolving = append(resolving, h)
				obj, err := m.Heap.Get(p)
				if err != nil {
					return "", err
				}
				typ, err := model.Lookup(obj.TypeName)
				if err != nil {
					return "", err
				}
				return f.gen.Plan(typ).StaticDeallocator, nil
			})

			d := f.alloc("d", d2)
			n := f.alloc("n", node)
			f.run(f.gen.Store(ast.Arrow(ast.Id("d"), "child"), ast.Id("n"), model.Ptr(node)))
			f.run(f.gen.Decrement(ast.Id("n"), model.Ptr(node)))

			// release through a pointer typed as the base
			f.m.SetLocal("obj", int64(d))
			f.run(f.gen.Decrement(ast.Id("obj"), model.Ptr(base)))

			assert.Equal(t, 1, f.m.Calls[f.gen.Plan(base).Deallocator])
			assert.Equal(t, 1, f.m.Calls[f.gen.Plan(d2).StaticDeallocator])
			assert.Zero(t, f.m.Calls[f.gen.Plan(d1).StaticDeallocator])
			assert.Zero(t, f.m.Calls[f.gen.Plan(base).StaticDeallocator])
			assert.True(t, f.m.Heap.IsFreed(d))
			assert.True(t, f.m.Heap.IsFreed(n))
			assert.Empty(t, f.m.Heap.Live())

			if tc.rtti.Query != "" {
				assert.Equal(t, []int64{1}, resolving, "header held at 1 while resolving")
			}
		})
	}
}

// familyTree is Base <- Mid <- Leaf{child}, plus the fieldless Plain <- Base
func familyTree(rtti types.RTTI) (model *types.Model, node, base, mid, leaf, plain *types.Type) {
	model = types.NewModel()
	node = model.GcRecord("Node")
	model.AddField(node, "next", model.Ptr(node))

	base = model.GcRecord("Base")
	mid = model.Record("Mid")
	model.Inherit(mid, base)
	leaf = model.Record("Leaf")
	model.Inherit(leaf, mid)
	model.AddField(leaf, "child", model.Ptr(node))
	plain = model.Record("Plain")
	model.Inherit(plain, base)
	model.AttachRTTI(base, rtti)
	return
}

func TestFamilyMembersReleasedThroughAnyPointer(t *testing.T) {
	families := []struct {
		name string
		rtti types.RTTI
	}{
		{"closed family", types.RTTI{Closed: true}},
		{"query function", types.RTTI{Query: "base_rtti"}},
	}
	tests := []struct {
		name    string
		object  string
		through string
	}{
		{"leaf through mid", "Leaf", "Mid"},
		{"leaf through base", "Leaf", "Base"},
		{"leaf through leaf", "Leaf", "Leaf"},
		{"mid through mid", "Mid", "Mid"},
		{"fieldless subtype through base", "Plain", "Base"},
	}

	for _, fam := range families {
		for _, tc := range tests {
			t.Run(fam.name+"/"+tc.name, func(t *testing.T) {
				model, node, _, _, leaf, _ := familyTree(fam.rtti)
				f := newFixture(t, model)
				f.m.RegisterQuery("base_rtti", func(m *Machine, p Addr) (string, error) {
					obj, err := m.Heap.Get(p)
					if err != nil {
						return "", err
					}
					typ, err := model.Lookup(obj.TypeName)
					if err != nil {
						return "", err
					}
					return f.gen.Plan(typ).StaticDeallocator, nil
				})

				objType, err := model.Lookup(tc.object)
				require.NoError(t, err)
				through, err := model.Lookup(tc.through)
				require.NoError(t, err)
				require.NotEmpty(t, f.gen.Plan(objType).StaticDeallocator, "every family member has a static deallocator")

				obj := f.alloc("obj", objType)
				var n Addr
				if objType == leaf {
					n = f.alloc("n", node)
					f.run(f.gen.Store(ast.Arrow(ast.Id("obj"), "child"), ast.Id("n"), model.Ptr(node)))
					f.run(f.gen.Decrement(ast.Id("n"), model.Ptr(node)))
				}

				f.m.SetLocal("via", int64(obj))
				f.run(f.gen.Decrement(ast.Id("via"), model.Ptr(through)))

				assert.Equal(t, 1, f.m.Calls[f.gen.Plan(objType).StaticDeallocator])
				assert.True(t, f.m.Heap.IsFreed(obj))
				if n != 0 {
					assert.True(t, f.m.Heap.IsFreed(n), "child released with its owner")
				}
				assert.Empty(t, f.m.Heap.Live())
			})
		}
	}
}

func TestClosedFamilyTagsStoredAtAllocation(t *testing.T) {
	model, base, _, d2, _ := rttiModel(types.RTTI{Closed: true})
	f := newFixture(t, model)

	d := f.alloc("d", d2)
	info := f.gen.Plan(d2)
	require.Len(t, info.Tags, 1)
	assert.Same(t, base, info.Tags[0].Base)

	tag, err := f.m.Header(d, info.Tags[0].Path...)
	require.NoError(t, err)
	assert.EqualValues(t, 3, tag, "Base, Derived1, Derived2")
}

func TestArrayReleaseScenario(t *testing.T) {
	model, node := nodeModel()
	arrT := model.Array("NodeArray", model.Ptr(node), 4, true)
	f := newFixture(t, model)
	pn := model.Ptr(node)

	a := f.alloc("a", node)
	b := f.alloc("b", node)
	arr := f.alloc("arr", arrT)
	slot := func(i int64) ast.Expr {
		return &ast.Index{X: ast.Arrow(ast.Id("arr"), "items"), Index: &ast.Int{Value: i}}
	}
	f.run(f.gen.Store(slot(0), ast.Id("a"), pn), f.gen.Store(slot(2), ast.Id("b"), pn))

	dec, frees, mark := f.m.Decrements, f.m.Heap.Frees, len(f.m.Trace)
	f.run(f.gen.Decrement(ast.Id("arr"), model.Ptr(arrT)))

	assert.Equal(t, 3, f.m.Decrements-dec, "the array, then a and b")
	assert.Equal(t, 1, f.m.Heap.Frees-frees)
	assert.Equal(t, []string{
		fmt.Sprintf("dec %s -> 0", arr),
		fmt.Sprintf("call %s %s", f.gen.Plan(arrT).Deallocator, arr),
		fmt.Sprintf("dec %s -> 1", a),
		fmt.Sprintf("dec %s -> 1", b),
		fmt.Sprintf("free %s", arr),
	}, f.m.Trace[mark:])
	assert.EqualValues(t, 1, f.header(a, node))
	assert.EqualValues(t, 1, f.header(b, node))
}

func TestForeignObjectsUseExternalRuntime(t *testing.T) {
	model := types.NewModel()
	obj := model.Foreign("PyObject")
	holder := model.GcRecord("Holder")
	model.AddField(holder, "obj", model.Ptr(obj))
	f := newFixture(t, model)
	po := model.Ptr(obj)

	f.alloc("h", holder)
	const foreignAddr = 7000
	f.m.SetLocal("o", foreignAddr)
	assert.Nil(t, f.gen.Alive.KeepAliveResult("call", ast.Id("o"), po))

	f.run(f.gen.Store(ast.Arrow(ast.Id("h"), "obj"), ast.Id("o"), po))
	f.run(f.gen.Decrement(ast.Id("h"), model.Ptr(holder)))

	assert.Equal(t, 1, f.m.ForeignIncrefs)
	assert.Equal(t, 1, f.m.ForeignDecrefs)
	assert.Zero(t, f.m.ForeignRefs[foreignAddr])
	assert.Empty(t, f.m.Heap.Live())
}

func TestOpaqueMembersReleasedByHook(t *testing.T) {
	model := types.NewModel()
	dict := model.Opaque("Dict", "dict")
	holder := model.GcRecord("Holder")
	model.AddField(holder, "entries", dict)
	f := newFixture(t, model)

	p := f.alloc("h", holder)
	f.run(f.gen.Decrement(ast.Id("h"), model.Ptr(holder)))
	assert.Equal(t, 1, f.m.OpaqueReleases)
	assert.Equal(t, 1, f.m.Calls["opaque_dealloc_dict"])
	assert.True(t, f.m.Heap.IsFreed(p))
}

func TestAllocationFailureTakesErrorPath(t *testing.T) {
	model, node := nodeModel()
	f := newFixture(t, model)
	f.m.Heap.Limit = 1
	f.alloc("a", node)

	f.m.SetLocal("b", 0)
	err := f.m.Exec(f.gen.ZeroInit(node, nil, ast.Id("b"), "oom"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllocFailed))
	assert.Contains(t, err.Error(), "goto oom")
	assert.Zero(t, f.m.Ptr("b"))
}

func TestMachineErrors(t *testing.T) {
	m := NewMachine(codegen.DefaultOptions().Primitives)

	err := m.Call("nope", 1)
	assert.True(t, errors.Is(err, ErrUnknownFunc))

	err = m.Exec([]ast.Stmt{&ast.Assign{LHS: ast.Id("x"), RHS: &ast.Int{Value: 1}}})
	assert.True(t, errors.Is(err, ErrUndefined))

	m.SetLocal("p", 0)
	err = m.Exec([]ast.Stmt{&ast.DecRef{Ptr: ast.Id("p"), Header: ast.Arrow(ast.Id("p"), "rc"), Dealloc: ast.Id("raw_free"), Unguarded: true}})
	assert.True(t, errors.Is(err, ErrNullDeref))

	// guarded operations skip NULL
	err = m.Exec([]ast.Stmt{
		&ast.IncRef{Ptr: ast.Id("p"), Header: ast.Arrow(ast.Id("p"), "rc")},
		&ast.DecRef{Ptr: ast.Id("p"), Header: ast.Arrow(ast.Id("p"), "rc"), Dealloc: ast.Id("raw_free")},
	})
	assert.NoError(t, err)
	assert.Zero(t, m.Increments+m.Decrements)
}

func TestMachineTagWithoutCase(t *testing.T) {
	m := NewMachine(codegen.DefaultOptions().Primitives)
	p, err := m.Alloc("p", "Base")
	require.NoError(t, err)
	require.NoError(t, m.Heap.Store(p, "tag", 9))

	err = m.Exec([]ast.Stmt{
		&ast.Decl{CType: "void (*@)(void *)", Name: "fn"},
		&ast.Resolve{Into: "fn", Ptr: ast.Id("p"), Tag: ast.Arrow(ast.Id("p"), "tag")},
	})
	assert.True(t, errors.Is(err, ErrUnknownTag))
}
