package codegen

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcgen/pkg/types"
)

func generateUnit(t *testing.T, m *types.Model) (string, *Generator) {
	t.Helper()
	g := mustGenerator(t, m)
	var sb strings.Builder
	require.NoError(t, g.GenerateModule(&sb))
	return sb.String(), g
}

// declIndex finds the first line that declares or defines name as a function
func declIndex(unit, name string) int {
	re := regexp.MustCompile(`(?m)^[^\n;{}]*\b` + regexp.QuoteMeta(name) + `\s*\([^;{\n]*\)\s*;`)
	if loc := re.FindStringIndex(unit); loc != nil {
		return loc[0]
	}
	return -1
}

// useIndex finds the first reference to name inside a function body
func useIndex(unit, name string) int {
	re := regexp.MustCompile(`(?m)^\t.*\b` + regexp.QuoteMeta(name) + `\b`)
	if loc := re.FindStringIndex(unit); loc != nil {
		return loc[0]
	}
	return -1
}

func structIndex(unit, name string) int {
	return strings.Index(unit, "struct "+name+" {")
}

func mixedModel(t *testing.T) *types.Model {
	m := familyModel(types.RTTI{Closed: true})
	node := lookup(t, m, "Node")
	py := m.Foreign("PyObject")
	m.Opaque("Dict", "dict")

	pair := m.Record("Pair")
	m.AddField(pair, "left", m.Ptr(node))
	m.AddField(pair, "obj", m.Ptr(py))
	holder := m.GcRecord("Holder")
	m.AddField(holder, "pair", pair)
	m.Array("NodeArray", m.Ptr(node), 3, true)

	other := m.GcRecord("Other")
	m.AttachRTTI(other, types.RTTI{Query: "other_rtti"})
	sub := m.Record("OtherSub")
	m.Inherit(sub, other)
	m.AddField(sub, "node", m.Ptr(node))
	return m
}

func TestUnitDeclaresBeforeUse(t *testing.T) {
	unit, g := generateUnit(t, mixedModel(t))

	for _, name := range []string{"raw_free", "foreign_decref", "other_rtti", "staticdealloc_Base"} {
		assert.GreaterOrEqual(t, useIndex(unit, name), 0, "%s is never used", name)
	}

	names := []string{"raw_free", "foreign_decref", "other_rtti"}
	plans, err := g.AllDeallocators()
	require.NoError(t, err)
	for _, plan := range plans {
		for _, f := range plan.Funcs() {
			names = append(names, f.Name)
		}
	}

	for _, name := range names {
		decl := declIndex(unit, name)
		require.GreaterOrEqual(t, decl, 0, "%s is never declared", name)
		if use := useIndex(unit, name); use >= 0 {
			assert.Less(t, decl, use, "%s is used before its declaration", name)
		}
	}
}

func TestUnitStructLayoutOrder(t *testing.T) {
	unit, _ := generateUnit(t, mixedModel(t))

	for _, pair := range [][2]string{
		{"Pair", "Holder"},
		{"Base", "Derived1"},
		{"Base", "Derived2"},
		{"Other", "OtherSub"},
	} {
		inner, outer := structIndex(unit, pair[0]), structIndex(unit, pair[1])
		require.GreaterOrEqual(t, inner, 0, pair[0])
		require.GreaterOrEqual(t, outer, 0, pair[1])
		assert.Less(t, inner, outer, "struct %s must be complete before %s", pair[0], pair[1])
	}

	assert.Contains(t, unit, "typedef struct PyObject PyObject;")
	assert.Contains(t, unit, "void opaque_dealloc_dict(Dict *);")
	assert.Contains(t, unit, "struct Base super;")
	assert.Contains(t, unit, "long typeid_Base;")
	assert.NotContains(t, unit, "long refcount_Derived1;")
}
