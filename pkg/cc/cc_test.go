package cc

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcgen/pkg/codegen"
	"rcgen/pkg/types"
)

func requireCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := Find()
	if err != nil {
		t.Skip("no C compiler available")
	}
	return c
}

const graph = `
[[type]]
name = "Node"
kind = "record"
gc = true
fields = [
  { name = "value", type = "long" },
  { name = "next", type = "*Node" },
  { name = "obj", type = "*PyObject" },
]

[[type]]
name = "NodeArray"
kind = "array"
elem = "*Node"
length = 4
gc = true

[[type]]
name = "Pair"
kind = "record"
fields = [ { name = "left", type = "*Node" }, { name = "right", type = "*Node" } ]

[[type]]
name = "Holder"
kind = "record"
gc = true
fields = [ { name = "pair", type = "Pair" } ]

[[type]]
name = "Base"
kind = "record"
gc = true
rtti = { closed = true }
fields = [ { name = "next", type = "*Base" } ]

[[type]]
name = "Derived"
kind = "record"
parent = "Base"
fields = [ { name = "node", type = "*Node" } ]

[[type]]
name = "PyObject"
kind = "foreign"
`

func TestGeneratedUnitCompiles(t *testing.T) {
	c := requireCompiler(t)

	s, err := types.DecodeSchema([]byte(graph), types.FormatTOML)
	require.NoError(t, err)
	m, err := s.Build()
	require.NoError(t, err)
	src, _, err := codegen.GenerateModuleToString(m, codegen.DefaultOptions())
	require.NoError(t, err)

	diag, err := c.Check(context.Background(), src)
	require.NoError(t, err, "%s\n%s", diag, src)
}

func TestRejectedUnit(t *testing.T) {
	c := requireCompiler(t)

	diag, err := c.Check(context.Background(), "int broken(void) { return ; }\nint x = ;\n")
	require.Error(t, err)
	assert.NotEmpty(t, diag)
	assert.NotContains(t, diag, "rcgen_cc_")
	assert.Contains(t, errors.FlattenDetails(err), "unit.c")
}

func TestFindHonorsCC(t *testing.T) {
	t.Setenv("CC", "definitely-not-a-compiler")
	t.Setenv("PATH", t.TempDir())
	_, err := Find()
	assert.True(t, errors.Is(err, ErrNoCompiler))
	assert.False(t, Available())
}
