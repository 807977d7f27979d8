package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcgen/pkg/cc"
)

const schema = `
[[type]]
name = "Node"
kind = "record"
gc = true
fields = [ { name = "next", type = "*Node" } ]

[[type]]
name = "Leaf"
kind = "record"
gc = true
fields = [ { name = "value", type = "long" } ]
`

func TestMain(m *testing.M) {
	pterm.DisableStyling()
	os.Exit(m.Run())
}

func writeSchema(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "types.toml")
	require.NoError(t, os.WriteFile(path, []byte(schema), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestGenerateToStdout(t *testing.T) {
	out, err := run(t, "generate", writeSchema(t))
	require.NoError(t, err)
	assert.Contains(t, out, "struct Node {")
	assert.Contains(t, out, "void dealloc_Node(struct Node *p) {")
	assert.NotContains(t, out, "dealloc_Leaf")
}

func TestGenerateToFile(t *testing.T) {
	path := writeSchema(t)
	target := filepath.Join(t.TempDir(), "rc.c")
	out, err := run(t, "generate", path, "-o", target, "--stats")
	require.NoError(t, err)
	assert.Contains(t, out, "=== Generation Statistics ===")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "#define REFCOUNT_IMMORTAL")
}

func TestGenerateWithConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "rcgen.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[primitives]\nraw_free = \"gc_free\"\n"), 0o644))

	out, err := run(t, "--config", cfgPath, "generate", writeSchema(t))
	require.NoError(t, err)
	assert.Contains(t, out, "gc_free(p);")
}

func TestPlan(t *testing.T) {
	out, err := run(t, "plan", writeSchema(t))
	require.NoError(t, err)
	assert.Contains(t, out, "TYPE")
	assert.Regexp(t, `Node\s*\|\s*refcount_Node\s*\|\s*dealloc_Node\s*\|\s*dealloc_Node\s*\|\s*-`, out)
	assert.Regexp(t, `Leaf\s*\|\s*refcount_Leaf\s*\|\s*-\s*\|\s*-\s*\|\s*-`, out)
}

func TestConfigShow(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "rcgen.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[primitives]\nraw_free = \"gc_free\"\n"), 0o644))

	out, err := run(t, "--config", cfgPath, "config")
	require.NoError(t, err)
	assert.Regexp(t, `raw_free = ['"]gc_free['"]`, out)

	out, err = run(t, "--config", cfgPath, "config", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "raw_free: gc_free")

	_, err = run(t, "config", "--format", "json")
	assert.Error(t, err)
}

func TestWatchNeedsOutput(t *testing.T) {
	out, err := run(t, "generate", writeSchema(t), "--watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--watch needs an output file")
	assert.NotContains(t, out, "struct Node {", "nothing generated before the flags are rejected")
}

func TestStats(t *testing.T) {
	out, err := run(t, "stats", writeSchema(t))
	require.NoError(t, err)
	assert.Contains(t, out, "Static:              1")
	assert.Contains(t, out, "Elided:              1")
}

func TestMissingSchema(t *testing.T) {
	_, err := run(t, "generate", filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = run(t, "generate")
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	if !cc.Available() {
		t.Skip("no C compiler available")
	}
	out, err := run(t, "check", writeSchema(t))
	require.NoError(t, err)
	assert.Contains(t, out, "compiles")
}
