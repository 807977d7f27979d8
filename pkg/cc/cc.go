// Package cc checks generated translation units with the host C compiler.
//
// The compiler is taken from $CC, falling back to cc, gcc and clang on
// $PATH. Checking is syntax and type checking only; nothing is linked, so
// the runtime primitives need only be declared.
package cc

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"rcgen/pkg/logger"
)

// ErrNoCompiler is returned when no C compiler can be found
var ErrNoCompiler = errors.New("no C compiler found")

// DefaultFlags are passed before the source file
var DefaultFlags = []string{"-std=c99", "-fsyntax-only", "-Wall"}

// Compiler runs one C compiler binary
type Compiler struct {
	Path  string
	Flags []string

	mu      sync.Mutex
	counter int
}

var candidates = []string{"cc", "gcc", "clang"}

// Find locates a C compiler
func Find() (*Compiler, error) {
	names := candidates
	if env := strings.TrimSpace(os.Getenv("CC")); env != "" {
		names = append([]string{env}, candidates...)
	}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return &Compiler{Path: path, Flags: DefaultFlags}, nil
		}
	}
	return nil, errors.WithHint(ErrNoCompiler, "install gcc or clang, or set CC")
}

// Available reports whether a C compiler can be found
func Available() bool {
	_, err := Find()
	return err == nil
}

// Check compiles source and returns the compiler's diagnostics as an error
// when it is rejected. Warnings alone are returned as the diagnostics string.
func (c *Compiler) Check(ctx context.Context, source string) (string, error) {
	dir, err := os.MkdirTemp("", "rcgen_cc_")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temp directory")
	}
	defer os.RemoveAll(dir)

	c.mu.Lock()
	c.counter++
	srcPath := filepath.Join(dir, "unit.c")
	n := c.counter
	c.mu.Unlock()

	if err := os.WriteFile(srcPath, []byte(source), 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write source")
	}

	args := append(append([]string{}, c.Flags...), srcPath)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Logger.Debugw("checking translation unit", "compiler", c.Path, "run", n, "bytes", len(source))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", errors.Wrap(ctx.Err(), "compiler interrupted")
		}
		diag := strings.ReplaceAll(out.String(), srcPath, "unit.c")
		return diag, errors.WithDetail(
			errors.Wrapf(err, "%s rejected the translation unit", filepath.Base(c.Path)),
			diag)
	}
	return strings.ReplaceAll(out.String(), srcPath, "unit.c"), nil
}
