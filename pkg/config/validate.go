package config

import (
	"regexp"

	"github.com/cockroachdb/errors"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks that every configured name is a usable C identifier
func (c *Config) Validate() error {
	names := []struct {
		key, value string
	}{
		{"primitives.raw_free", c.Primitives.RawFree},
		{"primitives.zero_alloc", c.Primitives.ZeroAlloc},
		{"primitives.foreign_incref", c.Primitives.ForeignIncref},
		{"primitives.foreign_decref", c.Primitives.ForeignDecref},
		{"naming.header_prefix", c.Naming.HeaderPrefix},
		{"naming.tag_prefix", c.Naming.TagPrefix},
		{"naming.dealloc_prefix", c.Naming.DeallocPrefix},
		{"naming.static_dealloc_prefix", c.Naming.StaticDeallocPrefix},
		{"naming.opaque_dealloc_prefix", c.Naming.OpaqueDeallocPrefix},
	}
	for _, n := range names {
		if !identifier.MatchString(n.value) {
			return errors.WithHint(
				errors.Newf("%s must be a C identifier, got %q", n.key, n.value),
				"use letters, digits and underscores, not starting with a digit")
		}
	}
	if c.Naming.DeallocPrefix == c.Naming.StaticDeallocPrefix {
		return errors.Newf("naming.dealloc_prefix and naming.static_dealloc_prefix must differ, both are %q", c.Naming.DeallocPrefix)
	}
	if c.Output.Indent == "" {
		return errors.New("output.indent cannot be empty")
	}
	return nil
}
