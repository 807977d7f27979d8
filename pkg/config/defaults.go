package config

import (
	"github.com/spf13/viper"

	"rcgen/pkg/codegen"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	d := codegen.DefaultOptions()

	// Runtime primitive contract
	v.SetDefault("primitives.raw_free", d.Primitives.RawFree)
	v.SetDefault("primitives.zero_alloc", d.Primitives.ZeroAlloc)
	v.SetDefault("primitives.foreign_incref", d.Primitives.ForeignIncref)
	v.SetDefault("primitives.foreign_decref", d.Primitives.ForeignDecref)

	// Generated names
	v.SetDefault("naming.header_prefix", d.Naming.HeaderPrefix)
	v.SetDefault("naming.tag_prefix", d.Naming.TagPrefix)
	v.SetDefault("naming.dealloc_prefix", d.Naming.DeallocPrefix)
	v.SetDefault("naming.static_dealloc_prefix", d.Naming.StaticDeallocPrefix)
	v.SetDefault("naming.opaque_dealloc_prefix", d.Naming.OpaqueDeallocPrefix)

	v.SetDefault("output.indent", d.Indent)

	v.SetDefault("log.json", false)
	v.SetDefault("log.verbose", false)
}
