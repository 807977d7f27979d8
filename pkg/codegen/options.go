package codegen

// Primitives names the runtime support functions the emitted code calls
type Primitives struct {
	RawFree       string `mapstructure:"raw_free" toml:"raw_free" yaml:"raw_free"`
	ZeroAlloc     string `mapstructure:"zero_alloc" toml:"zero_alloc" yaml:"zero_alloc"`
	ForeignIncref string `mapstructure:"foreign_incref" toml:"foreign_incref" yaml:"foreign_incref"`
	ForeignDecref string `mapstructure:"foreign_decref" toml:"foreign_decref" yaml:"foreign_decref"`
}

// Naming holds the prefixes used to derive module-level names
type Naming struct {
	HeaderPrefix        string `mapstructure:"header_prefix" toml:"header_prefix" yaml:"header_prefix"`
	TagPrefix           string `mapstructure:"tag_prefix" toml:"tag_prefix" yaml:"tag_prefix"`
	DeallocPrefix       string `mapstructure:"dealloc_prefix" toml:"dealloc_prefix" yaml:"dealloc_prefix"`
	StaticDeallocPrefix string `mapstructure:"static_dealloc_prefix" toml:"static_dealloc_prefix" yaml:"static_dealloc_prefix"`
	OpaqueDeallocPrefix string `mapstructure:"opaque_dealloc_prefix" toml:"opaque_dealloc_prefix" yaml:"opaque_dealloc_prefix"`
}

// Options configures a Generator
type Options struct {
	Primitives Primitives
	Naming     Naming
	Indent     string
}

// DefaultOptions returns the primitive contract and naming used unless configured otherwise
func DefaultOptions() Options {
	return Options{
		Primitives: Primitives{
			RawFree:       "raw_free",
			ZeroAlloc:     "zero_alloc",
			ForeignIncref: "foreign_incref",
			ForeignDecref: "foreign_decref",
		},
		Naming: Naming{
			HeaderPrefix:        "refcount_",
			TagPrefix:           "typeid_",
			DeallocPrefix:       "dealloc_",
			StaticDeallocPrefix: "staticdealloc_",
			OpaqueDeallocPrefix: "opaque_dealloc_",
		},
		Indent: "\t",
	}
}

// withDefaults fills empty fields from DefaultOptions
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&o.Primitives.RawFree, d.Primitives.RawFree)
	fill(&o.Primitives.ZeroAlloc, d.Primitives.ZeroAlloc)
	fill(&o.Primitives.ForeignIncref, d.Primitives.ForeignIncref)
	fill(&o.Primitives.ForeignDecref, d.Primitives.ForeignDecref)
	fill(&o.Naming.HeaderPrefix, d.Naming.HeaderPrefix)
	fill(&o.Naming.TagPrefix, d.Naming.TagPrefix)
	fill(&o.Naming.DeallocPrefix, d.Naming.DeallocPrefix)
	fill(&o.Naming.StaticDeallocPrefix, d.Naming.StaticDeallocPrefix)
	fill(&o.Naming.OpaqueDeallocPrefix, d.Naming.OpaqueDeallocPrefix)
	fill(&o.Indent, d.Indent)
	return o
}
