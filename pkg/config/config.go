// Package config loads generator settings from defaults, an optional TOML
// file and RCGEN_* environment variables, in that order of precedence.
package config

import "rcgen/pkg/codegen"

// Config is the complete generator configuration
type Config struct {
	Primitives codegen.Primitives `mapstructure:"primitives" toml:"primitives" yaml:"primitives"`
	Naming     codegen.Naming     `mapstructure:"naming" toml:"naming" yaml:"naming"`
	Output     OutputConfig       `mapstructure:"output" toml:"output" yaml:"output"`
	Log        LogConfig          `mapstructure:"log" toml:"log" yaml:"log"`
}

// OutputConfig controls how generated C is laid out
type OutputConfig struct {
	Indent string `mapstructure:"indent" toml:"indent" yaml:"indent"`
}

// LogConfig controls diagnostic logging
type LogConfig struct {
	JSON    bool `mapstructure:"json" toml:"json" yaml:"json"`
	Verbose bool `mapstructure:"verbose" toml:"verbose" yaml:"verbose"`
}

// Options converts the configuration into generator options
func (c *Config) Options() codegen.Options {
	return codegen.Options{
		Primitives: c.Primitives,
		Naming:     c.Naming,
		Indent:     c.Output.Indent,
	}
}
