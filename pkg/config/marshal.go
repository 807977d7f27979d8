package config

import (
	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Marshal renders the configuration as "toml" or "yaml"
func (c *Config) Marshal(format string) ([]byte, error) {
	switch format {
	case "toml":
		return toml.Marshal(c)
	case "yaml":
		return yaml.Marshal(c)
	}
	return nil, errors.Newf("unsupported format: %s (supported: toml, yaml)", format)
}
