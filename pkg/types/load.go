package types

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Schema is the on-disk description of a type graph
type Schema struct {
	Types []TypeSpec `toml:"type" yaml:"types"`
}

// TypeSpec describes one named type. Type references are names; a leading
// '*' makes a pointer ("*Node").
type TypeSpec struct {
	Name   string      `toml:"name" yaml:"name"`
	Kind   string      `toml:"kind" yaml:"kind"`
	GC     bool        `toml:"gc" yaml:"gc"`
	Parent string      `toml:"parent" yaml:"parent"`
	Fields []FieldSpec `toml:"fields" yaml:"fields"`
	Elem   string      `toml:"elem" yaml:"elem"`
	Length int         `toml:"length" yaml:"length"`
	Tag    string      `toml:"tag" yaml:"tag"`
	RTTI   *RTTISpec   `toml:"rtti" yaml:"rtti"`
}

// FieldSpec describes a record field
type FieldSpec struct {
	Name string `toml:"name" yaml:"name"`
	Type string `toml:"type" yaml:"type"`
}

// RTTISpec describes how a base record's subtypes are resolved
type RTTISpec struct {
	Query    string `toml:"query" yaml:"query"`
	QueryArg string `toml:"query_arg" yaml:"query_arg"`
	Closed   bool   `toml:"closed" yaml:"closed"`
}

// Format of a schema file
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks a schema format from a file extension
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", errors.WithHint(
		errors.Newf("unrecognized type graph format %q", filepath.Ext(path)),
		"use a .toml, .yaml or .yml file")
}

// DecodeSchema parses schema bytes in the given format
func DecodeSchema(data []byte, format Format) (*Schema, error) {
	var s Schema
	switch format {
	case FormatTOML:
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
			return nil, errors.Wrap(err, "decode toml type graph")
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, errors.Wrap(err, "decode yaml type graph")
		}
	default:
		return nil, errors.Newf("unsupported type graph format %q", format)
	}
	return &s, nil
}

// LoadFile reads a schema file and builds a frozen model from it
func LoadFile(path string) (*Model, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read type graph %s", path)
	}
	s, err := DecodeSchema(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "in %s", path)
	}
	return s.Build()
}

// Build declares every type of the schema in a fresh model and freezes it.
// Names are declared in a first pass so that types may refer to each other
// in any order.
func (s *Schema) Build() (*Model, error) {
	m := NewModel()
	for _, ts := range s.Types {
		switch ts.Kind {
		case "record":
			if ts.GC {
				m.GcRecord(ts.Name)
			} else {
				m.Record(ts.Name)
			}
		case "array":
			// declared in the second pass once the element type is known
		case "foreign":
			m.Foreign(ts.Name)
		case "opaque":
			m.Opaque(ts.Name, ts.Tag)
		case "scalar":
			m.Scalar(ts.Name)
		default:
			return nil, errors.Wrapf(ErrInvalidType, "type %q has unknown kind %q", ts.Name, ts.Kind)
		}
	}

	// Arrays may nest, so keep resolving until no progress is made
	pending := make([]TypeSpec, 0)
	for _, ts := range s.Types {
		if ts.Kind == "array" {
			pending = append(pending, ts)
		}
	}
	for len(pending) > 0 {
		var next []TypeSpec
		for _, ts := range pending {
			elem, err := resolveRef(m, ts.Elem)
			if err != nil {
				next = append(next, ts)
				continue
			}
			m.Array(ts.Name, elem, ts.Length, ts.GC)
		}
		if len(next) == len(pending) {
			_, err := resolveRef(m, next[0].Elem)
			return nil, errors.Wrapf(err, "element of array %q", next[0].Name)
		}
		pending = next
	}

	for _, ts := range s.Types {
		if ts.Kind != "record" {
			continue
		}
		rec, err := m.Lookup(ts.Name)
		if err != nil {
			return nil, err
		}
		if ts.Parent != "" {
			parent, err := m.Lookup(ts.Parent)
			if err != nil {
				return nil, errors.Wrapf(err, "parent of %q", ts.Name)
			}
			m.Inherit(rec, parent)
		}
		for _, fs := range ts.Fields {
			ft, err := resolveRef(m, fs.Type)
			if err != nil {
				return nil, errors.Wrapf(err, "field %s.%s", ts.Name, fs.Name)
			}
			m.AddField(rec, fs.Name, ft)
		}
		if ts.RTTI != nil {
			rtti := RTTI{Query: ts.RTTI.Query, Closed: ts.RTTI.Closed}
			if ts.RTTI.QueryArg != "" {
				arg, err := resolveRef(m, ts.RTTI.QueryArg)
				if err != nil {
					return nil, errors.Wrapf(err, "RTTI query argument of %q", ts.Name)
				}
				rtti.QueryArg = arg
			}
			m.AttachRTTI(rec, rtti)
		}
	}

	if err := m.Freeze(); err != nil {
		return nil, err
	}
	return m, nil
}

func resolveRef(m *Model, ref string) (*Type, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "*") {
		target, err := resolveRef(m, ref[1:])
		if err != nil {
			return nil, err
		}
		return m.Ptr(target), nil
	}
	return m.Lookup(ref)
}
