package codegen

import (
	"fmt"
	"strings"
)

// Namespace hands out module-unique C identifiers. One instance is owned by a
// Generator and shared by every component that names things, so header
// fields, deallocators and tags never collide.
type Namespace struct {
	taken    map[string]bool
	counters map[string]int
}

// NewNamespace creates an empty namespace
func NewNamespace() *Namespace {
	return &Namespace{
		taken:    make(map[string]bool),
		counters: make(map[string]int),
	}
}

// Reserve marks names as used without allocating them
func (ns *Namespace) Reserve(names ...string) {
	for _, n := range names {
		if n != "" {
			ns.taken[n] = true
		}
	}
}

// Taken reports whether name is already in use
func (ns *Namespace) Taken(name string) bool {
	return ns.taken[name]
}

// Unique returns base made into a valid identifier, suffixed with _N if it
// is already in use
func (ns *Namespace) Unique(base string) string {
	base = sanitize(base)
	if !ns.taken[base] {
		ns.taken[base] = true
		return base
	}
	for {
		ns.counters[base]++
		name := fmt.Sprintf("%s_%d", base, ns.counters[base])
		if !ns.taken[name] {
			ns.taken[name] = true
			return name
		}
	}
}

func sanitize(s string) string {
	var sb strings.Builder
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	if sb.Len() == 0 {
		return "_"
	}
	return sb.String()
}
