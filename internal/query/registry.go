package query

import (
	"context"
	"strings"
)

// TagRegistry resolves a symbolic field name such as "title" to the literal
// tag specifications it stands for in the configured record schema.
type TagRegistry interface {
	Resolve(ctx context.Context, name string) ([]string, error)
}

// StaticRegistry is a TagRegistry backed by configuration.
type StaticRegistry map[string][]string

func NewStaticRegistry(m map[string][]string) StaticRegistry {
	r := make(StaticRegistry, len(m))
	for name, tags := range m {
		r[strings.ToLower(name)] = append([]string(nil), tags...)
	}
	return r
}

func (r StaticRegistry) Resolve(_ context.Context, name string) ([]string, error) {
	return r[strings.ToLower(name)], nil
}
