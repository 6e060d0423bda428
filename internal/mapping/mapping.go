// Package mapping translates OpenAI model identifiers to backend model
// identifiers and back.
package mapping

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidAlias indicates an alias with an empty name or target.
var ErrInvalidAlias = errors.New("invalid model alias")

const backendPrefix = "claude-"

// DefaultAliases is the built-in OpenAI to Claude mapping. Configured aliases
// are layered on top of it.
var DefaultAliases = map[string]string{
	"gpt-4":         "claude-sonnet-4-20250514",
	"gpt-4-turbo":   "claude-sonnet-4-20250514",
	"gpt-4o":        "claude-sonnet-4-20250514",
	"gpt-4.1":       "claude-sonnet-4-20250514",
	"gpt-4o-mini":   "claude-3-5-haiku-20241022",
	"gpt-3.5-turbo": "claude-3-5-haiku-20241022",
	"o1":            "claude-opus-4-20250514",
	"o3":            "claude-opus-4-20250514",
}

// Alias is one OpenAI-facing model id and the backend model it resolves to.
type Alias struct {
	ID      string
	Backend string
}

// Mapper is an immutable lookup table.
type Mapper struct {
	aliases  map[string]string
	reverse  map[string]string
	fallback string
}

// New builds a mapper from the defaults plus the provided overrides.
func New(defaultBackend string, overrides map[string]string) (*Mapper, error) {
	defaultBackend = strings.TrimSpace(defaultBackend)
	if defaultBackend == "" {
		return nil, fmt.Errorf("%w: default backend model must not be empty", ErrInvalidAlias)
	}

	m := &Mapper{
		aliases:  make(map[string]string, len(DefaultAliases)+len(overrides)),
		reverse:  make(map[string]string),
		fallback: defaultBackend,
	}
	for alias, target := range DefaultAliases {
		m.aliases[alias] = target
	}
	for alias, target := range overrides {
		alias = strings.TrimSpace(alias)
		target = strings.TrimSpace(target)
		if alias == "" {
			return nil, fmt.Errorf("%w: alias name must not be empty", ErrInvalidAlias)
		}
		if target == "" {
			return nil, fmt.Errorf("%w: alias %q target must not be empty", ErrInvalidAlias, alias)
		}
		m.aliases[alias] = target
	}

	// Sorted so the reverse direction is stable regardless of map order.
	ids := make([]string, 0, len(m.aliases))
	for alias := range m.aliases {
		ids = append(ids, alias)
	}
	sort.Strings(ids)
	for _, alias := range ids {
		target := m.aliases[alias]
		if _, exists := m.reverse[target]; !exists {
			m.reverse[target] = alias
		}
	}

	return m, nil
}

// ToBackend resolves the backend model for a requested model id.
func (m *Mapper) ToBackend(model string) string {
	model = strings.TrimSpace(model)
	if target, ok := m.aliases[model]; ok {
		return target
	}
	if strings.HasPrefix(strings.ToLower(model), backendPrefix) {
		return model
	}
	return m.fallback
}

// ToOpenAI returns the OpenAI-facing id for a backend model, or the backend
// id itself when no alias points at it.
func (m *Mapper) ToOpenAI(backend string) string {
	if alias, ok := m.reverse[backend]; ok {
		return alias
	}
	return backend
}

// Default returns the backend model used for unknown ids.
func (m *Mapper) Default() string {
	return m.fallback
}

// List returns every alias sorted by id.
func (m *Mapper) List() []Alias {
	out := make([]Alias, 0, len(m.aliases))
	for id, backend := range m.aliases {
		out = append(out, Alias{ID: id, Backend: backend})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
