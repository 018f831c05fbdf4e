package jobgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidSelector is returned for selectors that are not proper sets of
// names.
var ErrInvalidSelector = errors.New("invalid selector")

// NameSet selects pipelines or tables by name. A nil or empty set selects
// everything.
type NameSet map[string]struct{}

// NewNameSet builds a set from names, rejecting empty and repeated names.
func NewNameSet(names ...string) (NameSet, error) {
	if len(names) == 0 {
		return nil, nil
	}
	s := make(NameSet, len(names))
	for _, n := range names {
		if n == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidSelector)
		}
		if _, dup := s[n]; dup {
			return nil, fmt.Errorf("%w: %q given more than once", ErrInvalidSelector, n)
		}
		s[n] = struct{}{}
	}
	return s, nil
}

// ParseNameSet splits a comma separated list. Surrounding whitespace is
// trimmed; blank input selects everything.
func ParseNameSet(list string) (NameSet, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	parts := strings.Split(list, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return NewNameSet(parts...)
}

// Validate rejects sets holding an empty name.
func (s NameSet) Validate() error {
	if _, ok := s[""]; ok {
		return fmt.Errorf("%w: empty name", ErrInvalidSelector)
	}
	return nil
}

// All reports whether s selects everything.
func (s NameSet) All() bool { return len(s) == 0 }

// Has reports whether name is selected.
func (s NameSet) Has(name string) bool {
	if s.All() {
		return true
	}
	_, ok := s[name]
	return ok
}

// Names returns the members, sorted.
func (s NameSet) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
