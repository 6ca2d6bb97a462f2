// Package platform provides the platform function table: the named native
// entry points an artifact's imports are bound to at load time.
package platform

import (
	"golang.org/x/exp/slices"
)

// Table resolves platform function names to callable addresses
type Table interface {
	Resolve(name string) (uintptr, bool)
	Names() []string
}

// Map is a static table
type Map map[string]uintptr

// Resolve looks up name
func (m Map) Resolve(name string) (uintptr, bool) {
	addr, ok := m[name]
	return addr, ok
}

// Names returns the sorted function names
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
