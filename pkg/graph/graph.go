// Package graph provides dependency graph construction and ordering for unit
// catalogs. The graph is an index-based adjacency structure over unit IDs and
// every analysis is a pure function of the loaded descriptors.
package graph

import (
	"github.com/unitctl/unitctl/pkg/errors"
	"github.com/unitctl/unitctl/pkg/schema/unit"
)

// Graph is the dependency graph of one catalog.
type Graph struct {
	// ids in declaration order
	ids []string

	// deps maps a unit to the units it depends on, in declaration order
	deps map[string][]string

	// dependents is the reverse adjacency, in declaration order of the
	// depending units
	dependents map[string][]string
}

// Build constructs the graph from a loaded store. Every edge must reference an
// existing unit; an edge to an unknown ID is a DanglingDependency error.
func Build(store *unit.Store) (*Graph, error) {
	g := &Graph{
		ids:        store.IDs(),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}

	exists := make(map[string]bool, len(g.ids))
	for _, id := range g.ids {
		exists[id] = true
	}

	for _, u := range store.All() {
		for _, dep := range u.Dependencies {
			if !exists[dep.Target] {
				return nil, errors.DanglingDependency(u.ID, dep.Target)
			}
			g.deps[u.ID] = append(g.deps[u.ID], dep.Target)
			g.dependents[dep.Target] = append(g.dependents[dep.Target], u.ID)
		}
	}

	return g, nil
}

// IDs returns all unit IDs in declaration order.
func (g *Graph) IDs() []string {
	ids := make([]string, len(g.ids))
	copy(ids, g.ids)
	return ids
}

// Dependencies returns the direct dependencies of a unit.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// Dependents returns the units that directly depend on the given unit.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// TransitiveDependents returns every unit that depends on the given unit,
// directly or through other units.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	var result []string

	var walk func(string)
	walk = func(current string) {
		for _, dep := range g.dependents[current] {
			if !seen[dep] {
				seen[dep] = true
				result = append(result, dep)
				walk(dep)
			}
		}
	}
	walk(id)

	return result
}

// Closure expands a set of unit IDs with all their transitive dependencies,
// returned as a set. Unknown IDs produce a NotFound error.
func (g *Graph) Closure(ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(g.ids))
	for _, id := range g.ids {
		known[id] = true
	}

	selected := make(map[string]bool)
	var walk func(string)
	walk = func(id string) {
		if selected[id] {
			return
		}
		selected[id] = true
		for _, dep := range g.deps[id] {
			walk(dep)
		}
	}

	for _, id := range ids {
		if !known[id] {
			return nil, errors.NotFoundError("unit", id)
		}
		walk(id)
	}

	return selected, nil
}
