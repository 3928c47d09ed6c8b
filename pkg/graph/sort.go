package graph

import (
	"github.com/unitctl/unitctl/pkg/errors"
)

// Node colors for depth-first traversal.
type color int

const (
	white color = iota // unvisited
	gray               // in progress
	black              // done
)

// Order returns a valid execution order: every unit appears after all of its
// dependencies. Units with no ordering constraint between them keep their
// declaration order, so repeated runs over the same catalog are reproducible.
// A back-edge to an in-progress node is reported as CycleDetected naming the
// cycle's member units.
func (g *Graph) Order() ([]string, error) {
	colors := make(map[string]color, len(g.ids))
	var order []string
	var stack []string

	var visit func(id string) *errors.Error
	visit = func(id string) *errors.Error {
		colors[id] = gray
		stack = append(stack, id)

		for _, dep := range g.deps[id] {
			switch colors[dep] {
			case gray:
				return errors.CycleDetected(extractCycle(stack, dep))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
		order = append(order, id)
		return nil
	}

	for _, id := range g.ids {
		if colors[id] == white {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}

	return order, nil
}

// ReverseOrder returns units dependents-first, the order required to tear a
// catalog down.
func (g *Graph) ReverseOrder() ([]string, error) {
	order, err := g.Order()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// extractCycle returns the stack suffix starting at the first occurrence of
// start, which is the cycle closed by the back-edge, with start repeated at
// the end to make the loop explicit in diagnostics.
func extractCycle(stack []string, start string) []string {
	for i, id := range stack {
		if id == start {
			cycle := make([]string, 0, len(stack)-i+1)
			cycle = append(cycle, stack[i:]...)
			cycle = append(cycle, start)
			return cycle
		}
	}
	return []string{start, start}
}
