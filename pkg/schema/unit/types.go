// Package unit loads and indexes declarative infrastructure-unit definitions.
package unit

import (
	"github.com/hashicorp/hcl/v2"
)

// HookPhase identifies when a hook runs relative to a unit's lifecycle command.
type HookPhase string

const (
	HookPhaseBefore HookPhase = "before"
	HookPhaseAfter  HookPhase = "after"
)

// Lifecycle commands hooks may bind to.
const (
	CommandPlan  = "plan"
	CommandApply = "apply"
)

// Unit is one deployable piece of infrastructure configuration: a source module,
// declared dependencies, hook bindings, and input-value expressions.
type Unit struct {
	// ID uniquely identifies the unit within a catalog
	ID string

	// Source is the module location (local path or git:: reference)
	Source string

	// Version is an optional version pin for the source
	Version string

	// Dir is the directory containing the unit file; hooks execute here
	Dir string

	// File is the path the unit was parsed from
	File string

	// DeclOrder is the position of this unit in catalog declaration order,
	// used to break topological-sort ties deterministically
	DeclOrder int

	// Dependencies in declaration order
	Dependencies []Dependency

	// Hooks in declaration order
	Hooks []Hook

	// InputsExpr is the raw inputs expression, kept unevaluated so each field
	// can be interpolated lazily once dependency outputs are available.
	// Nil when the unit declares no inputs.
	InputsExpr hcl.Expression
}

// Dependency is a declared edge to another unit, optionally carrying a static
// mock-output mapping used in place of real outputs during plan.
type Dependency struct {
	// Target is the depended-on unit's ID
	Target string

	// MockOutputs maps output field names to placeholder values.
	// Nil when the edge declares no mocks.
	MockOutputs map[string]interface{}
}

// Hook binds an external command to a lifecycle phase of the unit.
type Hook struct {
	// Name labels the hook for diagnostics
	Name string

	// Phase is before or after the triggering command
	Phase HookPhase

	// Commands lists the lifecycle commands that trigger this hook
	Commands []string

	// ExecuteExpr is the raw argv expression; elements are interpolated with
	// the unit's evaluation context before execution
	ExecuteExpr hcl.Expression
}

// DependencyIDs returns the targets of all dependency edges in declaration order.
func (u *Unit) DependencyIDs() []string {
	ids := make([]string, 0, len(u.Dependencies))
	for _, dep := range u.Dependencies {
		ids = append(ids, dep.Target)
	}
	return ids
}

// Dependency returns the declared edge to the given target, if any.
func (u *Unit) Dependency(target string) (Dependency, bool) {
	for _, dep := range u.Dependencies {
		if dep.Target == target {
			return dep, true
		}
	}
	return Dependency{}, false
}

// HooksFor returns the hooks bound to the given command and phase, in
// declaration order.
func (u *Unit) HooksFor(command string, phase HookPhase) []Hook {
	var hooks []Hook
	for _, h := range u.Hooks {
		if h.Phase != phase {
			continue
		}
		for _, c := range h.Commands {
			if c == command {
				hooks = append(hooks, h)
				break
			}
		}
	}
	return hooks
}

// Triggers reports whether the hook fires for the given command.
func (h Hook) Triggers(command string) bool {
	for _, c := range h.Commands {
		if c == command {
			return true
		}
	}
	return false
}
