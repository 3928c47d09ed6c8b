// Package provisioner defines the engine boundary for materializing units and
// the registry of available implementations.
package provisioner

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/unitctl/unitctl/pkg/state"
)

// Request carries everything an engine needs to plan or apply one unit.
type Request struct {
	// UnitID identifies the unit, for diagnostics
	UnitID string

	// Source is the resolved module directory
	Source string

	// Inputs are the fully interpolated input values
	Inputs map[string]interface{}

	// Env is the environment for engine subprocesses
	Env map[string]string

	// WorkDir is a scratch directory the engine may write to
	WorkDir string

	// Stdout and Stderr receive engine output when non-nil
	Stdout io.Writer
	Stderr io.Writer
}

// PlanResult summarizes a speculative run.
type PlanResult struct {
	// Summary is a human-readable description of the pending changes
	Summary string

	// Changes counts pending resource changes
	Changes int

	// PlannedOutputs holds output values the engine can predict without
	// applying. May be empty.
	PlannedOutputs state.OutputSet
}

// ApplyResult carries the materialized outputs of a unit.
type ApplyResult struct {
	Outputs state.OutputSet
}

// Provisioner plans and applies individual units.
type Provisioner interface {
	// Name returns the provisioner identifier (e.g., "opentofu")
	Name() string

	// Plan previews the changes a unit would make without applying them
	Plan(ctx context.Context, req Request) (*PlanResult, error)

	// Apply materializes the unit and returns its outputs
	Apply(ctx context.Context, req Request) (*ApplyResult, error)
}

// Factory constructs a provisioner from its settings.
type Factory func(settings map[string]string) (Provisioner, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a provisioner available by name. Called from implementation
// packages' init functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Create builds a provisioner by name.
func Create(name string, settings map[string]string) (Provisioner, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provisioner %q (registered: %v)", name, Registered())
	}

	return factory(settings)
}

// Registered returns the names of all registered provisioners.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
