// Package outputs resolves which output set a dependency edge sees during a
// run: real outputs produced this run, persisted outputs from earlier runs, or
// the edge's declared mock outputs in plan mode.
package outputs

import (
	"sync"

	"github.com/unitctl/unitctl/pkg/errors"
	"github.com/unitctl/unitctl/pkg/schema/unit"
	"github.com/unitctl/unitctl/pkg/state"
)

// RunMode selects how unavailable dependency outputs are treated.
type RunMode string

const (
	// ModePlan substitutes declared mock outputs for dependencies with no
	// real output set.
	ModePlan RunMode = "plan"

	// ModeApply requires real outputs; mocks are never substituted.
	ModeApply RunMode = "apply"
)

// Source records where a resolved output set came from.
type Source string

const (
	SourceProduced  Source = "produced"
	SourcePersisted Source = "persisted"
	SourceMock      Source = "mock"
)

// Resolution is the outcome of resolving one dependency edge.
type Resolution struct {
	Outputs state.OutputSet
	Source  Source
}

// Resolver tracks output sets over the course of one run. It is safe for
// concurrent use by the run workers.
type Resolver struct {
	mode RunMode

	mu sync.RWMutex

	// produced holds output sets materialized during this run
	produced map[string]state.OutputSet

	// persisted holds output sets loaded from the state backend at run start
	persisted map[string]state.OutputSet

	// edges pins the resolution chosen for each "unit->target" edge so a
	// dependency cannot flip between mock and real mid-run
	edges map[string]*Resolution
}

// NewResolver creates a resolver for one run.
func NewResolver(mode RunMode) *Resolver {
	return &Resolver{
		mode:      mode,
		produced:  make(map[string]state.OutputSet),
		persisted: make(map[string]state.OutputSet),
		edges:     make(map[string]*Resolution),
	}
}

// Mode returns the run mode the resolver was created for.
func (r *Resolver) Mode() RunMode {
	return r.mode
}

// Seed loads an output set persisted by an earlier run. Called once per unit
// before any worker starts.
func (r *Resolver) Seed(unitID string, outputs state.OutputSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted[unitID] = outputs
}

// RecordReal stores the output set a unit produced during this run. Later
// resolutions of edges into that unit see the real outputs; edges already
// resolved keep their original choice.
func (r *Resolver) RecordReal(unitID string, outputs state.OutputSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.produced[unitID] = outputs
}

// Produced returns the output set a unit materialized this run, if any.
func (r *Resolver) Produced(unitID string) (state.OutputSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	outputs, ok := r.produced[unitID]
	return outputs, ok
}

// Resolve determines the output set the given edge sees. Preference order:
// outputs produced this run, then persisted outputs, then the edge's declared
// mocks (plan mode only). A dependency with none of these is unresolved.
func (r *Resolver) Resolve(unitID string, dep unit.Dependency) (*Resolution, error) {
	edge := unitID + "->" + dep.Target

	r.mu.Lock()
	defer r.mu.Unlock()

	if pinned, ok := r.edges[edge]; ok {
		return pinned, nil
	}

	var res *Resolution
	switch {
	case r.produced[dep.Target] != nil:
		res = &Resolution{Outputs: r.produced[dep.Target], Source: SourceProduced}
	case r.persisted[dep.Target] != nil:
		res = &Resolution{Outputs: r.persisted[dep.Target], Source: SourcePersisted}
	case r.mode == ModePlan && dep.MockOutputs != nil:
		res = &Resolution{Outputs: state.OutputSet(dep.MockOutputs), Source: SourceMock}
	default:
		return nil, errors.UnresolvedDependency(unitID, dep.Target)
	}

	r.edges[edge] = res
	return res, nil
}

// ResolveAll resolves every dependency edge of a unit, returning output sets
// keyed by dependency ID. Edges that cannot be resolved yet are reported in
// the second return value instead of failing, so the caller can defer them.
func (r *Resolver) ResolveAll(u *unit.Unit) (map[string]state.OutputSet, []string, error) {
	resolved := make(map[string]state.OutputSet, len(u.Dependencies))
	var pending []string

	for _, dep := range u.Dependencies {
		res, err := r.Resolve(u.ID, dep)
		if err != nil {
			if errors.Is(err, errors.ErrCodeUnresolvedDep) && r.mode == ModeApply {
				// In apply mode the run order guarantees the producer ran
				// first, so this is a hard failure, not a deferral.
				return nil, nil, err
			}
			if errors.Is(err, errors.ErrCodeUnresolvedDep) {
				pending = append(pending, dep.Target)
				continue
			}
			return nil, nil, err
		}
		resolved[dep.Target] = res.Outputs
	}

	return resolved, pending, nil
}
