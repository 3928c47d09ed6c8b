package runner

import (
	"context"
	"io"
	"sync"

	"github.com/unitctl/unitctl/pkg/engine/expression"
	"github.com/unitctl/unitctl/pkg/engine/hooks"
	"github.com/unitctl/unitctl/pkg/engine/outputs"
	"github.com/unitctl/unitctl/pkg/errors"
	"github.com/unitctl/unitctl/pkg/graph"
	"github.com/unitctl/unitctl/pkg/provisioner"
	"github.com/unitctl/unitctl/pkg/schema/unit"
	"github.com/unitctl/unitctl/pkg/source"
	"github.com/unitctl/unitctl/pkg/state"
)

// DefaultParallelism bounds concurrent unit execution when none is configured.
const DefaultParallelism = 4

// Options configures one run.
type Options struct {
	// Mode selects plan or apply semantics
	Mode outputs.RunMode

	// Parallelism bounds concurrently executing units; <= 0 uses the default
	Parallelism int

	// Targets limits the run to the given units and their transitive
	// dependencies; empty means the whole catalog
	Targets []string

	// Env is the process-environment snapshot for expression evaluation and
	// hook execution
	Env map[string]string

	// Stdout and Stderr receive provisioner output when non-nil
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes a catalog's units in dependency order. Workers wake on
// completion notifications from their dependencies' workers; nothing polls.
type Runner struct {
	store     *unit.Store
	graph     *graph.Graph
	prov      provisioner.Provisioner
	states    state.Manager
	sources   *source.Resolver
	evaluator *expression.Evaluator
	hooks     *hooks.Executor
}

// New creates a runner over a loaded catalog.
func New(store *unit.Store, g *graph.Graph, prov provisioner.Provisioner, states state.Manager, sources *source.Resolver, cmdRunner expression.CommandRunner) *Runner {
	ev := expression.NewEvaluator(cmdRunner)
	return &Runner{
		store:     store,
		graph:     g,
		prov:      prov,
		states:    states,
		sources:   sources,
		evaluator: ev,
		hooks:     hooks.NewExecutor(cmdRunner, ev),
	}
}

// Run executes every selected unit once the units it depends on have reached a
// terminal state. A failed or skipped unit skips all of its transitive
// dependents. Cancellation lets in-flight units finish their current phase and
// skips everything not yet started.
func (r *Runner) Run(ctx context.Context, resolver *outputs.Resolver, opts Options) (*RunResult, error) {
	order, err := r.graph.Order()
	if err != nil {
		return nil, err
	}

	selected, err := r.selectUnits(order, opts.Targets)
	if err != nil {
		return nil, err
	}

	result := newRunResult(opts.Mode, selected)

	// An empty catalog has nothing to schedule; workers would otherwise wait
	// forever for a completion that never comes.
	if len(selected) == 0 {
		result.finalize(ctx.Err() != nil)
		return result, nil
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	s := &scheduler{
		runner:    r,
		resolver:  resolver,
		opts:      opts,
		result:    result,
		selected:  make(map[string]bool, len(selected)),
		remaining: make(map[string]int, len(selected)),
		ready:     make(chan string, len(selected)),
		done:      make(chan struct{}),
		total:     len(selected),
	}
	for _, id := range selected {
		s.selected[id] = true
	}
	for _, id := range selected {
		count := 0
		for _, dep := range r.graph.Dependencies(id) {
			if s.selected[dep] {
				count++
			}
		}
		s.remaining[id] = count
		if count == 0 {
			s.ready <- id
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx)
		}()
	}
	wg.Wait()

	result.finalize(ctx.Err() != nil)
	return result, nil
}

// selectUnits returns the run order restricted to the targets' dependency
// closure, or the full order when no targets are given.
func (r *Runner) selectUnits(order []string, targets []string) ([]string, error) {
	if len(targets) == 0 {
		return order, nil
	}

	closure, err := r.graph.Closure(targets)
	if err != nil {
		return nil, err
	}

	var selected []string
	for _, id := range order {
		if closure[id] {
			selected = append(selected, id)
		}
	}
	return selected, nil
}

// scheduler tracks readiness over one run. A unit becomes ready when its last
// selected dependency reaches a terminal state.
type scheduler struct {
	runner   *Runner
	resolver *outputs.Resolver
	opts     Options
	result   *RunResult

	mu        sync.Mutex
	selected  map[string]bool
	remaining map[string]int
	finished  int
	total     int

	ready chan string
	done  chan struct{}
}

func (s *scheduler) work(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.drain()
			return
		case id := <-s.ready:
			if ctx.Err() != nil {
				s.result.skip(id, "run canceled")
				s.finish(id)
				continue
			}
			if ur, _ := s.result.Unit(id); ur.Status == StatusSkipped {
				s.finish(id)
				continue
			}
			s.runner.runUnit(ctx, s.resolver, s.opts, s.result, id)
			if ur, _ := s.result.Unit(id); ur.Status == StatusFailed {
				s.skipDependents(id, "dependency "+id+" failed")
			}
			s.finish(id)
		}
	}
}

// finish marks a unit terminal for scheduling purposes and wakes dependents
// whose last dependency just completed.
func (s *scheduler) finish(id string) {
	s.mu.Lock()
	s.finished++
	allDone := s.finished == s.total
	var woken []string
	for _, dependent := range s.runner.graph.Dependents(id) {
		if !s.selected[dependent] {
			continue
		}
		s.remaining[dependent]--
		if s.remaining[dependent] == 0 {
			woken = append(woken, dependent)
		}
	}
	s.mu.Unlock()

	for _, dependent := range woken {
		s.ready <- dependent
	}
	if allDone {
		close(s.done)
	}
}

// skipDependents marks every selected transitive dependent skipped. They still
// flow through the scheduler so their own dependents are woken in turn.
func (s *scheduler) skipDependents(id, reason string) {
	for _, dependent := range s.runner.graph.TransitiveDependents(id) {
		s.mu.Lock()
		isSelected := s.selected[dependent]
		s.mu.Unlock()
		if isSelected {
			s.result.skip(dependent, reason)
		}
	}
}

// drain skips every unit that has not started after cancellation.
func (s *scheduler) drain() {
	for {
		select {
		case id := <-s.ready:
			s.result.skip(id, "run canceled")
			s.finish(id)
		case <-s.done:
			return
		}
	}
}

// runUnit drives one unit through its lifecycle.
func (r *Runner) runUnit(ctx context.Context, resolver *outputs.Resolver, opts Options, result *RunResult, id string) {
	u, ok := r.store.Get(id)
	if !ok {
		result.fail(id, "resolve", errors.NotFoundError("unit", id))
		return
	}

	command := unit.CommandApply
	if opts.Mode == outputs.ModePlan {
		command = unit.CommandPlan
	}

	// Resolve dependency outputs
	result.setStatus(id, StatusResolving)
	resolved, _, err := resolver.ResolveAll(u)
	if err != nil {
		result.fail(id, "resolve", err)
		return
	}

	moduleDir, err := r.sources.Resolve(ctx, u)
	if err != nil {
		result.fail(id, "resolve", err)
		return
	}

	ectx := expression.NewContext().WithEnv(opts.Env)
	ectx.WorkDir = u.Dir
	ectx.Ctx = ctx
	for depID, out := range resolved {
		ectx.WithDependency(depID, out)
	}

	// Before hooks
	result.setStatus(id, StatusHookedBefore)
	_, hookWarnings, err := r.hooks.RunPhase(u, command, unit.HookPhaseBefore, ectx)
	result.addWarnings(id, hookWarnings)
	if err != nil {
		result.fail(id, "hook:before", err)
		return
	}

	// Interpolate inputs after before-hooks so hook.<name>.stdout is in scope
	fields, err := r.evaluator.EvaluateFields(u.InputsExpr, ectx)
	if err != nil {
		result.fail(id, "resolve", err)
		return
	}

	// An input still unresolved here can never resolve: every dependency has
	// already reached a terminal state, so there is no output set coming.
	if !fields.Resolved() {
		for field, missing := range fields.Unresolved {
			result.fail(id, "resolve", errors.UnresolvedDependency(id, missing[0]).
				WithDetail("field", field))
			return
		}
	}

	var warnings []string

	// Execute
	result.setStatus(id, StatusExecuting)
	inputs := fields.ToInputs()
	req := provisioner.Request{
		UnitID: id,
		Source: moduleDir,
		Inputs: inputs,
		Env:    opts.Env,
		Stdout: opts.Stdout,
		Stderr: opts.Stderr,
	}

	var unitOutputs state.OutputSet
	switch opts.Mode {
	case outputs.ModeApply:
		applied, err := r.prov.Apply(ctx, req)
		if err != nil {
			result.fail(id, "execute", err)
			return
		}
		unitOutputs = applied.Outputs
		resolver.RecordReal(id, unitOutputs)
		if err := r.states.SaveOutputs(ctx, id, unitOutputs); err != nil {
			result.fail(id, "persist", errors.BackendError(r.states.Backend().Type(), "save outputs", err))
			return
		}
	default:
		planned, err := r.prov.Plan(ctx, req)
		if err != nil {
			result.fail(id, "execute", err)
			return
		}
		// A plan's visible outputs are the interpolated inputs plus anything
		// the engine could predict; nothing is recorded or persisted.
		unitOutputs = make(state.OutputSet, len(inputs)+len(planned.PlannedOutputs))
		for k, v := range inputs {
			unitOutputs[k] = v
		}
		for k, v := range planned.PlannedOutputs {
			unitOutputs[k] = v
		}
	}

	// After hooks never fail the unit
	result.setStatus(id, StatusHookedAfter)
	_, afterWarnings, _ := r.hooks.RunPhase(u, command, unit.HookPhaseAfter, ectx)
	warnings = append(warnings, afterWarnings...)

	result.complete(id, unitOutputs, warnings)
}

func unitErrCode(err error) (string, bool) {
	if uerr, ok := errors.AsError(err); ok {
		return string(uerr.Code), true
	}
	return "", false
}
