// Package engine wires the catalog loader, dependency graph, output resolver
// and run controller into plan and apply operations.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/unitctl/unitctl/pkg/engine/expression"
	"github.com/unitctl/unitctl/pkg/engine/outputs"
	"github.com/unitctl/unitctl/pkg/engine/runner"
	"github.com/unitctl/unitctl/pkg/graph"
	"github.com/unitctl/unitctl/pkg/provisioner"
	"github.com/unitctl/unitctl/pkg/schema/unit"
	"github.com/unitctl/unitctl/pkg/source"
	"github.com/unitctl/unitctl/pkg/state"
	"github.com/unitctl/unitctl/pkg/state/backend"
)

// Catalog is a loaded unit catalog with its dependency graph.
type Catalog struct {
	Store *unit.Store
	Graph *graph.Graph
}

// Engine coordinates runs over unit catalogs.
type Engine struct {
	states    state.Manager
	prov      provisioner.Provisioner
	sources   *source.Resolver
	cmdRunner expression.CommandRunner
}

// Options configures an engine.
type Options struct {
	// States is the state manager; required
	States state.Manager

	// Provisioner materializes units; required
	Provisioner provisioner.Provisioner

	// Sources resolves unit module sources; nil gets a default resolver
	Sources *source.Resolver

	// CommandRunner executes hooks and run_cmd expressions; nil gets a real
	// process runner
	CommandRunner expression.CommandRunner
}

// New creates an engine.
func New(opts Options) *Engine {
	sources := opts.Sources
	if sources == nil {
		sources = source.NewResolver("")
	}
	cmdRunner := opts.CommandRunner
	if cmdRunner == nil {
		cmdRunner = expression.ExecRunner{}
	}
	return &Engine{
		states:    opts.States,
		prov:      opts.Provisioner,
		sources:   sources,
		cmdRunner: cmdRunner,
	}
}

// Load parses and validates the unit catalog rooted at dir and builds its
// dependency graph. Dangling edges fail here; cycles fail when an order is
// first requested.
func (e *Engine) Load(dir string) (*Catalog, error) {
	store, err := unit.NewLoader().Load(dir)
	if err != nil {
		return nil, err
	}

	g, err := graph.Build(store)
	if err != nil {
		return nil, err
	}

	return &Catalog{Store: store, Graph: g}, nil
}

// Plan previews every selected unit in dependency order. Units whose
// dependencies have no persisted outputs see their declared mocks instead.
// Nothing is persisted except the run record.
func (e *Engine) Plan(ctx context.Context, cat *Catalog, opts runner.Options) (*runner.RunResult, error) {
	opts.Mode = outputs.ModePlan
	return e.run(ctx, cat, opts)
}

// Apply materializes every selected unit in dependency order under a catalog
// lock, persisting each unit's outputs as it completes.
func (e *Engine) Apply(ctx context.Context, cat *Catalog, opts runner.Options) (*runner.RunResult, error) {
	opts.Mode = outputs.ModeApply

	lock, err := e.states.Lock(ctx, state.LockScope{
		Operation: "apply",
		Who:       lockHolder(),
	})
	if err != nil {
		return nil, err
	}
	defer lock.Unlock(ctx)

	return e.run(ctx, cat, opts)
}

func (e *Engine) run(ctx context.Context, cat *Catalog, opts runner.Options) (*runner.RunResult, error) {
	if opts.Env == nil {
		opts.Env = environSnapshot()
	}

	resolver := outputs.NewResolver(opts.Mode)
	if err := e.seed(ctx, cat, resolver); err != nil {
		return nil, err
	}

	r := runner.New(cat.Store, cat.Graph, e.prov, e.states, e.sources, e.cmdRunner)
	result, err := r.Run(ctx, resolver, opts)
	if err != nil {
		return nil, err
	}

	if err := e.states.SaveRun(ctx, result.Record()); err != nil {
		return result, err
	}

	return result, nil
}

// seed loads each unit's persisted output set into the resolver before any
// worker starts, so resolution choices stay fixed for the whole run.
func (e *Engine) seed(ctx context.Context, cat *Catalog, resolver *outputs.Resolver) error {
	for _, id := range cat.Store.IDs() {
		persisted, err := e.states.GetOutputs(ctx, id)
		if err != nil {
			if stderrors.Is(err, backend.ErrNotFound) {
				continue
			}
			return err
		}
		resolver.Seed(id, persisted)
	}
	return nil
}

// environSnapshot captures the process environment once per run so expression
// evaluation stays stable even if the environment changes mid-run.
func environSnapshot() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.Index(kv, "="); idx != -1 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}
	return env
}

func lockHolder() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s@%s", os.Getenv("USER"), hostname)
}
