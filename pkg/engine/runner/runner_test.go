package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"

	"github.com/unitctl/unitctl/pkg/engine/outputs"
	uniterrors "github.com/unitctl/unitctl/pkg/errors"
	"github.com/unitctl/unitctl/pkg/graph"
	"github.com/unitctl/unitctl/pkg/provisioner"
	"github.com/unitctl/unitctl/pkg/schema/unit"
	"github.com/unitctl/unitctl/pkg/source"
	"github.com/unitctl/unitctl/pkg/state"
	"github.com/unitctl/unitctl/pkg/state/backend"
	_ "github.com/unitctl/unitctl/pkg/state/backend/local"
)

// fakeProvisioner records calls and replies from canned per-unit outputs.
type fakeProvisioner struct {
	mu      sync.Mutex
	planned []string
	applied []string
	inputs  map[string]map[string]interface{}

	outputs map[string]state.OutputSet
	fail    map[string]bool

	delay       time.Duration
	inFlight    int32
	maxInFlight int32

	onApply func(unitID string)
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		inputs:  make(map[string]map[string]interface{}),
		outputs: make(map[string]state.OutputSet),
		fail:    make(map[string]bool),
	}
}

func (p *fakeProvisioner) Name() string { return "fake" }

func (p *fakeProvisioner) track() func() {
	current := atomic.AddInt32(&p.inFlight, 1)
	for {
		max := atomic.LoadInt32(&p.maxInFlight)
		if current <= max || atomic.CompareAndSwapInt32(&p.maxInFlight, max, current) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return func() { atomic.AddInt32(&p.inFlight, -1) }
}

func (p *fakeProvisioner) Plan(ctx context.Context, req provisioner.Request) (*provisioner.PlanResult, error) {
	defer p.track()()
	p.mu.Lock()
	p.planned = append(p.planned, req.UnitID)
	p.inputs[req.UnitID] = req.Inputs
	failed := p.fail[req.UnitID]
	p.mu.Unlock()

	if failed {
		return nil, fmt.Errorf("plan blew up")
	}
	return &provisioner.PlanResult{Summary: "1 to add", Changes: 1}, nil
}

func (p *fakeProvisioner) Apply(ctx context.Context, req provisioner.Request) (*provisioner.ApplyResult, error) {
	defer p.track()()
	p.mu.Lock()
	p.applied = append(p.applied, req.UnitID)
	p.inputs[req.UnitID] = req.Inputs
	failed := p.fail[req.UnitID]
	out := p.outputs[req.UnitID]
	onApply := p.onApply
	p.mu.Unlock()

	if onApply != nil {
		onApply(req.UnitID)
	}
	if failed {
		return nil, fmt.Errorf("apply blew up")
	}
	if out == nil {
		out = state.OutputSet{}
	}
	return &provisioner.ApplyResult{Outputs: out}, nil
}

func (p *fakeProvisioner) appliedOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

// testCatalog assembles a catalog from programmatic units, giving every unit a
// real module directory so source resolution succeeds.
type testCatalog struct {
	store   *unit.Store
	graph   *graph.Graph
	manager state.Manager
	runner  *Runner
}

type testUnit struct {
	id     string
	deps   []unit.Dependency
	inputs string
	hooks  []unit.Hook
}

func inputsExpr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	if src == "" {
		return nil
	}
	expr, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.InitialPos)
	if diags.HasErrors() {
		t.Fatal(diags.Error())
	}
	return expr
}

func newTestCatalog(t *testing.T, prov *fakeProvisioner, units []testUnit) *testCatalog {
	t.Helper()

	moduleDir := filepath.Join(t.TempDir(), "module")
	if err := os.MkdirAll(moduleDir, 0755); err != nil {
		t.Fatal(err)
	}

	store := unit.NewStore()
	for _, tu := range units {
		u := &unit.Unit{
			ID:           tu.id,
			Source:       moduleDir,
			Dir:          filepath.Dir(moduleDir),
			Dependencies: tu.deps,
			Hooks:        tu.hooks,
			InputsExpr:   inputsExpr(t, tu.inputs),
		}
		if err := store.Add(u); err != nil {
			t.Fatal(err)
		}
	}

	g, err := graph.Build(store)
	if err != nil {
		t.Fatal(err)
	}

	b, err := backend.Create(backend.Config{Type: "local", Settings: map[string]string{"path": t.TempDir()}})
	if err != nil {
		t.Fatal(err)
	}
	mgr := state.NewManager(b)

	r := New(store, g, prov, mgr, source.NewResolver(t.TempDir()), noRunner{})

	return &testCatalog{store: store, graph: g, manager: mgr, runner: r}
}

// noRunner stands in for the process runner; nothing in these catalogs
// executes a real command.
type noRunner struct{}

func (noRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	return name + "-ran", "", nil
}

func indexOf(order []string, id string) int {
	for i, o := range order {
		if o == id {
			return i
		}
	}
	return -1
}

func TestEmptyCatalogCompletesImmediately(t *testing.T) {
	prov := newFakeProvisioner()
	cat := newTestCatalog(t, prov, nil)

	type runReturn struct {
		result *RunResult
		err    error
	}
	got := make(chan runReturn, 1)
	go func() {
		resolver := outputs.NewResolver(outputs.ModePlan)
		result, err := cat.runner.Run(context.Background(), resolver, Options{
			Mode: outputs.ModePlan,
			Env:  map[string]string{},
		})
		got <- runReturn{result, err}
	}()

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("Run() error = %v", r.err)
		}
		if len(r.result.Units()) != 0 {
			t.Errorf("units = %v, want none", r.result.Units())
		}
		if r.result.Failed() || r.result.Canceled() {
			t.Errorf("empty run reported failed=%v canceled=%v", r.result.Failed(), r.result.Canceled())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return for an empty catalog")
	}
}

func TestApplyRunsInDependencyOrder(t *testing.T) {
	prov := newFakeProvisioner()
	prov.outputs["db"] = state.OutputSet{"endpoint": "db.internal"}
	prov.outputs["api"] = state.OutputSet{"url": "https://api"}

	cat := newTestCatalog(t, prov, []testUnit{
		{id: "db"},
		{
			id:     "api",
			deps:   []unit.Dependency{{Target: "db", MockOutputs: map[string]interface{}{"endpoint": "mock.host"}}},
			inputs: `{ db_endpoint = dependency.db.outputs.endpoint }`,
		},
	})

	resolver := outputs.NewResolver(outputs.ModeApply)
	result, err := cat.runner.Run(context.Background(), resolver, Options{
		Mode: outputs.ModeApply,
		Env:  map[string]string{},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	applied := prov.appliedOrder()
	if indexOf(applied, "db") > indexOf(applied, "api") {
		t.Errorf("apply order = %v, db must run before api", applied)
	}

	// api interpolated the real output, never the mock
	if prov.inputs["api"]["db_endpoint"] != "db.internal" {
		t.Errorf("api inputs = %v", prov.inputs["api"])
	}

	for _, id := range []string{"db", "api"} {
		ur, _ := result.Unit(id)
		if ur.Status != StatusDone {
			t.Errorf("%s status = %s (%v)", id, ur.Status, ur.Err)
		}
	}

	// Outputs were persisted as each unit completed
	persisted, err := cat.manager.GetOutputs(context.Background(), "db")
	if err != nil {
		t.Fatal(err)
	}
	if persisted["endpoint"] != "db.internal" {
		t.Errorf("persisted db outputs = %v", persisted)
	}
}

func TestPlanSubstitutesMockOutputs(t *testing.T) {
	prov := newFakeProvisioner()

	cat := newTestCatalog(t, prov, []testUnit{
		{id: "db"},
		{
			id:     "api",
			deps:   []unit.Dependency{{Target: "db", MockOutputs: map[string]interface{}{"endpoint": "mock.host", "port": int64(5432)}}},
			inputs: `{ db_addr = "${dependency.db.outputs.endpoint}:${dependency.db.outputs.port}" }`,
		},
	})

	resolver := outputs.NewResolver(outputs.ModePlan)
	result, err := cat.runner.Run(context.Background(), resolver, Options{
		Mode: outputs.ModePlan,
		Env:  map[string]string{},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if prov.inputs["api"]["db_addr"] != "mock.host:5432" {
		t.Errorf("api plan inputs = %v", prov.inputs["api"])
	}

	ur, _ := result.Unit("api")
	if ur.Status != StatusDone {
		t.Fatalf("api status = %s (%v)", ur.Status, ur.Err)
	}
	// Plan surfaces the interpolated values as the unit's visible outputs
	if ur.Outputs["db_addr"] != "mock.host:5432" {
		t.Errorf("api plan outputs = %v", ur.Outputs)
	}

	// Plan persists nothing
	if _, err := cat.manager.GetOutputs(context.Background(), "db"); !stderrors.Is(err, backend.ErrNotFound) {
		t.Errorf("plan persisted db outputs: %v", err)
	}

	if len(prov.applied) != 0 {
		t.Errorf("plan must not apply anything: %v", prov.applied)
	}
}

func TestPlanIsIdempotent(t *testing.T) {
	prov := newFakeProvisioner()

	cat := newTestCatalog(t, prov, []testUnit{
		{id: "db"},
		{
			id:     "api",
			deps:   []unit.Dependency{{Target: "db", MockOutputs: map[string]interface{}{"endpoint": "mock.host"}}},
			inputs: `{ db_endpoint = dependency.db.outputs.endpoint }`,
		},
	})

	for i := 0; i < 2; i++ {
		resolver := outputs.NewResolver(outputs.ModePlan)
		result, err := cat.runner.Run(context.Background(), resolver, Options{
			Mode: outputs.ModePlan,
			Env:  map[string]string{},
		})
		if err != nil {
			t.Fatal(err)
		}
		ur, _ := result.Unit("api")
		if ur.Outputs["db_endpoint"] != "mock.host" {
			t.Errorf("run %d: api outputs = %v", i, ur.Outputs)
		}
	}
}

func TestPlanWithoutMockFailsUnresolved(t *testing.T) {
	prov := newFakeProvisioner()

	cat := newTestCatalog(t, prov, []testUnit{
		{id: "db"},
		{
			id:     "api",
			deps:   []unit.Dependency{{Target: "db"}},
			inputs: `{ db_endpoint = dependency.db.outputs.endpoint }`,
		},
		{id: "web", deps: []unit.Dependency{{Target: "api"}}},
	})

	resolver := outputs.NewResolver(outputs.ModePlan)
	result, err := cat.runner.Run(context.Background(), resolver, Options{
		Mode: outputs.ModePlan,
		Env:  map[string]string{},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// db itself plans fine; it has never been applied and has no mock, so
	// api cannot resolve its outputs
	db, _ := result.Unit("db")
	if db.Status != StatusDone {
		t.Errorf("db status = %s (%v)", db.Status, db.Err)
	}

	api, _ := result.Unit("api")
	if api.Status != StatusFailed {
		t.Fatalf("api status = %s, want failed", api.Status)
	}
	if !uniterrors.Is(api.Err, uniterrors.ErrCodeUnresolvedDep) {
		t.Errorf("api error = %v, want UNRESOLVED_DEPENDENCY", api.Err)
	}

	web, _ := result.Unit("web")
	if web.Status != StatusSkipped {
		t.Errorf("web status = %s, want skipped", web.Status)
	}
}

func TestPersistedOutputsWinOverMocks(t *testing.T) {
	prov := newFakeProvisioner()

	cat := newTestCatalog(t, prov, []testUnit{
		{id: "db"},
		{
			id:     "api",
			deps:   []unit.Dependency{{Target: "db", MockOutputs: map[string]interface{}{"endpoint": "mock.host"}}},
			inputs: `{ db_endpoint = dependency.db.outputs.endpoint }`,
		},
	})

	// Simulate an earlier apply of db
	if err := cat.manager.SaveOutputs(context.Background(), "db", state.OutputSet{"endpoint": "real.host"}); err != nil {
		t.Fatal(err)
	}

	resolver := outputs.NewResolver(outputs.ModePlan)
	resolver.Seed("db", state.OutputSet{"endpoint": "real.host"})

	_, err := cat.runner.Run(context.Background(), resolver, Options{
		Mode: outputs.ModePlan,
		Env:  map[string]string{},
	})
	if err != nil {
		t.Fatal(err)
	}

	if prov.inputs["api"]["db_endpoint"] != "real.host" {
		t.Errorf("api inputs = %v, persisted outputs must win over mocks", prov.inputs["api"])
	}
}

func TestFailureSkipsTransitiveDependents(t *testing.T) {
	prov := newFakeProvisioner()
	prov.fail["base"] = true

	cat := newTestCatalog(t, prov, []testUnit{
		{id: "base"},
		{id: "mid", deps: []unit.Dependency{{Target: "base"}}},
		{id: "top", deps: []unit.Dependency{{Target: "mid"}}},
		{id: "independent"},
	})

	resolver := outputs.NewResolver(outputs.ModeApply)
	result, err := cat.runner.Run(context.Background(), resolver, Options{
		Mode: outputs.ModeApply,
		Env:  map[string]string{},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	base, _ := result.Unit("base")
	if base.Status != StatusFailed || base.FailedPhase != "execute" {
		t.Errorf("base = %s/%s", base.Status, base.FailedPhase)
	}

	for _, id := range []string{"mid", "top"} {
		ur, _ := result.Unit(id)
		if ur.Status != StatusSkipped {
			t.Errorf("%s status = %s, want skipped", id, ur.Status)
		}
	}

	// The independent subtree still runs
	ind, _ := result.Unit("independent")
	if ind.Status != StatusDone {
		t.Errorf("independent status = %s (%v)", ind.Status, ind.Err)
	}

	if !result.Failed() {
		t.Error("result should report failure")
	}

	// Skipped units never reach the provisioner
	for _, id := range prov.appliedOrder() {
		if id == "mid" || id == "top" {
			t.Errorf("skipped unit %s reached the provisioner", id)
		}
	}
}

func TestParallelismBound(t *testing.T) {
	prov := newFakeProvisioner()
	prov.delay = 30 * time.Millisecond

	var units []testUnit
	for i := 0; i < 8; i++ {
		units = append(units, testUnit{id: fmt.Sprintf("u%d", i)})
	}
	cat := newTestCatalog(t, prov, units)

	resolver := outputs.NewResolver(outputs.ModePlan)
	_, err := cat.runner.Run(context.Background(), resolver, Options{
		Mode:        outputs.ModePlan,
		Parallelism: 2,
		Env:         map[string]string{},
	})
	if err != nil {
		t.Fatal(err)
	}

	if max := atomic.LoadInt32(&prov.maxInFlight); max > 2 {
		t.Errorf("max concurrent units = %d, want <= 2", max)
	}
	if len(prov.planned) != 8 {
		t.Errorf("planned %d units, want 8", len(prov.planned))
	}
}

func TestCancellationSkipsUnstartedUnits(t *testing.T) {
	prov := newFakeProvisioner()

	ctx, cancel := context.WithCancel(context.Background())
	prov.onApply = func(unitID string) {
		if unitID == "first" {
			cancel()
		}
	}
	prov.outputs["first"] = state.OutputSet{"ok": true}

	cat := newTestCatalog(t, prov, []testUnit{
		{id: "first"},
		{id: "second", deps: []unit.Dependency{{Target: "first"}}},
		{id: "third", deps: []unit.Dependency{{Target: "second"}}},
	})

	resolver := outputs.NewResolver(outputs.ModeApply)
	result, err := cat.runner.Run(ctx, resolver, Options{
		Mode:        outputs.ModeApply,
		Parallelism: 1,
		Env:         map[string]string{},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !result.Canceled() {
		t.Error("result should be marked canceled")
	}

	// The in-flight unit finished its phase
	first, _ := result.Unit("first")
	if first.Status != StatusDone {
		t.Errorf("first status = %s (%v)", first.Status, first.Err)
	}

	for _, id := range []string{"second", "third"} {
		ur, _ := result.Unit(id)
		if ur.Status != StatusSkipped {
			t.Errorf("%s status = %s, want skipped", id, ur.Status)
		}
	}
}

func TestTargetsRunClosureOnly(t *testing.T) {
	prov := newFakeProvisioner()

	cat := newTestCatalog(t, prov, []testUnit{
		{id: "base"},
		{id: "mid", deps: []unit.Dependency{{Target: "base"}}},
		{id: "top", deps: []unit.Dependency{{Target: "mid"}}},
		{id: "other"},
	})

	resolver := outputs.NewResolver(outputs.ModePlan)
	result, err := cat.runner.Run(context.Background(), resolver, Options{
		Mode:    outputs.ModePlan,
		Targets: []string{"mid"},
		Env:     map[string]string{},
	})
	if err != nil {
		t.Fatal(err)
	}

	units := result.Units()
	if len(units) != 2 {
		t.Fatalf("run covered %d units, want base and mid only: %v", len(units), units)
	}
	for _, id := range []string{"base", "mid"} {
		if units[id].Status != StatusDone {
			t.Errorf("%s status = %s", id, units[id].Status)
		}
	}
	if _, ok := units["top"]; ok {
		t.Error("top should not be part of a run targeting mid")
	}
}

func TestBeforeHookFailureFailsUnit(t *testing.T) {
	prov := newFakeProvisioner()

	hook := unit.Hook{
		Name:        "gate",
		Phase:       unit.HookPhaseBefore,
		Commands:    []string{unit.CommandApply},
		ExecuteExpr: inputsExpr(t, `[dependency.missing.outputs.never]`),
	}

	cat := newTestCatalog(t, prov, []testUnit{
		{id: "guarded", hooks: []unit.Hook{hook}},
		{id: "dependent", deps: []unit.Dependency{{Target: "guarded"}}},
	})

	resolver := outputs.NewResolver(outputs.ModeApply)
	result, err := cat.runner.Run(context.Background(), resolver, Options{
		Mode: outputs.ModeApply,
		Env:  map[string]string{},
	})
	if err != nil {
		t.Fatal(err)
	}

	guarded, _ := result.Unit("guarded")
	if guarded.Status != StatusFailed || guarded.FailedPhase != "hook:before" {
		t.Errorf("guarded = %s/%s (%v)", guarded.Status, guarded.FailedPhase, guarded.Err)
	}

	dependent, _ := result.Unit("dependent")
	if dependent.Status != StatusSkipped {
		t.Errorf("dependent status = %s", dependent.Status)
	}

	if len(prov.appliedOrder()) != 0 {
		t.Errorf("provisioner ran despite hook failure: %v", prov.applied)
	}
}

func TestRunRecordConversion(t *testing.T) {
	prov := newFakeProvisioner()
	prov.fail["bad"] = true

	cat := newTestCatalog(t, prov, []testUnit{
		{id: "good"},
		{id: "bad"},
	})

	resolver := outputs.NewResolver(outputs.ModeApply)
	result, err := cat.runner.Run(context.Background(), resolver, Options{
		Mode: outputs.ModeApply,
		Env:  map[string]string{},
	})
	if err != nil {
		t.Fatal(err)
	}

	record := result.Record()
	if record.ID != result.ID || record.Mode != "apply" {
		t.Errorf("record header = %+v", record)
	}
	if record.Units["good"].Status != string(StatusDone) {
		t.Errorf("good record = %+v", record.Units["good"])
	}
	bad := record.Units["bad"]
	if bad.Status != string(StatusFailed) || bad.FailedPhase != "execute" || bad.Error == "" {
		t.Errorf("bad record = %+v", bad)
	}
}
