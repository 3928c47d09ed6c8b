package hooks

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/unitctl/unitctl/pkg/engine/expression"
	"github.com/unitctl/unitctl/pkg/errors"
	"github.com/unitctl/unitctl/pkg/schema/unit"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

type fakeRunner struct {
	calls   [][]string
	stdout  map[string]string
	failing map[string]string
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if stderr, ok := f.failing[name]; ok {
		return "", stderr, fmt.Errorf("exit status 1")
	}
	return f.stdout[name], "", nil
}

func execExpr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	expr, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.InitialPos)
	if diags.HasErrors() {
		t.Fatal(diags.Error())
	}
	return expr
}

func newExecutor(runner *fakeRunner) *Executor {
	return NewExecutor(runner, expression.NewEvaluator(runner))
}

func testUnit(t *testing.T, hooks ...unit.Hook) *unit.Unit {
	t.Helper()
	return &unit.Unit{ID: "api", Source: "./api", Dir: "/tmp/api", Hooks: hooks}
}

func TestBeforeHooksRunInDeclarationOrder(t *testing.T) {
	runner := &fakeRunner{stdout: map[string]string{"first": "one\n", "second": "two\n"}}
	u := testUnit(t,
		unit.Hook{Name: "h1", Phase: unit.HookPhaseBefore, Commands: []string{"apply"}, ExecuteExpr: execExpr(t, `["first"]`)},
		unit.Hook{Name: "h2", Phase: unit.HookPhaseBefore, Commands: []string{"apply"}, ExecuteExpr: execExpr(t, `["second"]`)},
	)

	ectx := expression.NewContext()
	results, warnings, err := newExecutor(runner).RunPhase(u, unit.CommandApply, unit.HookPhaseBefore, ectx)
	if err != nil {
		t.Fatalf("RunPhase() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
	if len(results) != 2 || results[0].Hook != "h1" || results[1].Hook != "h2" {
		t.Errorf("results = %v", results)
	}
	if len(runner.calls) != 2 || runner.calls[0][0] != "first" || runner.calls[1][0] != "second" {
		t.Errorf("calls = %v", runner.calls)
	}

	// Captured stdout is published for later interpolation, trimmed
	if ectx.HookOutputs["h1"] != "one" || ectx.HookOutputs["h2"] != "two" {
		t.Errorf("hook outputs = %v", ectx.HookOutputs)
	}
}

func TestBeforeHookFailureStopsPhase(t *testing.T) {
	runner := &fakeRunner{failing: map[string]string{"broken": "no such file"}}
	u := testUnit(t,
		unit.Hook{Name: "h1", Phase: unit.HookPhaseBefore, Commands: []string{"apply"}, ExecuteExpr: execExpr(t, `["broken"]`)},
		unit.Hook{Name: "h2", Phase: unit.HookPhaseBefore, Commands: []string{"apply"}, ExecuteExpr: execExpr(t, `["never"]`)},
	)

	_, _, err := newExecutor(runner).RunPhase(u, unit.CommandApply, unit.HookPhaseBefore, expression.NewContext())
	if !errors.Is(err, errors.ErrCodeHookFailed) {
		t.Fatalf("expected HOOK_FAILED, got %v", err)
	}

	uerr, _ := errors.AsError(err)
	if uerr.Details["hook"] != "h1" || uerr.Details["phase"] != "before" {
		t.Errorf("details = %v", uerr.Details)
	}
	if uerr.Details["stderr"] != "no such file" {
		t.Errorf("stderr detail = %v", uerr.Details["stderr"])
	}

	// h2 must not run after h1 fails
	if len(runner.calls) != 1 {
		t.Errorf("calls after failure = %v", runner.calls)
	}
}

func TestAfterHookFailureBecomesWarning(t *testing.T) {
	runner := &fakeRunner{failing: map[string]string{"notify": "unreachable"}}
	u := testUnit(t,
		unit.Hook{Name: "notify", Phase: unit.HookPhaseAfter, Commands: []string{"apply"}, ExecuteExpr: execExpr(t, `["notify"]`)},
		unit.Hook{Name: "cleanup", Phase: unit.HookPhaseAfter, Commands: []string{"apply"}, ExecuteExpr: execExpr(t, `["cleanup"]`)},
	)

	_, warnings, err := newExecutor(runner).RunPhase(u, unit.CommandApply, unit.HookPhaseAfter, expression.NewContext())
	if err != nil {
		t.Fatalf("after hooks must not fail the unit, got %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "notify") {
		t.Errorf("warnings = %v", warnings)
	}

	// Remaining after hooks still run
	if len(runner.calls) != 2 {
		t.Errorf("calls = %v", runner.calls)
	}
}

func TestHookArgvInterpolation(t *testing.T) {
	runner := &fakeRunner{}
	u := testUnit(t,
		unit.Hook{
			Name:        "deploy",
			Phase:       unit.HookPhaseBefore,
			Commands:    []string{"apply"},
			ExecuteExpr: execExpr(t, `["deployctl", dependency.db.outputs.endpoint, env.REGION]`),
		},
	)

	ectx := expression.NewContext().
		WithDependency("db", map[string]interface{}{"endpoint": "db.internal"}).
		WithEnv(map[string]string{"REGION": "eu-west-1"})

	_, _, err := newExecutor(runner).RunPhase(u, unit.CommandApply, unit.HookPhaseBefore, ectx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"deployctl", "db.internal", "eu-west-1"}
	if len(runner.calls) != 1 {
		t.Fatalf("calls = %v", runner.calls)
	}
	for i, arg := range want {
		if runner.calls[0][i] != arg {
			t.Errorf("argv = %v, want %v", runner.calls[0], want)
		}
	}
}

func TestHooksFilterByCommand(t *testing.T) {
	runner := &fakeRunner{}
	u := testUnit(t,
		unit.Hook{Name: "apply-only", Phase: unit.HookPhaseBefore, Commands: []string{"apply"}, ExecuteExpr: execExpr(t, `["a"]`)},
	)

	results, _, err := newExecutor(runner).RunPhase(u, unit.CommandPlan, unit.HookPhaseBefore, expression.NewContext())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 || len(runner.calls) != 0 {
		t.Errorf("hook bound to apply ran during plan: %v", runner.calls)
	}
}
