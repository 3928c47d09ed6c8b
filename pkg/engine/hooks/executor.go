// Package hooks runs the external commands bound to unit lifecycle phases.
package hooks

import (
	"strings"

	"github.com/unitctl/unitctl/pkg/engine/expression"
	"github.com/unitctl/unitctl/pkg/errors"
	"github.com/unitctl/unitctl/pkg/schema/unit"
)

// Result describes one executed hook.
type Result struct {
	Hook   string
	Phase  unit.HookPhase
	Argv   []string
	Stdout string
	Stderr string
	Err    error
}

// Executor runs hooks through an injected command runner.
type Executor struct {
	runner    expression.CommandRunner
	evaluator *expression.Evaluator
}

// NewExecutor creates a hook executor.
func NewExecutor(runner expression.CommandRunner, evaluator *expression.Evaluator) *Executor {
	return &Executor{
		runner:    runner,
		evaluator: evaluator,
	}
}

// RunPhase executes all hooks bound to the given command and phase, in
// declaration order, within the unit's directory.
//
// Before-phase hooks are load-bearing: the first failure stops the phase and
// the returned error fails the unit before its command runs. Each successful
// before-hook's stdout is published into the evaluation context as
// hook.<name>.stdout for later interpolation.
//
// After-phase hooks never fail the unit; their errors come back as warnings.
func (e *Executor) RunPhase(u *unit.Unit, command string, phase unit.HookPhase, ectx *expression.Context) ([]Result, []string, error) {
	bound := u.HooksFor(command, phase)
	if len(bound) == 0 {
		return nil, nil, nil
	}

	var results []Result
	var warnings []string

	for _, h := range bound {
		argv, err := e.evaluator.EvaluateStringList(h.ExecuteExpr, ectx)
		if err != nil {
			if phase == unit.HookPhaseAfter {
				warnings = append(warnings, hookWarning(h, err))
				continue
			}
			return results, warnings, errors.HookFailed(string(phase), h.Name, "", err)
		}
		if len(argv) == 0 {
			err := errors.ValidationError("hook execute list is empty", map[string]interface{}{
				"hook": h.Name,
				"unit": u.ID,
			})
			if phase == unit.HookPhaseAfter {
				warnings = append(warnings, hookWarning(h, err))
				continue
			}
			return results, warnings, errors.HookFailed(string(phase), h.Name, "", err)
		}

		stdout, stderr, runErr := e.runner.Run(ectx.Ctx, u.Dir, argv[0], argv[1:]...)
		results = append(results, Result{
			Hook:   h.Name,
			Phase:  phase,
			Argv:   argv,
			Stdout: stdout,
			Stderr: stderr,
			Err:    runErr,
		})

		if runErr != nil {
			if phase == unit.HookPhaseAfter {
				warnings = append(warnings, hookWarning(h, runErr))
				continue
			}
			return results, warnings, errors.HookFailed(string(phase), h.Name, stderr, runErr)
		}

		if phase == unit.HookPhaseBefore {
			ectx.HookOutputs[h.Name] = strings.TrimRight(stdout, "\n")
		}
	}

	return results, warnings, nil
}

func hookWarning(h unit.Hook, err error) string {
	return "after hook " + h.Name + " failed: " + err.Error()
}
