package unit

import (
	"fmt"

	"github.com/unitctl/unitctl/pkg/errors"
)

// ValidateUnit checks a single descriptor for structural problems that don't
// require knowledge of the rest of the catalog. Cross-unit checks (dangling
// edges, cycles) belong to the graph builder.
func ValidateUnit(u *Unit) error {
	if u.ID == "" {
		return errors.ValidationError("unit id must not be empty", map[string]interface{}{
			"file": u.File,
		})
	}

	if u.Source == "" {
		return errors.ValidationError(fmt.Sprintf("unit %q has no source", u.ID), map[string]interface{}{
			"unit": u.ID,
			"file": u.File,
		})
	}

	seen := make(map[string]bool)
	for _, dep := range u.Dependencies {
		if dep.Target == u.ID {
			return errors.ValidationError(fmt.Sprintf("unit %q depends on itself", u.ID), map[string]interface{}{
				"unit": u.ID,
			})
		}
		if seen[dep.Target] {
			return errors.ValidationError(fmt.Sprintf("unit %q declares dependency %q twice", u.ID, dep.Target), map[string]interface{}{
				"unit":   u.ID,
				"target": dep.Target,
			})
		}
		seen[dep.Target] = true
	}

	for _, hook := range u.Hooks {
		if hook.Phase != HookPhaseBefore && hook.Phase != HookPhaseAfter {
			return errors.ValidationError(fmt.Sprintf("hook %q on unit %q has invalid phase %q", hook.Name, u.ID, hook.Phase), map[string]interface{}{
				"unit": u.ID,
				"hook": hook.Name,
			})
		}
		if len(hook.Commands) == 0 {
			return errors.ValidationError(fmt.Sprintf("hook %q on unit %q binds no commands", hook.Name, u.ID), map[string]interface{}{
				"unit": u.ID,
				"hook": hook.Name,
			})
		}
		for _, c := range hook.Commands {
			if c != CommandPlan && c != CommandApply {
				return errors.ValidationError(fmt.Sprintf("hook %q on unit %q binds unknown command %q", hook.Name, u.ID, c), map[string]interface{}{
					"unit":    u.ID,
					"hook":    hook.Name,
					"command": c,
				})
			}
		}
		if hook.ExecuteExpr == nil {
			return errors.ValidationError(fmt.Sprintf("hook %q on unit %q has no execute list", hook.Name, u.ID), map[string]interface{}{
				"unit": u.ID,
				"hook": hook.Name,
			})
		}
	}

	return nil
}
