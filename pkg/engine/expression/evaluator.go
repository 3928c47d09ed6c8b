package expression

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/unitctl/unitctl/pkg/errors"
)

// Evaluator evaluates input-value expressions. Evaluation is deterministic
// given the same context; command substitution is delegated to the injected
// runner.
type Evaluator struct {
	runner CommandRunner
}

// NewEvaluator creates an evaluator whose run_cmd expressions execute through
// the given runner.
func NewEvaluator(runner CommandRunner) *Evaluator {
	return &Evaluator{runner: runner}
}

// FieldSet is the result of evaluating a unit's inputs expression. Fields
// whose referenced dependencies have no output set yet are carried as
// unresolved rather than failing the whole unit.
type FieldSet struct {
	// Values holds the evaluated fields
	Values map[string]cty.Value

	// Unresolved maps field names to the dependency IDs they are waiting on
	Unresolved map[string][]string
}

// Resolved reports whether every field evaluated.
func (fs *FieldSet) Resolved() bool {
	return len(fs.Unresolved) == 0
}

// ToInputs converts the evaluated fields into plain Go values for the
// provisioning engine.
func (fs *FieldSet) ToInputs() map[string]interface{} {
	inputs := make(map[string]interface{}, len(fs.Values))
	for name, val := range fs.Values {
		inputs[name] = FromCtyValue(val)
	}
	return inputs
}

// EvaluateFields evaluates an inputs expression field by field. Each field is
// independent: one field blocking on an unavailable dependency does not stop
// the others from evaluating.
func (e *Evaluator) EvaluateFields(expr hcl.Expression, ctx *Context) (*FieldSet, error) {
	fs := &FieldSet{
		Values:     make(map[string]cty.Value),
		Unresolved: make(map[string][]string),
	}
	if expr == nil {
		return fs, nil
	}

	pairs, mapDiags := hcl.ExprMap(expr)
	if mapDiags.HasErrors() {
		// Not an object constructor; evaluate as a whole and decompose.
		val, err := e.EvaluateExpr(expr, ctx)
		if err != nil {
			return nil, err
		}
		if !val.Type().IsObjectType() && !val.Type().IsMapType() {
			return nil, errors.New(errors.ErrCodeTypeMismatch, "inputs must be an object").
				WithDetail("type", val.Type().FriendlyName())
		}
		for name, field := range val.AsValueMap() {
			fs.Values[name] = field
		}
		return fs, nil
	}

	for _, pair := range pairs {
		key, err := fieldKey(pair.Key)
		if err != nil {
			return nil, err
		}

		if missing := missingDependencies(pair.Value, ctx); len(missing) > 0 {
			fs.Unresolved[key] = missing
			continue
		}

		val, err := e.EvaluateExpr(pair.Value, ctx)
		if err != nil {
			if uerr, ok := errors.AsError(err); ok {
				return nil, uerr.WithDetail("input", key)
			}
			return nil, err
		}
		fs.Values[key] = val
	}

	return fs, nil
}

// EvaluateExpr evaluates a single expression in the given context.
func (e *Evaluator) EvaluateExpr(expr hcl.Expression, ctx *Context) (cty.Value, error) {
	failures := &commandFailures{}

	hclCtx := ctx.HCLContext()
	injectUnsetEnv(expr, ctx, hclCtx)
	hclCtx.Functions = e.functionsFor(ctx, failures)

	val, diags := expr.Value(hclCtx)
	if diags.HasErrors() {
		return cty.NilVal, e.classify(expr, ctx, diags, failures)
	}
	return val, nil
}

// EvaluateStringList evaluates an expression that must produce a list of
// scalar values, converting each element to its string form. Used for hook
// argument lists.
func (e *Evaluator) EvaluateStringList(expr hcl.Expression, ctx *Context) ([]string, error) {
	val, err := e.EvaluateExpr(expr, ctx)
	if err != nil {
		return nil, err
	}

	if !val.Type().IsTupleType() && !val.Type().IsListType() {
		return nil, errors.New(errors.ErrCodeTypeMismatch, "expected a list of strings").
			WithDetail("type", val.Type().FriendlyName())
	}

	var result []string
	for it := val.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		str, convErr := convert.Convert(elem, cty.String)
		if convErr != nil || str.IsNull() {
			return nil, errors.New(errors.ErrCodeTypeMismatch, "list element is not a scalar").
				WithDetail("type", elem.Type().FriendlyName())
		}
		result = append(result, str.AsString())
	}
	return result, nil
}

// injectUnsetEnv makes env.<NAME> references to variables absent from the
// snapshot evaluate to null instead of erroring, so fallback expressions like
// coalesce(env.LOG_LEVEL, "info") work for unset variables.
func injectUnsetEnv(expr hcl.Expression, ctx *Context, hclCtx *hcl.EvalContext) {
	var unset []string
	for _, traversal := range expr.Variables() {
		if traversal.RootName() != "env" || len(traversal) < 2 {
			continue
		}
		attr, ok := traversal[1].(hcl.TraverseAttr)
		if !ok {
			continue
		}
		if _, defined := ctx.Env[attr.Name]; !defined {
			unset = append(unset, attr.Name)
		}
	}
	if len(unset) == 0 {
		return
	}

	env := make(map[string]cty.Value, len(ctx.Env)+len(unset))
	for name, value := range ctx.Env {
		env[name] = cty.StringVal(value)
	}
	for _, name := range unset {
		env[name] = cty.NullVal(cty.String)
	}
	hclCtx.Variables["env"] = cty.ObjectVal(env)
}

// missingDependencies returns the dependency IDs an expression references that
// have no output set in the context yet.
func missingDependencies(expr hcl.Expression, ctx *Context) []string {
	var missing []string
	seen := make(map[string]bool)

	for _, traversal := range expr.Variables() {
		if traversal.RootName() != "dependency" || len(traversal) < 2 {
			continue
		}
		attr, ok := traversal[1].(hcl.TraverseAttr)
		if !ok {
			continue
		}
		if _, resolved := ctx.Dependencies[attr.Name]; !resolved && !seen[attr.Name] {
			seen[attr.Name] = true
			missing = append(missing, attr.Name)
		}
	}

	return missing
}

// classify maps hcl diagnostics onto the error taxonomy. Command failures
// recorded by run_cmd win over the generic diagnostic text.
func (e *Evaluator) classify(expr hcl.Expression, ctx *Context, diags hcl.Diagnostics, failures *commandFailures) error {
	if cmdErr := failures.first(); cmdErr != nil {
		return cmdErr
	}

	var first *hcl.Diagnostic
	for _, d := range diags {
		if d.Severity == hcl.DiagError {
			first = d
			break
		}
	}
	if first == nil {
		return errors.New(errors.ErrCodeTypeMismatch, diags.Error())
	}

	if first.Summary == "Unsupported attribute" {
		if err := e.missingFieldError(expr, ctx); err != nil {
			return err
		}
	}

	return errors.New(errors.ErrCodeTypeMismatch, first.Summary).
		WithDetail("detail", first.Detail)
}

// missingFieldError finds the referenced output field that is absent from the
// resolved output set. Unset env references never land here; they evaluate to
// null instead.
func (e *Evaluator) missingFieldError(expr hcl.Expression, ctx *Context) error {
	for _, traversal := range expr.Variables() {
		if traversal.RootName() != "dependency" || len(traversal) < 4 {
			continue
		}
		idStep, ok1 := traversal[1].(hcl.TraverseAttr)
		fieldStep, ok2 := traversal[3].(hcl.TraverseAttr)
		if !ok1 || !ok2 {
			continue
		}
		outputs, resolved := ctx.Dependencies[idStep.Name]
		if !resolved {
			continue
		}
		if _, present := outputs[fieldStep.Name]; !present {
			return errors.MissingField(idStep.Name, fieldStep.Name)
		}
	}
	return nil
}

// fieldKey extracts the string key of one inputs field.
func fieldKey(expr hcl.Expression) (string, error) {
	if keyword := hcl.ExprAsKeyword(expr); keyword != "" {
		return keyword, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() || val.Type() != cty.String {
		return "", errors.New(errors.ErrCodeParse, fmt.Sprintf("invalid inputs key: %s", strings.TrimSpace(diags.Error())))
	}
	return val.AsString(), nil
}
