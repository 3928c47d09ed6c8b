// Package expression evaluates unit input-value expressions against resolved
// dependency outputs, environment values and hook outputs.
package expression

import (
	"context"
	"math/big"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// Context provides the values in scope for one unit's evaluation.
type Context struct {
	// Dependencies maps dependency unit IDs to their resolved output sets
	// (real or mock). A dependency absent from this map has no output set
	// available yet; fields referencing it stay unresolved.
	Dependencies map[string]map[string]interface{}

	// Env is the process-environment snapshot taken at run start. Injected so
	// evaluation stays deterministic and testable.
	Env map[string]string

	// HookOutputs maps before-hook names to their captured stdout, exposed as
	// hook.<name>.stdout for fields interpolated after the hook ran.
	HookOutputs map[string]string

	// WorkDir is the unit's directory; command-substitution expressions run
	// here.
	WorkDir string

	// Ctx bounds command-substitution execution. Defaults to Background.
	Ctx context.Context
}

// NewContext creates an empty evaluation context.
func NewContext() *Context {
	return &Context{
		Dependencies: make(map[string]map[string]interface{}),
		Env:          make(map[string]string),
		HookOutputs:  make(map[string]string),
		Ctx:          context.Background(),
	}
}

// WithDependency adds a resolved output set for a dependency.
func (c *Context) WithDependency(id string, outputs map[string]interface{}) *Context {
	c.Dependencies[id] = outputs
	return c
}

// WithEnv replaces the environment snapshot.
func (c *Context) WithEnv(env map[string]string) *Context {
	c.Env = env
	return c
}

// HCLContext builds the hcl evaluation context exposing dependency, env and
// hook variables. Functions are attached by the evaluator per call.
func (c *Context) HCLContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)

	deps := make(map[string]cty.Value, len(c.Dependencies))
	for id, outputs := range c.Dependencies {
		deps[id] = cty.ObjectVal(map[string]cty.Value{
			"outputs": toCtyObject(outputs),
		})
	}
	if len(deps) > 0 {
		vars["dependency"] = cty.ObjectVal(deps)
	} else {
		vars["dependency"] = cty.EmptyObjectVal
	}

	env := make(map[string]cty.Value, len(c.Env))
	for name, value := range c.Env {
		env[name] = cty.StringVal(value)
	}
	if len(env) > 0 {
		vars["env"] = cty.ObjectVal(env)
	} else {
		vars["env"] = cty.EmptyObjectVal
	}

	hooks := make(map[string]cty.Value, len(c.HookOutputs))
	for name, stdout := range c.HookOutputs {
		hooks[name] = cty.ObjectVal(map[string]cty.Value{
			"stdout": cty.StringVal(stdout),
		})
	}
	if len(hooks) > 0 {
		vars["hook"] = cty.ObjectVal(hooks)
	} else {
		vars["hook"] = cty.EmptyObjectVal
	}

	return &hcl.EvalContext{Variables: vars}
}

// toCtyObject converts an output set into a cty object value.
func toCtyObject(m map[string]interface{}) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	fields := make(map[string]cty.Value, len(m))
	for name, value := range m {
		fields[name] = ToCtyValue(value)
	}
	return cty.ObjectVal(fields)
}

// ToCtyValue converts a plain Go value into a cty value.
func ToCtyValue(v interface{}) cty.Value {
	switch val := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType)
	case string:
		return cty.StringVal(val)
	case bool:
		return cty.BoolVal(val)
	case int:
		return cty.NumberIntVal(int64(val))
	case int64:
		return cty.NumberIntVal(val)
	case float64:
		return cty.NumberFloatVal(val)
	case map[string]interface{}:
		return toCtyObject(val)
	case []interface{}:
		if len(val) == 0 {
			return cty.EmptyTupleVal
		}
		elems := make([]cty.Value, len(val))
		for i, elem := range val {
			elems[i] = ToCtyValue(elem)
		}
		return cty.TupleVal(elems)
	default:
		return cty.NullVal(cty.DynamicPseudoType)
	}
}

// FromCtyValue converts a cty value into plain Go values. Whole numbers become
// int64, everything else float64.
func FromCtyValue(val cty.Value) interface{} {
	if val.IsNull() {
		return nil
	}

	switch {
	case val.Type() == cty.String:
		return val.AsString()
	case val.Type() == cty.Bool:
		return val.True()
	case val.Type() == cty.Number:
		bf := val.AsBigFloat()
		if i, acc := bf.Int64(); acc == big.Exact {
			return i
		}
		f, _ := bf.Float64()
		return f
	case val.Type().IsObjectType() || val.Type().IsMapType():
		result := make(map[string]interface{})
		for name, field := range val.AsValueMap() {
			result[name] = FromCtyValue(field)
		}
		return result
	case val.Type().IsTupleType() || val.Type().IsListType() || val.Type().IsSetType():
		var result []interface{}
		for it := val.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			result = append(result, FromCtyValue(elem))
		}
		return result
	default:
		return nil
	}
}
