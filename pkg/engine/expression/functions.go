package expression

import (
	"strings"

	"github.com/hashicorp/hcl/v2/ext/tryfunc"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/unitctl/unitctl/pkg/errors"
)

// commandFailures collects structured errors raised by run_cmd during one
// evaluation pass, so diagnostics can be mapped back to the original failure.
type commandFailures struct {
	errs []*errors.Error
}

func (c *commandFailures) record(err *errors.Error) {
	c.errs = append(c.errs, err)
}

func (c *commandFailures) first() *errors.Error {
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs[0]
}

// functionsFor builds the function table for one evaluation pass. run_cmd is
// bound to the pass's context and failure collector.
func (e *Evaluator) functionsFor(ctx *Context, failures *commandFailures) map[string]function.Function {
	funcs := map[string]function.Function{
		"coalesce":   stdlib.CoalesceFunc,
		"concat":     stdlib.ConcatFunc,
		"format":     stdlib.FormatFunc,
		"join":       stdlib.JoinFunc,
		"split":      stdlib.SplitFunc,
		"lower":      stdlib.LowerFunc,
		"upper":      stdlib.UpperFunc,
		"trimspace":  stdlib.TrimSpaceFunc,
		"replace":    stdlib.ReplaceFunc,
		"substr":     stdlib.SubstrFunc,
		"length":     stdlib.LengthFunc,
		"jsonencode": stdlib.JSONEncodeFunc,
		"jsondecode": stdlib.JSONDecodeFunc,
		"try":        tryfunc.TryFunc,
		"can":        tryfunc.CanFunc,
	}
	funcs["run_cmd"] = e.runCmdFunc(ctx, failures)
	return funcs
}

// runCmdFunc returns the run_cmd function: executes an external command in the
// unit's directory and yields its trimmed stdout as a string value.
func (e *Evaluator) runCmdFunc(ctx *Context, failures *commandFailures) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "command", Type: cty.String},
		},
		VarParam: &function.Parameter{Name: "args", Type: cty.String},
		Type:     function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			command := args[0].AsString()
			argv := make([]string, 0, len(args)-1)
			for _, arg := range args[1:] {
				argv = append(argv, arg.AsString())
			}

			stdout, stderr, err := e.runner.Run(ctx.Ctx, ctx.WorkDir, command, argv...)
			if err != nil {
				cmdErr := errors.ExternalCommandFailed(command, stderr, err)
				failures.record(cmdErr)
				return cty.NilVal, cmdErr
			}

			return cty.StringVal(strings.TrimSpace(stdout)), nil
		},
	})
}
