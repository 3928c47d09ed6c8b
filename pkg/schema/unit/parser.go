package unit

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Parser parses unit definition files.
type Parser struct {
	parser *hclparse.Parser
}

// NewParser creates a new unit parser.
func NewParser() *Parser {
	return &Parser{
		parser: hclparse.NewParser(),
	}
}

// Parse parses all unit blocks from the given file path.
func (p *Parser) Parse(path string) ([]*Unit, hcl.Diagnostics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file: %w", err)
	}
	return p.ParseBytes(data, path)
}

// ParseBytes parses unit blocks from raw bytes.
func (p *Parser) ParseBytes(data []byte, filename string) ([]*Unit, hcl.Diagnostics, error) {
	file, diags := p.parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, diags, fmt.Errorf("failed to parse HCL: %s", diags.Error())
	}

	bodySchema := &hcl.BodySchema{
		Blocks: []hcl.BlockHeaderSchema{
			{Type: "unit", LabelNames: []string{"name"}},
		},
	}

	content, moreDiags := file.Body.Content(bodySchema)
	diags = append(diags, moreDiags...)

	var units []*Unit
	for _, block := range content.Blocks.OfType("unit") {
		u, blockDiags := p.parseUnit(block, filename)
		diags = append(diags, blockDiags...)
		if u != nil {
			units = append(units, u)
		}
	}

	if diags.HasErrors() {
		return units, diags, fmt.Errorf("invalid unit definition: %s", diags.Error())
	}

	return units, diags, nil
}

func (p *Parser) parseUnit(block *hcl.Block, filename string) (*Unit, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	unitSchema := &hcl.BodySchema{
		Attributes: []hcl.AttributeSchema{
			{Name: "source", Required: true},
			{Name: "version"},
			{Name: "inputs"},
		},
		Blocks: []hcl.BlockHeaderSchema{
			{Type: "dependency", LabelNames: []string{"name"}},
			{Type: "hook", LabelNames: []string{"name"}},
		},
	}

	content, moreDiags := block.Body.Content(unitSchema)
	diags = append(diags, moreDiags...)

	u := &Unit{
		ID:   block.Labels[0],
		File: filename,
		Dir:  filepath.Dir(filename),
	}

	// Source and version are static; evaluate with no variables in scope.
	if attr, ok := content.Attributes["source"]; ok {
		val, valDiags := attr.Expr.Value(nil)
		diags = append(diags, valDiags...)
		if !valDiags.HasErrors() && val.Type() == cty.String {
			u.Source = val.AsString()
		}
	}

	if attr, ok := content.Attributes["version"]; ok {
		val, valDiags := attr.Expr.Value(nil)
		diags = append(diags, valDiags...)
		if !valDiags.HasErrors() && val.Type() == cty.String {
			u.Version = val.AsString()
		}
	}

	// Inputs stay unevaluated until the run controller has resolved
	// dependency outputs for this unit.
	if attr, ok := content.Attributes["inputs"]; ok {
		u.InputsExpr = attr.Expr
	}

	for _, depBlock := range content.Blocks.OfType("dependency") {
		dep, depDiags := p.parseDependency(depBlock)
		diags = append(diags, depDiags...)
		if dep != nil {
			u.Dependencies = append(u.Dependencies, *dep)
		}
	}

	for _, hookBlock := range content.Blocks.OfType("hook") {
		hook, hookDiags := p.parseHook(hookBlock)
		diags = append(diags, hookDiags...)
		if hook != nil {
			u.Hooks = append(u.Hooks, *hook)
		}
	}

	return u, diags
}

func (p *Parser) parseDependency(block *hcl.Block) (*Dependency, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	depSchema := &hcl.BodySchema{
		Attributes: []hcl.AttributeSchema{
			{Name: "mock_outputs"},
		},
	}

	content, moreDiags := block.Body.Content(depSchema)
	diags = append(diags, moreDiags...)

	dep := &Dependency{
		Target: block.Labels[0],
	}

	// Mock outputs are a static field map authored on the edge; nothing in
	// them may reference other units, so they evaluate with no context.
	if attr, ok := content.Attributes["mock_outputs"]; ok {
		val, valDiags := attr.Expr.Value(nil)
		diags = append(diags, valDiags...)
		if !valDiags.HasErrors() {
			if !val.Type().IsObjectType() && !val.Type().IsMapType() {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid mock_outputs",
					Detail:   "mock_outputs must be an object mapping output field names to placeholder values.",
					Subject:  attr.Expr.Range().Ptr(),
				})
			} else {
				dep.MockOutputs = make(map[string]interface{})
				for name, field := range val.AsValueMap() {
					dep.MockOutputs[name] = fromCtyValue(field)
				}
			}
		}
	}

	return dep, diags
}

func (p *Parser) parseHook(block *hcl.Block) (*Hook, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	hookSchema := &hcl.BodySchema{
		Attributes: []hcl.AttributeSchema{
			{Name: "phase", Required: true},
			{Name: "commands", Required: true},
			{Name: "execute", Required: true},
		},
	}

	content, moreDiags := block.Body.Content(hookSchema)
	diags = append(diags, moreDiags...)

	hook := &Hook{
		Name: block.Labels[0],
	}

	if attr, ok := content.Attributes["phase"]; ok {
		val, valDiags := attr.Expr.Value(nil)
		diags = append(diags, valDiags...)
		if !valDiags.HasErrors() && val.Type() == cty.String {
			hook.Phase = HookPhase(val.AsString())
		}
	}

	if attr, ok := content.Attributes["commands"]; ok {
		val, valDiags := attr.Expr.Value(nil)
		diags = append(diags, valDiags...)
		if !valDiags.HasErrors() && val.CanIterateElements() {
			for it := val.ElementIterator(); it.Next(); {
				_, elem := it.Element()
				if elem.Type() == cty.String {
					hook.Commands = append(hook.Commands, elem.AsString())
				}
			}
		}
	}

	// Argv may reference inputs, dependency outputs and env values, so it is
	// interpolated at run time.
	if attr, ok := content.Attributes["execute"]; ok {
		hook.ExecuteExpr = attr.Expr
	}

	return hook, diags
}
