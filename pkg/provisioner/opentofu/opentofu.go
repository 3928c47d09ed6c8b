// Package opentofu implements a provisioner backed by the OpenTofu/Terraform CLI.
package opentofu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/unitctl/unitctl/pkg/errors"
	"github.com/unitctl/unitctl/pkg/provisioner"
	"github.com/unitctl/unitctl/pkg/state"
)

func init() {
	// Register both opentofu and terraform names
	provisioner.Register("opentofu", func(settings map[string]string) (provisioner.Provisioner, error) {
		return NewProvisioner("tofu", settings)
	})
	provisioner.Register("terraform", func(settings map[string]string) (provisioner.Provisioner, error) {
		return NewProvisioner("terraform", settings)
	})
}

const varFileName = "unitctl.tfvars.json"

// Provisioner shells out to the tofu/terraform binary.
type Provisioner struct {
	// binaryPath is the path to the tofu/terraform binary
	binaryPath string
	// binaryName is "tofu" or "terraform"
	binaryName string
}

// NewProvisioner locates the engine binary, preferring the requested name and
// falling back to the other.
func NewProvisioner(binaryName string, settings map[string]string) (*Provisioner, error) {
	if override := settings["binary"]; override != "" {
		binaryName = override
	}

	binaryPath, err := exec.LookPath(binaryName)
	if err != nil {
		alt := "terraform"
		if binaryName == "terraform" {
			alt = "tofu"
		}
		binaryPath, err = exec.LookPath(alt)
		if err != nil {
			return nil, fmt.Errorf("neither tofu nor terraform binary found: %w", err)
		}
		binaryName = alt
	}

	return &Provisioner{
		binaryPath: binaryPath,
		binaryName: binaryName,
	}, nil
}

func (p *Provisioner) Name() string {
	return "opentofu"
}

// tfOutput is one entry of `output -json`.
type tfOutput struct {
	Value     interface{} `json:"value"`
	Type      interface{} `json:"type"`
	Sensitive bool        `json:"sensitive"`
}

func (p *Provisioner) Plan(ctx context.Context, req provisioner.Request) (*provisioner.PlanResult, error) {
	workDir, err := p.prepare(ctx, req)
	if err != nil {
		return nil, errors.ProvisioningFailed(req.UnitID, err)
	}

	args := []string{"plan", "-json", "-input=false"}
	if _, statErr := os.Stat(filepath.Join(workDir, varFileName)); statErr == nil {
		args = append(args, "-var-file="+varFileName)
	}

	output, err := p.run(ctx, workDir, args, req)
	if err != nil {
		return nil, errors.ProvisioningFailed(req.UnitID, err)
	}

	summary, changes := parsePlanOutput(output)
	return &provisioner.PlanResult{
		Summary:        summary,
		Changes:        changes,
		PlannedOutputs: state.OutputSet{},
	}, nil
}

func (p *Provisioner) Apply(ctx context.Context, req provisioner.Request) (*provisioner.ApplyResult, error) {
	workDir, err := p.prepare(ctx, req)
	if err != nil {
		return nil, errors.ProvisioningFailed(req.UnitID, err)
	}

	args := []string{"apply", "-auto-approve", "-input=false"}
	if _, statErr := os.Stat(filepath.Join(workDir, varFileName)); statErr == nil {
		args = append(args, "-var-file="+varFileName)
	}

	if _, err := p.run(ctx, workDir, args, req); err != nil {
		return nil, errors.ProvisioningFailed(req.UnitID, err)
	}

	outputs, err := p.outputs(ctx, workDir, req)
	if err != nil {
		return nil, errors.ProvisioningFailed(req.UnitID, err)
	}

	return &provisioner.ApplyResult{Outputs: outputs}, nil
}

// prepare writes the var file and initializes the module directory.
func (p *Provisioner) prepare(ctx context.Context, req provisioner.Request) (string, error) {
	workDir := req.WorkDir
	if workDir == "" {
		workDir = req.Source
	}

	if err := p.writeVarFile(workDir, req.Inputs); err != nil {
		return "", fmt.Errorf("failed to write var file: %w", err)
	}

	if _, err := os.Stat(filepath.Join(workDir, ".terraform")); err != nil {
		if _, err := p.run(ctx, workDir, []string{"init", "-input=false"}, req); err != nil {
			return "", fmt.Errorf("init failed: %w", err)
		}
	}

	return workDir, nil
}

func (p *Provisioner) writeVarFile(workDir string, inputs map[string]interface{}) error {
	if len(inputs) == 0 {
		return nil
	}

	data, err := json.MarshalIndent(inputs, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(workDir, varFileName), data, 0644)
}

func (p *Provisioner) outputs(ctx context.Context, workDir string, req provisioner.Request) (state.OutputSet, error) {
	output, err := p.run(ctx, workDir, []string{"output", "-json"}, req)
	if err != nil {
		// No outputs is fine
		return state.OutputSet{}, nil
	}

	var tfOutputs map[string]tfOutput
	if err := json.Unmarshal([]byte(output), &tfOutputs); err != nil {
		return nil, fmt.Errorf("failed to parse outputs: %w", err)
	}

	outputs := make(state.OutputSet, len(tfOutputs))
	for name, out := range tfOutputs {
		outputs[name] = out.Value
	}
	return outputs, nil
}

// parsePlanOutput counts pending changes from line-delimited JSON plan output.
func parsePlanOutput(output string) (string, int) {
	var summary string
	changes := 0

	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}

		var msg struct {
			Type    string `json:"type"`
			Message string `json:"@message"`
			Change  *struct {
				Action []string `json:"action"`
			} `json:"change"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}

		if msg.Change != nil && len(msg.Change.Action) > 0 && msg.Change.Action[0] != "noop" {
			changes++
		}
		if msg.Type == "change_summary" {
			summary = msg.Message
		}
	}

	return summary, changes
}

func (p *Provisioner) run(ctx context.Context, workDir string, args []string, req provisioner.Request) (string, error) {
	cmd := exec.CommandContext(ctx, p.binaryPath, args...)
	cmd.Dir = workDir

	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Env, "TF_INPUT=0", "TF_IN_AUTOMATION=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdout, req.Stdout)
	}
	if req.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderr, req.Stderr)
	}

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, stderr.String())
	}

	return stdout.String(), nil
}

var _ provisioner.Provisioner = (*Provisioner)(nil)
