// Package state persists unit output sets and run records through a pluggable
// storage backend. The orchestrator core does not own this storage; it only
// reads and writes through this interface.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/unitctl/unitctl/pkg/state/backend"
)

// OutputSet maps output field names to values materialized by the
// provisioning engine for one unit.
type OutputSet map[string]interface{}

// UnitRecord is the persisted per-unit slice of a run record.
type UnitRecord struct {
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	FailedPhase string    `json:"failed_phase,omitempty"`
	Outputs     OutputSet `json:"outputs,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// RunRecord is the persisted summary of one orchestration run.
type RunRecord struct {
	ID         string                `json:"id"`
	Mode       string                `json:"mode"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Canceled   bool                  `json:"canceled,omitempty"`
	Units      map[string]UnitRecord `json:"units"`
}

// Manager provides high-level state operations.
type Manager interface {
	// Unit output sets
	GetOutputs(ctx context.Context, unitID string) (OutputSet, error)
	SaveOutputs(ctx context.Context, unitID string, outputs OutputSet) error
	DeleteOutputs(ctx context.Context, unitID string) error
	ListUnits(ctx context.Context) ([]string, error)

	// Run records
	SaveRun(ctx context.Context, record *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// Locking
	Lock(ctx context.Context, scope LockScope) (backend.Lock, error)

	// Backend info
	Backend() backend.Backend
}

// LockScope defines what to lock.
type LockScope struct {
	Catalog   string
	Operation string
	Who       string
}

// manager implements the Manager interface.
type manager struct {
	backend backend.Backend
}

// NewManager creates a new state manager with the given backend.
func NewManager(b backend.Backend) Manager {
	return &manager{backend: b}
}

// NewManagerFromConfig creates a new state manager from backend configuration.
func NewManagerFromConfig(config backend.Config) (Manager, error) {
	b, err := backend.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}
	return NewManager(b), nil
}

func (m *manager) Backend() backend.Backend {
	return m.backend
}

// Unit output sets

func (m *manager) GetOutputs(ctx context.Context, unitID string) (OutputSet, error) {
	outputs, err := readJSON[OutputSet](ctx, m.backend, outputsPath(unitID))
	if err != nil {
		return nil, err
	}
	return *outputs, nil
}

func (m *manager) SaveOutputs(ctx context.Context, unitID string, outputs OutputSet) error {
	return writeJSON(ctx, m.backend, outputsPath(unitID), outputs)
}

func (m *manager) DeleteOutputs(ctx context.Context, unitID string) error {
	return m.backend.Delete(ctx, outputsPath(unitID))
}

func (m *manager) ListUnits(ctx context.Context) ([]string, error) {
	paths, err := m.backend.List(ctx, "units/")
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool)
	for _, p := range paths {
		// Path format: units/<id>/outputs.state.json
		if !strings.HasSuffix(p, "/outputs.state.json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(p, "units/"), "/outputs.state.json")
		names[id] = true
	}

	result := make([]string, 0, len(names))
	for name := range names {
		result = append(result, name)
	}
	sort.Strings(result)
	return result, nil
}

// Run records

func (m *manager) SaveRun(ctx context.Context, record *RunRecord) error {
	return writeJSON(ctx, m.backend, runPath(record.ID), record)
}

func (m *manager) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	return readJSON[RunRecord](ctx, m.backend, runPath(runID))
}

// Locking

func (m *manager) Lock(ctx context.Context, scope LockScope) (backend.Lock, error) {
	lockPath := "catalog"
	if scope.Catalog != "" {
		lockPath = path.Join("catalogs", scope.Catalog)
	}

	info := backend.LockInfo{
		Who:       scope.Who,
		Operation: scope.Operation,
	}

	return m.backend.Lock(ctx, lockPath, info)
}

// Path helpers

func outputsPath(unitID string) string {
	return path.Join("units", unitID, "outputs.state.json")
}

func runPath(runID string) string {
	return path.Join("runs", runID+".run.json")
}

// JSON helpers

func readJSON[T any](ctx context.Context, b backend.Backend, p string) (*T, error) {
	reader, err := b.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var result T
	if err := json.NewDecoder(reader).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	return &result, nil
}

func writeJSON(ctx context.Context, b backend.Backend, p string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return b.Write(ctx, p, bytes.NewReader(content))
}
