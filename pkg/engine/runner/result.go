// Package runner drives dependency-ordered plan and apply runs over a unit
// catalog with bounded concurrency.
package runner

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/unitctl/unitctl/pkg/engine/outputs"
	"github.com/unitctl/unitctl/pkg/state"
)

// UnitStatus is one state of a unit's run lifecycle.
type UnitStatus string

const (
	StatusPending      UnitStatus = "pending"
	StatusResolving    UnitStatus = "resolving"
	StatusHookedBefore UnitStatus = "hooked_before"
	StatusExecuting    UnitStatus = "executing"
	StatusHookedAfter  UnitStatus = "hooked_after"
	StatusDone         UnitStatus = "done"
	StatusFailed       UnitStatus = "failed"
	StatusSkipped      UnitStatus = "skipped"
)

// Terminal reports whether a status ends a unit's run.
func (s UnitStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// UnitResult is the per-unit outcome of a run.
type UnitResult struct {
	UnitID      string
	Status      UnitStatus
	Err         error
	FailedPhase string
	SkipReason  string
	Outputs     state.OutputSet
	Warnings    []string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// RunResult aggregates all unit outcomes of one run. Updates are serialized
// through its mutex; workers write concurrently.
type RunResult struct {
	ID        string
	Mode      outputs.RunMode
	StartedAt time.Time

	mu         sync.Mutex
	finishedAt time.Time
	canceled   bool
	units      map[string]*UnitResult
}

func newRunResult(mode outputs.RunMode, unitIDs []string) *RunResult {
	r := &RunResult{
		ID:        uuid.New().String(),
		Mode:      mode,
		StartedAt: time.Now(),
		units:     make(map[string]*UnitResult, len(unitIDs)),
	}
	for _, id := range unitIDs {
		r.units[id] = &UnitResult{UnitID: id, Status: StatusPending}
	}
	return r
}

// Unit returns a copy of one unit's result.
func (r *RunResult) Unit(id string) (UnitResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ur, ok := r.units[id]
	if !ok {
		return UnitResult{}, false
	}
	return *ur, true
}

// Units returns a copy of all unit results keyed by ID.
func (r *RunResult) Units() map[string]UnitResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make(map[string]UnitResult, len(r.units))
	for id, ur := range r.units {
		all[id] = *ur
	}
	return all
}

// Canceled reports whether the run was interrupted.
func (r *RunResult) Canceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

// Failed reports whether any unit failed.
func (r *RunResult) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ur := range r.units {
		if ur.Status == StatusFailed {
			return true
		}
	}
	return false
}

func (r *RunResult) setStatus(id string, status UnitStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ur := r.units[id]
	if ur.Status.Terminal() {
		return
	}
	if ur.StartedAt.IsZero() && status != StatusPending {
		ur.StartedAt = time.Now()
	}
	ur.Status = status
	if status.Terminal() {
		ur.FinishedAt = time.Now()
	}
}

func (r *RunResult) fail(id string, phase string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ur := r.units[id]
	if ur.Status.Terminal() {
		return
	}
	ur.Status = StatusFailed
	ur.FailedPhase = phase
	ur.Err = err
	ur.FinishedAt = time.Now()
}

func (r *RunResult) skip(id string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ur := r.units[id]
	if ur.Status.Terminal() {
		return
	}
	ur.Status = StatusSkipped
	ur.SkipReason = reason
	ur.FinishedAt = time.Now()
}

func (r *RunResult) complete(id string, out state.OutputSet, warnings []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ur := r.units[id]
	if ur.Status.Terminal() {
		return
	}
	ur.Status = StatusDone
	ur.Outputs = out
	ur.Warnings = append(ur.Warnings, warnings...)
	ur.FinishedAt = time.Now()
}

func (r *RunResult) addWarnings(id string, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[id].Warnings = append(r.units[id].Warnings, warnings...)
}

func (r *RunResult) finalize(canceled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = canceled
	r.finishedAt = time.Now()
}

// Record converts the result into its persisted form.
func (r *RunResult) Record() *state.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	record := &state.RunRecord{
		ID:         r.ID,
		Mode:       string(r.Mode),
		StartedAt:  r.StartedAt,
		FinishedAt: r.finishedAt,
		Canceled:   r.canceled,
		Units:      make(map[string]state.UnitRecord, len(r.units)),
	}

	for id, ur := range r.units {
		rec := state.UnitRecord{
			Status:      string(ur.Status),
			FailedPhase: ur.FailedPhase,
			Outputs:     ur.Outputs,
			Warnings:    ur.Warnings,
		}
		if ur.Err != nil {
			rec.Error = ur.Err.Error()
			if uerr, ok := unitErrCode(ur.Err); ok {
				rec.ErrorCode = uerr
			}
		}
		record.Units[id] = rec
	}

	return record
}
