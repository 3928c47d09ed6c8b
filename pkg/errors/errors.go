// Package errors provides structured error types for unitctl.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies specific error conditions
type ErrorCode string

const (
	ErrCodeCycleDetected   ErrorCode = "CYCLE_DETECTED"
	ErrCodeDanglingDep     ErrorCode = "DANGLING_DEPENDENCY"
	ErrCodeUnresolvedDep   ErrorCode = "UNRESOLVED_DEPENDENCY"
	ErrCodeMissingField    ErrorCode = "MISSING_FIELD"
	ErrCodeTypeMismatch    ErrorCode = "TYPE_MISMATCH"
	ErrCodeExternalCommand ErrorCode = "EXTERNAL_COMMAND_FAILED"
	ErrCodeHookFailed      ErrorCode = "HOOK_FAILED"
	ErrCodeProvisioning    ErrorCode = "PROVISIONING_FAILED"
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeParse           ErrorCode = "PARSE_ERROR"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeLocked          ErrorCode = "STATE_LOCKED"
	ErrCodeBackend         ErrorCode = "BACKEND_ERROR"
	ErrCodeSource          ErrorCode = "SOURCE_ERROR"
	ErrCodeCanceled        ErrorCode = "RUN_CANCELED"
)

// Error is the base error type for unitctl
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Wrap creates a new error wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds details to an error
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail adds a single detail to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// CycleDetected creates an error naming the units that form a dependency cycle.
func CycleDetected(units []string) *Error {
	return &Error{
		Code:    ErrCodeCycleDetected,
		Message: fmt.Sprintf("dependency cycle detected: %s", strings.Join(units, " -> ")),
		Details: map[string]interface{}{
			"units": units,
		},
	}
}

// DanglingDependency creates an error for a dependency edge whose target does not exist.
func DanglingDependency(unit, target string) *Error {
	return &Error{
		Code:    ErrCodeDanglingDep,
		Message: fmt.Sprintf("unit %q depends on unknown unit %q", unit, target),
		Details: map[string]interface{}{
			"unit":   unit,
			"target": target,
		},
	}
}

// UnresolvedDependency creates an error for a dependency with no available output set.
func UnresolvedDependency(unit, target string) *Error {
	return &Error{
		Code:    ErrCodeUnresolvedDep,
		Message: fmt.Sprintf("unit %q requires outputs of %q, which has not been applied and declares no mock_outputs", unit, target),
		Details: map[string]interface{}{
			"unit":   unit,
			"target": target,
		},
	}
}

// MissingField creates an error for an output field absent from a resolved output set.
func MissingField(target, field string) *Error {
	return &Error{
		Code:    ErrCodeMissingField,
		Message: fmt.Sprintf("output field %q not found on dependency %q", field, target),
		Details: map[string]interface{}{
			"target": target,
			"field":  field,
		},
	}
}

// ExternalCommandFailed creates an error for a command-substitution expression whose
// process exited non-zero. Captured stderr is attached as a detail.
func ExternalCommandFailed(command string, stderr string, cause error) *Error {
	return &Error{
		Code:    ErrCodeExternalCommand,
		Message: fmt.Sprintf("command %q failed", command),
		Cause:   cause,
		Details: map[string]interface{}{
			"command": command,
			"stderr":  stderr,
		},
	}
}

// HookFailed creates an error for a failed lifecycle hook.
func HookFailed(phase, hook string, stderr string, cause error) *Error {
	return &Error{
		Code:    ErrCodeHookFailed,
		Message: fmt.Sprintf("%s hook %q failed", phase, hook),
		Cause:   cause,
		Details: map[string]interface{}{
			"phase":  phase,
			"hook":   hook,
			"stderr": stderr,
		},
	}
}

// ProvisioningFailed creates an error for an engine-reported unit failure.
func ProvisioningFailed(unit string, cause error) *Error {
	return &Error{
		Code:    ErrCodeProvisioning,
		Message: fmt.Sprintf("provisioning failed for unit %q", unit),
		Cause:   cause,
		Details: map[string]interface{}{
			"unit": unit,
		},
	}
}

// ValidationError creates a validation error
func ValidationError(message string, details map[string]interface{}) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: message,
		Details: details,
	}
}

// NotFoundError creates a not found error
func NotFoundError(resourceType, name string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resourceType, name),
		Details: map[string]interface{}{
			"resource_type": resourceType,
			"name":          name,
		},
	}
}

// ParseError creates a parse error
func ParseError(filePath string, err error) *Error {
	return &Error{
		Code:    ErrCodeParse,
		Message: fmt.Sprintf("failed to parse %s", filePath),
		Cause:   err,
		Details: map[string]interface{}{
			"file": filePath,
		},
	}
}

// BackendError creates a backend error
func BackendError(backend string, operation string, err error) *Error {
	return &Error{
		Code:    ErrCodeBackend,
		Message: fmt.Sprintf("backend %s failed during %s", backend, operation),
		Cause:   err,
		Details: map[string]interface{}{
			"backend":   backend,
			"operation": operation,
		},
	}
}

// LockInfo contains metadata about a lock
type LockInfo struct {
	ID        string
	Path      string
	Who       string
	Operation string
	Created   time.Time
}

// StateLocked creates a state locked error
func StateLocked(lockInfo LockInfo) *Error {
	return &Error{
		Code:    ErrCodeLocked,
		Message: "state is locked",
		Details: map[string]interface{}{
			"lock_id":   lockInfo.ID,
			"locked_by": lockInfo.Who,
			"operation": lockInfo.Operation,
			"created":   lockInfo.Created,
		},
	}
}

// Is checks if the error matches the given code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// AsError returns the underlying *Error if err carries one.
func AsError(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
