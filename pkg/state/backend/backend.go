// Package backend defines the storage interface for unitctl state and the
// registry of available implementations.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a state path does not exist.
var ErrNotFound = errors.New("state not found")

// ErrLocked is returned when a lock is already held.
var ErrLocked = errors.New("state is locked")

// Backend is the storage interface for persisted state.
type Backend interface {
	// Type returns the backend identifier (e.g., "local", "s3")
	Type() string

	// Read returns the content at the given path
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write stores content at the given path
	Write(ctx context.Context, path string, data io.Reader) error

	// Delete removes the content at the given path. Deleting a missing path
	// is not an error.
	Delete(ctx context.Context, path string) error

	// List returns all paths under the given prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether the given path exists
	Exists(ctx context.Context, path string) (bool, error)

	// Lock acquires an advisory lock on the given path
	Lock(ctx context.Context, path string, info LockInfo) (Lock, error)
}

// Lock is a held advisory lock.
type Lock interface {
	ID() string
	Info() LockInfo
	Unlock(ctx context.Context) error
}

// LockInfo describes who holds a lock and why.
type LockInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Who       string    `json:"who"`
	Operation string    `json:"operation"`
	Created   time.Time `json:"created"`
}

// LockError reports a failed lock acquisition along with the holder.
type LockError struct {
	Info LockInfo
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("%v (held by %s for %s since %s)", e.Err, e.Info.Who, e.Info.Operation, e.Info.Created.Format(time.RFC3339))
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// Config selects and configures a backend.
type Config struct {
	// Type is the registered backend name
	Type string

	// Settings are backend-specific key/value options
	Settings map[string]string
}

// Factory constructs a backend from its settings.
type Factory func(settings map[string]string) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available by name. Called from implementation
// packages' init functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Create builds a backend from configuration.
func Create(config Config) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[config.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown state backend %q (registered: %v)", config.Type, Registered())
	}

	return factory(config.Settings)
}

// Registered returns the names of all registered backends.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
