package unit

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/unitctl/unitctl/pkg/errors"
)

// Store indexes the units of one catalog. It is populated once by Load and
// read-only afterwards.
type Store struct {
	units map[string]*Unit
	order []string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		units: make(map[string]*Unit),
	}
}

// Add registers a unit, assigning its declaration order. Duplicate IDs are a
// validation error.
func (s *Store) Add(u *Unit) error {
	if existing, ok := s.units[u.ID]; ok {
		return errors.ValidationError("duplicate unit id", map[string]interface{}{
			"unit":  u.ID,
			"files": []string{existing.File, u.File},
		})
	}
	u.DeclOrder = len(s.order)
	s.units[u.ID] = u
	s.order = append(s.order, u.ID)
	return nil
}

// Get returns a unit by ID.
func (s *Store) Get(id string) (*Unit, bool) {
	u, ok := s.units[id]
	return u, ok
}

// IDs returns all unit IDs in declaration order.
func (s *Store) IDs() []string {
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

// All returns all units in declaration order.
func (s *Store) All() []*Unit {
	units := make([]*Unit, 0, len(s.order))
	for _, id := range s.order {
		units = append(units, s.units[id])
	}
	return units
}

// Len returns the number of units in the store.
func (s *Store) Len() int {
	return len(s.order)
}

// Loader loads unit catalogs from disk.
type Loader struct {
	parser *Parser
}

// NewLoader creates a new catalog loader.
func NewLoader() *Loader {
	return &Loader{parser: NewParser()}
}

// Load walks root for .hcl files and builds a validated store. Files are
// visited in lexical path order so declaration order is stable across runs.
func (l *Loader) Load(root string) (*Store, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// Skip hidden directories and provisioner working dirs
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || name == ".terraform") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".hcl") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeParse, "failed to scan unit catalog", err).
			WithDetail("root", root)
	}
	sort.Strings(files)

	store := NewStore()
	for _, file := range files {
		units, _, err := l.parser.Parse(file)
		if err != nil {
			return nil, errors.ParseError(file, err)
		}
		for _, u := range units {
			if err := ValidateUnit(u); err != nil {
				return nil, err
			}
			if err := store.Add(u); err != nil {
				return nil, err
			}
		}
	}

	return store, nil
}
