// Package source resolves unit module sources to local directories.
package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/unitctl/unitctl/pkg/errors"
	"github.com/unitctl/unitctl/pkg/schema/unit"
)

// Type classifies a source reference.
type Type string

const (
	// TypeLocal is a filesystem path relative to the unit's directory
	TypeLocal Type = "local"

	// TypeGit is a git:: reference cloned into the cache
	TypeGit Type = "git"
)

// Detect classifies a source reference.
func Detect(ref string) Type {
	if strings.HasPrefix(ref, "git::") {
		return TypeGit
	}
	return TypeLocal
}

// Resolver resolves unit sources, caching git clones per URL and version.
// Safe for concurrent use by run workers.
type Resolver struct {
	cacheDir string

	mu     sync.Mutex
	cloned map[string]string
}

// NewResolver creates a resolver. An empty cacheDir defaults to
// ~/.unitctl/cache/sources.
func NewResolver(cacheDir string) *Resolver {
	if cacheDir == "" {
		homeDir, _ := os.UserHomeDir()
		cacheDir = filepath.Join(homeDir, ".unitctl", "cache", "sources")
	}
	return &Resolver{
		cacheDir: cacheDir,
		cloned:   make(map[string]string),
	}
}

// Resolve returns the local directory holding the unit's module.
func (r *Resolver) Resolve(ctx context.Context, u *unit.Unit) (string, error) {
	switch Detect(u.Source) {
	case TypeGit:
		return r.resolveGit(ctx, u)
	default:
		return r.resolveLocal(u)
	}
}

func (r *Resolver) resolveLocal(u *unit.Unit) (string, error) {
	path := u.Source
	if !filepath.IsAbs(path) {
		path = filepath.Join(u.Dir, path)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeSource, "failed to resolve source path", err).
			WithDetail("unit", u.ID).
			WithDetail("source", u.Source)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeSource, "source path not found", err).
			WithDetail("unit", u.ID).
			WithDetail("source", u.Source)
	}
	if !info.IsDir() {
		return "", errors.New(errors.ErrCodeSource, "source path is not a directory").
			WithDetail("unit", u.ID).
			WithDetail("source", u.Source)
	}

	return absPath, nil
}

// resolveGit clones the referenced repository at the unit's version pin.
// Reference format: git::https://host/org/repo.git//subpath
func (r *Resolver) resolveGit(ctx context.Context, u *unit.Unit) (string, error) {
	gitURL := strings.TrimPrefix(u.Source, "git::")
	subPath := ""

	// Skip past the scheme's "//" when splitting off the subpath
	searchFrom := 0
	if idx := strings.Index(gitURL, "://"); idx != -1 {
		searchFrom = idx + 3
	}
	if idx := strings.Index(gitURL[searchFrom:], "//"); idx != -1 {
		idx += searchFrom
		subPath = gitURL[idx+2:]
		gitURL = gitURL[:idx]
	}

	gitRef := u.Version
	if gitRef == "" {
		gitRef = "main"
	}

	cacheKey := sanitize(gitURL)
	repoDir := filepath.Join(r.cacheDir, "git", cacheKey, sanitize(gitRef))

	r.mu.Lock()
	defer r.mu.Unlock()

	key := gitURL + "@" + gitRef
	if dir, ok := r.cloned[key]; ok {
		repoDir = dir
	} else {
		if _, err := os.Stat(repoDir); os.IsNotExist(err) {
			if err := gitClone(ctx, gitURL, gitRef, repoDir); err != nil {
				return "", errors.Wrap(errors.ErrCodeSource, "failed to clone source repository", err).
					WithDetail("unit", u.ID).
					WithDetail("repository", gitURL).
					WithDetail("ref", gitRef)
			}
		}
		r.cloned[key] = repoDir
	}

	moduleDir := repoDir
	if subPath != "" {
		moduleDir = filepath.Join(repoDir, filepath.FromSlash(subPath))
	}
	if _, err := os.Stat(moduleDir); err != nil {
		return "", errors.Wrap(errors.ErrCodeSource, "source subpath not found in repository", err).
			WithDetail("unit", u.ID).
			WithDetail("subpath", subPath)
	}

	return moduleDir, nil
}

func gitClone(ctx context.Context, url, ref, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	// Shallow clone; try the ref as a tag first since versions are usually
	// tags, then as a branch
	cloneOpts := &git.CloneOptions{
		URL:           url,
		Depth:         1,
		SingleBranch:  true,
		ReferenceName: plumbing.NewTagReferenceName(ref),
	}

	_, err := git.PlainCloneContext(ctx, dest, false, cloneOpts)
	if err != nil {
		os.RemoveAll(dest)
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		_, err = git.PlainCloneContext(ctx, dest, false, cloneOpts)
		if err != nil {
			os.RemoveAll(dest)
			return err
		}
	}

	return nil
}

func sanitize(s string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_", ".", "_")
	return replacer.Replace(s)
}
