// Package vcs reads git metadata for the repository an operation targets.
package vcs

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// ErrNotRepository is returned when a path is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Info is the git state of a work tree.
type Info struct {
	Root     string
	Revision string
	Branch   string
	Remote   string
}

// Detached reports whether HEAD is not on a branch.
func (i Info) Detached() bool {
	return i.Revision != "" && i.Branch == ""
}

// Describe opens the repository containing path, searching parent
// directories, and reads HEAD. A repository without commits has an empty
// Revision.
func Describe(path string) (Info, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotRepository, path)
		}
		return Info{}, fmt.Errorf("opening repository: %w", err)
	}

	var info Info
	if wt, err := repo.Worktree(); err == nil {
		info.Root = wt.Filesystem.Root()
	}

	head, err := repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// Unborn branch: HEAD names a branch with no commits yet.
		if ref, refErr := repo.Storer.Reference(plumbing.HEAD); refErr == nil && ref.Target().IsBranch() {
			info.Branch = ref.Target().Short()
		}
	case err != nil:
		return Info{}, fmt.Errorf("reading HEAD: %w", err)
	default:
		info.Revision = head.Hash().String()
		if head.Name().IsBranch() {
			info.Branch = head.Name().Short()
		}
	}

	if remote, err := repo.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			info.Remote = urls[0]
		}
	}
	return info, nil
}

// Enrich fills the revision, branch and repository root of octx from the
// repository at octx.RepositoryRoot. Fields already set are kept. Paths that
// are not repositories leave octx unchanged.
func Enrich(octx operation.Context) operation.Context {
	if octx.RepositoryRoot == "" {
		return octx
	}
	info, err := Describe(octx.RepositoryRoot)
	if err != nil {
		return octx
	}
	if octx.Revision == "" {
		octx.Revision = info.Revision
	}
	if octx.Branch == "" {
		octx.Branch = info.Branch
	}
	if info.Remote != "" {
		if _, ok := octx.Metadata["remote"]; !ok {
			md := make(map[string]string, len(octx.Metadata)+1)
			for k, v := range octx.Metadata {
				md[k] = v
			}
			md["remote"] = info.Remote
			octx.Metadata = md
		}
	}
	return octx
}
