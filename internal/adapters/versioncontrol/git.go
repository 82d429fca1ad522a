// Package versioncontrol implements the VersionControl adapter on top of a
// local git repository using go-git. No command-line git is invoked.
package versioncontrol

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/fyrsmithlabs/changeflow/internal/adapters"
)

// Client is a go-git backed VersionControl adapter rooted at one repository.
type Client struct {
	repo   *git.Repository
	remote string
}

// Open opens the repository at path. The remote name is used for pushes and
// remote-tracking lookups.
func Open(path, remote string) (*Client, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", path, err)
	}
	if remote == "" {
		remote = "origin"
	}
	return &Client{repo: repo, remote: remote}, nil
}

// BranchInfo reports whether the branch exists and whether it has diverged
// from the expected base. A branch is diverged when the base head is no
// longer an ancestor of the branch head.
func (c *Client) BranchInfo(ctx context.Context, name, base string) (*adapters.BranchInfo, error) {
	branchHash, ok, err := c.resolveBranch(name)
	if err != nil {
		return nil, gitError("branch_info", err)
	}
	if !ok {
		return &adapters.BranchInfo{Name: name, Exists: false}, nil
	}

	baseHash, ok, err := c.resolveBranch(base)
	if err != nil {
		return nil, gitError("branch_info", err)
	}
	if !ok {
		return nil, gitError("branch_info", fmt.Errorf("base branch %q not found", base))
	}

	branchCommit, err := c.repo.CommitObject(branchHash)
	if err != nil {
		return nil, gitError("branch_info", err)
	}
	baseCommit, err := c.repo.CommitObject(baseHash)
	if err != nil {
		return nil, gitError("branch_info", err)
	}

	ancestor, err := baseCommit.IsAncestor(branchCommit)
	if err != nil {
		return nil, gitError("branch_info", err)
	}

	return &adapters.BranchInfo{
		Name:     name,
		Exists:   true,
		Diverged: !ancestor && branchHash != baseHash,
		Head:     branchHash.String(),
	}, nil
}

// CreateBranch creates the branch pointing at the base head.
func (c *Client) CreateBranch(ctx context.Context, name, base string) error {
	baseHash, ok, err := c.resolveBranch(base)
	if err != nil {
		return gitError("create_branch", err)
	}
	if !ok {
		return gitError("create_branch", fmt.Errorf("base branch %q not found", base))
	}

	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), baseHash)
	if err := c.repo.Storer.SetReference(ref); err != nil {
		return gitError("create_branch", err)
	}
	return nil
}

// Push pushes the branch to the remote. Pushing unchanged state is a no-op,
// never a duplicate.
func (c *Client) Push(ctx context.Context, name string) error {
	spec := gitcfg.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", name, name))
	err := c.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: c.remote,
		RefSpecs:   []gitcfg.RefSpec{spec},
	})
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	if err != nil {
		return &adapters.ServiceError{Service: "git", Operation: "push", Err: err, Transient: true}
	}
	return nil
}

// CommitMessages returns the full messages of commits on branch that are not
// on base, newest first. History is walked from the branch head and stops at
// the base head.
func (c *Client) CommitMessages(ctx context.Context, branch, base string) ([]string, error) {
	var messages []string
	err := c.walkToBase(branch, base, func(commit *object.Commit) {
		messages = append(messages, commit.Message)
	})
	if err != nil {
		return nil, gitError("commit_messages", err)
	}
	return messages, nil
}

// ChangedPaths returns the paths touched between base and branch.
func (c *Client) ChangedPaths(ctx context.Context, branch, base string) ([]string, error) {
	branchTree, err := c.branchTree(branch)
	if err != nil {
		return nil, gitError("changed_paths", err)
	}
	baseTree, err := c.branchTree(base)
	if err != nil {
		return nil, gitError("changed_paths", err)
	}

	changes, err := object.DiffTree(baseTree, branchTree)
	if err != nil {
		return nil, gitError("changed_paths", err)
	}

	seen := make(map[string]struct{}, len(changes))
	var paths []string
	for _, change := range changes {
		name := change.To.Name
		if name == "" {
			name = change.From.Name
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		paths = append(paths, name)
	}
	return paths, nil
}

// resolveBranch finds the branch head, preferring the local ref and falling
// back to the remote-tracking ref.
func (c *Client) resolveBranch(name string) (plumbing.Hash, bool, error) {
	ref, err := c.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err == nil {
		return ref.Hash(), true, nil
	}
	if err != plumbing.ErrReferenceNotFound {
		return plumbing.ZeroHash, false, err
	}

	ref, err = c.repo.Reference(plumbing.NewRemoteReferenceName(c.remote, name), true)
	if err == nil {
		return ref.Hash(), true, nil
	}
	if err == plumbing.ErrReferenceNotFound {
		return plumbing.ZeroHash, false, nil
	}
	return plumbing.ZeroHash, false, err
}

func (c *Client) branchTree(name string) (*object.Tree, error) {
	hash, ok, err := c.resolveBranch(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("branch %q not found", name)
	}
	commit, err := c.repo.CommitObject(hash)
	if err != nil {
		return nil, err
	}
	return commit.Tree()
}

func (c *Client) walkToBase(branch, base string, visit func(*object.Commit)) error {
	branchHash, ok, err := c.resolveBranch(branch)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("branch %q not found", branch)
	}
	baseHash, ok, err := c.resolveBranch(base)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("base branch %q not found", base)
	}

	iter, err := c.repo.Log(&git.LogOptions{From: branchHash})
	if err != nil {
		return err
	}
	defer iter.Close()

	return ignoreStop(iter.ForEach(func(commit *object.Commit) error {
		if commit.Hash == baseHash {
			return storer.ErrStop
		}
		visit(commit)
		return nil
	}))
}

func ignoreStop(err error) error {
	if err == storer.ErrStop {
		return nil
	}
	return err
}

// gitError wraps local git failures. They are never transient: retrying a
// broken repository does not help.
func gitError(operation string, err error) error {
	return &adapters.ServiceError{Service: "git", Operation: operation, Err: err}
}
