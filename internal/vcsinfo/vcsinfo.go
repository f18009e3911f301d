// Package vcsinfo provides the read-only version-control queries the
// Verification Engine's commits_created and files_modified checks need,
// adapted from internal/git/git.go — trimmed to the read-only subset
// (no branch/commit/push operations; the Verification Engine only reads).
package vcsinfo

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// VCS runs read-only git queries against a working directory.
type VCS struct {
	workdir string
}

// New returns a VCS rooted at workdir.
func New(workdir string) *VCS {
	return &VCS{workdir: workdir}
}

func (v *VCS) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = v.workdir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("vcsinfo: git %s: %w: %s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output)), nil
}

// CommitCount returns the total number of commits reachable from HEAD.
func (v *VCS) CommitCount() (int, error) {
	out, err := v.run("rev-list", "--count", "HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("vcsinfo: parse commit count %q: %w", out, err)
	}
	return n, nil
}

// ChangedFiles returns the name-only diff between HEAD~1 and HEAD, one path
// per entry. Used by the files_modified check.
func (v *VCS) ChangedFiles() ([]string, error) {
	out, err := v.run("diff", "--name-only", "HEAD~1", "HEAD")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
