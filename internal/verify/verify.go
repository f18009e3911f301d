// Package verify implements the Verification Engine (spec §4.D): four
// independent, ordered checks that turn an agent's TaskClaims into a
// VerificationResult. It reads the working tree (via internal/vcsinfo) and
// runs bounded subprocesses; it never mutates the tree.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/CLIAIMONITOR/internal/types"
	"github.com/CLIAIMONITOR/internal/vcsinfo"
)

// Default timeouts from spec.md §5.
const (
	DefaultCommandTimeout = 120 * time.Second
	DefaultTotalTimeout   = 300 * time.Second
	tailBytes             = 500
)

// Engine runs the four ordered checks against a working directory.
type Engine struct {
	CommandTimeout time.Duration
	TotalTimeout   time.Duration
}

// New returns an Engine with the spec's default timeouts.
func New() *Engine {
	return &Engine{
		CommandTimeout: DefaultCommandTimeout,
		TotalTimeout:   DefaultTotalTimeout,
	}
}

// Verify runs commits_created, files_modified, tests_pass and types_valid
// in that fixed order. A failing earlier check never skips a later one.
func (e *Engine) Verify(ctx context.Context, req types.VerifyRequest) types.VerificationResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.TotalTimeout)
	defer cancel()

	vcs := vcsinfo.New(req.WorkdirPath)

	checks := []types.CheckResult{
		e.checkCommitsCreated(vcs, req),
		e.checkFilesModified(vcs, req),
		e.checkTestsPass(ctx, req),
		e.checkTypesValid(ctx, req),
	}

	success := true
	for _, c := range checks {
		if !c.Passed {
			success = false
		}
	}

	return types.VerificationResult{
		Success:    success,
		Checks:     checks,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// checkCommitsCreated passes trivially when the claim is zero, matching
// "if claims.commitsCreated > 0" from §4.D.
func (e *Engine) checkCommitsCreated(vcs *vcsinfo.VCS, req types.VerifyRequest) types.CheckResult {
	if req.Claims.CommitsCreated <= 0 {
		return types.CheckResult{Name: types.CheckCommitsCreated, Passed: true, Actual: "no commits claimed"}
	}

	after, err := vcs.CommitCount()
	if err != nil {
		return types.CheckResult{
			Name: types.CheckCommitsCreated, Passed: false,
			Details: fmt.Sprintf("could not read commit count: %v", err),
		}
	}

	delta := after - req.CommitCountBefore
	passed := delta >= req.Claims.CommitsCreated
	return types.CheckResult{
		Name:     types.CheckCommitsCreated,
		Passed:   passed,
		Expected: fmt.Sprintf("at least %d new commit(s)", req.Claims.CommitsCreated),
		Actual:   fmt.Sprintf("%d new commit(s)", delta),
	}
}

// checkFilesModified applies the path-suffix equivalence rule from §4.D:
// a claimed path matches an actual path if either is a suffix of the other.
func (e *Engine) checkFilesModified(vcs *vcsinfo.VCS, req types.VerifyRequest) types.CheckResult {
	if len(req.Claims.FilesModified) == 0 {
		return types.CheckResult{Name: types.CheckFilesModified, Passed: true, Actual: "no files claimed"}
	}

	actual, err := vcs.ChangedFiles()
	if err != nil {
		return types.CheckResult{
			Name: types.CheckFilesModified, Passed: false,
			Details: fmt.Sprintf("could not read diff: %v", err),
		}
	}

	var missing []string
	for _, claimed := range req.Claims.FilesModified {
		if !anySuffixMatch(claimed, actual) {
			missing = append(missing, claimed)
		}
	}

	if len(missing) > 0 {
		return types.CheckResult{
			Name: types.CheckFilesModified, Passed: false,
			Expected: strings.Join(req.Claims.FilesModified, ", "),
			Actual:   strings.Join(actual, ", "),
			Details:  fmt.Sprintf("claimed but not found: %s", strings.Join(missing, ", ")),
		}
	}
	return types.CheckResult{
		Name: types.CheckFilesModified, Passed: true,
		Actual: strings.Join(actual, ", "),
	}
}

func anySuffixMatch(claimed string, actualPaths []string) bool {
	for _, a := range actualPaths {
		if strings.HasSuffix(claimed, a) || strings.HasSuffix(a, claimed) {
			return true
		}
	}
	return false
}

func (e *Engine) checkTestsPass(ctx context.Context, req types.VerifyRequest) types.CheckResult {
	if !req.RunTests {
		return types.CheckResult{Name: types.CheckTestsPass, Passed: true, Actual: "tests not requested"}
	}

	cmd := req.TestCommand
	if cmd == "" {
		cmd = detectTestCommand(req.WorkdirPath)
	}
	if cmd == "" {
		return types.CheckResult{Name: types.CheckTestsPass, Passed: true, Actual: "no test command detected"}
	}

	return e.runCommand(ctx, types.CheckTestsPass, req.WorkdirPath, cmd)
}

func (e *Engine) checkTypesValid(ctx context.Context, req types.VerifyRequest) types.CheckResult {
	if !req.RunTypeCheck {
		return types.CheckResult{Name: types.CheckTypesValid, Passed: true, Actual: "type check not requested"}
	}

	cmd := req.TypeCheckCommand
	if cmd == "" {
		cmd = detectTypeCheckCommand(req.WorkdirPath)
	}
	if cmd == "" {
		return types.CheckResult{Name: types.CheckTypesValid, Passed: true, Actual: "no type-check command detected"}
	}

	return e.runCommand(ctx, types.CheckTypesValid, req.WorkdirPath, cmd)
}

// runCommand runs a shell command bounded by CommandTimeout and reports the
// tail of its combined output on failure.
func (e *Engine) runCommand(ctx context.Context, name types.CheckName, workdir, command string) types.CheckResult {
	cmdCtx, cancel := context.WithTimeout(ctx, e.CommandTimeout)
	defer cancel()

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return types.CheckResult{Name: name, Passed: false, Details: "empty command"}
	}

	cmd := exec.CommandContext(cmdCtx, fields[0], fields[1:]...)
	cmd.Dir = workdir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return types.CheckResult{Name: name, Passed: true, Actual: "exit status 0"}
	}

	return types.CheckResult{
		Name:    name,
		Passed:  false,
		Actual:  err.Error(),
		Details: tail(out.String(), tailBytes),
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// detectTestCommand implements the named-list heuristic from
// SPEC_FULL.md's Open Question decision: package.json with a non-
// placeholder test script, a Python project descriptor, or a Go module.
func detectTestCommand(workdir string) string {
	if hasNonPlaceholderNpmScript(workdir, "test") {
		return "npm test"
	}
	if exists(filepath.Join(workdir, "pyproject.toml")) || exists(filepath.Join(workdir, "setup.py")) {
		return "pytest"
	}
	if exists(filepath.Join(workdir, "go.mod")) {
		return "go test ./..."
	}
	return ""
}

func detectTypeCheckCommand(workdir string) string {
	if exists(filepath.Join(workdir, "tsconfig.json")) {
		return "npx tsc --noEmit"
	}
	if exists(filepath.Join(workdir, "pyproject.toml")) && hasMypyConfig(workdir) {
		return "mypy ."
	}
	if exists(filepath.Join(workdir, "go.mod")) {
		return "go build ./..."
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func hasMypyConfig(workdir string) bool {
	data, err := os.ReadFile(filepath.Join(workdir, "pyproject.toml"))
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "[tool.mypy]")
}

// hasNonPlaceholderNpmScript checks package.json's scripts[name] is present
// and not the npm-init default placeholder.
func hasNonPlaceholderNpmScript(workdir, name string) bool {
	data, err := os.ReadFile(filepath.Join(workdir, "package.json"))
	if err != nil {
		return false
	}
	text := string(data)
	idx := strings.Index(text, fmt.Sprintf("\"%s\"", name))
	if idx < 0 {
		return false
	}
	rest := text[idx:]
	return !strings.Contains(rest[:min(len(rest), 120)], `Error: no test specified`)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
