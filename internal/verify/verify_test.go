package verify

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/CLIAIMONITOR/internal/types"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "verify-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}

	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", "a.txt")
	run("commit", "-m", "first")

	return dir
}

func commit(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("git", "add", name)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v: %s", err, out)
	}
	cmd = exec.Command("git", "commit", "-m", "change "+name)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit: %v: %s", err, out)
	}
}

func countCommits(t *testing.T, dir string) int {
	t.Helper()
	cmd := exec.Command("git", "rev-list", "--count", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, c := range out {
		if c >= '0' && c <= '9' {
			n = n*10 + int(c-'0')
		}
	}
	return n
}

func TestVerifyPassesWhenClaimsMatch(t *testing.T) {
	dir := initRepo(t)
	before := countCommits(t, dir)
	commit(t, dir, "b.txt", "two")

	e := New()
	result := e.Verify(context.Background(), types.VerifyRequest{
		WorkdirPath:       dir,
		CommitCountBefore: before,
		Claims: types.TaskClaims{
			CommitsCreated: 1,
			FilesModified:  []string{"b.txt"},
		},
	})

	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Checks)
	}
	if len(result.Checks) != 4 {
		t.Fatalf("expected 4 checks, got %d", len(result.Checks))
	}
}

func TestVerifyFailsOnOverclaimedCommits(t *testing.T) {
	dir := initRepo(t)
	before := countCommits(t, dir)
	commit(t, dir, "b.txt", "two")

	e := New()
	result := e.Verify(context.Background(), types.VerifyRequest{
		WorkdirPath:       dir,
		CommitCountBefore: before,
		Claims: types.TaskClaims{
			CommitsCreated: 5,
		},
	})

	if result.Success {
		t.Fatal("expected failure when claimed commits exceed actual")
	}
	if result.Checks[0].Name != types.CheckCommitsCreated || result.Checks[0].Passed {
		t.Errorf("expected commits_created check to fail, got %+v", result.Checks[0])
	}
}

func TestVerifyFailsOnUnmatchedFile(t *testing.T) {
	dir := initRepo(t)
	before := countCommits(t, dir)
	commit(t, dir, "b.txt", "two")

	e := New()
	result := e.Verify(context.Background(), types.VerifyRequest{
		WorkdirPath:       dir,
		CommitCountBefore: before,
		Claims: types.TaskClaims{
			CommitsCreated: 1,
			FilesModified:  []string{"nonexistent.txt"},
		},
	})

	if result.Success {
		t.Fatal("expected failure when claimed file was not actually changed")
	}
	if result.Checks[1].Name != types.CheckFilesModified || result.Checks[1].Passed {
		t.Errorf("expected files_modified check to fail, got %+v", result.Checks[1])
	}
}

func TestVerifySkipsUnrequestedChecks(t *testing.T) {
	dir := initRepo(t)
	e := New()
	result := e.Verify(context.Background(), types.VerifyRequest{
		WorkdirPath: dir,
		Claims:      types.TaskClaims{},
	})

	if !result.Success {
		t.Fatalf("expected success when nothing claimed and nothing requested, got %+v", result.Checks)
	}
	for _, c := range result.Checks {
		if c.Name == types.CheckTestsPass || c.Name == types.CheckTypesValid {
			if !c.Passed {
				t.Errorf("expected %s to pass trivially when not requested", c.Name)
			}
		}
	}
}

func TestVerifyRunsExplicitTestCommand(t *testing.T) {
	dir := initRepo(t)
	e := New()
	result := e.Verify(context.Background(), types.VerifyRequest{
		WorkdirPath:  dir,
		RunTests:     true,
		TestCommand:  "true",
		RunTypeCheck: true,
		TypeCheckCommand: "true",
	})

	if !result.Success {
		t.Fatalf("expected success with trivially-true commands, got %+v", result.Checks)
	}
}

func TestVerifyFailsOnFailingTestCommand(t *testing.T) {
	dir := initRepo(t)
	e := New()
	result := e.Verify(context.Background(), types.VerifyRequest{
		WorkdirPath: dir,
		RunTests:    true,
		TestCommand: "false",
	})

	if result.Success {
		t.Fatal("expected failure when test command exits non-zero")
	}
}
