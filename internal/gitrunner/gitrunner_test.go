package gitrunner

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHasTrackedUncommittedChanges(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"empty", "", false},
		{"untracked only", "?? newfile.go\n?? another.txt\n", false},
		{"modified file", " M main.go\n", true},
		{"staged file", "M  main.go\n", true},
		{"deleted file", " D old.go\n", true},
		{"ignored mcp config", " M .mcp.json\n", false},
		{"ignored opencode config", " M opencode.json\n", false},
		{"ignored kagan json", " M kagan-settings.json\n", false},
		{"ignored suffix kagan json", " M mykagan.json\n", false},
		{"ignored kagan dir", " M .kagan/session.json\n", false},
		{"mixed ignored and real", " M .mcp.json\n M main.go\n", true},
		{"untracked plus ignored", "?? junk.txt\n M .kagan/start_prompt.md\n", false},
		{"rename to real file", "R  old.go -> new.go\n", true},
		{"rename to ignored file", "R  config.json -> .mcp.json\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasTrackedUncommittedChanges(tt.output); got != tt.want {
				t.Errorf("got %v, want %v for %q", got, tt.want, tt.output)
			}
		})
	}
}

func TestIsIgnoredPath(t *testing.T) {
	ignored := []string{
		".mcp.json",
		"opencode.json",
		"kagan.json",
		"kagan-local.json",
		"teamkagan.json",
		".kagan",
		".kagan/session.json",
		"sub/dir/.mcp.json",
	}
	for _, p := range ignored {
		if !isIgnoredPath(p) {
			t.Errorf("expected %q to be ignored", p)
		}
	}

	notIgnored := []string{
		"main.go",
		"config.json",
		"kagan.go",
		"docs/kagan.md",
	}
	for _, p := range notIgnored {
		if isIgnoredPath(p) {
			t.Errorf("expected %q to not be ignored", p)
		}
	}
}

func TestParseBaseRefStrategy(t *testing.T) {
	for _, s := range []string{"remote", "local", "local_if_ahead"} {
		got, err := ParseBaseRefStrategy(s)
		if err != nil {
			t.Errorf("%s: unexpected error %v", s, err)
		}
		if string(got) != s {
			t.Errorf("%s: got %s", s, got)
		}
	}

	got, err := ParseBaseRefStrategy("")
	if err != nil || got != StrategyRemote {
		t.Errorf("empty strategy: got %v, %v", got, err)
	}

	if _, err := ParseBaseRefStrategy("bogus"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestParseNameStatus(t *testing.T) {
	out := "A\tnew.go\nM\tmain.go\nD\told.go\nR100\tbefore.go\tafter.go\nC75\tsrc.go\tcopy.go\n"
	changes := parseNameStatus(out)
	if len(changes) != 5 {
		t.Fatalf("expected 5 changes, got %d", len(changes))
	}

	want := []struct {
		path   string
		status FileStatus
	}{
		{"new.go", FileAdded},
		{"main.go", FileModified},
		{"old.go", FileDeleted},
		{"after.go", FileRenamed},
		{"copy.go", FileCopied},
	}
	for i, w := range want {
		if changes[i].Path != w.path || changes[i].Status != w.status {
			t.Errorf("change %d: got %+v, want %+v", i, changes[i], w)
		}
	}
}

func TestParseNumstat(t *testing.T) {
	changes := []FileChange{
		{Path: "new.go", Status: FileAdded},
		{Path: "main.go", Status: FileModified},
		{Path: "image.png", Status: FileAdded},
	}
	out := "10\t0\tnew.go\n3\t7\tmain.go\n-\t-\timage.png\n"
	changes = parseNumstat(out, changes)

	if changes[0].Additions != 10 || changes[0].Deletions != 0 {
		t.Errorf("new.go: got +%d -%d", changes[0].Additions, changes[0].Deletions)
	}
	if changes[1].Additions != 3 || changes[1].Deletions != 7 {
		t.Errorf("main.go: got +%d -%d", changes[1].Additions, changes[1].Deletions)
	}
	// Binary files keep zero counts.
	if changes[2].Additions != 0 || changes[2].Deletions != 0 {
		t.Errorf("image.png: got +%d -%d", changes[2].Additions, changes[2].Deletions)
	}
}

func TestGitErrorMessage(t *testing.T) {
	err := &GitError{
		Args:     []string{"merge", "--squash", "kagan/abc"},
		ExitCode: 1,
		Stderr:   "error: could not apply",
		Attempts: 2,
	}
	msg := err.Error()
	if msg != "git merge --squash kagan/abc: exit 1: error: could not apply" {
		t.Errorf("unexpected message: %q", msg)
	}

	// Falls back to stdout when stderr is empty.
	err = &GitError{Args: []string{"status"}, ExitCode: 128, Stdout: "fatal: not a repo"}
	if err.Error() != "git status: exit 128: fatal: not a repo" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestMainRepoPath(t *testing.T) {
	dir := t.TempDir()
	worktree := filepath.Join(dir, "wt")
	if err := os.MkdirAll(worktree, 0755); err != nil {
		t.Fatal(err)
	}

	mainRepo := filepath.Join(dir, "repo")
	gitdir := filepath.Join(mainRepo, ".git", "worktrees", "wt")
	content := "gitdir: " + gitdir + "\n"
	if err := os.WriteFile(filepath.Join(worktree, ".git"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := MainRepoPath(worktree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != mainRepo {
		t.Errorf("got %q, want %q", got, mainRepo)
	}
}

func TestMainRepoPathNotWorktree(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".git"), []byte("not a pointer"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := MainRepoPath(dir); err == nil {
		t.Error("expected error for non-worktree .git file")
	}
}

func TestDecodeNameStatus(t *testing.T) {
	cases := map[string]FileStatus{
		"A":    FileAdded,
		"M":    FileModified,
		"D":    FileDeleted,
		"R100": FileRenamed,
		"C50":  FileCopied,
		"T":    FileModified,
	}
	for code, want := range cases {
		if got := decodeNameStatus(code); got != want {
			t.Errorf("%s: got %s, want %s", code, got, want)
		}
	}
}
