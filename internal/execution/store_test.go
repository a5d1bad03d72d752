package execution

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kagan-dev/kagan/internal/db"
	"github.com/kagan-dev/kagan/internal/session"
	"github.com/kagan-dev/kagan/internal/workspace"
)

type fixture struct {
	store    *Store
	sessions *session.Store
	wsStore  *workspace.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conn, err := db.OpenSQLiteMemory()
	if err != nil {
		t.Fatal(err)
	}
	factory := db.NewFactory(db.NewSinglePool(conn))
	t.Cleanup(func() { _ = factory.Close() })

	wsStore, err := workspace.NewStore(factory)
	if err != nil {
		t.Fatal(err)
	}
	sessions, err := session.NewStore(factory)
	if err != nil {
		t.Fatal(err)
	}
	store, err := NewStore(factory)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{store: store, sessions: sessions, wsStore: wsStore}
}

// sessionForTask wires workspace and session rows so the task-scoped
// joins resolve.
func (f *fixture) sessionForTask(t *testing.T, taskID string) string {
	t.Helper()
	ctx := context.Background()

	ws := &workspace.Workspace{
		ProjectID:  "proj-1",
		TaskID:     &taskID,
		BranchName: "kagan/" + taskID[:8],
		Path:       "/tmp/" + taskID,
		Status:     workspace.StatusActive,
	}
	if err := f.wsStore.Create(ctx, ws); err != nil {
		t.Fatal(err)
	}

	sess := &session.Session{WorkspaceID: ws.ID, SessionType: session.TypeScript}
	if err := f.sessions.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}
	return sess.ID
}

func TestStartAndTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessID := f.sessionForTask(t, "task-1111-aaaa")

	proc := &Process{SessionID: sessID, RunReason: "auto"}
	if err := f.store.Start(ctx, proc); err != nil {
		t.Fatal(err)
	}
	if proc.Status != StatusRunning {
		t.Errorf("status = %s, want RUNNING", proc.Status)
	}
	if proc.StartedAt.IsZero() {
		t.Error("started_at not stamped")
	}

	exitCode := 0
	if err := f.store.SetTerminal(ctx, proc.ID, StatusSucceeded, &exitCode, nil); err != nil {
		t.Fatal(err)
	}

	got, err := f.store.Get(ctx, proc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("status = %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit_code = %v", got.ExitCode)
	}
}

func TestTerminalWriteHappensOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessID := f.sessionForTask(t, "task-2222-bbbb")

	proc := &Process{SessionID: sessID, RunReason: "auto"}
	if err := f.store.Start(ctx, proc); err != nil {
		t.Fatal(err)
	}

	errMsg := "cancelled by operator"
	if err := f.store.SetTerminal(ctx, proc.ID, StatusCancelled, nil, &errMsg); err != nil {
		t.Fatal(err)
	}

	// Child exit arriving after the cancellation must not overwrite it.
	exitCode := 1
	err := f.store.SetTerminal(ctx, proc.ID, StatusFailed, &exitCode, nil)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}

	got, err := f.store.Get(ctx, proc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED preserved", got.Status)
	}
}

func TestSetTerminalRejectsNonTerminal(t *testing.T) {
	f := newFixture(t)
	if err := f.store.SetTerminal(context.Background(), "whatever", StatusRunning, nil, nil); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestLogChunksReassemble(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessID := f.sessionForTask(t, "task-3333-cccc")

	proc := &Process{SessionID: sessID, RunReason: "auto"}
	if err := f.store.Start(ctx, proc); err != nil {
		t.Fatal(err)
	}

	chunks := []string{
		`{"type":"turn","n":1}` + "\n",
		`{"type":"text","body":"working"}` + "\n",
		`{"type":"complete"}` + "\n",
	}
	for _, c := range chunks {
		if err := f.store.AppendLog(ctx, proc.ID, c); err != nil {
			t.Fatal(err)
		}
	}

	logs, err := f.store.GetLogs(ctx, proc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if logs != strings.Join(chunks, "") {
		t.Errorf("reassembled logs = %q", logs)
	}

	stored, err := f.store.ListLogChunks(ctx, proc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(stored))
	}
	if stored[1].ByteSize != len(chunks[1]) {
		t.Errorf("byte_size = %d, want %d", stored[1].ByteSize, len(chunks[1]))
	}
	// Same-timestamp chunks keep insertion order via the rowid tiebreak.
	for i := 1; i < len(stored); i++ {
		if stored[i].ID <= stored[i-1].ID {
			t.Errorf("chunk ids not ascending: %d then %d", stored[i-1].ID, stored[i].ID)
		}
	}
}

func TestTurnsAndSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessID := f.sessionForTask(t, "task-4444-dddd")

	proc := &Process{SessionID: sessID, RunReason: "auto"}
	if err := f.store.Start(ctx, proc); err != nil {
		t.Fatal(err)
	}

	prompt := "fix the login bug"
	summary := "patched auth handler"
	if err := f.store.RecordTurn(ctx, &AgentTurn{
		ExecutionProcessID: proc.ID,
		Prompt:             &prompt,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.RecordTurn(ctx, &AgentTurn{
		ExecutionProcessID: proc.ID,
		Summary:            &summary,
	}); err != nil {
		t.Fatal(err)
	}

	turns, err := f.store.ListTurns(ctx, proc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Seen || turns[1].Seen {
		t.Error("new turns should be unseen")
	}

	if err := f.store.MarkTurnsSeen(ctx, proc.ID); err != nil {
		t.Fatal(err)
	}
	turns, err = f.store.ListTurns(ctx, proc.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, turn := range turns {
		if !turn.Seen {
			t.Errorf("turn %s still unseen", turn.ID)
		}
	}
}

func TestRepoStateSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessID := f.sessionForTask(t, "task-5555-eeee")

	proc := &Process{SessionID: sessID, RunReason: "auto"}
	if err := f.store.Start(ctx, proc); err != nil {
		t.Fatal(err)
	}

	if err := f.store.SnapshotBefore(ctx, proc.ID, "repo-1", "aaa111"); err != nil {
		t.Fatal(err)
	}
	merge := "ccc333"
	if err := f.store.SnapshotAfter(ctx, proc.ID, "repo-1", "bbb222", &merge); err != nil {
		t.Fatal(err)
	}

	states, err := f.store.ListRepoStates(ctx, proc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 state row, got %d", len(states))
	}
	st := states[0]
	if st.BeforeHeadCommit == nil || *st.BeforeHeadCommit != "aaa111" {
		t.Errorf("before = %v", st.BeforeHeadCommit)
	}
	if st.AfterHeadCommit == nil || *st.AfterHeadCommit != "bbb222" {
		t.Errorf("after = %v", st.AfterHeadCommit)
	}
	if st.MergeCommit == nil || *st.MergeCommit != "ccc333" {
		t.Errorf("merge = %v", st.MergeCommit)
	}
}

func TestLatestForTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := "task-6666-ffff"
	sessID := f.sessionForTask(t, taskID)

	if _, err := f.store.LatestForTask(ctx, taskID); !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("expected ErrProcessNotFound, got %v", err)
	}

	first := &Process{SessionID: sessID, RunReason: "auto"}
	if err := f.store.Start(ctx, first); err != nil {
		t.Fatal(err)
	}
	exitCode := 1
	if err := f.store.SetTerminal(ctx, first.ID, StatusFailed, &exitCode, nil); err != nil {
		t.Fatal(err)
	}

	second := &Process{SessionID: sessID, RunReason: "retry"}
	if err := f.store.Start(ctx, second); err != nil {
		t.Fatal(err)
	}

	latest, err := f.store.LatestForTask(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest = %s, want %s", latest.ID, second.ID)
	}

	count, err := f.store.CountForTask(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestRunningByTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	runningTask := "task-7777-aaaa"
	doneTask := "task-8888-bbbb"
	idleTask := "task-9999-cccc"

	runningSess := f.sessionForTask(t, runningTask)
	doneSess := f.sessionForTask(t, doneTask)
	f.sessionForTask(t, idleTask)

	running := &Process{SessionID: runningSess, RunReason: "auto"}
	if err := f.store.Start(ctx, running); err != nil {
		t.Fatal(err)
	}

	done := &Process{SessionID: doneSess, RunReason: "auto"}
	if err := f.store.Start(ctx, done); err != nil {
		t.Fatal(err)
	}
	exitCode := 0
	if err := f.store.SetTerminal(ctx, done.ID, StatusSucceeded, &exitCode, nil); err != nil {
		t.Fatal(err)
	}

	got, err := f.store.RunningByTasks(ctx, []string{runningTask, doneTask, idleTask})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 running task, got %d", len(got))
	}
	if got[runningTask] == nil || got[runningTask].ID != running.ID {
		t.Errorf("running map = %+v", got)
	}

	empty, err := f.store.RunningByTasks(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty map for no task ids")
	}
}

func TestMarkInterrupted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessID := f.sessionForTask(t, "task-aaaa-1111")

	proc := &Process{SessionID: sessID, RunReason: "auto"}
	if err := f.store.Start(ctx, proc); err != nil {
		t.Fatal(err)
	}

	n, err := f.store.MarkInterrupted(ctx, "interrupted by restart")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("interrupted %d rows, want 1", n)
	}

	got, err := f.store.Get(ctx, proc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || !got.Dropped {
		t.Errorf("status = %s dropped = %v", got.Status, got.Dropped)
	}
	if got.Error == nil || *got.Error != "interrupted by restart" {
		t.Errorf("error = %v", got.Error)
	}
}
