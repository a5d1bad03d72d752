package automation

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kagan-dev/kagan/internal/common/config"
	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/db"
	"github.com/kagan-dev/kagan/internal/events/bus"
	"github.com/kagan-dev/kagan/internal/execution"
	"github.com/kagan-dev/kagan/internal/session"
	"github.com/kagan-dev/kagan/internal/task/models"
	"github.com/kagan-dev/kagan/internal/workspace"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type fakeTasks struct {
	mu    sync.Mutex
	task  *models.Task
	syncs []bool
}

func (f *fakeTasks) Get(_ context.Context, taskID string) (*models.Task, error) {
	if f.task == nil || f.task.ID != taskID {
		return nil, errors.New("task not found")
	}
	return f.task, nil
}

func (f *fakeTasks) SyncStatusFromAgentComplete(_ context.Context, _ string, success bool) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, success)
	return f.task, nil
}

func (f *fakeTasks) syncCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.syncs...)
}

type fakeWorkspaces struct {
	ws    *workspace.Workspace
	heads map[string]string
	diffs []workspace.RepoDiff
}

func (f *fakeWorkspaces) EnsureProvisioned(_ context.Context, _ *models.Task) (*workspace.Workspace, error) {
	return f.ws, nil
}

func (f *fakeWorkspaces) Diff(_ context.Context, _ string) ([]workspace.RepoDiff, error) {
	return f.diffs, nil
}

func (f *fakeWorkspaces) RepoHeads(_ context.Context, _ string) (map[string]string, error) {
	return f.heads, nil
}

// fakeProc is a scripted agent subprocess.
type fakeProc struct {
	stdout io.Reader
	stderr io.Reader
	exit   int

	mu       sync.Mutex
	exited   chan struct{}
	stopped  bool
	exitOnce sync.Once
}

func newFakeProc(stdout, stderr string, exit int) *fakeProc {
	return &fakeProc{
		stdout: strings.NewReader(stdout),
		stderr: strings.NewReader(stderr),
		exit:   exit,
		exited: make(chan struct{}),
	}
}

// release lets Wait return. Procs that script immediate completion
// call it up front.
func (p *fakeProc) release() {
	p.exitOnce.Do(func() { close(p.exited) })
}

func (p *fakeProc) Stdout() io.Reader { return p.stdout }
func (p *fakeProc) Stderr() io.Reader { return p.stderr }

func (p *fakeProc) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		return p.exit, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *fakeProc) Stop(_ time.Duration) {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.release()
}

func (p *fakeProc) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type fakeLauncher struct {
	mu     sync.Mutex
	procs  []*fakeProc
	specs  []LaunchSpec
	failed error
}

func (f *fakeLauncher) Spawn(_ context.Context, spec LaunchSpec) (AgentProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed != nil {
		return nil, f.failed
	}
	if len(f.procs) == 0 {
		return nil, errors.New("no scripted process")
	}
	proc := f.procs[0]
	f.procs = f.procs[1:]
	f.specs = append(f.specs, spec)
	return proc, nil
}

func (f *fakeLauncher) spawnedSpecs() []LaunchSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LaunchSpec(nil), f.specs...)
}

type harness struct {
	svc        *Service
	tasks      *fakeTasks
	launcher   *fakeLauncher
	executions *execution.Store
	bus        bus.EventBus
	taskID     string

	eventMu sync.Mutex
	events  []*bus.Event
}

func newHarness(t *testing.T, cfg config.GeneralConfig) *harness {
	t.Helper()

	conn, err := db.OpenSQLiteMemory()
	if err != nil {
		t.Fatal(err)
	}
	factory := db.NewFactory(db.NewSinglePool(conn))
	t.Cleanup(func() { _ = factory.Close() })

	sessions, err := session.NewStore(factory)
	if err != nil {
		t.Fatal(err)
	}
	executions, err := execution.NewStore(factory)
	if err != nil {
		t.Fatal(err)
	}

	taskID := "task-auto-0001"
	tasks := &fakeTasks{task: &models.Task{
		ID:          taskID,
		ProjectID:   "proj-1",
		Title:       "Fix login",
		Description: "Users cannot log in.",
		Status:      models.StatusInProgress,
		TaskType:    models.TypeAuto,
	}}

	workspaces := &fakeWorkspaces{
		ws:    &workspace.Workspace{ID: "ws-1", ProjectID: "proj-1", TaskID: &taskID, Path: t.TempDir()},
		heads: map[string]string{"repo-1": "abc123"},
	}

	launcher := &fakeLauncher{}
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	h := &harness{
		tasks:      tasks,
		launcher:   launcher,
		executions: executions,
		bus:        eventBus,
		taskID:     taskID,
	}
	if _, err := eventBus.Subscribe("automation.>", func(_ context.Context, ev *bus.Event) error {
		h.eventMu.Lock()
		h.events = append(h.events, ev)
		h.eventMu.Unlock()
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	h.svc = NewService(cfg, tasks, workspaces, sessions, executions, launcher, eventBus, logger.Default())
	return h
}

func (h *harness) eventOfType(eventType string) *bus.Event {
	h.eventMu.Lock()
	defer h.eventMu.Unlock()
	for _, ev := range h.events {
		if ev.Type == eventType {
			return ev
		}
	}
	return nil
}

// waitEvent blocks until an event of the type has been delivered.
func (h *harness) waitEvent(t *testing.T, eventType string) *bus.Event {
	t.Helper()
	waitUntil(t, 2*time.Second, func() bool { return h.eventOfType(eventType) != nil })
	return h.eventOfType(eventType)
}

func defaultTestConfig() config.GeneralConfig {
	return config.GeneralConfig{
		MaxConcurrentAgents: 2,
		DefaultWorkerAgent:  "claude",
		AutoReview:          false,
	}
}

func TestSuccessfulRun(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	stdout := `{"type":"turn","prompt":"fix the login bug"}` + "\n" +
		`{"type":"text","text":"working"}` + "\n" +
		`{"type":"complete"}` + "\n"
	proc := newFakeProc(stdout, "", 0)
	proc.release()
	h.launcher.procs = []*fakeProc{proc}

	if err := h.svc.SpawnForTask(context.Background(), h.taskID); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.svc.ActiveCount() == 0 })

	started := h.waitEvent(t, bus.SubjectAutomationTaskStarted)
	execID := started.Data["execution_id"].(string)

	got, err := h.executions.Get(context.Background(), execID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != execution.StatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", got.Status)
	}

	logs, err := h.executions.GetLogs(context.Background(), execID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(logs, `"type":"turn"`) {
		t.Errorf("logs missing turn line: %q", logs)
	}

	turns, err := h.executions.ListTurns(context.Background(), execID)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Prompt == nil || *turns[0].Prompt != "fix the login bug" {
		t.Errorf("turns = %+v", turns)
	}

	states, err := h.executions.ListRepoStates(context.Background(), execID)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].BeforeHeadCommit == nil || states[0].AfterHeadCommit == nil {
		t.Errorf("repo states = %+v", states)
	}

	syncs := h.tasks.syncCalls()
	if len(syncs) != 1 || !syncs[0] {
		t.Errorf("sync calls = %v, want [true]", syncs)
	}

	ended := h.waitEvent(t, bus.SubjectAutomationTaskEnded)
	if success, _ := ended.Data["success"].(bool); !success {
		t.Error("task ended event reports failure")
	}
}

func TestFailedRunCapturesStderrTail(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	proc := newFakeProc("partial output\n", "warning: something\nfatal: agent crashed\n", 1)
	proc.release()
	h.launcher.procs = []*fakeProc{proc}

	if err := h.svc.SpawnForTask(context.Background(), h.taskID); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.svc.ActiveCount() == 0 })

	started := h.waitEvent(t, bus.SubjectAutomationTaskStarted)
	execID := started.Data["execution_id"].(string)

	got, err := h.executions.Get(context.Background(), execID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != execution.StatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if got.Error == nil || *got.Error != "fatal: agent crashed" {
		t.Errorf("error = %v, want last stderr line", got.Error)
	}

	syncs := h.tasks.syncCalls()
	if len(syncs) != 1 || syncs[0] {
		t.Errorf("sync calls = %v, want [false]", syncs)
	}
}

func TestExitZeroWithoutCompleteIsFailure(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	proc := newFakeProc("some output, no terminator\n", "", 0)
	proc.release()
	h.launcher.procs = []*fakeProc{proc}

	if err := h.svc.SpawnForTask(context.Background(), h.taskID); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.svc.ActiveCount() == 0 })

	execID := h.waitEvent(t, bus.SubjectAutomationTaskStarted).Data["execution_id"].(string)
	got, err := h.executions.Get(context.Background(), execID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != execution.StatusFailed {
		t.Errorf("status = %s, want FAILED without complete marker", got.Status)
	}
}

func TestStopTaskCancelsRun(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	// Never exits on its own.
	proc := newFakeProc("", "", 0)
	h.launcher.procs = []*fakeProc{proc}

	if err := h.svc.SpawnForTask(context.Background(), h.taskID); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		state, ok := h.svc.State(h.taskID)
		return ok && state == StateRunning
	})

	if err := h.svc.StopTask(h.taskID); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.svc.ActiveCount() == 0 })

	if !proc.wasStopped() {
		t.Error("subprocess was not stopped")
	}

	execID := h.waitEvent(t, bus.SubjectAutomationTaskStarted).Data["execution_id"].(string)
	got, err := h.executions.Get(context.Background(), execID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != execution.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}

	if syncs := h.tasks.syncCalls(); len(syncs) != 0 {
		t.Errorf("cancelled run must not sync task status, got %v", syncs)
	}
}

func TestStopTaskUnknown(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	if err := h.svc.StopTask("nope"); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestCapacityAndDuplicateSpawns(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxConcurrentAgents = 1
	h := newHarness(t, cfg)

	proc := newFakeProc("", "", 0)
	h.launcher.procs = []*fakeProc{proc}

	if err := h.svc.SpawnForTask(context.Background(), h.taskID); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		state, ok := h.svc.State(h.taskID)
		return ok && state == StateRunning
	})

	if err := h.svc.SpawnForTask(context.Background(), h.taskID); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := h.svc.SpawnForTask(context.Background(), "task-other"); !errors.Is(err, ErrAtCapacity) {
		t.Errorf("expected ErrAtCapacity, got %v", err)
	}

	if err := h.svc.StopTask(h.taskID); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.svc.ActiveCount() == 0 })
}

func TestAutoReviewRuns(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.AutoReview = true
	h := newHarness(t, cfg)

	work := newFakeProc(`{"type":"complete"}`+"\n", "", 0)
	work.release()
	review := newFakeProc("<complete/>\n", "", 0)
	review.release()
	h.launcher.procs = []*fakeProc{work, review}

	if err := h.svc.SpawnForTask(context.Background(), h.taskID); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.svc.ActiveCount() == 0 })

	attached := h.waitEvent(t, bus.SubjectAutomationReviewAgentAttached)
	reviewExecID := attached.Data["execution_id"].(string)

	got, err := h.executions.Get(context.Background(), reviewExecID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RunReason != "review" || got.Status != execution.StatusSucceeded {
		t.Errorf("review execution = %+v", got)
	}

	specs := h.launcher.spawnedSpecs()
	if len(specs) != 2 {
		t.Fatalf("expected 2 spawns, got %d", len(specs))
	}
	if !specs[1].ReadOnly {
		t.Error("review agent must be read-only")
	}

	ended := h.waitEvent(t, bus.SubjectAutomationTaskEnded)
	if outcome, _ := ended.Data["review"].(string); outcome != "REVIEW_DONE" {
		t.Errorf("review outcome = %v", ended.Data["review"])
	}
}

func TestShutdownDrainsWorkers(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	proc := newFakeProc("", "", 0)
	h.launcher.procs = []*fakeProc{proc}

	if err := h.svc.SpawnForTask(context.Background(), h.taskID); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		state, ok := h.svc.State(h.taskID)
		return ok && state == StateRunning
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.svc.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if h.svc.ActiveCount() != 0 {
		t.Error("workers still active after shutdown")
	}
}

func TestChunkerDedupAndFlush(t *testing.T) {
	var chunks []string
	c := newChunker(32, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})

	// Identical consecutive text lines are shed.
	_ = c.Add("same text", true)
	_ = c.Add("same text", true)
	_ = c.Add("same text", true)
	_ = c.Flush()
	if len(chunks) != 1 || chunks[0] != "same text\n" {
		t.Errorf("chunks = %q", chunks)
	}

	// Buffer overflow flushes mid-stream.
	chunks = nil
	_ = c.Add(strings.Repeat("x", 40), false)
	if len(chunks) != 1 {
		t.Errorf("expected overflow flush, got %q", chunks)
	}
}

type captureSink struct {
	chunks []string
	turns  []streamEvent
}

func (s *captureSink) AppendChunk(chunk string) error { s.chunks = append(s.chunks, chunk); return nil }
func (s *captureSink) Turn(ev streamEvent) error      { s.turns = append(s.turns, ev); return nil }

func TestConsumeStream(t *testing.T) {
	input := `{"type":"turn","prompt":"start","agent_message_id":"m1"}` + "\n" +
		"plain text line\n" +
		`{"type":"text","text":"dup"}` + "\n" +
		"<complete/>\n"

	sink := &captureSink{}
	complete, err := consumeStream(context.Background(), strings.NewReader(input), sink)
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Error("terminator not detected")
	}
	if len(sink.turns) != 1 || sink.turns[0].AgentMessageID != "m1" {
		t.Errorf("turns = %+v", sink.turns)
	}
	full := strings.Join(sink.chunks, "")
	if !strings.Contains(full, "plain text line") || !strings.Contains(full, "<complete/>") {
		t.Errorf("log content = %q", full)
	}
}

func TestConsumeStreamJSONComplete(t *testing.T) {
	sink := &captureSink{}
	complete, err := consumeStream(context.Background(),
		strings.NewReader(`{"type":"complete"}`+"\n"), sink)
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Error("json complete event not detected")
	}
}

func TestHeadlessArgs(t *testing.T) {
	tests := []struct {
		name string
		spec LaunchSpec
		want []string
	}{
		{
			name: "claude streaming",
			spec: LaunchSpec{Agent: "claude", Prompt: "do it"},
			want: []string{"-p", "do it", "--output-format", "stream-json", "--verbose"},
		},
		{
			name: "claude read-only review",
			spec: LaunchSpec{Agent: "claude", Prompt: "review it", ReadOnly: true},
			want: []string{"-p", "review it", "--output-format", "stream-json", "--verbose", "--permission-mode", "plan"},
		},
		{
			name: "codex exec json",
			spec: LaunchSpec{Agent: "codex", Prompt: "do it"},
			want: []string{"exec", "--json", "do it"},
		},
		{
			name: "unknown agent bare prompt",
			spec: LaunchSpec{Agent: "somecli", Prompt: "do it"},
			want: []string{"do it"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			command, args := headlessArgs(tt.spec)
			if command != tt.spec.Agent {
				t.Errorf("command = %q", command)
			}
			if len(args) != len(tt.want) {
				t.Fatalf("args = %v, want %v", args, tt.want)
			}
			for i := range args {
				if args[i] != tt.want[i] {
					t.Errorf("args[%d] = %q, want %q", i, args[i], tt.want[i])
				}
			}
		})
	}
}
