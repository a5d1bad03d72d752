package session

import (
	"context"
	"errors"
	"testing"

	"github.com/kagan-dev/kagan/internal/common/config"
	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/db"
	"github.com/kagan-dev/kagan/internal/task/models"
	"github.com/kagan-dev/kagan/internal/workspace"
)

type fakeTaskReader struct {
	tasks map[string]*models.Task
}

func (f *fakeTaskReader) GetTask(_ context.Context, id string) (*models.Task, error) {
	task, ok := f.tasks[id]
	if !ok {
		return nil, errors.New("task not found")
	}
	return task, nil
}

// fakeBackend records launches and simulates surface presence.
type fakeBackend struct {
	name     models.TerminalBackend
	launched []LaunchRequest
	present  bool
	failWith error
}

func (f *fakeBackend) Name() models.TerminalBackend { return f.name }

func (f *fakeBackend) Launch(_ context.Context, req LaunchRequest) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	f.launched = append(f.launched, req)
	f.present = true
	return req.SessionName, nil
}

func (f *fakeBackend) Exists(_ context.Context, _ LaunchRequest) bool {
	return f.present
}

type serviceFixture struct {
	svc     *Service
	store   *Store
	wsStore *workspace.Store
	backend *fakeBackend
	taskID  string
	wsPath  string
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	conn, err := db.OpenSQLiteMemory()
	if err != nil {
		t.Fatal(err)
	}
	factory := db.NewFactory(db.NewSinglePool(conn))
	t.Cleanup(func() { _ = factory.Close() })

	store, err := NewStore(factory)
	if err != nil {
		t.Fatal(err)
	}
	wsStore, err := workspace.NewStore(factory)
	if err != nil {
		t.Fatal(err)
	}

	taskID := "11112222-aaaa-bbbb-cccc-333344445555"
	tasks := &fakeTaskReader{tasks: map[string]*models.Task{
		taskID: {
			ID:          taskID,
			Title:       "Fix login",
			Description: "Users cannot log in.",
			Status:      models.StatusInProgress,
		},
	}}

	wsPath := t.TempDir()
	ws := &workspace.Workspace{
		ProjectID:  "proj-1",
		TaskID:     &taskID,
		BranchName: "kagan/11112222-fix-login",
		Path:       wsPath,
		Status:     workspace.StatusActive,
	}
	if err := wsStore.Create(context.Background(), ws); err != nil {
		t.Fatal(err)
	}

	backend := &fakeBackend{name: models.BackendTmux}
	cfg := config.GeneralConfig{
		DefaultWorkerAgent:         "claude",
		DefaultPairTerminalBackend: "tmux",
		DefaultModels:              map[string]string{"claude": "opus"},
	}

	svc := NewService(store, wsStore, tasks, []Backend{backend}, cfg,
		"http://127.0.0.1:7777/mcp", nil, logger.Default())

	return &serviceFixture{
		svc:     svc,
		store:   store,
		wsStore: wsStore,
		backend: backend,
		taskID:  taskID,
		wsPath:  wsPath,
	}
}

func TestCreateSession(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	sess, err := fx.svc.Create(ctx, CreateRequest{TaskID: fx.taskID})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != StatusActive {
		t.Errorf("status = %s", sess.Status)
	}
	if sess.SessionType != TypeTmux {
		t.Errorf("session type = %s", sess.SessionType)
	}
	if sess.ExternalID == nil || *sess.ExternalID != SessionName(fx.taskID) {
		t.Errorf("external id = %v", sess.ExternalID)
	}

	if len(fx.backend.launched) != 1 {
		t.Fatalf("expected 1 launch, got %d", len(fx.backend.launched))
	}
	req := fx.backend.launched[0]
	if req.Worktree != fx.wsPath {
		t.Errorf("worktree = %q, want %q", req.Worktree, fx.wsPath)
	}
	if req.Agent.Name != "claude" || req.Agent.Model != "opus" {
		t.Errorf("agent = %+v", req.Agent)
	}
	if req.CoreEndpoint != "http://127.0.0.1:7777/mcp" {
		t.Errorf("core endpoint = %q", req.CoreEndpoint)
	}
}

func TestCreateSessionReusesExisting(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	first, err := fx.svc.Create(ctx, CreateRequest{TaskID: fx.taskID})
	if err != nil {
		t.Fatal(err)
	}

	second, err := fx.svc.Create(ctx, CreateRequest{TaskID: fx.taskID, ReuseIfExists: true})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("expected reuse of %s, got %s", first.ID, second.ID)
	}
	if len(fx.backend.launched) != 1 {
		t.Errorf("expected no relaunch, got %d launches", len(fx.backend.launched))
	}
}

func TestCreateSessionReplacesStaleRecord(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	first, err := fx.svc.Create(ctx, CreateRequest{TaskID: fx.taskID})
	if err != nil {
		t.Fatal(err)
	}

	// The surface is gone but the record is still ACTIVE.
	fx.backend.present = false

	second, err := fx.svc.Create(ctx, CreateRequest{TaskID: fx.taskID, ReuseIfExists: true})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Error("expected a fresh session, got the stale one")
	}

	stale, err := fx.store.Get(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stale.Status != StatusFailed {
		t.Errorf("stale session status = %s, want FAILED", stale.Status)
	}
	if stale.EndedAt == nil {
		t.Error("stale session missing ended_at")
	}
}

func TestCreateSessionRejectsWrongWorktree(t *testing.T) {
	fx := newServiceFixture(t)

	_, err := fx.svc.Create(context.Background(), CreateRequest{
		TaskID:       fx.taskID,
		WorktreePath: "/somewhere/else",
	})

	var pathErr *InvalidWorktreePathError
	if !errors.As(err, &pathErr) {
		t.Fatalf("expected InvalidWorktreePathError, got %v", err)
	}
	if pathErr.Expected != fx.wsPath {
		t.Errorf("expected path %q, got %q", fx.wsPath, pathErr.Expected)
	}
	if len(fx.backend.launched) != 0 {
		t.Error("backend launched despite path mismatch")
	}
}

func TestCreateSessionWrapsBackendFailure(t *testing.T) {
	fx := newServiceFixture(t)
	fx.backend.failWith = errors.New("tmux: command not found")

	_, err := fx.svc.Create(context.Background(), CreateRequest{TaskID: fx.taskID})

	var createErr *SessionCreateFailedError
	if !errors.As(err, &createErr) {
		t.Fatalf("expected SessionCreateFailedError, got %v", err)
	}
	if createErr.Backend != "tmux" {
		t.Errorf("backend = %q", createErr.Backend)
	}
	if !errors.Is(err, fx.backend.failWith) {
		t.Error("expected wrapped cause")
	}
}

func TestExists(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	ok, err := fx.svc.Exists(ctx, fx.taskID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected no session before create")
	}

	if _, err := fx.svc.Create(ctx, CreateRequest{TaskID: fx.taskID}); err != nil {
		t.Fatal(err)
	}

	ok, err = fx.svc.Exists(ctx, fx.taskID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected session after create")
	}

	// Surface lost out from under the record.
	fx.backend.present = false
	ok, err = fx.svc.Exists(ctx, fx.taskID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected false when backend surface is gone")
	}
}

func TestCloseSession(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	sess, err := fx.svc.Create(ctx, CreateRequest{TaskID: fx.taskID})
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.svc.Close(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	got, err := fx.store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusClosed {
		t.Errorf("status = %s", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("missing ended_at")
	}
}

func TestCreateSessionFallsBackToConfigBackend(t *testing.T) {
	fx := newServiceFixture(t)
	// Task has no backend preference; config names tmux.
	sess, err := fx.svc.Create(context.Background(), CreateRequest{TaskID: fx.taskID})
	if err != nil {
		t.Fatal(err)
	}
	if sess.SessionType != TypeTmux {
		t.Errorf("session type = %s", sess.SessionType)
	}
}

func TestCreateSessionUnknownBackend(t *testing.T) {
	fx := newServiceFixture(t)
	fx.svc.cfg.DefaultPairTerminalBackend = "vscode" // not registered in this fixture

	_, err := fx.svc.Create(context.Background(), CreateRequest{TaskID: fx.taskID})
	if err == nil {
		t.Fatal("expected error for unregistered backend")
	}
}
