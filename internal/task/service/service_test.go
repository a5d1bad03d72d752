package service

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/db"
	"github.com/kagan-dev/kagan/internal/events/bus"
	"github.com/kagan-dev/kagan/internal/task/models"
	"github.com/kagan-dev/kagan/internal/task/repository"
)

type capture struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (c *capture) add(e *bus.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func (c *capture) waitCount(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %v", n, c.types())
}

func newTestService(t *testing.T) (*Service, *capture, string) {
	t.Helper()

	conn, err := db.OpenSQLiteMemory()
	if err != nil {
		t.Fatal(err)
	}
	factory := db.NewFactory(db.NewSinglePool(conn))
	t.Cleanup(func() { _ = factory.Close() })

	store, err := repository.NewStore(factory)
	if err != nil {
		t.Fatal(err)
	}

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	cap := &capture{}
	if _, err := eventBus.Subscribe("task.>", func(ctx context.Context, e *bus.Event) error {
		cap.add(e)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	project := &models.Project{Name: "demo"}
	if err := store.CreateProject(context.Background(), project); err != nil {
		t.Fatal(err)
	}

	return NewService(store, eventBus, logger.Default()), cap, project.ID
}

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"", nil},
		{"no mentions here", nil},
		{"fix @11111111", []string{"11111111"}},
		{"see @ABCDEF12 and @12345678", []string{"12345678", "ABCDEF12"}},
		{"dup @11111111 @11111111", []string{"11111111"}},
		{"short @1234567 long @123456789", nil},
		{"mixed @abcd1234!", []string{"abcd1234"}},
	}

	for _, tt := range tests {
		got := ExtractMentions(tt.text)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ExtractMentions(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestExtractMentionsEmbedded(t *testing.T) {
	// A 9-character token must not yield an 8-character prefix match.
	if got := ExtractMentions("@123456789"); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestCreateEmitsEventAndLinks(t *testing.T) {
	svc, cap, projectID := newTestService(t)
	ctx := context.Background()

	ref := &models.Task{ID: "11111111", ProjectID: projectID, Title: "ref"}
	if err := svc.Store().CreateTask(ctx, ref); err != nil {
		t.Fatal(err)
	}

	task, err := svc.Create(ctx, CreateRequest{
		ProjectID:   projectID,
		Title:       "fix the thing",
		Description: "depends on @11111111 and missing @99999999",
	})
	if err != nil {
		t.Fatal(err)
	}

	links, err := svc.GetLinks(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(links, []string{"11111111"}) {
		t.Errorf("links: got %v", links)
	}

	cap.waitCount(t, 1)
	types := cap.types()
	found := false
	for _, ty := range types {
		if ty == bus.SubjectTaskCreated {
			found = true
		}
	}
	if !found {
		t.Errorf("expected task.created in %v", types)
	}
}

func TestUpdateDescriptionResyncsLinks(t *testing.T) {
	svc, _, projectID := newTestService(t)
	ctx := context.Background()

	ref := &models.Task{ID: "11111111", ProjectID: projectID, Title: "ref"}
	if err := svc.Store().CreateTask(ctx, ref); err != nil {
		t.Fatal(err)
	}

	task, err := svc.Create(ctx, CreateRequest{ProjectID: projectID, Title: "t", Description: "fix @11111111"})
	if err != nil {
		t.Fatal(err)
	}

	// New description mentions only a nonexistent task; links empty out.
	desc := "fix @22222222"
	if _, err := svc.Update(ctx, task.ID, UpdateFields{Description: &desc}); err != nil {
		t.Fatal(err)
	}
	links, err := svc.GetLinks(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 0 {
		t.Errorf("links: got %v, want empty", links)
	}
}

func TestStatusChangeEventOnlyOnActualChange(t *testing.T) {
	svc, cap, projectID := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateRequest{ProjectID: projectID, Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	cap.waitCount(t, 1)

	// Same-status update must not emit a status change event.
	status := models.StatusBacklog
	if _, err := svc.Update(ctx, task.ID, UpdateFields{Status: &status}); err != nil {
		t.Fatal(err)
	}

	// A real change emits both updated and status_changed.
	status = models.StatusInProgress
	if _, err := svc.Update(ctx, task.ID, UpdateFields{Status: &status}); err != nil {
		t.Fatal(err)
	}
	cap.waitCount(t, 3)

	var statusEvents int
	for _, ty := range cap.types() {
		if ty == bus.SubjectTaskStatusChanged {
			statusEvents++
		}
	}
	if statusEvents != 1 {
		t.Errorf("status change events: got %d, want 1", statusEvents)
	}
}

func TestSyncStatusFromAgentComplete(t *testing.T) {
	svc, _, projectID := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateRequest{ProjectID: projectID, Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SetStatus(ctx, task.ID, models.StatusInProgress); err != nil {
		t.Fatal(err)
	}

	got, err := svc.SyncStatusFromAgentComplete(ctx, task.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusReview {
		t.Errorf("got %s, want REVIEW", got.Status)
	}

	// Second call is a no-op: task is no longer IN_PROGRESS.
	again, err := svc.SyncStatusFromAgentComplete(ctx, task.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != models.StatusReview {
		t.Errorf("got %s after repeat, want REVIEW", again.Status)
	}
}

func TestSyncStatusFromAgentCompleteFailure(t *testing.T) {
	svc, _, projectID := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateRequest{ProjectID: projectID, Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SetStatus(ctx, task.ID, models.StatusInProgress); err != nil {
		t.Fatal(err)
	}

	got, err := svc.SyncStatusFromAgentComplete(ctx, task.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusInProgress {
		t.Errorf("got %s, want IN_PROGRESS", got.Status)
	}
}

func TestReviewTransitions(t *testing.T) {
	svc, _, projectID := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateRequest{ProjectID: projectID, Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SetStatus(ctx, task.ID, models.StatusReview); err != nil {
		t.Fatal(err)
	}

	got, err := svc.SyncStatusFromReviewReject(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusInProgress {
		t.Errorf("reject: got %s", got.Status)
	}

	if _, err := svc.SetStatus(ctx, task.ID, models.StatusReview); err != nil {
		t.Fatal(err)
	}
	got, err = svc.SyncStatusFromReviewPass(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusDone {
		t.Errorf("pass: got %s", got.Status)
	}

	// Pass on a DONE task is a no-op.
	got, err = svc.SyncStatusFromReviewPass(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusDone {
		t.Errorf("repeat pass: got %s", got.Status)
	}
}

func TestMoveInvalidStatus(t *testing.T) {
	svc, _, projectID := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateRequest{ProjectID: projectID, Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Move(ctx, task.ID, "BOGUS"); err == nil {
		t.Error("expected error for invalid status")
	}
}
