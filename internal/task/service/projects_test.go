package service

import (
	"context"
	"errors"
	"testing"

	"github.com/kagan-dev/kagan/internal/task/repository"
)

func TestCreateProjectRequiresName(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.CreateProject(context.Background(), "", "no name"); err == nil {
		t.Fatal("expected error for empty project name")
	}
}

func TestAttachRepoCreatesRecordAndPrepares(t *testing.T) {
	svc, _, projectID := newTestService(t)
	ctx := context.Background()

	var prepared []string
	svc.SetRepoPreparer(func(_ context.Context, repoPath string) error {
		prepared = append(prepared, repoPath)
		return nil
	})

	dir := t.TempDir()
	repo, err := svc.AttachRepo(ctx, AttachRepoRequest{
		ProjectID: projectID,
		Path:      dir,
		IsPrimary: true,
	})
	if err != nil {
		t.Fatalf("AttachRepo: %v", err)
	}
	if repo.ID == "" || repo.Path != dir {
		t.Errorf("repo = %+v", repo)
	}
	if repo.DefaultBranch != "main" {
		t.Errorf("default branch = %q, want main", repo.DefaultBranch)
	}
	if len(prepared) != 1 || prepared[0] != dir {
		t.Errorf("prepared = %v", prepared)
	}

	repos, err := svc.ListProjectRepos(ctx, projectID)
	if err != nil {
		t.Fatalf("ListProjectRepos: %v", err)
	}
	if len(repos) != 1 || repos[0].ID != repo.ID {
		t.Errorf("repos = %+v", repos)
	}
}

func TestAttachRepoReusesExistingPath(t *testing.T) {
	svc, _, projectID := newTestService(t)
	ctx := context.Background()

	calls := 0
	svc.SetRepoPreparer(func(context.Context, string) error {
		calls++
		return nil
	})

	dir := t.TempDir()
	first, err := svc.AttachRepo(ctx, AttachRepoRequest{ProjectID: projectID, Path: dir})
	if err != nil {
		t.Fatalf("first attach: %v", err)
	}

	second, err := svc.CreateProject(ctx, "other", "")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	reused, err := svc.AttachRepo(ctx, AttachRepoRequest{ProjectID: second.ID, Path: dir})
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}

	if reused.ID != first.ID {
		t.Errorf("repo IDs differ: %s vs %s", first.ID, reused.ID)
	}
	// Preparation runs only when the repo record is first created.
	if calls != 1 {
		t.Errorf("preparer calls = %d, want 1", calls)
	}
}

func TestAttachRepoPreparerFailureDoesNotBlock(t *testing.T) {
	svc, _, projectID := newTestService(t)

	svc.SetRepoPreparer(func(context.Context, string) error {
		return errors.New("gitignore write failed")
	})

	repo, err := svc.AttachRepo(context.Background(), AttachRepoRequest{
		ProjectID: projectID,
		Path:      t.TempDir(),
	})
	if err != nil {
		t.Fatalf("AttachRepo: %v", err)
	}
	if repo.ID == "" {
		t.Error("repo not created")
	}
}

func TestAttachRepoUnknownProject(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.AttachRepo(context.Background(), AttachRepoRequest{
		ProjectID: "deadbeef",
		Path:      t.TempDir(),
	})
	if !errors.Is(err, repository.ErrProjectNotFound) {
		t.Fatalf("err = %v, want ErrProjectNotFound", err)
	}
}

func TestOpenProjectTouchesLastOpened(t *testing.T) {
	svc, _, projectID := newTestService(t)
	ctx := context.Background()

	opened, err := svc.OpenProject(ctx, projectID)
	if err != nil {
		t.Fatalf("OpenProject: %v", err)
	}
	if opened.LastOpenedAt == nil {
		t.Error("last_opened_at not set")
	}

	list, err := svc.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(list) != 1 || list[0].ID != projectID {
		t.Errorf("projects = %+v", list)
	}
}
