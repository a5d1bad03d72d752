// Package merge orchestrates manual and automated task merges back
// onto the base branch.
package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/kagan-dev/kagan/internal/common/ids"
	"github.com/kagan-dev/kagan/internal/db"
)

// Type selects the merge strategy.
type Type string

const (
	TypeDirect Type = "DIRECT"
	TypeSquash Type = "SQUASH"
)

// PRStatus tracks an associated pull request, when one exists.
type PRStatus string

const (
	PRStatusNone   PRStatus = "none"
	PRStatusOpen   PRStatus = "open"
	PRStatusMerged PRStatus = "merged"
	PRStatusClosed PRStatus = "closed"
)

// Merge is one merge attempt of a workspace repo onto its target.
type Merge struct {
	ID               string     `db:"id" json:"id"`
	WorkspaceID      string     `db:"workspace_id" json:"workspace_id"`
	RepoID           string     `db:"repo_id" json:"repo_id"`
	MergeType        Type       `db:"merge_type" json:"merge_type"`
	TargetBranchName string     `db:"target_branch_name" json:"target_branch_name"`
	MergeCommit      *string    `db:"merge_commit" json:"merge_commit,omitempty"`
	PRURL            *string    `db:"pr_url" json:"pr_url,omitempty"`
	PRNumber         *int       `db:"pr_number" json:"pr_number,omitempty"`
	PRStatus         PRStatus   `db:"pr_status" json:"pr_status"`
	PRMergedAt       *time.Time `db:"pr_merged_at" json:"pr_merged_at,omitempty"`
	PRMergeCommitSHA *string    `db:"pr_merge_commit_sha" json:"pr_merge_commit_sha,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// Store persists merge records.
type Store struct {
	factory *db.Factory
}

// NewStore initializes the merge schema.
func NewStore(factory *db.Factory) (*Store, error) {
	s := &Store{factory: factory}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize merge schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS merges (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		repo_id TEXT NOT NULL,
		merge_type TEXT NOT NULL,
		target_branch_name TEXT NOT NULL,
		merge_commit TEXT,
		pr_url TEXT,
		pr_number INTEGER,
		pr_status TEXT NOT NULL DEFAULT 'none',
		pr_merged_at DATETIME,
		pr_merge_commit_sha TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_merges_workspace_id ON merges(workspace_id);
	`

	_, err = writer.Exec(schema)
	return err
}

// Create persists a merge record.
func (s *Store) Create(ctx context.Context, m *Merge) error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = ids.New()
	}
	if m.PRStatus == "" {
		m.PRStatus = PRStatusNone
	}
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err = writer.ExecContext(ctx, `
		INSERT INTO merges (id, workspace_id, repo_id, merge_type, target_branch_name,
			merge_commit, pr_url, pr_number, pr_status, pr_merged_at, pr_merge_commit_sha,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.WorkspaceID, m.RepoID, m.MergeType, m.TargetBranchName,
		m.MergeCommit, m.PRURL, m.PRNumber, m.PRStatus, m.PRMergedAt, m.PRMergeCommitSHA,
		m.CreatedAt, m.UpdatedAt)
	return err
}

// ListByWorkspace returns a workspace's merge attempts, newest first.
func (s *Store) ListByWorkspace(ctx context.Context, workspaceID string) ([]*Merge, error) {
	reader, err := s.factory.Reader()
	if err != nil {
		return nil, err
	}

	var merges []*Merge
	err = reader.SelectContext(ctx, &merges, `
		SELECT id, workspace_id, repo_id, merge_type, target_branch_name,
			merge_commit, pr_url, pr_number, pr_status, pr_merged_at, pr_merge_commit_sha,
			created_at, updated_at
		FROM merges
		WHERE workspace_id = ?
		ORDER BY created_at DESC, id DESC
	`, workspaceID)
	return merges, err
}
