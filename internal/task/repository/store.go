// Package repository persists the task domain: projects, repos, tasks,
// task links, planner proposals, scratch records, and the audit trail.
package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kagan-dev/kagan/internal/db"
)

// Store provides task-domain persistence on top of the closing-aware
// factory.
type Store struct {
	factory *db.Factory
}

// NewStore initializes the schema and returns the store.
func NewStore(factory *db.Factory) (*Store, error) {
	s := &Store{factory: factory}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize task schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	writer, err := s.factory.Writer()
	if err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		last_opened_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS repos (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		default_working_dir TEXT NOT NULL DEFAULT '',
		default_branch TEXT NOT NULL DEFAULT 'main',
		scripts TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_repos (
		project_id TEXT NOT NULL,
		repo_id TEXT NOT NULL,
		is_primary INTEGER NOT NULL DEFAULT 0,
		display_order INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (project_id, repo_id),
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
		FOREIGN KEY (repo_id) REFERENCES repos(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		parent_id TEXT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'BACKLOG',
		priority TEXT NOT NULL DEFAULT 'MEDIUM',
		task_type TEXT NOT NULL DEFAULT 'PAIR',
		terminal_backend TEXT NOT NULL DEFAULT '',
		agent_backend TEXT NOT NULL DEFAULT '',
		base_branch TEXT NOT NULL DEFAULT '',
		acceptance_criteria TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_links (
		task_id TEXT NOT NULL,
		ref_task_id TEXT NOT NULL,
		PRIMARY KEY (task_id, ref_task_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS planner_proposals (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		repo_id TEXT,
		tasks_json TEXT NOT NULL DEFAULT '[]',
		todos_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'DRAFT',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS scratch (
		id TEXT NOT NULL,
		scratch_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (id, scratch_type)
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		occurred_at DATETIME NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		session_id TEXT,
		capability TEXT NOT NULL,
		command_name TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		result_json TEXT NOT NULL DEFAULT '{}',
		success INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status);
	CREATE INDEX IF NOT EXISTS idx_task_links_task_id ON task_links(task_id);
	CREATE INDEX IF NOT EXISTS idx_proposals_project_id ON planner_proposals(project_id);
	CREATE INDEX IF NOT EXISTS idx_audit_occurred_at ON audit_events(occurred_at);
	`

	if _, err := writer.Exec(schema); err != nil {
		return err
	}

	// Additive migrations for databases created before these columns existed.
	if err := ensureColumn(writer, "tasks", "terminal_backend", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(writer, "tasks", "agent_backend", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(writer, "repos", "scripts", "TEXT NOT NULL DEFAULT '{}'"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column when it is missing. Never destructive.
func ensureColumn(writer *sqlx.DB, table, column, definition string) error {
	exists, err := columnExists(writer, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = writer.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

func columnExists(writer *sqlx.DB, table, column string) (bool, error) {
	rows, err := writer.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// WithTx exposes transactional scope for multi-entity mutations.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return s.factory.WithTx(ctx, fn)
}
