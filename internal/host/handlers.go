package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kagan-dev/kagan/internal/common/config"
	"github.com/kagan-dev/kagan/internal/gitrunner"
	"github.com/kagan-dev/kagan/internal/jobs"
	"github.com/kagan-dev/kagan/internal/merge"
	"github.com/kagan-dev/kagan/internal/plugin"
	"github.com/kagan-dev/kagan/internal/session"
	"github.com/kagan-dev/kagan/internal/task/models"
	taskservice "github.com/kagan-dev/kagan/internal/task/service"
	"github.com/kagan-dev/kagan/internal/workspace"
)

// errValidation marks malformed or incomplete request params.
var errValidation = errors.New("invalid request")

// The built-in dispatch surface depends on narrow service ports so the
// host can be exercised without the full bootstrap.

type ProjectAPI interface {
	CreateProject(ctx context.Context, name, description string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	OpenProject(ctx context.Context, id string) (*models.Project, error)
	AttachRepo(ctx context.Context, req taskservice.AttachRepoRequest) (*models.Repo, error)
	ListProjectRepos(ctx context.Context, projectID string) ([]*models.Repo, error)
}

type TaskAPI interface {
	Create(ctx context.Context, req taskservice.CreateRequest) (*models.Task, error)
	Get(ctx context.Context, taskID string) (*models.Task, error)
	List(ctx context.Context, projectID string) ([]*models.Task, error)
	Update(ctx context.Context, taskID string, fields taskservice.UpdateFields) (*models.Task, error)
	Delete(ctx context.Context, taskID string) error
	Move(ctx context.Context, taskID string, status models.TaskStatus) (*models.Task, error)
	GetLinks(ctx context.Context, taskID string) ([]string, error)
}

type ScratchAPI interface {
	GetScratch(ctx context.Context, id string, scratchType models.ScratchType) (string, error)
	SetScratch(ctx context.Context, id string, scratchType models.ScratchType, payload string, limitBytes int) error
}

type SessionAPI interface {
	Create(ctx context.Context, req session.CreateRequest) (*session.Session, error)
	Exists(ctx context.Context, taskID string) (bool, error)
	Close(ctx context.Context, sessionID string) error
}

type WorkspaceAPI interface {
	Diff(ctx context.Context, taskID string) ([]workspace.RepoDiff, error)
	RebaseOntoBase(ctx context.Context, taskID string) (*gitrunner.RebaseResult, error)
}

type AutomationAPI interface {
	SpawnForTask(ctx context.Context, taskID string) error
	StopTask(taskID string) error
	ActiveCount() int
}

type MergeAPI interface {
	MergeTask(ctx context.Context, taskID string, mergeType merge.Type) (*merge.Result, error)
	HasNoChanges(ctx context.Context, taskID string) (bool, error)
	ApplyRejectionFeedback(ctx context.Context, taskID, feedback string, action models.TaskStatus) (*models.Task, error)
	CloseExploratory(ctx context.Context, taskID string) error
}

type JobAPI interface {
	Submit(ctx context.Context, taskID, action string, params map[string]any) (*jobs.Job, error)
	Cancel(ctx context.Context, jobID, taskID string) (*jobs.Job, error)
	Wait(ctx context.Context, jobID, taskID string, timeout time.Duration) (*jobs.Job, error)
	Events(ctx context.Context, jobID, taskID string) ([]*jobs.EventRecord, error)
}

type PlannerAPI interface {
	ListProposals(ctx context.Context, projectID string) ([]*models.PlannerProposal, error)
	GetProposal(ctx context.Context, id string) (*models.PlannerProposal, error)
	SetProposalStatus(ctx context.Context, id string, status models.ProposalStatus) error
}

// Services bundles the ports the built-in surface dispatches to. Nil
// fields leave their capability unregistered.
type Services struct {
	Projects   ProjectAPI
	Tasks      TaskAPI
	Scratch    ScratchAPI
	Sessions   SessionAPI
	Workspaces WorkspaceAPI
	Automation AutomationAPI
	Merge      MergeAPI
	Jobs       JobAPI
	Planner    PlannerAPI
}

// decode maps loosely typed request params onto a request struct.
func decode(params map[string]any, v any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", errValidation, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errValidation, err)
	}
	return nil
}

func requireString(params map[string]any, key string) (string, error) {
	value, _ := params[key].(string)
	if value == "" {
		return "", fmt.Errorf("%w: %s is required", errValidation, key)
	}
	return value, nil
}

// optionalInt decodes a non-negative integer param, returning def when
// the key is absent.
func optionalInt(params map[string]any, key string, def int) (int, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def, nil
	}
	f, ok := raw.(float64)
	if !ok || f != float64(int(f)) || f < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errValidation, key)
	}
	return int(f), nil
}

// RegisterBuiltins wires the built-in dispatch map.
func RegisterBuiltins(d *Dispatcher, s Services, cfg config.GeneralConfig) {
	d.Register("host", "ping", false, plugin.ProfileViewer,
		func(context.Context, *ClientSession, map[string]any) (any, error) {
			return map[string]any{"status": "ok"}, nil
		})

	d.Register("host", "plugins", false, plugin.ProfileViewer,
		func(context.Context, *ClientSession, map[string]any) (any, error) {
			manifests := []plugin.Manifest{}
			if d.plugins != nil {
				manifests = d.plugins.Manifests()
			}
			return map[string]any{"plugins": manifests}, nil
		})

	if s.Projects != nil {
		registerProjectHandlers(d, s.Projects)
	}
	if s.Tasks != nil {
		registerTaskHandlers(d, s.Tasks)
	}
	if s.Scratch != nil {
		registerScratchHandlers(d, s.Scratch, cfg.ScratchpadLimitBytes)
	}
	if s.Sessions != nil {
		registerSessionHandlers(d, s.Sessions)
	}
	if s.Workspaces != nil {
		registerWorkspaceHandlers(d, s.Workspaces)
	}
	if s.Automation != nil {
		registerAutomationHandlers(d, s.Automation)
	}
	if s.Merge != nil {
		registerMergeHandlers(d, s.Merge)
	}
	if s.Jobs != nil {
		registerJobHandlers(d, s.Jobs, cfg)
	}
	if s.Planner != nil {
		registerPlannerHandlers(d, s.Planner)
	}
}

func registerProjectHandlers(d *Dispatcher, projects ProjectAPI) {
	d.Register("projects", "create", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			name, err := requireString(params, "name")
			if err != nil {
				return nil, err
			}
			description, _ := params["description"].(string)
			return projects.CreateProject(ctx, name, description)
		})

	d.Register("projects", "list", false, plugin.ProfileViewer,
		func(ctx context.Context, _ *ClientSession, _ map[string]any) (any, error) {
			list, err := projects.ListProjects(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"projects": list}, nil
		})

	d.Register("projects", "open", true, plugin.ProfileViewer,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			projectID, err := requireString(params, "project_id")
			if err != nil {
				return nil, err
			}
			return projects.OpenProject(ctx, projectID)
		})

	d.Register("projects", "attach_repo", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			var req struct {
				ProjectID     string `json:"project_id"`
				Path          string `json:"path"`
				Name          string `json:"name"`
				DisplayName   string `json:"display_name"`
				DefaultBranch string `json:"default_branch"`
				IsPrimary     bool   `json:"is_primary"`
				DisplayOrder  int    `json:"display_order"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			if req.ProjectID == "" || req.Path == "" {
				return nil, fmt.Errorf("%w: project_id and path are required", errValidation)
			}
			return projects.AttachRepo(ctx, taskservice.AttachRepoRequest{
				ProjectID:     req.ProjectID,
				Path:          req.Path,
				Name:          req.Name,
				DisplayName:   req.DisplayName,
				DefaultBranch: req.DefaultBranch,
				IsPrimary:     req.IsPrimary,
				DisplayOrder:  req.DisplayOrder,
			})
		})

	d.Register("projects", "repos", false, plugin.ProfileViewer,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			projectID, err := requireString(params, "project_id")
			if err != nil {
				return nil, err
			}
			repos, err := projects.ListProjectRepos(ctx, projectID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"repos": repos}, nil
		})
}

func registerTaskHandlers(d *Dispatcher, tasks TaskAPI) {
	d.Register("tasks", "create", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			var req struct {
				ProjectID          string   `json:"project_id"`
				ParentID           *string  `json:"parent_id"`
				Title              string   `json:"title"`
				Description        string   `json:"description"`
				Priority           string   `json:"priority"`
				TaskType           string   `json:"task_type"`
				TerminalBackend    string   `json:"terminal_backend"`
				AgentBackend       string   `json:"agent_backend"`
				BaseBranch         string   `json:"base_branch"`
				AcceptanceCriteria []string `json:"acceptance_criteria"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			if req.ProjectID == "" || req.Title == "" {
				return nil, fmt.Errorf("%w: project_id and title are required", errValidation)
			}
			return tasks.Create(ctx, taskservice.CreateRequest{
				ProjectID:          req.ProjectID,
				ParentID:           req.ParentID,
				Title:              req.Title,
				Description:        req.Description,
				Priority:           models.TaskPriority(req.Priority),
				TaskType:           models.TaskType(req.TaskType),
				TerminalBackend:    models.TerminalBackend(req.TerminalBackend),
				AgentBackend:       req.AgentBackend,
				BaseBranch:         req.BaseBranch,
				AcceptanceCriteria: req.AcceptanceCriteria,
			})
		})

	d.Register("tasks", "get", false, plugin.ProfileViewer,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			return tasks.Get(ctx, taskID)
		})

	d.Register("tasks", "list", false, plugin.ProfileViewer,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			projectID, err := requireString(params, "project_id")
			if err != nil {
				return nil, err
			}
			return tasks.List(ctx, projectID)
		})

	d.Register("tasks", "update", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			var fields struct {
				Title              *string                 `json:"title"`
				Description        *string                 `json:"description"`
				Status             *models.TaskStatus      `json:"status"`
				Priority           *models.TaskPriority    `json:"priority"`
				TaskType           *models.TaskType        `json:"task_type"`
				TerminalBackend    *models.TerminalBackend `json:"terminal_backend"`
				AgentBackend       *string                 `json:"agent_backend"`
				BaseBranch         *string                 `json:"base_branch"`
				AcceptanceCriteria *[]string               `json:"acceptance_criteria"`
			}
			if err := decode(params, &fields); err != nil {
				return nil, err
			}
			return tasks.Update(ctx, taskID, taskservice.UpdateFields{
				Title:              fields.Title,
				Description:        fields.Description,
				Status:             fields.Status,
				Priority:           fields.Priority,
				TaskType:           fields.TaskType,
				TerminalBackend:    fields.TerminalBackend,
				AgentBackend:       fields.AgentBackend,
				BaseBranch:         fields.BaseBranch,
				AcceptanceCriteria: fields.AcceptanceCriteria,
			})
		})

	d.Register("tasks", "move", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			status, err := requireString(params, "status")
			if err != nil {
				return nil, err
			}
			return tasks.Move(ctx, taskID, models.TaskStatus(status))
		})

	d.Register("tasks", "delete", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			if err := tasks.Delete(ctx, taskID); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true}, nil
		})

	d.Register("tasks", "links", false, plugin.ProfileViewer,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			links, err := tasks.GetLinks(ctx, taskID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"links": links}, nil
		})
}

func registerScratchHandlers(d *Dispatcher, scratch ScratchAPI, limitBytes int) {
	d.Register("scratchpad", "get", false, plugin.ProfileViewer,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			id, err := requireString(params, "id")
			if err != nil {
				return nil, err
			}
			scratchType, err := requireString(params, "scratch_type")
			if err != nil {
				return nil, err
			}
			payload, err := scratch.GetScratch(ctx, id, models.ScratchType(scratchType))
			if err != nil {
				return nil, err
			}
			return map[string]any{"payload": payload}, nil
		})

	d.Register("scratchpad", "set", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			id, err := requireString(params, "id")
			if err != nil {
				return nil, err
			}
			scratchType, err := requireString(params, "scratch_type")
			if err != nil {
				return nil, err
			}
			payload, _ := params["payload"].(string)
			if err := scratch.SetScratch(ctx, id, models.ScratchType(scratchType), payload, limitBytes); err != nil {
				return nil, err
			}
			return map[string]any{"saved": true}, nil
		})
}

func registerSessionHandlers(d *Dispatcher, sessions SessionAPI) {
	d.Register("sessions", "create", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			var req struct {
				TaskID        string `json:"task_id"`
				WorktreePath  string `json:"worktree_path"`
				ReuseIfExists bool   `json:"reuse_if_exists"`
			}
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			if req.TaskID == "" {
				return nil, fmt.Errorf("%w: task_id is required", errValidation)
			}
			return sessions.Create(ctx, session.CreateRequest{
				TaskID:        req.TaskID,
				WorktreePath:  req.WorktreePath,
				ReuseIfExists: req.ReuseIfExists,
			})
		})

	d.Register("sessions", "exists", false, plugin.ProfileViewer,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			exists, err := sessions.Exists(ctx, taskID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"exists": exists}, nil
		})

	d.Register("sessions", "close", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			sessionID, err := requireString(params, "session_id")
			if err != nil {
				return nil, err
			}
			if err := sessions.Close(ctx, sessionID); err != nil {
				return nil, err
			}
			return map[string]any{"closed": true}, nil
		})
}

func registerWorkspaceHandlers(d *Dispatcher, workspaces WorkspaceAPI) {
	d.Register("workspaces", "diff", false, plugin.ProfileViewer,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			diffs, err := workspaces.Diff(ctx, taskID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"repos": diffs}, nil
		})

	d.Register("workspaces", "rebase", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			return workspaces.RebaseOntoBase(ctx, taskID)
		})
}

func registerAutomationHandlers(d *Dispatcher, automation AutomationAPI) {
	d.Register("automation", "start", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			if err := automation.SpawnForTask(ctx, taskID); err != nil {
				return nil, err
			}
			return map[string]any{"started": true}, nil
		})

	d.Register("automation", "stop", true, plugin.ProfileOperator,
		func(_ context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			if err := automation.StopTask(taskID); err != nil {
				return nil, err
			}
			return map[string]any{"stopped": true}, nil
		})

	d.Register("automation", "state", false, plugin.ProfileViewer,
		func(context.Context, *ClientSession, map[string]any) (any, error) {
			return map[string]any{"active_workers": automation.ActiveCount()}, nil
		})
}

func registerMergeHandlers(d *Dispatcher, merges MergeAPI) {
	d.Register("merge", "merge", true, plugin.ProfileMaintainer,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			mergeType, _ := params["merge_type"].(string)
			return merges.MergeTask(ctx, taskID, merge.Type(mergeType))
		})

	d.Register("merge", "has_no_changes", false, plugin.ProfileViewer,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			clean, err := merges.HasNoChanges(ctx, taskID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"has_no_changes": clean}, nil
		})

	d.Register("merge", "reject", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			feedback, _ := params["feedback"].(string)
			action, err := requireString(params, "action")
			if err != nil {
				return nil, err
			}
			return merges.ApplyRejectionFeedback(ctx, taskID, feedback, models.TaskStatus(action))
		})

	d.Register("merge", "close_exploratory", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			if err := merges.CloseExploratory(ctx, taskID); err != nil {
				return nil, err
			}
			return map[string]any{"closed": true}, nil
		})
}

func registerJobHandlers(d *Dispatcher, jobAPI JobAPI, cfg config.GeneralConfig) {
	d.Register("jobs", "submit", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			action, err := requireString(params, "action")
			if err != nil {
				return nil, err
			}
			jobParams, _ := params["params"].(map[string]any)
			return jobAPI.Submit(ctx, taskID, action, jobParams)
		})

	d.Register("jobs", "cancel", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			jobID, err := requireString(params, "job_id")
			if err != nil {
				return nil, err
			}
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			return jobAPI.Cancel(ctx, jobID, taskID)
		})

	d.Register("jobs", "wait", false, plugin.ProfileViewer,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			jobID, err := requireString(params, "job_id")
			if err != nil {
				return nil, err
			}
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			// Absent timeout waits the configured default; zero returns
			// the current state synchronously.
			timeout := time.Duration(cfg.TasksWaitDefaultTimeoutSecs) * time.Second
			if raw, ok := params["timeout_seconds"]; ok {
				switch secs := raw.(type) {
				case float64:
					timeout = time.Duration(secs * float64(time.Second))
				case nil:
					timeout = -1 // explicit null waits indefinitely
				default:
					return nil, fmt.Errorf("%w: timeout_seconds must be a number", errValidation)
				}
			}
			if max := time.Duration(cfg.TasksWaitMaxTimeoutSecs) * time.Second; max > 0 && timeout > max {
				timeout = max
			}
			return jobAPI.Wait(ctx, jobID, taskID, timeout)
		})

	d.Register("jobs", "events", false, plugin.ProfileViewer,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			jobID, err := requireString(params, "job_id")
			if err != nil {
				return nil, err
			}
			taskID, err := requireString(params, "task_id")
			if err != nil {
				return nil, err
			}
			offset, err := optionalInt(params, "offset", 0)
			if err != nil {
				return nil, err
			}
			limit, err := optionalInt(params, "limit", 0)
			if err != nil {
				return nil, err
			}
			events, err := jobAPI.Events(ctx, jobID, taskID)
			if err != nil {
				return nil, err
			}
			total := len(events)
			if offset > total {
				offset = total
			}
			events = events[offset:]
			if limit > 0 && limit < len(events) {
				events = events[:limit]
			}
			return map[string]any{"events": events, "total": total}, nil
		})
}

func registerPlannerHandlers(d *Dispatcher, planner PlannerAPI) {
	d.Register("planner", "list", false, plugin.ProfileViewer,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			projectID, err := requireString(params, "project_id")
			if err != nil {
				return nil, err
			}
			proposals, err := planner.ListProposals(ctx, projectID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"proposals": proposals}, nil
		})

	d.Register("planner", "approve", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			return setProposalStatus(ctx, planner, params, models.ProposalApproved)
		})

	d.Register("planner", "dismiss", true, plugin.ProfileOperator,
		func(ctx context.Context, _ *ClientSession, params map[string]any) (any, error) {
			return setProposalStatus(ctx, planner, params, models.ProposalDismissed)
		})
}

func setProposalStatus(ctx context.Context, planner PlannerAPI, params map[string]any, status models.ProposalStatus) (any, error) {
	proposalID, err := requireString(params, "proposal_id")
	if err != nil {
		return nil, err
	}
	if err := planner.SetProposalStatus(ctx, proposalID, status); err != nil {
		return nil, err
	}
	return planner.GetProposal(ctx, proposalID)
}
