package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/task/models"
)

// Deps are the service ports the pair-worker tools operate on. Tools
// act only on the caller's own task: the task ID always comes from the
// session identity, never from a parameter.
type Deps struct {
	Tasks    TaskAPI
	Scratch  ScratchAPI
	Sessions SessionAPI
}

type TaskAPI interface {
	Get(ctx context.Context, taskID string) (*models.Task, error)
	SetStatus(ctx context.Context, taskID string, status models.TaskStatus) (*models.Task, error)
}

type ScratchAPI interface {
	GetScratch(ctx context.Context, id string, scratchType models.ScratchType) (string, error)
	SetScratch(ctx context.Context, id string, scratchType models.ScratchType, payload string, limitBytes int) error
}

type SessionAPI interface {
	Exists(ctx context.Context, taskID string) (bool, error)
}

func registerTools(s *server.MCPServer, deps Deps, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("tasks_status",
			mcp.WithDescription("Get the current status and details of your task."),
		),
		tasksStatusHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("tasks_update_status",
			mcp.WithDescription("Update your task's status. Valid values: BACKLOG, IN_PROGRESS, REVIEW, DONE."),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("The new task status"),
			),
		),
		tasksUpdateStatusHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("scratchpad_get",
			mcp.WithDescription("Read your workspace scratchpad notes."),
		),
		scratchpadGetHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("scratchpad_set",
			mcp.WithDescription("Replace your workspace scratchpad notes. Oversized payloads keep only the tail."),
			mcp.WithString("payload",
				mcp.Required(),
				mcp.Description("The scratchpad content"),
			),
		),
		scratchpadSetHandler(deps, cfg, log),
	)

	s.AddTool(
		mcp.NewTool("sessions_exists",
			mcp.WithDescription("Check whether your task still has a live pair session surface."),
		),
		sessionsExistsHandler(deps, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 5))
}

// requireIdentity rejects callers without a task session identity.
func requireIdentity(ctx context.Context) (Identity, *mcp.CallToolResult) {
	identity, ok := identityFromContext(ctx)
	if !ok {
		return Identity{}, mcp.NewToolResultError(
			"no task session identity - this tool can only be used from inside a Kagan pair session")
	}
	return identity, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}

func tasksStatusHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		identity, denied := requireIdentity(ctx)
		if denied != nil {
			return denied, nil
		}

		task, err := deps.Tasks.Get(ctx, identity.TaskID)
		if err != nil {
			log.Error("failed to load task", zap.String("task_id", identity.TaskID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load task: %v", err)), nil
		}
		return jsonResult(map[string]any{
			"id":                  task.ID,
			"title":               task.Title,
			"description":         task.Description,
			"status":              task.Status,
			"task_type":           task.TaskType,
			"acceptance_criteria": task.AcceptanceCriteria,
		})
	}
}

func tasksUpdateStatusHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		identity, denied := requireIdentity(ctx)
		if denied != nil {
			return denied, nil
		}

		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		switch models.TaskStatus(status) {
		case models.StatusBacklog, models.StatusInProgress, models.StatusReview, models.StatusDone:
		default:
			return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", status)), nil
		}

		task, err := deps.Tasks.SetStatus(ctx, identity.TaskID, models.TaskStatus(status))
		if err != nil {
			log.Error("failed to update task status",
				zap.String("task_id", identity.TaskID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to update status: %v", err)), nil
		}
		return jsonResult(map[string]any{"id": task.ID, "status": task.Status})
	}
}

func scratchpadGetHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		identity, denied := requireIdentity(ctx)
		if denied != nil {
			return denied, nil
		}

		payload, err := deps.Scratch.GetScratch(ctx, identity.TaskID, models.ScratchWorkspaceNotes)
		if err != nil {
			log.Error("failed to read scratchpad",
				zap.String("task_id", identity.TaskID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read scratchpad: %v", err)), nil
		}
		return mcp.NewToolResultText(payload), nil
	}
}

func scratchpadSetHandler(deps Deps, cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		identity, denied := requireIdentity(ctx)
		if denied != nil {
			return denied, nil
		}

		payload, err := req.RequireString("payload")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := deps.Scratch.SetScratch(ctx, identity.TaskID, models.ScratchWorkspaceNotes, payload, cfg.ScratchpadLimitBytes); err != nil {
			log.Error("failed to write scratchpad",
				zap.String("task_id", identity.TaskID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to write scratchpad: %v", err)), nil
		}
		return jsonResult(map[string]any{"saved": true})
	}
}

func sessionsExistsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		identity, denied := requireIdentity(ctx)
		if denied != nil {
			return denied, nil
		}

		exists, err := deps.Sessions.Exists(ctx, identity.TaskID)
		if err != nil {
			log.Error("failed to check session",
				zap.String("task_id", identity.TaskID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to check session: %v", err)), nil
		}
		return jsonResult(map[string]any{"exists": exists})
	}
}
