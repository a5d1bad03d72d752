package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kagan-dev/kagan/internal/automation"
	"github.com/kagan-dev/kagan/internal/jobs"
	"github.com/kagan-dev/kagan/internal/merge"
	"github.com/kagan-dev/kagan/internal/workspace"
)

// jobExecutor maps durable job actions onto the owning services. Failed
// verdicts carry a machine-readable code; unexpected errors propagate
// and are recorded by the job worker as-is.
type jobExecutor struct {
	automation *automation.Service
	merges     *merge.Service
	workspaces *workspace.Service
}

func newJobExecutor(auto *automation.Service, merges *merge.Service, workspaces *workspace.Service) *jobExecutor {
	return &jobExecutor{automation: auto, merges: merges, workspaces: workspaces}
}

var _ jobs.Executor = (*jobExecutor)(nil)

func (e *jobExecutor) Execute(ctx context.Context, action string, params map[string]any) (*jobs.ExecResult, error) {
	taskID, _ := params["task_id"].(string)
	if taskID == "" {
		return &jobs.ExecResult{
			Success: false,
			Message: "task_id param is required",
			Code:    "VALIDATION_ERROR",
		}, nil
	}

	switch action {
	case "start_agent":
		return e.startAgent(ctx, taskID)
	case "stop_agent":
		return e.stopAgent(taskID)
	case "merge":
		mergeType, _ := params["merge_type"].(string)
		return e.merge(ctx, taskID, merge.Type(mergeType))
	case "rebase":
		return e.rebase(ctx, taskID)
	default:
		return &jobs.ExecResult{
			Success: false,
			Message: fmt.Sprintf("unknown job action: %s", action),
			Code:    "UNKNOWN_ACTION",
		}, nil
	}
}

func (e *jobExecutor) startAgent(ctx context.Context, taskID string) (*jobs.ExecResult, error) {
	err := e.automation.SpawnForTask(ctx, taskID)
	switch {
	case errors.Is(err, automation.ErrAtCapacity):
		return &jobs.ExecResult{Success: false, Message: err.Error(), Code: "AT_CAPACITY"}, nil
	case errors.Is(err, automation.ErrAlreadyRunning):
		return &jobs.ExecResult{Success: false, Message: err.Error(), Code: "ALREADY_RUNNING"}, nil
	case err != nil:
		return nil, err
	}
	return &jobs.ExecResult{Success: true, Code: "OK"}, nil
}

func (e *jobExecutor) stopAgent(taskID string) (*jobs.ExecResult, error) {
	err := e.automation.StopTask(taskID)
	if errors.Is(err, automation.ErrWorkerNotFound) {
		return &jobs.ExecResult{Success: false, Message: err.Error(), Code: "NO_RUNNING_AGENT"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &jobs.ExecResult{Success: true, Code: "OK"}, nil
}

func (e *jobExecutor) merge(ctx context.Context, taskID string, mergeType merge.Type) (*jobs.ExecResult, error) {
	res, err := e.merges.MergeTask(ctx, taskID, mergeType)
	if err != nil {
		return nil, err
	}
	result, err := toResultMap(res)
	if err != nil {
		return nil, err
	}
	if !res.Merged {
		return &jobs.ExecResult{
			Success: false,
			Message: res.Message,
			Code:    "MERGE_CONFLICT",
			Result:  result,
		}, nil
	}
	return &jobs.ExecResult{Success: true, Code: "OK", Result: result}, nil
}

func (e *jobExecutor) rebase(ctx context.Context, taskID string) (*jobs.ExecResult, error) {
	res, err := e.workspaces.RebaseOntoBase(ctx, taskID)
	if err != nil {
		return nil, err
	}
	result, err := toResultMap(res)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return &jobs.ExecResult{
			Success: false,
			Message: res.Message,
			Code:    "REBASE_CONFLICT",
			Result:  result,
		}, nil
	}
	return &jobs.ExecResult{Success: true, Code: "OK", Result: result}, nil
}

// toResultMap flattens a typed outcome into the job result payload.
func toResultMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
