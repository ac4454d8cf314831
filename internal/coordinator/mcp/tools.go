package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	apperrors "github.com/claudecluster/claudecluster/internal/common/errors"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/coordinator/registry"
	"github.com/claudecluster/claudecluster/internal/coordinator/taskman"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

func registerTools(s *server.MCPServer, mgr *taskman.Manager, reg *registry.Registry, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("submit_task",
			mcp.WithDescription("Submit a coding task to the cluster. The task is dispatched to the least-loaded worker and runs asynchronously; use get_task_status to track it."),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The task prompt for the agent (max 10000 characters)"),
			),
			mcp.WithNumber("priority",
				mcp.Description("Task priority from 1 to 10, default 5"),
			),
			mcp.WithNumber("timeout_ms",
				mcp.Description("Execution timeout in milliseconds (1000-600000)"),
			),
			mcp.WithString("mode",
				mcp.Description("Execution mode: process_pool or container_agentic"),
			),
			mcp.WithString("repo_url",
				mcp.Description("Git repository to clone into the workspace (container mode)"),
			),
			mcp.WithString("worker_id",
				mcp.Description("Pin the task to a specific worker (optional)"),
			),
		),
		submitTaskHandler(mgr, log),
	)

	s.AddTool(
		mcp.NewTool("get_task_status",
			mcp.WithDescription("Get the current status and result of a task"),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID returned by submit_task"),
			),
		),
		getTaskStatusHandler(mgr),
	)

	s.AddTool(
		mcp.NewTool("list_workers",
			mcp.WithDescription("List all registered workers with their status and load"),
		),
		listWorkersHandler(reg),
	)

	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Cancel a running task. Cancelling an already-terminal task is a no-op."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to cancel"),
			),
		),
		cancelTaskHandler(mgr),
	)

	log.Info("registered mcp tools", zap.Int("count", 4))
}

func submitTaskHandler(mgr *taskman.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sub := v1.SubmitTaskRequest{
			Prompt:   prompt,
			WorkerID: req.GetString("worker_id", ""),
			Mode:     v1.ExecutionMode(req.GetString("mode", "")),
			RepoURL:  req.GetString("repo_url", ""),
		}
		if p := req.GetInt("priority", 0); p != 0 {
			sub.Priority = &p
		}
		if t := req.GetInt("timeout_ms", 0); t != 0 {
			sub.TimeoutMs = &t
		}
		if err := sub.Validate(); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		rec, err := mgr.Submit(ctx, &sub)
		if err != nil {
			log.Error("mcp submit failed", zap.Error(err))
			return toolError(err), nil
		}

		return toolJSON(v1.SubmitTaskResponse{
			TaskID:         rec.Task.ID,
			Status:         rec.Task.Status,
			AssignedWorker: rec.WorkerEndpoint,
			StreamURL:      fmt.Sprintf("/stream/%s", rec.Task.ID),
		})
	}
}

func getTaskStatusHandler(mgr *taskman.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		rec, err := mgr.Get(taskID)
		if err != nil {
			return toolError(err), nil
		}

		resp := v1.TaskStatusResponse{
			TaskID:         rec.Task.ID,
			Status:         rec.Task.Status,
			AssignedWorker: rec.WorkerEndpoint,
			CreatedAt:      rec.Task.CreatedAt,
			StartedAt:      rec.Task.StartedAt,
			CompletedAt:    rec.Task.CompletedAt,
		}
		if rec.Task.Result != nil {
			resp.Output = rec.Task.Result.Output
			resp.Error = rec.Task.Result.Error
			d := rec.Task.Result.Metrics.DurationMs
			resp.DurationMs = &d
		}
		return toolJSON(resp)
	}
}

func listWorkersHandler(reg *registry.Registry) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		records := reg.Snapshot()
		resp := v1.WorkersResponse{
			Workers:      records,
			TotalWorkers: len(records),
		}
		for _, w := range records {
			if w.Status.Selectable() {
				resp.AvailableWorkers++
			}
			resp.TotalActiveTasks += w.ActiveTasks
		}
		return toolJSON(resp)
	}
}

func cancelTaskHandler(mgr *taskman.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := mgr.Cancel(ctx, taskID); err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Task %s is being cancelled.", taskID)), nil
	}
}

// toolJSON renders any response type as indented JSON text for the agent.
func toolJSON(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}

// toolError maps an application error to a tool error message carrying the
// error code and retryable hint.
func toolError(err error) *mcp.CallToolResult {
	appErr := apperrors.AsAppError(err)
	msg := fmt.Sprintf("%s: %s", appErr.Code, appErr.Message)
	if appErr.Retryable {
		msg += " (retryable)"
	}
	return mcp.NewToolResultError(msg)
}
