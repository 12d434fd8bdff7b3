package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dbgbridge/dbgbridge/internal/command"
	"github.com/dbgbridge/dbgbridge/internal/common/logger"
	"github.com/dbgbridge/dbgbridge/internal/extension"
	"github.com/dbgbridge/dbgbridge/internal/session"
)

func registerTools(s *server.MCPServer, sessions *session.Manager, tokens *extension.Registry, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("open_session",
			mcp.WithDescription("Open a debugging session against a dump file or target. Returns the session ID used by all other tools."),
			mcp.WithString("target",
				mcp.Required(),
				mcp.Description("Path to the dump file or debug target"),
			),
		),
		openSessionHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("close_session",
			mcp.WithDescription("Close a debugging session: pending commands are cancelled and the debugger process is stopped."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to close"),
			),
		),
		closeSessionHandler(sessions, tokens, log),
	)

	s.AddTool(
		mcp.NewTool("run_command",
			mcp.WithDescription("Queue a debugger command on a session and wait for its result. Commands run one at a time per session."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to run the command on"),
			),
			mcp.WithString("command",
				mcp.Required(),
				mcp.Description("The debugger command text"),
			),
			mcp.WithBoolean("wait",
				mcp.Description("Wait for the result (default true). When false, returns the command ID immediately; poll with get_command_status."),
			),
		),
		runCommandHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("cancel_command",
			mcp.WithDescription("Cancel a queued or executing command."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session the command belongs to"),
			),
			mcp.WithString("command_id",
				mcp.Required(),
				mcp.Description("The command ID to cancel"),
			),
		),
		cancelCommandHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("get_command_status",
			mcp.WithDescription("Get a command's state, elapsed time, remaining time and queue position."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session the command belongs to"),
			),
			mcp.WithString("command_id",
				mcp.Required(),
				mcp.Description("The command ID to inspect"),
			),
		),
		commandStatusHandler(sessions),
	)

	s.AddTool(
		mcp.NewTool("get_command_result",
			mcp.WithDescription("Get a command's output, waiting for completion if it is still running."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session the command belongs to"),
			),
			mcp.WithString("command_id",
				mcp.Required(),
				mcp.Description("The command ID to resolve"),
			),
		),
		commandResultHandler(sessions),
	)

	s.AddTool(
		mcp.NewTool("list_queue",
			mcp.WithDescription("List the commands currently tracked on a session with their states."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to list"),
			),
		),
		listQueueHandler(sessions),
	)

	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("List all sessions with liveness, queue depth, counters and cache statistics."),
		),
		sessionStatusHandler(sessions),
	)

	s.AddTool(
		mcp.NewTool("issue_extension_token",
			mcp.WithDescription("Issue a short-lived capability token that lets an extension script call back into the session via the loopback HTTP API."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session the token grants access to"),
			),
			mcp.WithString("command_id",
				mcp.Required(),
				mcp.Description("The command the extension runs on behalf of"),
			),
		),
		issueTokenHandler(sessions, tokens, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 9))
}

// resolveSession looks up the session named in the request.
func resolveSession(req mcp.CallToolRequest, sessions *session.Manager) (*session.Instance, *mcp.CallToolResult) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	inst, err := sessions.Get(sessionID)
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	return inst, nil
}

func openSessionHandler(sessions *session.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := req.RequireString("target")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		id, err := sessions.Open(ctx, target, nil)
		if err != nil {
			log.Error("failed to open session", zap.String("target", target), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to open session: %v", err)), nil
		}

		return jsonResult(map[string]interface{}{
			"sessionId": id,
			"target":    target,
		})
	}
}

func closeSessionHandler(sessions *session.Manager, tokens *extension.Registry, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		tokens.RevokeForSession(sessionID)
		if err := sessions.Dispose(ctx, sessionID); err != nil {
			log.Warn("session close reported error", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to close session: %v", err)), nil
		}
		return mcp.NewToolResultText("session closed"), nil
	}
}

func runCommandHandler(sessions *session.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		inst, errResult := resolveSession(req, sessions)
		if errResult != nil {
			return errResult, nil
		}
		text, err := req.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		commandID, err := inst.Commands().Enqueue(text)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to queue command: %v", err)), nil
		}

		if !req.GetBool("wait", true) {
			return jsonResult(map[string]interface{}{
				"commandId": commandID,
				"status":    string(command.StateQueued),
			})
		}

		output, err := inst.Commands().GetCommandResult(ctx, commandID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Command failed: %v", err)), nil
		}
		return mcp.NewToolResultText(output), nil
	}
}

func cancelCommandHandler(sessions *session.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		inst, errResult := resolveSession(req, sessions)
		if errResult != nil {
			return errResult, nil
		}
		commandID, err := req.RequireString("command_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if !inst.Commands().Cancel(commandID) {
			return mcp.NewToolResultError(fmt.Sprintf("Command %s not found", commandID)), nil
		}
		log.Info("command cancellation requested",
			zap.String("session_id", inst.ID),
			zap.String("command_id", commandID))
		return mcp.NewToolResultText("cancellation requested"), nil
	}
}

func commandStatusHandler(sessions *session.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		inst, errResult := resolveSession(req, sessions)
		if errResult != nil {
			return errResult, nil
		}
		commandID, err := req.RequireString("command_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		info, err := inst.Commands().GetCommandInfo(commandID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{
			"commandId":      info.ID,
			"command":        info.Text,
			"status":         string(info.State),
			"isCompleted":    info.IsCompleted,
			"queuePosition":  info.QueuePosition,
			"elapsedDisplay": command.FormatElapsed(info.Elapsed),
			"remainingMs":    info.Remaining.Milliseconds(),
		})
	}
}

func commandResultHandler(sessions *session.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		inst, errResult := resolveSession(req, sessions)
		if errResult != nil {
			return errResult, nil
		}
		commandID, err := req.RequireString("command_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		output, err := inst.Commands().GetCommandResult(ctx, commandID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(output), nil
	}
}

func listQueueHandler(sessions *session.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		inst, errResult := resolveSession(req, sessions)
		if errResult != nil {
			return errResult, nil
		}

		entries := inst.Commands().GetQueueStatus()
		rows := make([]map[string]interface{}, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, map[string]interface{}{
				"commandId": e.ID,
				"command":   e.Text,
				"status":    e.StatusLabel,
				"queuedAt":  e.QueueTime.Format(time.RFC3339),
			})
		}
		return jsonResult(map[string]interface{}{
			"sessionId": inst.ID,
			"depth":     inst.Commands().QueueDepth(),
			"commands":  rows,
		})
	}
}

func sessionStatusHandler(sessions *session.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(map[string]interface{}{
			"sessions": sessions.List(),
		})
	}
}

func issueTokenHandler(sessions *session.Manager, tokens *extension.Registry, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		inst, errResult := resolveSession(req, sessions)
		if errResult != nil {
			return errResult, nil
		}
		commandID, err := req.RequireString("command_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		token, err := tokens.Create(inst.ID, commandID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to issue token: %v", err)), nil
		}

		log.Info("extension token issued",
			zap.String("session_id", inst.ID),
			zap.String("command_id", commandID))
		return jsonResult(map[string]interface{}{
			"token":     token.Value,
			"sessionId": token.SessionID,
			"commandId": token.CommandID,
			"expiresAt": token.ExpiresAt.Format(time.RFC3339),
		})
	}
}

// jsonResult renders a payload as indented JSON tool output.
func jsonResult(payload interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
