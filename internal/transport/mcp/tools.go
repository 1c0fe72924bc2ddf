package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/cdbsrv/internal/facade"
	"github.com/kandev/cdbsrv/internal/logger"
)

func registerTools(s *server.MCPServer, f *facade.Facade, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("create_session",
			mcp.WithDescription("Start a new crash-dump analysis session. Returns the session ID to use for enqueue_command, read_command_result, and close_session."),
			mcp.WithString("dump_path", mcp.Required(), mcp.Description("Path to the crash dump file to analyze")),
			mcp.WithString("symbols_path", mcp.Description("Optional path to symbol files for the dump")),
		),
		createSessionHandler(f, log),
	)

	s.AddTool(
		mcp.NewTool("close_session",
			mcp.WithDescription("Close a debugger session and release its resources."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session to close")),
		),
		closeSessionHandler(f, log),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List every active debugger session."),
		),
		listSessionsHandler(f, log),
	)

	s.AddTool(
		mcp.NewTool("enqueue_command",
			mcp.WithDescription("Enqueue a debugger command for asynchronous execution. Returns a command ID; use read_command_result to retrieve its output."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session to run the command in")),
			mcp.WithString("command", mcp.Required(), mcp.Description("The debugger command text, e.g. 'k' or '!analyze -v'")),
		),
		enqueueCommandHandler(f, log),
	)

	s.AddTool(
		mcp.NewTool("list_commands",
			mcp.WithDescription("List the commands queued in a session whose results are still cached, in enqueue order."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session to list commands from")),
		),
		listCommandsHandler(f, log),
	)

	s.AddTool(
		mcp.NewTool("read_command_result",
			mcp.WithDescription("Read a command's result. If it has not finished yet, waits cooperatively up to max_wait_seconds before returning the current snapshot."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session the command belongs to")),
			mcp.WithString("command_id", mcp.Required(), mcp.Description("The command ID returned by enqueue_command")),
			mcp.WithNumber("max_wait_seconds", mcp.Description("How long to wait for completion, in seconds (0 returns immediately; default 5)")),
		),
		readCommandResultHandler(f, log),
	)

	s.AddTool(
		mcp.NewTool("cancel_command",
			mcp.WithDescription("Cancel a queued or in-flight command."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session the command belongs to")),
			mcp.WithString("command_id", mcp.Required(), mcp.Description("The command ID to cancel")),
		),
		cancelCommandHandler(f, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 7))
}

func createSessionHandler(f *facade.Facade, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dumpPath, err := req.RequireString("dump_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		symbolsPath := req.GetString("symbols_path", "")

		sess, err := f.CreateSession(ctx, dumpPath, symbolsPath)
		if err != nil {
			log.Warn("create_session failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(sess)
	}
}

func closeSessionHandler(f *facade.Facade, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := f.CloseSession(ctx, sessionID, "closed via MCP tool"); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("session %s closed", sessionID)), nil
	}
}

func listSessionsHandler(f *facade.Facade, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(f.ListSessions())
	}
}

func enqueueCommandHandler(f *facade.Facade, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		command, err := req.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		rec, err := f.EnqueueCommand(sessionID, command)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(rec)
	}
}

func listCommandsHandler(f *facade.Facade, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		views, err := f.ListCommands(sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(views)
	}
}

func readCommandResultHandler(f *facade.Facade, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		commandID, err := req.RequireString("command_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		waitSecs := req.GetFloat("max_wait_seconds", 5)

		view, err := f.ReadCommandResult(sessionID, commandID, time.Duration(waitSecs*float64(time.Second)))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(view)
	}
}

func cancelCommandHandler(f *facade.Facade, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		commandID, err := req.RequireString("command_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := f.CancelCommand(sessionID, commandID, "cancelled via MCP tool"); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("command %s cancelled", commandID)), nil
	}
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
