// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes tracker state tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/tracker/internal/apperr"
	"github.com/starford/tracker/internal/appstate"
	"github.com/starford/tracker/internal/statestore"
)

const contractURI = "tracker://state-contract"

// Server wraps the MCP server with tracker tools.
type Server struct {
	mcp *server.MCPServer
	svc *appstate.Service
}

// New creates a new MCP server with all tracker tools registered.
func New(svc *appstate.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Tracker",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("get_state",
		mcp.WithDescription("Read the live tracker state. Returns every partition, or only the named one."),
		mcp.WithString("partition", mcp.Description("Optional partition name (users, projects, notes, tasks, ui)")),
	), s.getState)

	s.mcp.AddTool(mcp.NewTool("set_partition",
		mcp.WithDescription("Replace one top-level partition with a new JSON value. "+
			"Lists and objects are replaced whole, not merged. Read the contract first via "+
			"the get_state_contract tool or the "+contractURI+" resource."),
		mcp.WithString("partition", mcp.Required(), mcp.Description("Partition name")),
		mcp.WithString("value", mcp.Required(), mcp.Description("New partition value encoded as JSON")),
	), s.setPartition)

	s.mcp.AddTool(mcp.NewTool("undo",
		mcp.WithDescription("Step back one state mutation."),
	), s.undo)

	s.mcp.AddTool(mcp.NewTool("redo",
		mcp.WithDescription("Reapply the most recently undone mutation."),
	), s.redo)

	s.mcp.AddTool(mcp.NewTool("export_snapshot",
		mcp.WithDescription("Render the persisted snapshot as JSON without writing anything."),
	), s.exportSnapshot)

	s.mcp.AddTool(mcp.NewTool("list_attachments",
		mcp.WithDescription("List cached file handles with their fresh, stale or deleted state."),
	), s.listAttachments)

	s.mcp.AddTool(mcp.NewTool("attach_files",
		mcp.WithDescription("Attach local files, given as absolute paths, to a task."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithArray("paths", mcp.Required(), mcp.WithStringItems(), mcp.Description("Absolute file paths")),
	), s.attachFiles)

	s.mcp.AddTool(mcp.NewTool("project_summary",
		mcp.WithDescription("Count open, overdue and due-soon tasks of one project."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
	), s.projectSummary)

	s.mcp.AddTool(mcp.NewTool("get_state_contract",
		mcp.WithDescription("Returns the shape of every tracker partition. "+
			"Call this before set_partition to keep records well-formed."),
	), s.getStateContract)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "State Contract",
			mcp.WithResourceDescription("Shape of the tracker partitions and their records."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getState(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state := s.svc.State()
	name := req.GetString("partition", "")
	if name == "" {
		return jsonResult(state)
	}
	v, ok := state[name]
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown partition: %s (have %v)", name, partitionNames(state))), nil
	}
	return jsonResult(v)
}

func partitionNames(state statestore.Tree) []string {
	names := state.Keys()
	sort.Strings(names)
	return names
}

func (s *Server) setPartition(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("partition")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("value is not valid JSON: %v", err)), nil
	}

	s.svc.Patch(statestore.Tree{name: value})
	return mcp.NewToolResultText(fmt.Sprintf("updated: %s (changed %v)", name, []string(s.svc.Store().LastChangedKeys()))), nil
}

func (s *Server) undo(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.svc.Undo() {
		return mcp.NewToolResultText("nothing to undo"), nil
	}
	return mcp.NewToolResultText("undone"), nil
}

func (s *Server) redo(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.svc.Redo() {
		return mcp.NewToolResultText("nothing to redo"), nil
	}
	return mcp.NewToolResultText("redone"), nil
}

func (s *Server) exportSnapshot(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	exp, err := s.svc.Export()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(exp.Data)), nil
}

func (s *Server) listAttachments(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	metas, err := s.svc.Handles().List(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(metas) == 0 {
		return mcp.NewToolResultText("no attachments"), nil
	}
	return jsonResult(metas)
}

func (s *Server) projectSummary(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	summary, err := s.svc.Summary(id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", id)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(summary)
}

func (s *Server) getStateContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(StateContract), nil
}

func (s *Server) readContractResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     StateContract,
		},
	}, nil
}
