package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/tracker/internal/apperr"
	"github.com/starford/tracker/internal/handles"
)

const maxAttachPaths = 20

type attachResult struct {
	TaskID      string   `json:"taskId"`
	Attachments []string `json:"attachments"`
}

func (s *Server) attachFiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	paths, err := req.RequireStringSlice("paths")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(paths) == 0 {
		return mcp.NewToolResultError("paths must not be empty"), nil
	}
	if len(paths) > maxAttachPaths {
		return mcp.NewToolResultError(fmt.Sprintf("too many paths: %d (max %d)", len(paths), maxAttachPaths)), nil
	}
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			return mcp.NewToolResultError(fmt.Sprintf("path must be absolute: %s", p)), nil
		}
	}

	metas, err := s.svc.AttachFiles(ctx, taskID, handles.ChooseOptions{Multiple: true, Suggested: paths})
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	case errors.Is(err, apperr.ErrCancelled):
		return mcp.NewToolResultError("none of the paths could be read: " + strings.Join(paths, ", ")), nil
	case err != nil:
		return mcp.NewToolResultError(err.Error()), nil
	}

	res := attachResult{TaskID: taskID, Attachments: make([]string, 0, len(metas))}
	for _, m := range metas {
		res.Attachments = append(res.Attachments, m.ID)
	}
	return jsonResult(res)
}
