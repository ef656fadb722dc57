package api

import (
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/tracker/internal/handles"
	"github.com/starford/tracker/internal/statestore"
	"github.com/starford/tracker/internal/tracker"
)

// StateResponse is the live state with its undo and save status.
type StateResponse struct {
	State      statestore.Tree `json:"state" validate:"required"`
	CanUndo    bool            `json:"can_undo"`
	CanRedo    bool            `json:"can_redo"`
	SaveStatus string          `json:"save_status" example:"idle" validate:"required"`
	SaveError  string          `json:"save_error,omitempty"`
}

// HistoryResponse reports whether an undo or redo step was applied.
type HistoryResponse struct {
	Applied bool `json:"applied"`
	StateResponse
}

// AttachmentResponse is a cached handle record with its staleness.
type AttachmentResponse = handles.Meta

// AttachmentListResponse wraps the handle records.
type AttachmentListResponse struct {
	Attachments []AttachmentResponse `json:"attachments" validate:"required"`
}

// SummaryResponse is the task summary of one project.
type SummaryResponse = tracker.Summary

// AttachRequest picks local files by path and attaches them to a task.
type AttachRequest struct {
	Paths  []string `json:"paths" example:"/home/me/brief.pdf" validate:"required"`
	Accept []string `json:"accept,omitempty" example:".pdf"`
}

// Validate validates the attach request.
func (r *AttachRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Paths, validation.Required, validation.Each(validation.Required, validation.By(absolutePath))),
	)
}

// RelinkRequest points an existing attachment at another local file.
type RelinkRequest struct {
	Path string `json:"path" example:"/home/me/brief-v2.pdf" validate:"required"`
}

// Validate validates the relink request.
func (r *RelinkRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Path, validation.Required, validation.By(absolutePath)),
	)
}

func absolutePath(v any) error {
	s, _ := v.(string)
	if s != "" && !filepath.IsAbs(s) {
		return validation.NewError("validation_path_absolute", "must be an absolute path")
	}
	return nil
}
