// Package tracker gives the application state its domain shape: typed
// records for each partition, the seed snapshot, and the attachment flows
// that tie tasks to cached resource handles.
package tracker

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/starford/tracker/internal/statestore"
)

// Partition names.
const (
	PartitionUsers    = "users"
	PartitionProjects = "projects"
	PartitionNotes    = "notes"
	PartitionTasks    = "tasks"
	PartitionUI       = "ui"
)

// User is a person tasks can be assigned to.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Project is a job being tracked.
type Project struct {
	ID        string  `json:"id"`
	JobNumber string  `json:"job_number"`
	Name      string  `json:"name"`
	Client    string  `json:"client"`
	Status    string  `json:"status,omitempty"`
	PMUserID  *string `json:"pm_user_id"`
	StartDate *string `json:"start_date"`
}

// Note is a meeting note attached to a project.
type Note struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	MeetingDate *string `json:"meeting_date"`
	Pinned      bool    `json:"pinned"`
	Body        string  `json:"body"`
}

// Attachment references a cached handle by its id.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

// Task statuses.
const (
	StatusBacklog    = "backlog"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
)

// Task is a unit of work, optionally raised from a note.
type Task struct {
	ID             string       `json:"id"`
	ProjectID      string       `json:"project_id"`
	NoteID         *string      `json:"note_id"`
	Title          string       `json:"title"`
	AssigneeUserID *string      `json:"assignee_user_id"`
	Status         string       `json:"status"`
	Priority       string       `json:"priority,omitempty"`
	DueDate        *string      `json:"due_date"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// UI is view state. It is persisted but never triggers autosave on its own.
type UI struct {
	SelectedProjectID *string        `json:"selectedProjectId"`
	ActiveTab         string         `json:"activeTab"`
	ViewMode          string         `json:"viewMode"`
	SortDueAsc        bool           `json:"sortDueAsc"`
	SearchTerm        string         `json:"searchTerm"`
	TaskFilters       map[string]any `json:"taskFilters,omitempty"`
	NoteSearch        string         `json:"noteSearch,omitempty"`
	EditingNoteID     string         `json:"editingNoteId,omitempty"`
}

// Decode converts a JSON-shaped partition value into T.
func Decode[T any](v any) (T, error) {
	var out T
	if v == nil {
		return out, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(v); err != nil {
		return out, fmt.Errorf("tracker: decode %T: %w", out, err)
	}
	return out, nil
}

// Users returns the users partition of state.
func Users(state statestore.Tree) ([]User, error) {
	return Decode[[]User](state[PartitionUsers])
}

// Projects returns the projects partition of state.
func Projects(state statestore.Tree) ([]Project, error) {
	return Decode[[]Project](state[PartitionProjects])
}

// Notes returns the notes partition of state.
func Notes(state statestore.Tree) ([]Note, error) {
	return Decode[[]Note](state[PartitionNotes])
}

// Tasks returns the tasks partition of state.
func Tasks(state statestore.Tree) ([]Task, error) {
	return Decode[[]Task](state[PartitionTasks])
}

// UIState returns the ui partition of state.
func UIState(state statestore.Tree) (UI, error) {
	return Decode[UI](state[PartitionUI])
}
