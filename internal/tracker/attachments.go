package tracker

import (
	"context"
	"fmt"

	"github.com/starford/tracker/internal/apperr"
	"github.com/starford/tracker/internal/handles"
	"github.com/starford/tracker/internal/statestore"
)

// AttachFiles appends an attachment per meta to the task with taskID. It
// reports false when no such task exists.
func AttachFiles(store *statestore.Store, taskID string, metas []handles.Meta) bool {
	var found bool
	store.Update(func(draft statestore.Tree) statestore.Tree {
		return editTask(draft, taskID, func(task map[string]any) bool {
			found = true
			if len(metas) == 0 {
				return false
			}
			atts, _ := task["attachments"].([]any)
			for _, m := range metas {
				atts = append(atts, statestore.Clone(Attachment{ID: m.ID, Name: m.DisplayName, Kind: m.Kind}))
			}
			task["attachments"] = atts
			return true
		})
	})
	return found
}

// RemoveAttachment drops the attachment from the task, then deletes the
// cached handle. The cache does not cascade into state, so both happen here.
// A task that does not hold the attachment leaves the handle untouched and
// reports ErrNotFound.
func RemoveAttachment(ctx context.Context, store *statestore.Store, cache *handles.Cache, taskID, attachmentID string) error {
	var found, removed bool
	store.Update(func(draft statestore.Tree) statestore.Tree {
		return editTask(draft, taskID, func(task map[string]any) bool {
			found = true
			atts, _ := task["attachments"].([]any)
			kept := make([]any, 0, len(atts))
			for _, a := range atts {
				if m, ok := a.(map[string]any); ok && m["id"] == attachmentID {
					continue
				}
				kept = append(kept, a)
			}
			if len(kept) == len(atts) {
				return false
			}
			task["attachments"] = kept
			removed = true
			return true
		})
	})

	switch {
	case !found:
		return fmt.Errorf("tracker: task %s: %w", taskID, apperr.ErrNotFound)
	case !removed:
		return fmt.Errorf("tracker: task %s attachment %s: %w", taskID, attachmentID, apperr.ErrNotFound)
	}
	return cache.Delete(ctx, attachmentID)
}

// editTask runs edit on the task with id inside draft and returns the
// tasks patch, or nil when the task is missing or edit reports no change.
// Fields the typed Task does not know about are preserved.
func editTask(draft statestore.Tree, id string, edit func(task map[string]any) bool) statestore.Tree {
	tasks, ok := draft[PartitionTasks].([]any)
	if !ok {
		return nil
	}
	for _, t := range tasks {
		task, ok := t.(map[string]any)
		if !ok || task["id"] != id {
			continue
		}
		if !edit(task) {
			return nil
		}
		return statestore.Tree{PartitionTasks: tasks}
	}
	return nil
}
