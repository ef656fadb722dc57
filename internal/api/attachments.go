package api

import (
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/tracker/internal/handles"
)

// ListAttachments handles GET /api/attachments.
//
//	@Summary		List cached handle records
//	@Tags			attachments
//	@Produce		json
//	@Success		200	{object}	AttachmentListResponse
//	@Security		BearerAuth
//	@Router			/attachments [get]
func (h *Handler) ListAttachments(w http.ResponseWriter, r *http.Request) {
	metas, err := h.svc.Handles().List(r.Context())
	if err != nil {
		writeError(w, "list attachments", err)
		return
	}
	writeJSON(w, http.StatusOK, AttachmentListResponse{Attachments: metas})
}

// GetAttachment handles GET /api/attachments/{id}.
//
//	@Summary		Get one handle record with its staleness
//	@Tags			attachments
//	@Produce		json
//	@Param			id	path		string	true	"Attachment id"
//	@Success		200	{object}	AttachmentResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/attachments/{id} [get]
func (h *Handler) GetAttachment(w http.ResponseWriter, r *http.Request) {
	meta, ok := h.svc.Handles().GetMeta(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// DeleteAttachment handles DELETE /api/attachments/{id}.
// Tasks referencing the record keep their attachment entry.
//
//	@Summary		Delete a handle record
//	@Tags			attachments
//	@Param			id	path	string	true	"Attachment id"
//	@Success		204	"Record deleted"
//	@Security		BearerAuth
//	@Router			/attachments/{id} [delete]
func (h *Handler) DeleteAttachment(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Handles().Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete attachment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AttachmentFile handles GET /api/attachments/{id}/file.
//
//	@Summary		Stream the resource behind a handle
//	@Tags			attachments
//	@Produce		octet-stream
//	@Param			id	path	string	true	"Attachment id"
//	@Success		200	{file}	file
//	@Failure		403	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/attachments/{id}/file [get]
func (h *Handler) AttachmentFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rc, meta, ok := h.svc.Handles().GetFile(r.Context(), id)
	if !ok {
		if meta.State == handles.StateDeleted {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			writeJSON(w, http.StatusForbidden, errorBody("access not granted"))
		}
		return
	}
	defer rc.Close()

	ct := meta.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": meta.DisplayName}))
	// The recorded size may be out of date; the length comes from the stream.
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("attachment stream interrupted", slog.String("id", id), slog.String("error", err.Error()))
	}
}

// RelinkAttachment handles POST /api/attachments/{id}/relink.
//
//	@Summary		Point a record at another local file
//	@Tags			attachments
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Attachment id"
//	@Param			body	body		RelinkRequest	true	"New file"
//	@Success		200		{object}	AttachmentResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/attachments/{id}/relink [post]
func (h *Handler) RelinkAttachment(w http.ResponseWriter, r *http.Request) {
	var req RelinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	id := chi.URLParam(r, "id")
	cache := h.svc.Handles()
	if _, ok := cache.GetMeta(r.Context(), id); !ok {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	meta, ok := cache.Relink(r.Context(), id, handles.ChooseOptions{Suggested: []string{req.Path}})
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("file could not be chosen"))
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// AttachToTask handles POST /api/tasks/{taskID}/attachments.
//
//	@Summary		Attach local files to a task
//	@Tags			attachments
//	@Accept			json
//	@Produce		json
//	@Param			taskID	path		string			true	"Task id"
//	@Param			body	body		AttachRequest	true	"Files to attach"
//	@Success		201		{object}	AttachmentListResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks/{taskID}/attachments [post]
func (h *Handler) AttachToTask(w http.ResponseWriter, r *http.Request) {
	var req AttachRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	metas, err := h.svc.AttachFiles(r.Context(), chi.URLParam(r, "taskID"), handles.ChooseOptions{
		Multiple:  true,
		Accept:    req.Accept,
		Suggested: req.Paths,
	})
	if err != nil {
		writeError(w, "attach files", err)
		return
	}
	writeJSON(w, http.StatusCreated, AttachmentListResponse{Attachments: metas})
}

// RemoveFromTask handles DELETE /api/tasks/{taskID}/attachments/{id}.
//
//	@Summary		Detach a file from a task and delete its record
//	@Tags			attachments
//	@Param			taskID	path	string	true	"Task id"
//	@Param			id		path	string	true	"Attachment id"
//	@Success		204		"Attachment removed"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks/{taskID}/attachments/{id} [delete]
func (h *Handler) RemoveFromTask(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveAttachment(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "id")); err != nil {
		writeError(w, "remove attachment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
