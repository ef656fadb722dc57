package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/tracker/internal/appstate"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *appstate.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Live state and history.
	r.Get("/state", h.GetState)
	r.Patch("/state", h.PatchState)
	r.Post("/state/undo", h.Undo)
	r.Post("/state/redo", h.Redo)
	r.Post("/state/reset", h.Reset)
	r.Get("/status", h.Status)

	// Snapshot transfer.
	r.Get("/export", h.Export)
	r.Post("/import", h.Import)

	// Handle cache.
	r.Get("/attachments", h.ListAttachments)
	r.Get("/attachments/{id}", h.GetAttachment)
	r.Delete("/attachments/{id}", h.DeleteAttachment)
	r.Get("/attachments/{id}/file", h.AttachmentFile)
	r.Post("/attachments/{id}/relink", h.RelinkAttachment)

	// Task attachments.
	r.Post("/tasks/{taskID}/attachments", h.AttachToTask)
	r.Delete("/tasks/{taskID}/attachments/{id}", h.RemoveFromTask)

	r.Get("/projects/{id}/summary", h.Summary)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
