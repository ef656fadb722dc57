package api

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/tracker/internal/appstate"
	"github.com/starford/tracker/internal/statestore"
)

// Handler holds API route handlers.
type Handler struct {
	svc *appstate.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *appstate.Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) stateResponse() StateResponse {
	status, err := h.svc.Status()
	resp := StateResponse{
		State:      h.svc.State(),
		CanUndo:    h.svc.Store().CanUndo(),
		CanRedo:    h.svc.Store().CanRedo(),
		SaveStatus: status.String(),
	}
	if err != nil {
		resp.SaveError = err.Error()
	}
	return resp
}

// GetState handles GET /api/state.
//
//	@Summary		Get the live state
//	@Tags			state
//	@Produce		json
//	@Success		200	{object}	StateResponse
//	@Security		BearerAuth
//	@Router			/state [get]
func (h *Handler) GetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stateResponse())
}

// PatchState handles PATCH /api/state.
//
//	@Summary		Shallow-merge partitions into the state
//	@Description	Each top-level key of the body replaces that partition.
//	@Tags			state
//	@Accept			json
//	@Produce		json
//	@Success		200	{object}	StateResponse
//	@Failure		400	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/state [patch]
func (h *Handler) PatchState(w http.ResponseWriter, r *http.Request) {
	var patch statestore.Tree
	if !decodeJSON(w, r, &patch) {
		return
	}
	if patch == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("body must be a JSON object"))
		return
	}
	h.svc.Patch(patch)
	writeJSON(w, http.StatusOK, h.stateResponse())
}

// Undo handles POST /api/state/undo.
//
//	@Summary		Step back one mutation
//	@Tags			state
//	@Produce		json
//	@Success		200	{object}	HistoryResponse
//	@Security		BearerAuth
//	@Router			/state/undo [post]
func (h *Handler) Undo(w http.ResponseWriter, _ *http.Request) {
	applied := h.svc.Undo()
	writeJSON(w, http.StatusOK, HistoryResponse{Applied: applied, StateResponse: h.stateResponse()})
}

// Redo handles POST /api/state/redo.
//
//	@Summary		Reapply the last undone mutation
//	@Tags			state
//	@Produce		json
//	@Success		200	{object}	HistoryResponse
//	@Security		BearerAuth
//	@Router			/state/redo [post]
func (h *Handler) Redo(w http.ResponseWriter, _ *http.Request) {
	applied := h.svc.Redo()
	writeJSON(w, http.StatusOK, HistoryResponse{Applied: applied, StateResponse: h.stateResponse()})
}

// Reset handles POST /api/state/reset.
//
//	@Summary		Restore the state the service was opened with
//	@Tags			state
//	@Produce		json
//	@Success		200	{object}	StateResponse
//	@Security		BearerAuth
//	@Router			/state/reset [post]
func (h *Handler) Reset(w http.ResponseWriter, _ *http.Request) {
	h.svc.Reset()
	writeJSON(w, http.StatusOK, h.stateResponse())
}

// Export handles GET /api/export.
//
//	@Summary		Download the persisted snapshot
//	@Tags			snapshot
//	@Produce		json
//	@Success		200	{file}	file
//	@Security		BearerAuth
//	@Router			/export [get]
func (h *Handler) Export(w http.ResponseWriter, _ *http.Request) {
	exp, err := h.svc.Export()
	if err != nil {
		writeError(w, "export", err)
		return
	}
	w.Header().Set("Content-Type", exp.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": exp.Name}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(exp.Data)
}

// Import handles POST /api/import.
//
//	@Summary		Import a snapshot
//	@Description	Accepts a raw JSON body or a multipart form with a "file" field.
//	@Tags			snapshot
//	@Accept			json
//	@Accept			mpfd
//	@Produce		json
//	@Param			strategy	query		string	false	"Combine strategy"	Enums(merge, replace)
//	@Success		200			{object}	StateResponse
//	@Failure		400			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/import [post]
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := importBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	strategy := r.URL.Query().Get("strategy")
	if _, err := h.svc.Import(bytes.NewReader(body), strategy); err != nil {
		writeError(w, "import", err)
		return
	}
	slog.Info("snapshot imported via api", slog.String("strategy", strategy), slog.Int("bytes", len(body)))
	writeJSON(w, http.StatusOK, h.stateResponse())
}

func importBody(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errors.New("failed to read body")
		}
		return data, nil
	}
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		return nil, errors.New("file too large or invalid multipart")
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, errors.New("missing 'file' field in multipart form")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.New("failed to read file")
	}
	return data, nil
}

// Summary handles GET /api/projects/{id}/summary.
//
//	@Summary		Task summary of one project
//	@Tags			projects
//	@Produce		json
//	@Param			id	path		string	true	"Project id"
//	@Success		200	{object}	SummaryResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/projects/{id}/summary [get]
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Summary(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Status handles GET /api/status.
//
//	@Summary		Save status
//	@Tags			state
//	@Produce		json
//	@Success		200	{object}	map[string]string
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	status, err := h.svc.Status()
	body := map[string]string{"status": status.String()}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}
