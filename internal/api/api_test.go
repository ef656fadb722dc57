package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/tracker/internal/appstate"
	"github.com/starford/tracker/internal/handles"
	"github.com/starford/tracker/internal/handles/osfs"
	"github.com/starford/tracker/internal/persist"
	"github.com/starford/tracker/internal/sse"
	"github.com/starford/tracker/internal/storage"
	"github.com/starford/tracker/internal/testutil"
	"github.com/starford/tracker/internal/tracker"
)

type envOptions struct {
	authEnabled bool
	token       string
	consent     osfs.ConsentFunc
	sse         http.Handler
}

// testEnv sets up an in-memory snapshot store, a SQLite handle store, a
// service and router for testing.
func testEnv(t *testing.T, authToken string) (*appstate.Service, http.Handler) {
	t.Helper()
	return testEnvFull(t, envOptions{authEnabled: authToken != "", token: authToken})
}

func testEnvFull(t *testing.T, o envOptions) (*appstate.Service, http.Handler) {
	t.Helper()

	ctl := persist.New(storage.NewMemory(), persist.WithMigrate(tracker.Migrate))
	var hostOpts []osfs.Option
	if o.consent != nil {
		hostOpts = append(hostOpts, osfs.WithConsent(o.consent))
	}
	cache := handles.New(testutil.TestHandleDB(t), osfs.New(hostOpts...))
	svc := appstate.Open(ctl, cache, appstate.Config{
		Seed:     tracker.BuildSeed(true),
		Autosave: persist.AutosaveOptions{Debounce: time.Hour},
	})
	t.Cleanup(func() { svc.Close() })

	router := NewRouter(svc, o.authEnabled, o.token, o.sse)
	return svc, router
}

func do(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestGetState(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/state", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[StateResponse](t, w)
	if tasks, _ := tracker.Tasks(resp.State); len(tasks) != 5 {
		t.Errorf("tasks = %d", len(tasks))
	}
	if resp.CanUndo || resp.SaveStatus != "idle" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestPatchUndoRedo(t *testing.T) {
	svc, router := testEnv(t, "")

	w := do(t, router, http.MethodPatch, "/state", map[string]any{"tasks": []any{}})
	if w.Code != http.StatusOK {
		t.Fatalf("patch = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[StateResponse](t, w)
	if !resp.CanUndo || resp.SaveStatus != "saving" {
		t.Errorf("after patch = %+v", resp)
	}
	if tasks, _ := tracker.Tasks(svc.State()); len(tasks) != 0 {
		t.Errorf("patch not applied: %d tasks", len(tasks))
	}

	w = do(t, router, http.MethodPost, "/state/undo", nil)
	hist := decode[HistoryResponse](t, w)
	if !hist.Applied || !hist.CanRedo {
		t.Errorf("undo = %+v", hist)
	}
	if tasks, _ := tracker.Tasks(svc.State()); len(tasks) != 5 {
		t.Errorf("undo not applied: %d tasks", len(tasks))
	}

	w = do(t, router, http.MethodPost, "/state/redo", nil)
	if hist := decode[HistoryResponse](t, w); !hist.Applied {
		t.Errorf("redo = %+v", hist)
	}
	w = do(t, router, http.MethodPost, "/state/redo", nil)
	if hist := decode[HistoryResponse](t, w); hist.Applied {
		t.Error("second redo should not apply")
	}
}

func TestPatchState_Invalid(t *testing.T) {
	_, router := testEnv(t, "")
	for _, body := range []string{"not json", "[1,2]", "null"} {
		if w := do(t, router, http.MethodPatch, "/state", body); w.Code != http.StatusBadRequest {
			t.Errorf("PATCH %q = %d, want 400", body, w.Code)
		}
	}
}

func TestReset(t *testing.T) {
	svc, router := testEnv(t, "")
	svc.Patch(map[string]any{"notes": []any{}})

	w := do(t, router, http.MethodPost, "/state/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset = %d", w.Code)
	}
	if notes, _ := tracker.Notes(svc.State()); len(notes) != 3 {
		t.Errorf("notes after reset = %d", len(notes))
	}
}

func TestExport(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d", w.Code)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment; filename=tracker-") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	body := decode[map[string]any](t, w)
	if body["version"] != float64(tracker.SchemaVersion) {
		t.Errorf("version = %v", body["version"])
	}
}

func TestImport_RawJSON(t *testing.T) {
	svc, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/import?strategy=replace", `{"version":3,"tasks":[]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("import = %d, body = %s", w.Code, w.Body.String())
	}
	if _, ok := svc.State()["users"]; ok {
		t.Error("replace kept users")
	}
}

func TestImport_Multipart(t *testing.T) {
	svc, router := testEnv(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "backup.json")
	_, _ = fw.Write([]byte(`{"version":3,"notes":[]}`))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("import = %d, body = %s", w.Code, w.Body.String())
	}
	state := svc.State()
	if notes, _ := tracker.Notes(state); len(notes) != 0 {
		t.Errorf("notes = %d", len(notes))
	}
	if users, _ := tracker.Users(state); len(users) != 4 {
		t.Errorf("merge dropped users: %d", len(users))
	}
}

func TestImport_Invalid(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodPost, "/import", "{broken"); w.Code != http.StatusBadRequest {
		t.Errorf("broken body = %d, want 400", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/import?strategy=squash", "{}"); w.Code != http.StatusBadRequest {
		t.Errorf("unknown strategy = %d, want 400", w.Code)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("other", "x")
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing file field = %d, want 400", w.Code)
	}
}

func TestAttachmentLifecycle(t *testing.T) {
	svc, router := testEnv(t, "")
	dir := t.TempDir()
	a := testutil.WriteFile(t, dir, "brief.txt", []byte("brief body"))

	w := do(t, router, http.MethodPost, "/tasks/t1/attachments", AttachRequest{Paths: []string{a}})
	if w.Code != http.StatusCreated {
		t.Fatalf("attach = %d, body = %s", w.Code, w.Body.String())
	}
	list := decode[AttachmentListResponse](t, w)
	if len(list.Attachments) != 1 {
		t.Fatalf("attachments = %d", len(list.Attachments))
	}
	id := list.Attachments[0].ID

	w = do(t, router, http.MethodGet, "/attachments/"+id, nil)
	meta := decode[handles.Meta](t, w)
	if meta.DisplayName != "brief.txt" || meta.State != handles.StateFresh {
		t.Errorf("meta = %+v", meta)
	}

	w = do(t, router, http.MethodGet, "/attachments/"+id+"/file", nil)
	if w.Code != http.StatusOK || w.Body.String() != "brief body" {
		t.Errorf("file = %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}

	// The file grows after it was attached; the whole new body is served.
	testutil.WriteFile(t, dir, "brief.txt", []byte("brief body, second draft"))
	w = do(t, router, http.MethodGet, "/attachments/"+id+"/file", nil)
	if w.Body.String() != "brief body, second draft" {
		t.Errorf("file after edit = %q", w.Body.String())
	}
	if cl := w.Header().Get("Content-Length"); cl == "10" {
		t.Errorf("Content-Length = %s from the recorded size", cl)
	}

	b := testutil.WriteFile(t, dir, "brief-v2.txt", []byte("v2"))
	w = do(t, router, http.MethodPost, "/attachments/"+id+"/relink", RelinkRequest{Path: b})
	if w.Code != http.StatusOK {
		t.Fatalf("relink = %d, body = %s", w.Code, w.Body.String())
	}
	if m := decode[handles.Meta](t, w); m.ID != id || m.DisplayName != "brief-v2.txt" {
		t.Errorf("relinked = %+v", m)
	}

	w = do(t, router, http.MethodGet, "/attachments", nil)
	if l := decode[AttachmentListResponse](t, w); len(l.Attachments) != 1 {
		t.Errorf("list = %d", len(l.Attachments))
	}

	if w := do(t, router, http.MethodDelete, "/tasks/t2/attachments/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("remove from wrong task = %d, want 404", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/attachments/"+id, nil); w.Code != http.StatusOK {
		t.Errorf("record gone after wrong-task remove: %d", w.Code)
	}

	w = do(t, router, http.MethodDelete, "/tasks/t1/attachments/"+id, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("remove = %d", w.Code)
	}
	tasks, _ := tracker.Tasks(svc.State())
	if len(tasks[0].Attachments) != 0 {
		t.Errorf("attachment still on task")
	}
	if w := do(t, router, http.MethodGet, "/attachments/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after remove = %d, want 404", w.Code)
	}
}

func TestAttachToTask_Errors(t *testing.T) {
	_, router := testEnv(t, "")
	a := testutil.WriteFile(t, t.TempDir(), "a.txt", []byte("a"))

	cases := []struct {
		name   string
		target string
		body   any
		want   int
	}{
		{"unknown task", "/tasks/nope/attachments", AttachRequest{Paths: []string{a}}, http.StatusNotFound},
		{"no paths", "/tasks/t1/attachments", AttachRequest{}, http.StatusBadRequest},
		{"relative path", "/tasks/t1/attachments", AttachRequest{Paths: []string{"a.txt"}}, http.StatusBadRequest},
		{"missing file", "/tasks/t1/attachments", AttachRequest{Paths: []string{a + ".gone"}}, http.StatusBadRequest},
		{"bad json", "/tasks/t1/attachments", "{", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := do(t, router, http.MethodPost, tc.target, tc.body); w.Code != tc.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestAttachmentFile_NotFound(t *testing.T) {
	_, router := testEnv(t, "")
	if w := do(t, router, http.MethodGet, "/attachments/missing/file", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/attachments/missing/relink", RelinkRequest{Path: "/tmp/x"}); w.Code != http.StatusNotFound {
		t.Errorf("relink status = %d, want 404", w.Code)
	}
}

func TestAttachmentFile_ConsentRefused(t *testing.T) {
	svc, router := testEnvFull(t, envOptions{
		consent: func(context.Context, string) bool { return false },
	})
	a := testutil.WriteFile(t, t.TempDir(), "private.txt", []byte("secret"))
	metas, err := svc.AttachFiles(context.Background(), "t2", handles.ChooseOptions{Suggested: []string{a}})
	if err != nil {
		t.Fatal(err)
	}
	if metas[0].State != handles.StateStale {
		t.Errorf("state before consent = %s", metas[0].State)
	}

	w := do(t, router, http.MethodGet, "/attachments/"+metas[0].ID+"/file", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestDeleteAttachment_Idempotent(t *testing.T) {
	_, router := testEnv(t, "")
	for i := 0; i < 2; i++ {
		if w := do(t, router, http.MethodDelete, "/attachments/nothing", nil); w.Code != http.StatusNoContent {
			t.Errorf("delete #%d = %d", i, w.Code)
		}
	}
}

func TestSummary(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/projects/p1/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary = %d", w.Code)
	}
	if s := decode[SummaryResponse](t, w); s.ProjectID != "p1" || s.Tasks != 3 {
		t.Errorf("summary = %+v", s)
	}
	if w := do(t, router, http.MethodGet, "/projects/zzz/summary", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown project = %d, want 404", w.Code)
	}
}

func TestStatus(t *testing.T) {
	_, router := testEnv(t, "")
	w := do(t, router, http.MethodGet, "/status", nil)
	if body := decode[map[string]string](t, w); body["status"] != "idle" {
		t.Errorf("status body = %v", body)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	if w := do(t, router, http.MethodGet, "/state", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodPatch, "/state", strings.NewReader(`{"tasks":[]}`))
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	broker := sse.NewBroker()
	defer broker.Close()
	_, router := testEnvFull(t, envOptions{authEnabled: true, token: "tok", sse: broker})

	if w := do(t, router, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("events without token = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	broker := sse.NewBroker()
	defer broker.Close()
	_, router := testEnvFull(t, envOptions{authEnabled: true, token: "tok", sse: broker})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()
	testutil.Eventually(t, time.Second, 10*time.Millisecond, func() bool {
		return broker.ClientCount() == 1
	}, "SSE client never subscribed")
	cancel()
	<-done

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}
