package statestore

import (
	"bytes"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder collects every dispatch delivered to it.
type recorder struct {
	mu    sync.Mutex
	calls []ChangeSet
}

func (r *recorder) listen(_ Tree, changed ChangeSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, changed)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) at(i int) ChangeSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

func newRecorded(t *testing.T, initial Tree, opts ...Option) (*Store, *recorder) {
	t.Helper()
	s := New(initial, opts...)
	rec := &recorder{}
	s.Subscribe(rec.listen, nil)
	return s, rec
}

func TestSet_SequentialCallsDispatchSeparately(t *testing.T) {
	s, rec := newRecorded(t, Tree{"a": 1, "b": 2})

	s.Set(Tree{"a": 10})
	s.Set(Tree{"b": 20})

	if rec.count() != 2 {
		t.Fatalf("dispatches = %d, want 2", rec.count())
	}
	if got := rec.at(0); !reflect.DeepEqual(got, ChangeSet{"a"}) {
		t.Errorf("first change set = %v, want [a]", got)
	}
	if got := rec.at(1); !reflect.DeepEqual(got, ChangeSet{"b"}) {
		t.Errorf("second change set = %v, want [b]", got)
	}
}

func TestSet_ShallowMergesDictionaries(t *testing.T) {
	s := New(Tree{"ui": map[string]any{"tab": "tasks", "search": "x"}})

	s.Set(Tree{"ui": map[string]any{"tab": "notes"}})

	ui := s.Get()["ui"].(map[string]any)
	if ui["tab"] != "notes" {
		t.Errorf("tab = %v, want notes", ui["tab"])
	}
	if ui["search"] != "x" {
		t.Errorf("search = %v, want x (retained)", ui["search"])
	}
}

func TestSet_ListsReplace(t *testing.T) {
	s := New(Tree{"tasks": []any{"t1", "t2"}})

	s.Set(Tree{"tasks": []any{"t3"}})

	tasks := s.Get()["tasks"].([]any)
	if len(tasks) != 1 || tasks[0] != "t3" {
		t.Errorf("tasks = %v, want [t3]", tasks)
	}
}

func TestSet_EqualValueIsNoop(t *testing.T) {
	s, rec := newRecorded(t, Tree{})

	s.Set(Tree{"a": map[string]any{"x": 1}})
	s.Set(Tree{"a": map[string]any{"x": 1}})

	if rec.count() != 1 {
		t.Errorf("dispatches = %d, want 1", rec.count())
	}
	if s.CanRedo() {
		t.Error("no-op set must not touch redo")
	}
}

func TestSet_NilPatchIsNoop(t *testing.T) {
	s, rec := newRecorded(t, Tree{"a": 1})
	s.Set(nil)
	if rec.count() != 0 {
		t.Errorf("dispatches = %d, want 0", rec.count())
	}
	if s.CanUndo() {
		t.Error("nil patch must not record history")
	}
}

func TestSet_SilentDefersNotification(t *testing.T) {
	s, rec := newRecorded(t, Tree{"a": 1, "b": 1})

	s.Set(Tree{"a": 2}, Silent())
	if rec.count() != 0 {
		t.Fatalf("silent set dispatched")
	}
	if s.Get()["a"] != float64(2) {
		t.Errorf("a = %v, want 2", s.Get()["a"])
	}

	s.Set(Tree{"b": 2})
	if rec.count() != 1 {
		t.Fatalf("dispatches = %d, want 1", rec.count())
	}
	if got := rec.at(0); !reflect.DeepEqual(got, ChangeSet{"a", "b"}) {
		t.Errorf("change set = %v, want [a b]", got)
	}
}

func TestSet_CopiesCallerValues(t *testing.T) {
	s := New(Tree{})
	list := []any{"x"}
	s.Set(Tree{"l": list})
	list[0] = "mutated"

	if got := s.Get()["l"].([]any)[0]; got != "x" {
		t.Errorf("store aliased caller slice: %v", got)
	}
}

func TestSet_NormalizesTypedValues(t *testing.T) {
	type task struct {
		ID string `json:"id"`
	}
	s := New(Tree{})
	s.Set(Tree{"tasks": []task{{ID: "t1"}}})

	tasks, ok := s.Get()["tasks"].([]any)
	if !ok || len(tasks) != 1 {
		t.Fatalf("tasks = %#v", s.Get()["tasks"])
	}
	if tasks[0].(map[string]any)["id"] != "t1" {
		t.Errorf("task = %v", tasks[0])
	}
}

func TestGet_SnapshotNotMutatedBySet(t *testing.T) {
	s := New(Tree{"a": 1})
	before := s.Get()
	s.Set(Tree{"a": 2})
	if before["a"] != float64(1) {
		t.Errorf("previous snapshot changed: %v", before["a"])
	}
}

func TestBatch_SingleDispatchWithUnion(t *testing.T) {
	s, rec := newRecorded(t, Tree{})

	s.Batch(func() {
		s.Set(Tree{"a": 1})
		s.Set(Tree{"b": 1})
		s.Update(func(draft Tree) Tree { return Tree{"c": 1} })
	})

	if rec.count() != 1 {
		t.Fatalf("dispatches = %d, want 1", rec.count())
	}
	if got := rec.at(0); !reflect.DeepEqual(got, ChangeSet{"a", "b", "c"}) {
		t.Errorf("change set = %v", got)
	}
}

func TestBatch_NestedAbsorbed(t *testing.T) {
	s, rec := newRecorded(t, Tree{})

	s.Batch(func() {
		s.Set(Tree{"a": 1})
		s.Batch(func() {
			s.Set(Tree{"b": 1})
		})
		if rec.count() != 0 {
			t.Errorf("inner batch flushed early")
		}
	})

	if rec.count() != 1 {
		t.Fatalf("dispatches = %d, want 1", rec.count())
	}
}

func TestBatch_EmptyProducesNoDispatch(t *testing.T) {
	s, rec := newRecorded(t, Tree{})
	s.Batch(func() {})
	if rec.count() != 0 {
		t.Errorf("dispatches = %d, want 0", rec.count())
	}
}

func TestBatch_TaskScenario(t *testing.T) {
	s, rec := newRecorded(t, Tree{"version": 1, "tasks": []any{}})

	s.Batch(func() {
		s.Set(Tree{"tasks": []any{map[string]any{"id": "t1"}}})
		s.Set(Tree{"tasks": []any{map[string]any{"id": "t1"}, map[string]any{"id": "t2"}}})
	})

	if rec.count() != 1 {
		t.Fatalf("dispatches = %d, want 1", rec.count())
	}
	if got := rec.at(0); !reflect.DeepEqual(got, ChangeSet{"tasks"}) {
		t.Errorf("change set = %v, want [tasks]", got)
	}
	if n := len(s.Get()["tasks"].([]any)); n != 2 {
		t.Errorf("len(tasks) = %d, want 2", n)
	}
}

func TestBatch_UndoRevertsWholeBatch(t *testing.T) {
	s := New(Tree{"a": 1, "b": 1})

	s.Batch(func() {
		s.Set(Tree{"a": 2})
		s.Batch(func() {
			s.Set(Tree{"b": 2})
		})
	})
	s.Batch(func() {
		s.Set(Tree{"a": 3})
	})

	if !s.Undo() {
		t.Fatal("Undo reported nothing to undo")
	}
	if got := s.Get(); got["a"] != float64(2) || got["b"] != float64(2) {
		t.Errorf("after first undo = %v, want a=2 b=2", got)
	}
	if !s.Undo() {
		t.Fatal("second Undo reported nothing to undo")
	}
	if got := s.Get(); got["a"] != float64(1) || got["b"] != float64(1) {
		t.Errorf("after second undo = %v, want a=1 b=1", got)
	}
	if s.CanUndo() {
		t.Error("two batches should leave exactly two frames")
	}

	s.Redo()
	if got := s.Get(); got["a"] != float64(2) || got["b"] != float64(2) {
		t.Errorf("after redo = %v, want a=2 b=2", got)
	}
}

func TestUpdate_ConcurrentIsAtomic(t *testing.T) {
	s := New(Tree{"n": 0})

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(func(draft Tree) Tree {
				n := draft["n"].(float64)
				time.Sleep(time.Millisecond)
				return Tree{"n": n + 1}
			})
		}()
	}
	wg.Wait()

	if got := s.Get()["n"]; got != float64(workers) {
		t.Errorf("n = %v, want %d", got, workers)
	}
}

func TestUpdate_ListenerMayMutate(t *testing.T) {
	s := New(Tree{"a": 1})
	s.Subscribe(func(state Tree, changed ChangeSet) {
		if changed.Has("a") {
			s.Update(func(draft Tree) Tree { return Tree{"b": draft["a"]} })
		}
	}, nil)

	done := make(chan struct{})
	go func() {
		s.Update(func(Tree) Tree { return Tree{"a": 5} })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Update from a listener deadlocked")
	}
	if got := s.Get()["b"]; got != float64(5) {
		t.Errorf("b = %v, want 5", got)
	}
}

func TestUpdate_NilPatchIsNoop(t *testing.T) {
	s, rec := newRecorded(t, Tree{"a": 1})
	s.Update(func(draft Tree) Tree {
		draft["a"] = 99
		return nil
	})
	if rec.count() != 0 || s.Get()["a"] != float64(1) {
		t.Errorf("update with nil patch changed state: %v", s.Get())
	}
}

func TestReplace_ReportsUnionOfKeys(t *testing.T) {
	s, rec := newRecorded(t, Tree{"a": 1, "b": 1})

	s.Replace(Tree{"b": 2, "c": 3})

	if got := rec.at(0); !reflect.DeepEqual(got, ChangeSet{"a", "b", "c"}) {
		t.Errorf("change set = %v, want [a b c]", got)
	}
	if _, ok := s.Get()["a"]; ok {
		t.Error("a should be removed")
	}
}

func TestReset_RestoresInitial(t *testing.T) {
	s := New(Tree{"a": 1})
	s.Set(Tree{"a": 2, "b": 3})
	s.Reset()

	if !reflect.DeepEqual(s.Get(), Tree{"a": float64(1)}) {
		t.Errorf("state after reset = %v", s.Get())
	}
}

func TestSubscribe_KeyFilter(t *testing.T) {
	s := New(Tree{})
	rec := &recorder{}
	s.Subscribe(rec.listen, Keys("tasks", "projects"))

	s.Set(Tree{"ui": map[string]any{"tab": "notes"}})
	s.Set(Tree{"tasks": []any{}})

	if rec.count() != 1 {
		t.Errorf("dispatches = %d, want 1", rec.count())
	}
}

func TestSubscribe_PredicateFilter(t *testing.T) {
	s := New(Tree{"n": 0})
	rec := &recorder{}
	s.Subscribe(rec.listen, func(state Tree, _ ChangeSet) bool {
		return state["n"].(float64) > 1
	})

	s.Set(Tree{"n": 1})
	s.Set(Tree{"n": 2})

	if rec.count() != 1 {
		t.Errorf("dispatches = %d, want 1", rec.count())
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	s := New(Tree{})
	rec := &recorder{}
	unsub := s.Subscribe(rec.listen, nil)

	s.Set(Tree{"a": 1})
	unsub()
	unsub()
	s.Set(Tree{"a": 2})

	if rec.count() != 1 {
		t.Errorf("dispatches = %d, want 1", rec.count())
	}
}

func TestSubscribe_PanicIsolated(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s := New(Tree{}, WithLogger(logger))

	s.Subscribe(func(Tree, ChangeSet) { panic("boom") }, nil)
	rec := &recorder{}
	s.Subscribe(rec.listen, nil)

	s.Set(Tree{"a": 1})

	if rec.count() != 1 {
		t.Errorf("sibling dispatches = %d, want 1", rec.count())
	}
	if !strings.Contains(buf.String(), "subscriber panic") {
		t.Errorf("panic not logged: %q", buf.String())
	}
}

func TestSubscribe_ReentrantSetQueued(t *testing.T) {
	s := New(Tree{"a": 0})
	var order []string
	s.Subscribe(func(state Tree, changed ChangeSet) {
		order = append(order, strings.Join(changed, ","))
		if changed.Has("a") {
			s.Set(Tree{"b": 1})
			order = append(order, "after-set")
		}
	}, nil)

	s.Set(Tree{"a": 1})

	want := []string{"a", "after-set", "b"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestEmit_DefaultsToAllKeys(t *testing.T) {
	s, rec := newRecorded(t, Tree{"b": 1, "a": 1})

	s.Emit()
	s.Emit("a")

	if got := rec.at(0); !reflect.DeepEqual(got, ChangeSet{"a", "b"}) {
		t.Errorf("emit() change set = %v", got)
	}
	if got := rec.at(1); !reflect.DeepEqual(got, ChangeSet{"a"}) {
		t.Errorf("emit(a) change set = %v", got)
	}
	if got := s.LastChangedKeys(); !reflect.DeepEqual(got, ChangeSet{"a"}) {
		t.Errorf("LastChangedKeys = %v", got)
	}
}

func TestUndoRedo(t *testing.T) {
	s := New(Tree{"n": 0})
	for i := 1; i <= 3; i++ {
		s.Set(Tree{"n": i})
	}

	if !s.Undo() {
		t.Fatal("undo reported nothing to undo")
	}
	if s.Get()["n"] != float64(2) {
		t.Errorf("after undo n = %v, want 2", s.Get()["n"])
	}
	if !s.Redo() {
		t.Fatal("redo reported nothing to redo")
	}
	if s.Get()["n"] != float64(3) {
		t.Errorf("after redo n = %v, want 3", s.Get()["n"])
	}
}

func TestUndo_NewMutationClearsRedo(t *testing.T) {
	s := New(Tree{"n": 0})
	s.Set(Tree{"n": 1})
	s.Set(Tree{"n": 2})
	s.Undo()

	s.Set(Tree{"n": 5})

	if s.CanRedo() {
		t.Error("redo stack should be cleared")
	}
	if s.Redo() {
		t.Error("redo should report false")
	}
}

func TestUndo_NotifiesSubscribers(t *testing.T) {
	s, rec := newRecorded(t, Tree{"a": 1})
	s.Set(Tree{"b": 1})
	s.Undo()

	if rec.count() != 2 {
		t.Fatalf("dispatches = %d, want 2", rec.count())
	}
	if got := rec.at(1); !reflect.DeepEqual(got, ChangeSet{"a", "b"}) {
		t.Errorf("undo change set = %v", got)
	}
}

func TestUndo_DepthBounded(t *testing.T) {
	s := New(Tree{"n": 0}, WithHistoryDepth(2))
	for i := 1; i <= 5; i++ {
		s.Set(Tree{"n": i})
	}

	undone := 0
	for s.Undo() {
		undone++
	}
	if undone != 2 {
		t.Errorf("undo frames = %d, want 2", undone)
	}
	if s.Get()["n"] != float64(3) {
		t.Errorf("oldest reachable n = %v, want 3", s.Get()["n"])
	}
}

func TestUndo_EmptyHistory(t *testing.T) {
	s := New(Tree{}, WithHistoryDepth(0))
	s.Set(Tree{"a": 1})
	if s.Undo() {
		t.Error("undo with history disabled should report false")
	}
}

func TestObserverSeesEveryDispatch(t *testing.T) {
	var n int
	s := New(Tree{}, WithObserver(func(ChangeSet) { n++ }))
	s.Set(Tree{"a": 1})
	s.Emit()
	if n != 2 {
		t.Errorf("observer calls = %d, want 2", n)
	}
}

func TestConcurrentSetIsSafe(t *testing.T) {
	s, rec := newRecorded(t, Tree{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Set(Tree{"n": i + 1})
			_ = s.Get()
		}(i)
	}
	wg.Wait()

	if rec.count() == 0 {
		t.Error("expected at least one dispatch")
	}
}
