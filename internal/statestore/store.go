// Package statestore implements the canonical in-memory state tree: a
// partitioned observable store with batched change notification and linear
// undo/redo.
//
// Every mutating call is one turn. Changed partitions are queued and the
// queue is drained synchronously when the turn ends, so N mutations inside a
// Batch produce one dispatch while two plain Set calls produce two. A
// mutation made by a listener during a dispatch is queued and dispatched
// after the current dispatch completes.
package statestore

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// DefaultHistoryDepth is the number of undo frames kept when no depth is set.
const DefaultHistoryDepth = 50

// Listener receives the state and the partitions changed by one dispatch.
type Listener func(state Tree, changed ChangeSet)

// Filter decides whether a listener is notified of a dispatch.
type Filter func(state Tree, changed ChangeSet) bool

// Keys returns a Filter matching dispatches that touch any of keys.
func Keys(keys ...string) Filter {
	return func(_ Tree, changed ChangeSet) bool {
		return changed.Intersects(keys)
	}
}

// ChangeSet is the sorted, duplicate-free set of partitions touched by one
// dispatch.
type ChangeSet []string

func newChangeSet(keys map[string]struct{}) ChangeSet {
	out := make(ChangeSet, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Has reports whether key is part of the change set.
func (c ChangeSet) Has(key string) bool {
	_, ok := slices.BinarySearch(c, key)
	return ok
}

// Intersects reports whether any of keys is part of the change set.
func (c ChangeSet) Intersects(keys []string) bool {
	for _, k := range keys {
		if c.Has(k) {
			return true
		}
	}
	return false
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report listener faults.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHistoryDepth bounds the undo and redo stacks. Zero disables history.
func WithHistoryDepth(n int) Option {
	return func(s *Store) {
		s.history = newHistory(n)
	}
}

// WithObserver registers fn to run after every dispatch.
func WithObserver(fn func(ChangeSet)) Option {
	return func(s *Store) {
		s.observer = fn
	}
}

// SetOption modifies a single mutating call.
type SetOption func(*setOptions)

type setOptions struct {
	silent bool
}

// Silent applies the mutation without scheduling a notification. The changed
// partitions stay queued and are delivered with the next dispatch.
func Silent() SetOption {
	return func(o *setOptions) { o.silent = true }
}

func applySetOptions(opts []SetOption) setOptions {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type subscription struct {
	listener Listener
	filter   Filter
	removed  atomic.Bool
}

// Store is an observable, partitioned state tree. It is safe for concurrent
// use; listeners are invoked without the store lock held. Mutations are
// serialised, so the read and apply steps of Update never interleave with
// another mutation.
type Store struct {
	// write orders mutators. It is held across Update's fn but never across
	// a dispatch, so listeners may mutate.
	write    sync.Mutex
	mu       sync.Mutex
	initial  Tree
	state    Tree
	subs     []*subscription
	pending  map[string]struct{}
	batch    int
	framed   bool // the outermost batch has recorded its undo frame
	draining bool
	last     ChangeSet
	history  *history
	observer func(ChangeSet)
	logger   *slog.Logger
}

// New creates a store holding a deep copy of initial. The same copy is what
// Reset returns to.
func New(initial Tree, opts ...Option) *Store {
	s := &Store{
		initial: initial.Clone(),
		state:   initial.Clone(),
		pending: make(map[string]struct{}),
		history: newHistory(DefaultHistoryDepth),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the current state. Callers must treat it as read-only; the
// store installs a new top-level map on every mutation, so a returned Tree
// does not change underneath its holder.
func (s *Store) Get() Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Set applies patch partition by partition. Dictionaries merge one level
// deep into existing dictionaries; every other value (lists included)
// replaces the partition. Partitions whose next value equals the current
// one are left alone and produce no notification. A nil patch is a no-op.
func (s *Store) Set(patch Tree, opts ...SetOption) {
	if len(patch) == 0 {
		return
	}
	o := applySetOptions(opts)

	s.write.Lock()
	s.mu.Lock()
	changed := s.applyLocked(patch)
	s.mu.Unlock()
	s.write.Unlock()

	if changed && !o.silent {
		s.drain()
	}
}

// recordLocked captures the current state as an undo frame. Inside a batch
// only the first change records, so one Undo reverts the whole batch.
func (s *Store) recordLocked() {
	if s.batch > 0 {
		if s.framed {
			return
		}
		s.framed = true
	}
	s.history.record(s.state.Clone())
}

func (s *Store) applyLocked(patch Tree) bool {
	var next Tree
	for k, v := range patch {
		before, had := s.state[k]
		value := merge(before, Clone(v))
		if had && same(before, value) {
			continue
		}
		if next == nil {
			s.recordLocked()
			next = make(Tree, len(s.state)+len(patch))
			for pk, pv := range s.state {
				next[pk] = pv
			}
		}
		next[k] = value
		s.pending[k] = struct{}{}
	}
	if next == nil {
		return false
	}
	s.state = next
	return true
}

// Update passes a deep copy of the state to fn and applies the returned patch
// as Set does. No other mutation runs between reading the draft and applying
// the patch, so fn must not mutate the store itself. A nil patch is a no-op.
func (s *Store) Update(fn func(draft Tree) Tree, opts ...SetOption) {
	o := applySetOptions(opts)

	changed := func() bool {
		s.write.Lock()
		defer s.write.Unlock()
		patch := fn(s.Get().Clone())
		if len(patch) == 0 {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.applyLocked(patch)
	}()

	if changed && !o.silent {
		s.drain()
	}
}

// Replace substitutes the whole state. Every partition of the old and the new
// state is reported as changed, so removed partitions notify too.
func (s *Store) Replace(next Tree, opts ...SetOption) {
	o := applySetOptions(opts)

	s.write.Lock()
	s.mu.Lock()
	s.recordLocked()
	s.replaceLocked(next.Clone())
	s.mu.Unlock()
	s.write.Unlock()

	if !o.silent {
		s.drain()
	}
}

func (s *Store) replaceLocked(next Tree) {
	for k := range s.state {
		s.pending[k] = struct{}{}
	}
	for k := range next {
		s.pending[k] = struct{}{}
	}
	s.state = next
}

// Reset replaces the state with the snapshot captured at construction.
func (s *Store) Reset(opts ...SetOption) {
	s.Replace(s.initial, opts...)
}

// Batch runs fn and delivers every change it made in a single dispatch once
// it returns. Nested batches are absorbed by the outermost one.
func (s *Store) Batch(fn func()) {
	s.mu.Lock()
	if s.batch == 0 {
		s.framed = false
	}
	s.batch++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.batch--
		outermost := s.batch == 0
		s.mu.Unlock()
		if outermost {
			s.drain()
		}
	}()

	fn()
}

// Undo restores the state captured before the most recent mutation. It
// reports false when there is nothing to undo.
func (s *Store) Undo() bool {
	s.write.Lock()
	s.mu.Lock()
	prev, ok := s.history.back(s.state.Clone())
	if ok {
		s.replaceLocked(prev)
	}
	s.mu.Unlock()
	s.write.Unlock()

	if ok {
		s.drain()
	}
	return ok
}

// Redo reapplies the most recently undone state. It reports false when there
// is nothing to redo.
func (s *Store) Redo() bool {
	s.write.Lock()
	s.mu.Lock()
	next, ok := s.history.forward(s.state.Clone())
	if ok {
		s.replaceLocked(next)
	}
	s.mu.Unlock()
	s.write.Unlock()

	if ok {
		s.drain()
	}
	return ok
}

// CanUndo reports whether an undo frame is available.
func (s *Store) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.undo.len() > 0
}

// CanRedo reports whether a redo frame is available.
func (s *Store) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.redo.len() > 0
}

// Subscribe registers listener. A nil filter matches every dispatch. The
// returned function removes the subscription and is safe to call twice.
func (s *Store) Subscribe(listener Listener, filter Filter) (unsubscribe func()) {
	sub := &subscription{listener: listener, filter: filter}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	return func() {
		if !sub.removed.CompareAndSwap(false, true) {
			return
		}
		s.mu.Lock()
		s.subs = slices.DeleteFunc(s.subs, func(x *subscription) bool { return x == sub })
		s.mu.Unlock()
	}
}

// Emit dispatches immediately, bypassing batching. Without keys every current
// partition is reported as changed.
func (s *Store) Emit(keys ...string) {
	s.mu.Lock()
	state := s.state
	if len(keys) == 0 {
		keys = state.Keys()
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	changed := newChangeSet(set)
	s.last = changed
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	s.dispatch(state, changed, subs)
}

// LastChangedKeys returns the change set of the most recent dispatch.
func (s *Store) LastChangedKeys() ChangeSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.last)
}

// drain delivers queued changes until the queue is empty. It does nothing
// inside a batch or while another drain is running; that drain picks the
// queued keys up.
func (s *Store) drain() {
	s.mu.Lock()
	if s.batch > 0 || s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.pending) > 0 && s.batch == 0 {
		changed := newChangeSet(s.pending)
		clear(s.pending)
		state := s.state
		s.last = changed
		subs := slices.Clone(s.subs)
		s.mu.Unlock()

		s.dispatch(state, changed, subs)

		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

func (s *Store) dispatch(state Tree, changed ChangeSet, subs []*subscription) {
	for _, sub := range subs {
		if sub.removed.Load() {
			continue
		}
		s.notify(sub, state, changed)
	}
	if s.observer != nil {
		s.observer(changed)
	}
}

func (s *Store) notify(sub *subscription, state Tree, changed ChangeSet) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("statestore: subscriber panic",
				slog.Any("panic", r),
				slog.Any("changed", []string(changed)))
		}
	}()
	if sub.filter != nil && !sub.filter(state, changed) {
		return
	}
	sub.listener(state, changed)
}
