package statestore

// ring is a bounded LIFO stack; pushing onto a full ring drops the oldest frame.
type ring struct {
	buf   []Tree
	start int
	n     int
}

func newRing(depth int) *ring {
	if depth < 0 {
		depth = 0
	}
	return &ring{buf: make([]Tree, depth)}
}

func (r *ring) push(t Tree) {
	if len(r.buf) == 0 {
		return
	}
	if r.n == len(r.buf) {
		r.buf[r.start] = nil
		r.start = (r.start + 1) % len(r.buf)
		r.n--
	}
	r.buf[(r.start+r.n)%len(r.buf)] = t
	r.n++
}

func (r *ring) pop() (Tree, bool) {
	if r.n == 0 {
		return nil, false
	}
	i := (r.start + r.n - 1) % len(r.buf)
	t := r.buf[i]
	r.buf[i] = nil
	r.n--
	return t, true
}

func (r *ring) clear() {
	for i := range r.buf {
		r.buf[i] = nil
	}
	r.start, r.n = 0, 0
}

func (r *ring) len() int { return r.n }

// history is linear undo/redo over full state frames. Recording a new frame
// clears the redo side: there is no branching.
type history struct {
	undo *ring
	redo *ring
}

func newHistory(depth int) *history {
	return &history{undo: newRing(depth), redo: newRing(depth)}
}

// record stores the state captured before a mutation.
func (h *history) record(before Tree) {
	h.undo.push(before)
	h.redo.clear()
}

// back exchanges current for the most recent undo frame.
func (h *history) back(current Tree) (Tree, bool) {
	prev, ok := h.undo.pop()
	if !ok {
		return nil, false
	}
	h.redo.push(current)
	return prev, true
}

// forward exchanges current for the most recent redo frame.
func (h *history) forward(current Tree) (Tree, bool) {
	next, ok := h.redo.pop()
	if !ok {
		return nil, false
	}
	h.undo.push(current)
	return next, true
}
