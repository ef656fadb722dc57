package handles

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/starford/tracker/internal/apperr"
)

// Record is the stored form of a cached handle. Handle holds the host
// encoding and is nil when only metadata could be kept.
type Record struct {
	ID          string     `json:"id"`
	Handle      []byte     `json:"-"`
	DisplayName string     `json:"displayName"`
	Kind        string     `json:"resourceKind"`
	MimeType    string     `json:"mimeType,omitempty"`
	Size        *int64     `json:"size,omitempty"`
	ModifiedAt  *time.Time `json:"modifiedAt,omitempty"`
	InsertedAt  time.Time  `json:"insertedAt"`
}

// State classifies a record for display.
type State string

const (
	StateFresh   State = "fresh"
	StateStale   State = "stale"
	StateDeleted State = "deleted"
)

// Meta is a record as seen by callers.
type Meta struct {
	Record
	Stale bool  `json:"stale"`
	State State `json:"state"`
}

// Records is the durable keyed store behind a Cache.
type Records interface {
	Put(ctx context.Context, r Record) error
	// Get returns apperr.ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
}

// MemoryRecords is an in-process Records implementation.
type MemoryRecords struct {
	mu   sync.RWMutex
	recs map[string]Record
	// fail, when set, is returned by Put.
	fail func(Record) error
}

// NewMemoryRecords returns an empty store.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{recs: make(map[string]Record)}
}

// FailPuts makes Put consult fn before storing. A nil fn restores writes.
func (m *MemoryRecords) FailPuts(fn func(Record) error) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

func (m *MemoryRecords) Put(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		if err := m.fail(r); err != nil {
			return err
		}
	}
	r.Handle = slices.Clone(r.Handle)
	m.recs[r.ID] = r
	return nil
}

func (m *MemoryRecords) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recs[id]
	if !ok {
		return Record{}, apperr.ErrNotFound
	}
	return r, nil
}

func (m *MemoryRecords) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.recs, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRecords) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Record) int {
		if c := a.InsertedAt.Compare(b.InsertedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}
