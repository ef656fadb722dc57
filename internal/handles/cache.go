package handles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/starford/tracker/internal/apperr"
)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now for InsertedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Cache) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithProbeObserver registers fn to run with the state computed by every
// GetMeta call.
func WithProbeObserver(fn func(State)) Option {
	return func(c *Cache) { c.observe = fn }
}

// Cache stores handles under generated ids. Whether handles themselves can
// be kept is decided once, at construction; without that capability only
// metadata is stored and every record reads back stale.
type Cache struct {
	records Records
	host    Host
	persist persister
	capable bool
	now     func() time.Time
	newID   func() string
	observe func(State)
	logger  *slog.Logger
}

// New creates a cache over records. host may be nil, in which case nothing
// can be picked, relinked or opened.
func New(records Records, host Host, opts ...Option) *Cache {
	c := &Cache{
		records: records,
		host:    host,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.capable = host != nil && host.CanPersist()
	if c.capable {
		c.persist = nativePersister{host: host}
	} else {
		c.persist = stubPersister{}
	}
	return c
}

// Capable reports whether handles are persisted.
func (c *Cache) Capable() bool { return c.capable }

// Put stores h under a new id and returns it.
func (c *Cache) Put(ctx context.Context, h Handle) (string, error) {
	return c.PutForKey(ctx, c.newID(), h)
}

// PutForKey stores h under a caller-chosen id, replacing any record there.
// Metadata extraction and handle encoding are best effort; only a failing
// record store is an error.
func (c *Cache) PutForKey(ctx context.Context, id string, h Handle) (string, error) {
	rec := c.describe(ctx, h)
	rec.ID = id
	rec.InsertedAt = c.now().UTC()
	if err := c.store(ctx, h, rec); err != nil {
		return "", err
	}
	return id, nil
}

// store encodes h into rec and writes it. A record store that rejects the
// encoded handle gets a second, metadata-only attempt.
func (c *Cache) store(ctx context.Context, h Handle, rec Record) error {
	encoded, err := c.persist.encode(h)
	if err != nil {
		c.logger.Warn("handles: encode failed, keeping metadata only",
			slog.String("id", rec.ID),
			slog.String("error", err.Error()))
		encoded = nil
	}
	rec.Handle = encoded

	err = c.records.Put(ctx, rec)
	if err != nil && rec.Handle != nil {
		c.logger.Warn("handles: storing handle failed, retrying metadata only",
			slog.String("id", rec.ID),
			slog.String("error", err.Error()))
		rec.Handle = nil
		err = c.records.Put(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("handles: put %s: %w", rec.ID, err)
	}
	return nil
}

// describe collects what can be learned about h without failing.
func (c *Cache) describe(ctx context.Context, h Handle) (rec Record) {
	rec.DisplayName = safeString(h.Name)
	rec.Kind = safeString(h.Kind)
	if rec.Kind == "" {
		rec.Kind = KindFile
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("handles: describe panicked", slog.Any("panic", r))
		}
	}()
	md, err := h.Describe(ctx)
	if err != nil {
		c.logger.Debug("handles: describe failed", slog.String("name", rec.DisplayName), slog.String("error", err.Error()))
		return rec
	}
	if md.Name != "" {
		rec.DisplayName = md.Name
	}
	if md.Kind != "" {
		rec.Kind = md.Kind
	}
	rec.MimeType = md.MimeType
	rec.Size = md.Size
	rec.ModifiedAt = md.ModifiedAt
	return rec
}

func safeString(fn func() string) (s string) {
	defer func() { _ = recover() }()
	return fn()
}

// PutAll stores each handle in order and returns their metadata. It stops at
// the first record-store failure.
func (c *Cache) PutAll(ctx context.Context, hs []Handle) ([]Meta, error) {
	out := make([]Meta, 0, len(hs))
	for _, h := range hs {
		id, err := c.Put(ctx, h)
		if err != nil {
			return out, err
		}
		if m, ok := c.GetMeta(ctx, id); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// Pick asks the host to choose resources and stores every one of them.
// Cancellation returns apperr.ErrCancelled.
func (c *Cache) Pick(ctx context.Context, opts ChooseOptions) ([]Meta, error) {
	if c.host == nil {
		return nil, fmt.Errorf("handles: pick: %w", apperr.ErrUnsupported)
	}
	hs, err := c.host.Choose(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("handles: pick: %w", err)
	}
	if len(hs) == 0 {
		return nil, fmt.Errorf("handles: pick: %w", apperr.ErrCancelled)
	}
	return c.PutAll(ctx, hs)
}

// Get returns the live handle stored under id. It reports false when the
// id is unknown or only metadata was kept.
func (c *Cache) Get(ctx context.Context, id string) (Handle, bool) {
	rec, err := c.records.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			c.logger.Warn("handles: get failed", slog.String("id", id), slog.String("error", err.Error()))
		}
		return nil, false
	}
	return c.decode(rec)
}

func (c *Cache) decode(rec Record) (Handle, bool) {
	if rec.Handle == nil {
		return nil, false
	}
	h, err := c.persist.decode(rec.Handle)
	if err != nil || h == nil {
		return nil, false
	}
	return h, true
}

// GetMeta returns the record under id with its staleness. A record is
// stale when it has no handle, handles cannot be persisted, or the
// no-prompt permission probe is not granted. An unknown id reports false
// with State deleted.
func (c *Cache) GetMeta(ctx context.Context, id string) (Meta, bool) {
	rec, err := c.records.Get(ctx, id)
	if err != nil {
		c.observed(StateDeleted)
		return Meta{Record: Record{ID: id}, Stale: true, State: StateDeleted}, false
	}
	m := Meta{Record: rec, Stale: true, State: StateStale}
	if c.capable {
		if h, ok := c.decode(rec); ok && c.query(ctx, h) == PermissionGranted {
			m.Stale = false
			m.State = StateFresh
		}
	}
	m.Handle = nil
	c.observed(m.State)
	return m, true
}

func (c *Cache) observed(s State) {
	if c.observe != nil {
		c.observe(s)
	}
}

// GetFile opens the resource under id. When the silent probe is not
// granted, access is requested through the host's consent flow. Denied or
// missing resources report false; GetFile never returns an error.
func (c *Cache) GetFile(ctx context.Context, id string) (io.ReadCloser, Meta, bool) {
	m, ok := c.GetMeta(ctx, id)
	if !ok {
		return nil, m, false
	}
	h, ok := c.Get(ctx, id)
	if !ok {
		return nil, m, false
	}
	perm := c.query(ctx, h)
	if perm != PermissionGranted {
		perm = c.request(ctx, h)
	}
	if perm != PermissionGranted {
		return nil, m, false
	}
	r, err := h.Open(ctx)
	if err != nil {
		c.logger.Warn("handles: open failed", slog.String("id", id), slog.String("error", err.Error()))
		return nil, m, false
	}
	m.Stale = false
	m.State = StateFresh
	return r, m, true
}

func (c *Cache) query(ctx context.Context, h Handle) Permission {
	p, err := h.QueryPermission(ctx)
	if err != nil {
		return PermissionDenied
	}
	return p
}

func (c *Cache) request(ctx context.Context, h Handle) Permission {
	p, err := h.RequestPermission(ctx)
	if err != nil {
		return PermissionDenied
	}
	return p
}

// Relink replaces the handle under an existing id with one new choice from
// the host. The id and insertion time are kept. It reports false when the
// id is unknown, the host cannot choose, or the choice is cancelled.
func (c *Cache) Relink(ctx context.Context, id string, opts ChooseOptions) (Meta, bool) {
	if c.host == nil {
		return Meta{}, false
	}
	prev, err := c.records.Get(ctx, id)
	if err != nil {
		return Meta{}, false
	}
	opts.Multiple = false
	hs, err := c.host.Choose(ctx, opts)
	if err != nil || len(hs) == 0 {
		return Meta{}, false
	}

	rec := c.describe(ctx, hs[0])
	rec.ID = prev.ID
	rec.InsertedAt = prev.InsertedAt
	if err := c.store(ctx, hs[0], rec); err != nil {
		c.logger.Warn("handles: relink failed", slog.String("id", id), slog.String("error", err.Error()))
		return Meta{}, false
	}
	return c.GetMeta(ctx, id)
}

// Delete removes the record under id. Deleting an unknown id succeeds.
func (c *Cache) Delete(ctx context.Context, id string) error {
	if err := c.records.Delete(ctx, id); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("handles: delete %s: %w", id, err)
	}
	return nil
}

// List returns every record with its staleness, oldest first.
func (c *Cache) List(ctx context.Context) ([]Meta, error) {
	recs, err := c.records.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("handles: list: %w", err)
	}
	out := make([]Meta, 0, len(recs))
	for _, r := range recs {
		if m, ok := c.GetMeta(ctx, r.ID); ok {
			out = append(out, m)
		}
	}
	return out, nil
}
