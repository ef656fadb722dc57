// Package persist synchronizes a statestore.Store with a durable key-value
// store: seeding and migration on load, debounced autosave, and snapshot
// export and import.
package persist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/starford/tracker/internal/statestore"
	"github.com/starford/tracker/internal/storage"
)

const (
	// DefaultKey is the KV key snapshots are stored under.
	DefaultKey = "tracker_db_v1"
	// DefaultSaveDelay is the debounce applied by Save.
	DefaultSaveDelay = 250 * time.Millisecond
	// DefaultExportPrefix names exported files <prefix>-YYYY-MM-DD.json.
	DefaultExportPrefix = "tracker"

	// VersionKey holds the integer schema version of a snapshot.
	VersionKey = "version"
	// OriginKey holds the boolean flag telling seeded sample data apart from
	// an empty production seed.
	OriginKey = "dev_seed"
)

// Status is the outcome of the most recent persistence activity.
type Status int

const (
	StatusIdle Status = iota
	StatusSaving
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSaving:
		return "saving"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StatusFunc observes status transitions. err is set with StatusError.
type StatusFunc func(status Status, err error)

// MigrateFunc upgrades a snapshot written at fromVersion.
type MigrateFunc func(snapshot statestore.Tree, fromVersion int) statestore.Tree

// FilterFunc projects the state before it is saved or exported.
type FilterFunc func(state statestore.Tree) statestore.Tree

// Option configures a Controller.
type Option func(*Controller)

// WithKey sets the KV key the controller owns.
func WithKey(key string) Option {
	return func(c *Controller) {
		if key != "" {
			c.key = key
		}
	}
}

// WithMigrate installs the migration hook. The default returns its input.
func WithMigrate(fn MigrateFunc) Option {
	return func(c *Controller) {
		if fn != nil {
			c.migrate = fn
		}
	}
}

// WithPersistFilter installs the projection applied to saved and exported
// state.
func WithPersistFilter(fn FilterFunc) Option {
	return func(c *Controller) { c.setFilter(fn) }
}

// WithSaveDelay sets the debounce used by Save.
func WithSaveDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.saveDelay = d
		}
	}
}

// WithExportPrefix sets the file-name prefix of exports.
func WithExportPrefix(prefix string) Option {
	return func(c *Controller) {
		if prefix != "" {
			c.exportPrefix = prefix
		}
	}
}

// WithClock replaces time.Now for export names.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// Controller owns one KV key and everything written to it.
type Controller struct {
	kv           storage.KV
	key          string
	migrate      MigrateFunc
	saveDelay    time.Duration
	exportPrefix string
	now          func() time.Time
	logger       *slog.Logger

	filterMu sync.RWMutex
	filter   FilterFunc

	// debounce state shared by Save and autosave
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending statestore.Tree

	writeMu sync.Mutex

	statusMu  sync.Mutex
	status    Status
	lastErr   error
	listeners []StatusFunc
}

// New creates a controller writing to kv.
func New(kv storage.KV, opts ...Option) *Controller {
	c := &Controller{
		kv:           kv,
		key:          DefaultKey,
		migrate:      func(t statestore.Tree, _ int) statestore.Tree { return t },
		saveDelay:    DefaultSaveDelay,
		exportPrefix: DefaultExportPrefix,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the KV key the controller writes.
func (c *Controller) Key() string { return c.key }

// Load returns the durable state, seeding the KV when it is empty, broken or
// unreadable. When the stored version or origin flag differs from the seed,
// the seed's keys win over the stored ones, the result is migrated from the
// stored version and written back. Otherwise the stored state is migrated
// without being written.
func (c *Controller) Load(seed statestore.Tree) statestore.Tree {
	raw, ok, err := c.kv.Get(c.key)
	if err != nil {
		c.logger.Warn("persist: read failed, reseeding",
			slog.String("key", c.key),
			slog.String("error", err.Error()))
		return c.reseed(seed)
	}
	if !ok || raw == "" {
		return c.reseed(seed)
	}

	stored, err := parseTree([]byte(raw))
	if err != nil {
		c.logger.Warn("persist: stored snapshot unreadable, reseeding",
			slog.String("key", c.key),
			slog.String("error", err.Error()))
		return c.reseed(seed)
	}
	from := versionOf(stored, 1)

	if !sameField(stored, seed, VersionKey) || !sameField(stored, seed, OriginKey) {
		merged := stored.Clone()
		for k, v := range seed {
			merged[k] = statestore.Clone(v)
		}
		merged = c.migrate(merged, from)
		c.logger.Info("persist: snapshot reseeded over stored data",
			slog.Int("from_version", from),
			slog.Any("to_version", seed[VersionKey]))
		_ = c.write(merged, false)
		return merged
	}
	return c.migrate(stored, from)
}

func (c *Controller) reseed(seed statestore.Tree) statestore.Tree {
	_ = c.write(seed, false)
	return seed.Clone()
}

// Save schedules a debounced write of state. Status becomes saving at once;
// a later Save restarts the delay so only the newest state is written.
func (c *Controller) Save(state statestore.Tree) {
	c.setStatus(StatusSaving, nil)
	c.schedule(state, c.saveDelay)
}

// SaveNow cancels any pending debounced write and writes state immediately.
func (c *Controller) SaveNow(state statestore.Tree) error {
	c.cancelPending()
	return c.write(state, true)
}

// Flush writes the pending debounced state now. It does nothing when no
// write is pending.
func (c *Controller) Flush() error {
	state := c.cancelPending()
	if state == nil {
		return nil
	}
	return c.write(state, true)
}

func (c *Controller) schedule(state statestore.Tree, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	gen := c.gen
	c.pending = state
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, func() { c.fire(gen) })
}

func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.pending == nil {
		c.mu.Unlock()
		return
	}
	state := c.pending
	c.pending = nil
	c.timer = nil
	c.mu.Unlock()

	_ = c.write(state, true)
}

// cancelPending stops the debounce timer and returns the state it would
// have written.
func (c *Controller) cancelPending() statestore.Tree {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	state := c.pending
	c.pending = nil
	return state
}

// write serializes state, through the persist filter when filtered is set,
// and stores it. The outcome is reported through status.
func (c *Controller) write(state statestore.Tree, filtered bool) error {
	snapshot := state
	if filtered {
		snapshot = c.project(state)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		err = fmt.Errorf("persist: encode snapshot: %w", err)
		c.fail(err)
		return err
	}

	c.writeMu.Lock()
	err = c.kv.Set(c.key, string(data))
	c.writeMu.Unlock()
	if err != nil {
		err = fmt.Errorf("persist: write %s: %w", c.key, err)
		c.fail(err)
		return err
	}
	c.setStatus(StatusIdle, nil)
	return nil
}

func (c *Controller) fail(err error) {
	c.logger.Error("persist: save failed", slog.String("key", c.key), slog.String("error", err.Error()))
	c.setStatus(StatusError, err)
}

func (c *Controller) setFilter(fn FilterFunc) {
	c.filterMu.Lock()
	c.filter = fn
	c.filterMu.Unlock()
}

// project applies the persist filter to a copy of state.
func (c *Controller) project(state statestore.Tree) statestore.Tree {
	c.filterMu.RLock()
	fn := c.filter
	c.filterMu.RUnlock()
	if fn == nil {
		return state
	}
	return fn(state.Clone())
}

// OnStatus registers fn for every later status transition.
func (c *Controller) OnStatus(fn StatusFunc) {
	if fn == nil {
		return
	}
	c.statusMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.statusMu.Unlock()
}

// Status returns the latest status and, with StatusError, its cause.
func (c *Controller) Status() (Status, error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status, c.lastErr
}

func (c *Controller) setStatus(s Status, err error) {
	c.statusMu.Lock()
	c.status = s
	c.lastErr = err
	fns := slices.Clone(c.listeners)
	c.statusMu.Unlock()

	for _, fn := range fns {
		fn(s, err)
	}
}

func parseTree(data []byte) (statestore.Tree, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("snapshot is %T, not an object", v)
	}
	return statestore.Tree(obj), nil
}

// versionOf reads the integer version of t, or def when it has none.
func versionOf(t statestore.Tree, def int) int {
	switch v := t[VersionKey].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func sameField(a, b statestore.Tree, key string) bool {
	return reflect.DeepEqual(statestore.Clone(a[key]), statestore.Clone(b[key]))
}
