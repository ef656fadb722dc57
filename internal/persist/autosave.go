package persist

import (
	"strings"
	"time"

	"github.com/starford/tracker/internal/statestore"
)

// DefaultAutosaveDebounce is the quiet period autosave waits for.
const DefaultAutosaveDebounce = 300 * time.Millisecond

// Subscriber is the part of statestore.Store autosave needs.
type Subscriber interface {
	Subscribe(listener statestore.Listener, filter statestore.Filter) (unsubscribe func())
}

// AutosaveOptions configures AttachAutosave.
type AutosaveOptions struct {
	// Debounce defaults to DefaultAutosaveDebounce when zero.
	Debounce time.Duration
	// IgnoreKeysPrefix lists partitions whose changes alone never trigger a
	// save. A key matches a prefix p when it equals p or starts with p + ".".
	// Nil means {"ui"}; an empty non-nil slice ignores nothing.
	IgnoreKeysPrefix []string
	// PersistFilter, when set, becomes the controller's projection filter.
	PersistFilter FilterFunc
}

// AttachAutosave subscribes to store and writes the newest dispatched state
// once changes have been quiet for the debounce. Dispatches touching only
// ignored partitions schedule nothing. The returned function stops the timer
// and unsubscribes.
func (c *Controller) AttachAutosave(store Subscriber, opts AutosaveOptions) (detach func()) {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultAutosaveDebounce
	}
	ignore := opts.IgnoreKeysPrefix
	if ignore == nil {
		ignore = []string{"ui"}
	}
	if opts.PersistFilter != nil {
		c.setFilter(opts.PersistFilter)
	}

	unsubscribe := store.Subscribe(func(state statestore.Tree, changed statestore.ChangeSet) {
		if ignorable(changed, ignore) {
			return
		}
		c.setStatus(StatusSaving, nil)
		c.schedule(state, debounce)
	}, nil)

	return func() {
		unsubscribe()
		c.cancelPending()
	}
}

// ignorable reports whether every changed key falls under one of prefixes.
// An empty change set is never ignorable.
func ignorable(changed statestore.ChangeSet, prefixes []string) bool {
	if len(prefixes) == 0 || len(changed) == 0 {
		return false
	}
	for _, k := range changed {
		if !matchesAny(k, prefixes) {
			return false
		}
	}
	return true
}

func matchesAny(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if key == p || strings.HasPrefix(key, p+".") {
			return true
		}
	}
	return false
}
