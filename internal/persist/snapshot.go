package persist

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/starford/tracker/internal/apperr"
	"github.com/starford/tracker/internal/statestore"
)

// Export is a downloadable snapshot.
type Export struct {
	Name        string
	ContentType string
	Data        []byte
}

// ExportSnapshot renders the filtered projection of state as indented JSON.
// Nothing is written.
func (c *Controller) ExportSnapshot(state statestore.Tree) (Export, error) {
	data, err := json.MarshalIndent(c.project(state), "", "  ")
	if err != nil {
		return Export{}, fmt.Errorf("persist: encode export: %w", err)
	}
	return Export{
		Name:        fmt.Sprintf("%s-%s.json", c.exportPrefix, c.now().UTC().Format("2006-01-02")),
		ContentType: "application/json",
		Data:        data,
	}, nil
}

// Strategy selects how an imported snapshot combines with stored state.
type Strategy string

const (
	// StrategyMerge lays the incoming top-level keys over the stored ones.
	StrategyMerge Strategy = "merge"
	// StrategyReplace discards the stored state.
	StrategyReplace Strategy = "replace"
)

// ParseStrategy maps a user-supplied name to a Strategy. Empty means merge.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyMerge:
		return StrategyMerge, nil
	case StrategyReplace:
		return StrategyReplace, nil
	default:
		return "", fmt.Errorf("persist: unknown import strategy %q: %w", s, apperr.ErrInvalidSnapshot)
	}
}

// ImportOptions configures ImportSnapshot.
type ImportOptions struct {
	Strategy Strategy
}

// ImportSnapshot reads a snapshot from r, migrates it from its own version,
// combines it with the stored state according to the strategy and writes the
// result. The returned tree is meant for Store.Replace. Input that cannot be
// read or parsed as a JSON object fails with apperr.ErrInvalidSnapshot and
// leaves storage untouched.
func (c *Controller) ImportSnapshot(r io.Reader, opts ImportOptions) (statestore.Tree, error) {
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("persist: read import: %v: %w", err, apperr.ErrInvalidSnapshot)
	}
	incoming, err := parseTree(data)
	if err != nil {
		return nil, fmt.Errorf("persist: parse import: %v: %w", err, apperr.ErrInvalidSnapshot)
	}
	incoming = c.migrate(incoming, versionOf(incoming, 1))

	var merged statestore.Tree
	switch strategy {
	case StrategyReplace:
		merged = incoming
	default:
		current, err := c.current()
		if err != nil {
			return nil, err
		}
		merged = make(statestore.Tree, len(current)+len(incoming)+1)
		for k, v := range current {
			merged[k] = v
		}
		for k, v := range incoming {
			merged[k] = v
		}
		switch {
		case incoming[VersionKey] != nil:
			merged[VersionKey] = incoming[VersionKey]
		case current[VersionKey] != nil:
			merged[VersionKey] = current[VersionKey]
		default:
			merged[VersionKey] = float64(1)
		}
	}

	if err := c.write(merged, false); err != nil {
		return nil, err
	}
	c.logger.Info("persist: snapshot imported",
		slog.String("strategy", string(strategy)),
		slog.Int("keys", len(merged)))
	return merged, nil
}

// current returns the stored snapshot, or an empty tree when it is absent or
// not a JSON object. A failing read is returned so a merge never silently
// degrades into a replace.
func (c *Controller) current() (statestore.Tree, error) {
	raw, ok, err := c.kv.Get(c.key)
	if err != nil {
		return nil, fmt.Errorf("persist: read %s: %w", c.key, err)
	}
	if !ok {
		return statestore.Tree{}, nil
	}
	t, err := parseTree([]byte(raw))
	if err != nil {
		return statestore.Tree{}, nil
	}
	return t, nil
}
