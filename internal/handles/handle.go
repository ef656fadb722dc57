// Package handles caches opaque resource handles granted by a host (for
// example user-picked files) under stable ids, together with best-effort
// metadata that survives when the handle itself cannot be persisted.
package handles

import (
	"context"
	"io"
	"time"
)

// Permission is the host's answer to an access probe.
type Permission int

const (
	PermissionDenied Permission = iota
	PermissionGranted
	PermissionPrompt
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionPrompt:
		return "prompt"
	default:
		return "denied"
	}
}

// Metadata describes the resource behind a handle.
type Metadata struct {
	Name       string
	Kind       string
	MimeType   string
	Size       *int64
	ModifiedAt *time.Time
}

// Handle is a host-issued reference to a resource.
type Handle interface {
	Name() string
	Kind() string
	Describe(ctx context.Context) (Metadata, error)
	// QueryPermission probes access without prompting.
	QueryPermission(ctx context.Context) (Permission, error)
	// RequestPermission may prompt through the host's consent flow.
	RequestPermission(ctx context.Context) (Permission, error)
	Open(ctx context.Context) (io.ReadCloser, error)
}

// ChooseOptions configures a host chooser.
type ChooseOptions struct {
	Multiple bool
	// Accept restricts choices to these extensions (".pdf") when non-empty.
	Accept []string
	// Suggested preselects resources for hosts without an interactive
	// chooser.
	Suggested []string
}

// Host is the environment that issues and encodes handles.
type Host interface {
	// CanPersist reports whether encoded handles survive a restart.
	CanPersist() bool
	Encode(h Handle) ([]byte, error)
	Decode(data []byte) (Handle, error)
	// Choose returns the chosen handles. Cancellation is an empty result or
	// apperr.ErrCancelled.
	Choose(ctx context.Context, opts ChooseOptions) ([]Handle, error)
}

// Kind values reported by handles.
const (
	KindFile      = "file"
	KindDirectory = "directory"
)
