// Package osfs is a handles.Host backed by the local file system. Handles
// are absolute paths; "choosing" returns the paths a caller preselected, and
// consent to read a file is granted through an optional callback on top of
// what the operating system allows.
package osfs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/starford/tracker/internal/apperr"
	"github.com/starford/tracker/internal/handles"
)

// ConsentFunc asks whether path may be read. It is consulted once per path
// per Host; a true answer is remembered.
type ConsentFunc func(ctx context.Context, path string) bool

// Option configures a Host.
type Option func(*Host)

// WithConsent requires consent before a file reads as granted.
func WithConsent(fn ConsentFunc) Option {
	return func(h *Host) { h.consent = fn }
}

// WithRoot restricts choices to paths under root.
func WithRoot(root string) Option {
	return func(h *Host) {
		if abs, err := filepath.Abs(root); err == nil {
			h.root = abs
		}
	}
}

// Host issues path handles.
type Host struct {
	consent ConsentFunc
	root    string

	mu     sync.Mutex
	grants map[string]struct{}
}

var _ handles.Host = (*Host)(nil)

// New creates a host.
func New(opts ...Option) *Host {
	h := &Host{grants: make(map[string]struct{})}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CanPersist reports true: a path survives restarts.
func (h *Host) CanPersist() bool { return true }

// Encode returns the handle's path.
func (h *Host) Encode(hd handles.Handle) ([]byte, error) {
	fh, ok := hd.(*Handle)
	if !ok {
		return nil, fmt.Errorf("osfs: encode %T: %w", hd, apperr.ErrUnsupported)
	}
	return []byte(fh.path), nil
}

// Decode rebuilds a handle from its path.
func (h *Host) Decode(data []byte) (handles.Handle, error) {
	p := string(data)
	if !filepath.IsAbs(p) {
		return nil, fmt.Errorf("osfs: decode: not an absolute path: %q", p)
	}
	return &Handle{host: h, path: p}, nil
}

// Choose returns handles for opts.Suggested, only the first unless Multiple
// is set. Suggestions that do not exist, fall outside the root or do not
// match Accept are skipped. No remaining choice means cancellation.
func (h *Host) Choose(_ context.Context, opts handles.ChooseOptions) ([]handles.Handle, error) {
	var out []handles.Handle
	for _, s := range opts.Suggested {
		abs, err := filepath.Abs(s)
		if err != nil {
			continue
		}
		if h.root != "" && abs != h.root && !strings.HasPrefix(abs, h.root+string(os.PathSeparator)) {
			continue
		}
		if !accepted(abs, opts.Accept) {
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		out = append(out, &Handle{host: h, path: abs})
		if !opts.Multiple {
			break
		}
	}
	if len(out) == 0 {
		return nil, apperr.ErrCancelled
	}
	return out, nil
}

func accepted(path string, accept []string) bool {
	if len(accept) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	return slices.ContainsFunc(accept, func(a string) bool {
		return strings.ToLower(a) == ext
	})
}

func (h *Host) granted(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.grants[path]
	return ok
}

func (h *Host) grant(path string) {
	h.mu.Lock()
	h.grants[path] = struct{}{}
	h.mu.Unlock()
}

// Handle is a local file or directory.
type Handle struct {
	host *Host
	path string
}

// Path returns the absolute path.
func (f *Handle) Path() string { return f.path }

func (f *Handle) Name() string { return filepath.Base(f.path) }

func (f *Handle) Kind() string {
	if info, err := os.Stat(f.path); err == nil && info.IsDir() {
		return handles.KindDirectory
	}
	return handles.KindFile
}

// Describe stats the file and sniffs its content type, falling back to the
// extension when sniffing fails.
func (f *Handle) Describe(context.Context) (handles.Metadata, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return handles.Metadata{}, fmt.Errorf("osfs: stat %s: %w", f.path, err)
	}
	md := handles.Metadata{Name: info.Name(), Kind: handles.KindFile}
	mod := info.ModTime().UTC()
	md.ModifiedAt = &mod
	if info.IsDir() {
		md.Kind = handles.KindDirectory
		return md, nil
	}
	size := info.Size()
	md.Size = &size

	if mt, err := mimetype.DetectFile(f.path); err == nil {
		md.MimeType = mt.String()
	} else {
		md.MimeType = mime.TypeByExtension(filepath.Ext(f.path))
	}
	return md, nil
}

// QueryPermission checks readability without asking for consent.
func (f *Handle) QueryPermission(context.Context) (handles.Permission, error) {
	if !readable(f.path) {
		return handles.PermissionDenied, nil
	}
	if f.host.consent != nil && !f.host.granted(f.path) {
		return handles.PermissionPrompt, nil
	}
	return handles.PermissionGranted, nil
}

// RequestPermission asks for consent when required. It never grants a file
// the operating system refuses to open.
func (f *Handle) RequestPermission(ctx context.Context) (handles.Permission, error) {
	perm, err := f.QueryPermission(ctx)
	if err != nil || perm != handles.PermissionPrompt {
		return perm, err
	}
	if f.host.consent(ctx, f.path) {
		f.host.grant(f.path)
		return handles.PermissionGranted, nil
	}
	return handles.PermissionDenied, nil
}

// Open opens the file for reading.
func (f *Handle) Open(context.Context) (io.ReadCloser, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("osfs: open %s: %w", f.path, err)
	}
	return file, nil
}

func readable(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
