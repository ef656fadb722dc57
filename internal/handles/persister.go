package handles

import "github.com/starford/tracker/internal/apperr"

// persister turns handles into bytes and back. The strategy is fixed when a
// Cache is built.
type persister interface {
	encode(h Handle) ([]byte, error)
	decode(data []byte) (Handle, error)
}

type nativePersister struct {
	host Host
}

func (p nativePersister) encode(h Handle) ([]byte, error) { return p.host.Encode(h) }

func (p nativePersister) decode(data []byte) (Handle, error) { return p.host.Decode(data) }

// stubPersister keeps metadata only.
type stubPersister struct{}

func (stubPersister) encode(Handle) ([]byte, error) { return nil, nil }

func (stubPersister) decode([]byte) (Handle, error) { return nil, apperr.ErrUnsupported }
