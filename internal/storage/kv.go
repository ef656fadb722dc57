// Package storage holds the durable key-value primitive the persistence
// layer writes snapshots to.
package storage

import "sync"

// KV is a synchronous string key-value store. Get reports ok=false for a key
// that was never written.
type KV interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
}

// Memory is an in-process KV. The zero value is ready to use.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
	// fail, when set, is returned from every Set; failRead from every Get.
	fail     error
	failRead error
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failRead != nil {
		return "", false, m.failRead
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

// FailWrites makes every later Set return err. A nil err restores writes.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// FailReads makes every later Get return err. A nil err restores reads.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	m.failRead = err
	m.mu.Unlock()
}
