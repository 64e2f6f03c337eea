package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/brevmail/brev/consts"
)

// Memory is an in-process Store used by tests and by tools that do not
// talk to object storage.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, hash string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch for %s: declared %d, read %d", hash, size, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[hash] = data
	return nil
}

func (m *Memory) Get(_ context.Context, hash string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[hash]
	m.mu.RUnlock()
	if !ok {
		return nil, consts.ErrContentMissing
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Exists(_ context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[hash]
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, hash)
	return nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
