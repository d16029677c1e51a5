package storage

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// Memory keeps objects in a map. PutHook, when set, runs before each put
// and can fail it.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int

	PutHook func(key string) error
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Provider() string { return "memory" }

func (m *Memory) PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error) {
	key, err := CleanKey(in.ObjectKey)
	if err != nil {
		return PutObjectOutput{}, err
	}
	m.mu.Lock()
	hook := m.PutHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(key); err != nil {
			return PutObjectOutput{}, err
		}
	}

	data, err := io.ReadAll(in.Reader)
	if err != nil {
		return PutObjectOutput{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.puts++
	return PutObjectOutput{ObjectKey: key, Size: int64(len(data))}, nil
}

func (m *Memory) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ObjectInfo, 0, len(m.objects))
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) DeleteObject(ctx context.Context, objectKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[objectKey]; !ok {
		return os.ErrNotExist
	}
	delete(m.objects, objectKey)
	return nil
}

// Get returns the stored bytes for key.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Puts returns how many successful puts happened, including overwrites.
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
