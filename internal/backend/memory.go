package backend

import (
	"context"
	"sync"
	"time"

	"github.com/kenneth/chunkvault/internal/chunkerr"
)

// MemoryAccount is an in-memory Account used by tests and by the chaos/
// rebuild scenarios in spec.md §8 that need to simulate an account going
// Unavailable without a real network dependency.
type MemoryAccount struct {
	mu        sync.Mutex
	objects   map[int64][]byte
	filenames map[int64]string
	nextID    int64
	down      bool
}

// NewMemoryAccount returns an empty in-memory account.
func NewMemoryAccount() *MemoryAccount {
	return &MemoryAccount{
		objects:   make(map[int64][]byte),
		filenames: make(map[int64]string),
		nextID:    1,
	}
}

// SetUnavailable simulates the account going offline: every subsequent call
// fails with a RemoteTransient error until cleared.
func (m *MemoryAccount) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *MemoryAccount) Upload(ctx context.Context, filename string, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, chunkerr.New(chunkerr.KindRemoteTransient, "memory account unavailable")
	}
	id := m.nextID
	m.nextID++
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[id] = stored
	m.filenames[id] = filename
	return id, nil
}

func (m *MemoryAccount) Download(ctx context.Context, messageID int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, chunkerr.New(chunkerr.KindRemoteTransient, "memory account unavailable")
	}
	data, ok := m.objects[messageID]
	if !ok {
		return nil, chunkerr.New(chunkerr.KindRemoteFatal, "no such message id")
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryAccount) Delete(ctx context.Context, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return chunkerr.New(chunkerr.KindRemoteTransient, "memory account unavailable")
	}
	delete(m.objects, messageID)
	delete(m.filenames, messageID)
	return nil
}

func (m *MemoryAccount) List(ctx context.Context) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, chunkerr.New(chunkerr.KindRemoteTransient, "memory account unavailable")
	}
	out := make([]ObjectInfo, 0, len(m.objects))
	now := time.Now().Unix()
	for id, data := range m.objects {
		out = append(out, ObjectInfo{MessageID: id, Filename: m.filenames[id], Size: int64(len(data)), Date: now})
	}
	return out, nil
}
