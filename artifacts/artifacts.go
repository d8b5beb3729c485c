package artifacts

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
)

const ContentTypeXml = "application/xml"

// Store persists signed documents and authority receipts.
type Store interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// ObjectName returns the object path for a document's XML. suffix marks
// event receipts, e.g. "-cancel" or "-cce-01".
func ObjectName(kind models.DocumentKind, accessKey, suffix string) string {
	return fmt.Sprintf("xml/%s/%s%s.xml", strings.ToLower(string(kind)), accessKey, suffix)
}

// NoopStore discards artifacts. Used when no bucket is configured.
type NoopStore struct{}

func (NoopStore) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	return "", nil
}

// MemoryStore keeps artifacts in process, for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = append([]byte(nil), data...)
	return "mem://" + name, nil
}

func (m *MemoryStore) Get(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[name]
	return b, ok
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
