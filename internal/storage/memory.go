package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"request-portal/internal/model"

	"github.com/google/uuid"
)

// MemoryStore keeps folders and files in process memory. It backs local
// development without a bucket and the tests of dependent packages.
type MemoryStore struct {
	mu      sync.RWMutex
	folders map[string]bool
	files   map[string][]byte
	mimes   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		folders: make(map[string]bool),
		files:   make(map[string][]byte),
		mimes:   make(map[string]string),
	}
}

func (m *MemoryStore) CreateFolder(_ context.Context, name, parentID string) (string, error) {
	id := path.Join(strings.Trim(parentID, "/"), SanitizeName(name))
	m.mu.Lock()
	m.folders[id] = true
	m.mu.Unlock()
	return id, nil
}

func (m *MemoryStore) Upload(_ context.Context, data []byte, filename, mimeType, folderID string) (model.Attachment, error) {
	id := path.Join(strings.Trim(folderID, "/"), uuid.NewString()[:8]+"-"+SanitizeName(filename))
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.files[id] = buf
	m.mimes[id] = mimeType
	m.mu.Unlock()

	return model.Attachment{
		ID:          id,
		Name:        filename,
		WebViewLink: "memory://" + id,
		MimeType:    mimeType,
	}, nil
}

func (m *MemoryStore) Download(_ context.Context, fileID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[fileID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	delete(m.files, fileID)
	delete(m.mimes, fileID)
	return nil
}

func (m *MemoryStore) FileExists(_ context.Context, fileID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[fileID]
	return ok, nil
}

func (m *MemoryStore) FolderExists(_ context.Context, folderID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.folders[strings.Trim(folderID, "/")], nil
}

// Files returns the ids of all stored files under folderID.
func (m *MemoryStore) Files(folderID string) []string {
	prefix := strings.Trim(folderID, "/") + "/"
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id := range m.files {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	return out
}
