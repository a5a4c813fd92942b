// mock_storage.go - Mock storage implementation for testing
package testutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rules-engine/ocr-service/internal/models"
	"github.com/rules-engine/ocr-service/internal/storage"
)

// MockStorage implements storage.Store for testing. Files are written under
// the given directory so code paths that need real paths keep working.
type MockStorage struct {
	mu    sync.RWMutex
	dir   string
	files map[string]*models.FileInfo
	next  int

	// Free is returned by FreeBytes; defaults to 1 GiB.
	Free uint64
	// SaveErr, when set, is returned by Save.
	SaveErr error
	// JobDirErr, when set, is returned by JobDir.
	JobDirErr error
}

// NewMockStorage creates a mock store rooted at dir.
func NewMockStorage(dir string) *MockStorage {
	return &MockStorage{
		dir:   dir,
		files: make(map[string]*models.FileInfo),
		Free:  1 << 30,
	}
}

// AddFile registers a file with fixed ID and content.
func (m *MockStorage) AddFile(id, name string, data []byte) *models.FileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	os.WriteFile(filepath.Join(m.dir, id), data, 0o644)
	info := &models.FileInfo{ID: id, Name: name, Size: int64(len(data)), UploadedAt: time.Now()}
	m.files[id] = info
	return info
}

func (m *MockStorage) Save(name string, r io.Reader) (*models.FileInfo, error) {
	if m.SaveErr != nil {
		return nil, m.SaveErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.next++
	id := fmt.Sprintf("mock-file-%d", m.next)
	m.mu.Unlock()

	return m.AddFile(id, name, data), nil
}

func (m *MockStorage) Get(id string) (*models.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return info, nil
}

func (m *MockStorage) GetFilePath(id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.files[id]; !ok {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return filepath.Join(m.dir, id), nil
}

func (m *MockStorage) List(limit int) ([]*models.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*models.FileInfo, 0, len(m.files))
	for _, info := range m.files {
		list = append(list, info)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].UploadedAt.After(list[j].UploadedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *MockStorage) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[id]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	os.Remove(filepath.Join(m.dir, id))
	delete(m.files, id)
	return nil
}

func (m *MockStorage) JobDir(jobID string) (string, error) {
	if m.JobDirErr != nil {
		return "", m.JobDirErr
	}
	dir := filepath.Join(m.dir, "jobs", jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (m *MockStorage) RemoveJob(jobID string) error {
	return os.RemoveAll(filepath.Join(m.dir, "jobs", jobID))
}

func (m *MockStorage) FreeBytes() (uint64, error) {
	return m.Free, nil
}
