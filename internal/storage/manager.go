// Package storage keeps uploaded PDFs and per-job scratch directories on the
// local filesystem.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/rules-engine/ocr-service/internal/models"
)

var (
	// ErrTooLarge is returned when an upload exceeds the configured cap.
	ErrTooLarge = errors.New("file exceeds size limit")
	// ErrNotFound is returned for unknown file IDs.
	ErrNotFound = errors.New("file not found")
)

// Store is the file storage interface used by the API layer.
type Store interface {
	Save(name string, r io.Reader) (*models.FileInfo, error)
	Get(id string) (*models.FileInfo, error)
	GetFilePath(id string) (string, error)
	List(limit int) ([]*models.FileInfo, error)
	Delete(id string) error
	JobDir(jobID string) (string, error)
	RemoveJob(jobID string) error
	FreeBytes() (uint64, error)
}

// LocalStore implements Store on a local directory. Uploaded PDFs live at
// the root, per-job chunk files under jobs/<jobID>/.
type LocalStore struct {
	mu       sync.RWMutex
	dir      string
	maxBytes int64
	files    map[string]*models.FileInfo
}

// NewLocalStore creates the directory tree and returns an empty store.
// maxBytes caps individual uploads; zero means unlimited.
func NewLocalStore(dir string, maxBytes int64) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "jobs"), 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStore{
		dir:      dir,
		maxBytes: maxBytes,
		files:    make(map[string]*models.FileInfo),
	}, nil
}

// Save streams an upload to disk, enforcing the size cap as it copies.
func (s *LocalStore) Save(name string, r io.Reader) (*models.FileInfo, error) {
	id := uuid.New().String()
	path := filepath.Join(s.dir, id)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	size, err := io.Copy(f, src)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing file: %w", err)
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		os.Remove(path)
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}

	info := &models.FileInfo{
		ID:         id,
		Name:       name,
		Size:       size,
		UploadedAt: time.Now(),
	}

	s.mu.Lock()
	s.files[id] = info
	s.mu.Unlock()

	return info, nil
}

// Get retrieves file metadata by ID.
func (s *LocalStore) Get(id string) (*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return info, nil
}

// GetFilePath returns the absolute path of a stored file.
func (s *LocalStore) GetFilePath(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.files[id]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return filepath.Join(s.dir, id), nil
}

// List returns the most recently uploaded files.
func (s *LocalStore) List(limit int) ([]*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*models.FileInfo, 0, len(s.files))
	for _, info := range s.files {
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

// Delete removes a stored file and its metadata.
func (s *LocalStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	path := filepath.Join(s.dir, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting file: %w", err)
	}
	delete(s.files, id)
	return nil
}

// JobDir creates (if needed) and returns the scratch directory for a job.
func (s *LocalStore) JobDir(jobID string) (string, error) {
	dir := filepath.Join(s.dir, "jobs", jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating job directory: %w", err)
	}
	return dir, nil
}

// RemoveJob deletes a job's scratch directory and everything in it.
func (s *LocalStore) RemoveJob(jobID string) error {
	return os.RemoveAll(filepath.Join(s.dir, "jobs", jobID))
}

// FreeBytes reports free space on the filesystem holding the store.
func (s *LocalStore) FreeBytes() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", s.dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
