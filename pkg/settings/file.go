package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
)

// FileStore persists settings as a JSON object on disk
type FileStore struct {
	path   string
	mu     sync.RWMutex
	values map[string]string
	logger *logrus.Logger
}

// NewFileStore opens the store at path, creating an empty one when missing
func NewFileStore(path string, logger *logrus.Logger) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		values: make(map[string]string),
		logger: logger,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads the settings file
func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Infof("Settings file %s does not exist, starting empty", s.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return fmt.Errorf("failed to unmarshal settings file: %w", err)
	}
	return nil
}

// save writes the file atomically (without locking)
func (s *FileStore) save(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

// GetAll returns a copy of every setting
func (s *FileStore) GetAll(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

// Put writes a single setting and persists the file
func (s *FileStore) Put(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]string, len(s.values)+1)
	for k, v := range s.values {
		next[k] = v
	}
	next[key] = value
	if err := s.save(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

// Clear removes every setting
func (s *FileStore) Clear(ctx context.Context) error {
	return s.ReplaceAll(ctx, nil)
}

// ReplaceAll writes the new set in a single atomic file replace
func (s *FileStore) ReplaceAll(ctx context.Context, values map[string]string) error {
	next := make(map[string]string, len(values))
	for k, v := range values {
		next[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(next); err != nil {
		return err
	}
	s.values = next
	return nil
}
