// Package local handles local filesystem storage of exported artifacts.
package local

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/SettingsGuard/pkg/config"
)

// Local failure classes
var (
	ErrDirectoryNotConfigured = errors.New("export directory not configured or not writable")
	ErrFileNotFound           = errors.New("export file not found")
	ErrIO                     = errors.New("export file I/O error")
)

// Client represents the local export directory
type Client struct {
	baseDir   string
	retention time.Duration
	logger    *logrus.Logger
}

// NewClient creates a local storage client. An empty directory is accepted;
// every operation then fails with ErrDirectoryNotConfigured.
func NewClient(cfg config.LocalConfig, logger *logrus.Logger) *Client {
	return &Client{
		baseDir:   cfg.ExportDirectory,
		retention: cfg.Retention,
		logger:    logger,
	}
}

// Configured reports whether an export directory is set
func (c *Client) Configured() bool {
	return c.baseDir != ""
}

// BaseDir returns the export root
func (c *Client) BaseDir() string {
	return c.baseDir
}

func classify(err error, format string, args ...interface{}) error {
	switch {
	case os.IsNotExist(err):
		return errors.Wrapf(ErrFileNotFound, format+": %v", append(args, err)...)
	case os.IsPermission(err):
		return errors.Wrapf(ErrDirectoryNotConfigured, format+": %v", append(args, err)...)
	default:
		return errors.Wrapf(ErrIO, format+": %v", append(args, err)...)
	}
}

// EnsureExportDir ensures the directory for kind exists and returns it
func (c *Client) EnsureExportDir(kind string) (string, error) {
	if c.baseDir == "" {
		return "", ErrDirectoryNotConfigured
	}
	dir := filepath.Join(c.baseDir, kind)
	if err := os.MkdirAll(dir, 0750); err != nil {
		if os.IsPermission(err) {
			return "", errors.Wrapf(ErrDirectoryNotConfigured, "create %s: %v", dir, err)
		}
		return "", classify(err, "create export directory %s", dir)
	}
	return dir, nil
}

// FileHandle is a named file inside the export directory
type FileHandle struct {
	Name string
	Path string
}

// NewFile returns a handle for name inside the kind directory
func (c *Client) NewFile(kind, name string) (*FileHandle, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, errors.Wrapf(ErrIO, "invalid file name %q", name)
	}
	dir, err := c.EnsureExportDir(kind)
	if err != nil {
		return nil, err
	}
	return &FileHandle{Name: name, Path: filepath.Join(dir, name)}, nil
}

// Write replaces the file content atomically; a failed write leaves no partial file
func (h *FileHandle) Write(data []byte) error {
	if err := atomic.WriteFile(h.Path, bytes.NewReader(data)); err != nil {
		return classify(err, "write %s", h.Path)
	}
	return nil
}

// Read returns the file content
func (h *FileHandle) Read() ([]byte, error) {
	data, err := os.ReadFile(h.Path)
	if err != nil {
		return nil, classify(err, "read %s", h.Path)
	}
	return data, nil
}

// Delete removes the file; a missing file is not an error
func (h *FileHandle) Delete() error {
	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		return classify(err, "delete %s", h.Path)
	}
	return nil
}

// Open returns a handle for an existing file
func (c *Client) Open(kind, name string) (*FileHandle, error) {
	if c.baseDir == "" {
		return nil, ErrDirectoryNotConfigured
	}
	if name == "" || filepath.Base(name) != name {
		return nil, errors.Wrapf(ErrFileNotFound, "invalid file name %q", name)
	}
	h := &FileHandle{Name: name, Path: filepath.Join(c.baseDir, kind, name)}
	if _, err := os.Stat(h.Path); err != nil {
		return nil, classify(err, "open %s", h.Path)
	}
	return h, nil
}

// FileEntry describes a file in the export directory
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// List returns files of kind whose names match pattern, newest name first.
// A missing kind directory yields an empty list.
func (c *Client) List(kind string, pattern *regexp.Regexp) ([]FileEntry, error) {
	if c.baseDir == "" {
		return nil, ErrDirectoryNotConfigured
	}
	dir := filepath.Join(c.baseDir, kind)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "list %s", dir)
	}

	var out []FileEntry
	for _, e := range entries {
		if e.IsDir() || (pattern != nil && !pattern.MatchString(e.Name())) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileEntry{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// EnforceRetention removes files of kind matching pattern older than the
// configured retention and returns the removed paths. Zero retention keeps
// everything.
func (c *Client) EnforceRetention(kind string, pattern *regexp.Regexp, now time.Time) ([]string, error) {
	if c.retention <= 0 {
		c.logger.Debugf("Local exports for %s set to keep forever, skipping retention enforcement", kind)
		return nil, nil
	}

	files, err := c.List(kind, pattern)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, f := range files {
		if now.Sub(f.ModTime) <= c.retention {
			continue
		}
		if err := os.Remove(f.Path); err != nil {
			c.logger.Warnf("Failed to remove expired export %s: %v", f.Path, err)
			continue
		}
		c.logger.Infof("Removed expired local export: %s", f.Path)
		removed = append(removed, f.Path)
	}
	return removed, nil
}
