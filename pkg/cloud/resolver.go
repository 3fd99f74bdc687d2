package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultRootFolder is the top-level folder every remote path lives under
const DefaultRootFolder = "SettingsGuard"

// FolderResolver maps slash-separated folder paths to backend folder ids,
// creating missing folders. Resolved prefixes are memoized until ClearCache.
//
// Concurrent Resolve calls for the same new path may both create a folder;
// callers serialize resolution per export.
type FolderResolver struct {
	backend Backend
	root    string
	logger  *logrus.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewFolderResolver creates a resolver rooted at rootFolder
func NewFolderResolver(backend Backend, rootFolder string, logger *logrus.Logger) *FolderResolver {
	if rootFolder == "" {
		rootFolder = DefaultRootFolder
	}
	return &FolderResolver{
		backend: backend,
		root:    rootFolder,
		logger:  logger,
		cache:   make(map[string]string),
	}
}

// Segments normalizes path into its folder names, root folder first
func (r *FolderResolver) Segments(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s = strings.TrimSpace(s); s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) == 0 || segs[0] != r.root {
		segs = append([]string{r.root}, segs...)
	}
	return segs
}

// Normalize returns the canonical form of path
func (r *FolderResolver) Normalize(path string) string {
	return strings.Join(r.Segments(path), "/")
}

// Resolve returns the folder id for path, creating missing segments.
// Nothing from a failed walk is cached; folders created before the failure
// are found again by the next attempt.
func (r *FolderResolver) Resolve(ctx context.Context, path string) (string, error) {
	segs := r.Segments(path)
	full := strings.Join(segs, "/")

	if id, ok := r.cached(full); ok {
		return id, nil
	}

	resolved := make(map[string]string, len(segs))
	parent := r.backend.RootID()
	for i, name := range segs {
		prefix := strings.Join(segs[:i+1], "/")
		if id, ok := r.cached(prefix); ok {
			parent = id
			continue
		}

		id, err := r.backend.FindFolder(ctx, parent, name)
		if errors.Is(err, ErrNotFound) {
			r.logger.WithField("folder", prefix).Debug("Creating remote folder")
			id, err = r.backend.CreateFolder(ctx, parent, name)
		}
		if err != nil {
			return "", fmt.Errorf("resolve folder %s: %w", prefix, err)
		}

		resolved[prefix] = id
		parent = id
	}

	r.mu.Lock()
	for k, v := range resolved {
		r.cache[k] = v
	}
	r.mu.Unlock()
	return parent, nil
}

func (r *FolderResolver) cached(prefix string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.cache[prefix]
	return id, ok
}

// ClearCache forgets every resolved folder
func (r *FolderResolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]string)
}

// CacheSize reports the number of memoized prefixes
func (r *FolderResolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
