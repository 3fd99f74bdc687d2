// Package cloudtest provides an in-memory cloud.Backend for tests.
package cloudtest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/supporttools/SettingsGuard/pkg/cloud"
)

// RootID is the id of the in-memory root folder
const RootID = "root"

type object struct {
	info   cloud.FileInfo
	parent string
	data   []byte
}

// MemoryBackend stores folders and files in maps. Failures can be injected
// per operation name: find_folder, create_folder, list_folders, list,
// create, stat, download, about.
type MemoryBackend struct {
	mu       sync.Mutex
	objects  map[string]*object
	nextID   int
	failures map[string][]error
	calls    map[string]int

	// HideAfterCreate makes Stat report ErrNotFound for newly created files
	HideAfterCreate bool
	// TrashAfterCreate marks newly created files as trashed
	TrashAfterCreate bool
	// Now stamps created objects
	Now func() time.Time
}

// NewMemoryBackend creates an empty backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects:  make(map[string]*object),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		Now:      time.Now,
	}
}

// FailNext queues errs to be returned by the next calls of op, in order
func (m *MemoryBackend) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Calls returns how many times op was invoked
func (m *MemoryBackend) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// FoldersNamed counts non-trashed folders called name anywhere in the tree
func (m *MemoryBackend) FoldersNamed(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.objects {
		if o.info.Folder && o.info.Name == name && !o.info.Trashed {
			n++
		}
	}
	return n
}

// Trash marks id as trashed
func (m *MemoryBackend) Trash(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.objects[id]; ok {
		o.info.Trashed = true
	}
}

// Put adds a file directly, bypassing failure injection
func (m *MemoryBackend) Put(folderID, name string, data []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.add(folderID, name, "application/octet-stream", false, data).info.ID
}

// enter counts the call and pops an injected failure (caller holds mu)
func (m *MemoryBackend) enter(op string) error {
	m.calls[op]++
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *MemoryBackend) add(parent, name, mimeType string, folder bool, data []byte) *object {
	m.nextID++
	id := "id-" + strconv.Itoa(m.nextID)
	o := &object{
		info: cloud.FileInfo{
			ID:         id,
			Name:       name,
			MimeType:   mimeType,
			Size:       int64(len(data)),
			Folder:     folder,
			ModifiedAt: m.Now(),
		},
		parent: parent,
		data:   append([]byte(nil), data...),
	}
	m.objects[id] = o
	return o
}

func (m *MemoryBackend) children(parent string, folders bool) []cloud.FileInfo {
	var out []cloud.FileInfo
	for _, o := range m.objects {
		if o.parent == parent && o.info.Folder == folders && !o.info.Trashed {
			out = append(out, o.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Name implements cloud.Backend
func (m *MemoryBackend) Name() string { return "memory" }

// RootID implements cloud.Backend
func (m *MemoryBackend) RootID() string { return RootID }

// FindFolder implements cloud.Backend
func (m *MemoryBackend) FindFolder(ctx context.Context, parentID, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("find_folder"); err != nil {
		return "", err
	}
	for _, f := range m.children(parentID, true) {
		if f.Name == name {
			return f.ID, nil
		}
	}
	return "", cloud.ErrNotFound
}

// CreateFolder implements cloud.Backend
func (m *MemoryBackend) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create_folder"); err != nil {
		return "", err
	}
	return m.add(parentID, name, "folder", true, nil).info.ID, nil
}

// ListFolders implements cloud.Backend
func (m *MemoryBackend) ListFolders(ctx context.Context, parentID string) ([]cloud.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("list_folders"); err != nil {
		return nil, err
	}
	return m.children(parentID, true), nil
}

// ListFiles implements cloud.Backend; page tokens are decimal offsets
func (m *MemoryBackend) ListFiles(ctx context.Context, folderID string, pageSize int, pageToken string) (cloud.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("list"); err != nil {
		return cloud.Page{}, err
	}

	files := m.children(folderID, false)
	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return cloud.Page{}, fmt.Errorf("%w: bad page token", cloud.ErrPermanent)
		}
		start = n
	}
	if start > len(files) {
		start = len(files)
	}
	end := start + pageSize
	if pageSize <= 0 || end > len(files) {
		end = len(files)
	}

	page := cloud.Page{Files: files[start:end]}
	if end < len(files) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

// CreateFile implements cloud.Backend
func (m *MemoryBackend) CreateFile(ctx context.Context, folderID, name, mimeType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create"); err != nil {
		return "", err
	}
	o := m.add(folderID, name, mimeType, false, data)
	if m.TrashAfterCreate {
		o.info.Trashed = true
	}
	if m.HideAfterCreate {
		delete(m.objects, o.info.ID)
	}
	return o.info.ID, nil
}

// Stat implements cloud.Backend
func (m *MemoryBackend) Stat(ctx context.Context, fileID string) (cloud.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("stat"); err != nil {
		return cloud.FileInfo{}, err
	}
	o, ok := m.objects[fileID]
	if !ok {
		return cloud.FileInfo{}, cloud.ErrNotFound
	}
	return o.info, nil
}

// Download implements cloud.Backend
func (m *MemoryBackend) Download(ctx context.Context, fileID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("download"); err != nil {
		return nil, err
	}
	o, ok := m.objects[fileID]
	if !ok || o.info.Folder {
		return nil, fmt.Errorf("%w: file %s", cloud.ErrNotFound, fileID)
	}
	return append([]byte(nil), o.data...), nil
}

// About implements cloud.Backend
func (m *MemoryBackend) About(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("about"); err != nil {
		return "", err
	}
	return "memory backend", nil
}

// StaticAuth is a switchable cloud.Authorizer
type StaticAuth struct {
	mu         sync.Mutex
	Authorized bool
	Cleared    int
}

// IsAuthorized implements cloud.Authorizer
func (a *StaticAuth) IsAuthorized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Authorized
}

// ClearCredentials implements cloud.Authorizer
func (a *StaticAuth) ClearCredentials() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Authorized = false
	a.Cleared++
	return nil
}
