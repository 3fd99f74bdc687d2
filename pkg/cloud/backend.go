// Package cloud contains the provider-neutral half of remote export storage:
// folder path resolution, verified uploads, paginated listing and retry.
// Concrete object APIs plug in through Backend.
package cloud

import (
	"context"
	"time"
)

// FileInfo describes a remote file or folder
type FileInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mimeType"`
	Size       int64     `json:"size"`
	Folder     bool      `json:"folder"`
	Trashed    bool      `json:"trashed"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Page is one page of a file listing
type Page struct {
	Files         []FileInfo `json:"files"`
	NextPageToken string     `json:"nextPageToken,omitempty"`
}

// Backend is the subset of a remote object API the gateway relies on.
// Errors should wrap ErrAuthRequired, ErrTransient, ErrPermanent or ErrNotFound.
type Backend interface {
	// Name is a short provider name used in logs and metrics
	Name() string

	// RootID is the id of the top-level container
	RootID() string

	// FindFolder returns the id of the non-trashed folder called name
	// directly below parentID, or ErrNotFound
	FindFolder(ctx context.Context, parentID, name string) (string, error)

	// CreateFolder creates name below parentID and returns its id
	CreateFolder(ctx context.Context, parentID, name string) (string, error)

	// ListFolders returns the folders directly below parentID
	ListFolders(ctx context.Context, parentID string) ([]FileInfo, error)

	// ListFiles returns one page of non-folder children of folderID
	ListFiles(ctx context.Context, folderID string, pageSize int, pageToken string) (Page, error)

	// CreateFile stores data as a new file below folderID and returns its id
	CreateFile(ctx context.Context, folderID, name, mimeType string, data []byte) (string, error)

	// Stat returns metadata for fileID, or ErrNotFound
	Stat(ctx context.Context, fileID string) (FileInfo, error)

	// Download returns the full content of fileID
	Download(ctx context.Context, fileID string) ([]byte, error)

	// About returns a short description of the connected account
	About(ctx context.Context) (string, error)
}

// Authorizer reports and clears the credential state behind a backend
type Authorizer interface {
	IsAuthorized() bool
	ClearCredentials() error
}

// AlwaysAuthorized is used for backends with static credentials
type AlwaysAuthorized struct{}

// IsAuthorized always reports true
func (AlwaysAuthorized) IsAuthorized() bool { return true }

// ClearCredentials is a no-op
func (AlwaysAuthorized) ClearCredentials() error { return nil }
