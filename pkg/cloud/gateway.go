package cloud

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/SettingsGuard/pkg/metrics"
	"github.com/supporttools/SettingsGuard/pkg/securestore"
)

// selectedFolderKey is the secure store key holding the user-selected folder id
const selectedFolderKey = "selected_folder_id"

// Provider is the capability contract the export orchestrator depends on
type Provider interface {
	Name() string
	IsAuthorized() bool
	ConnectionError() error
	Resolve(ctx context.Context, folderPath string) (string, error)
	Upload(ctx context.Context, name string, data []byte, mimeType, destinationPath string) (FileInfo, error)
	UploadToSelected(ctx context.Context, name string, data []byte, mimeType string) (FileInfo, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
	ListFiles(ctx context.Context, pageSize int, pageToken string) (Page, error)
	ListFilesAt(ctx context.Context, folderPath string, pageSize int, pageToken string) (Page, error)
	ListAllMatching(ctx context.Context, folderPath string, pattern *regexp.Regexp) ([]FileInfo, error)
	CountMatching(ctx context.Context, pattern *regexp.Regexp) (int, error)
	CreateFolder(ctx context.Context, parentID, name string) (string, error)
	ListFolders(ctx context.Context, folderPath string) ([]FileInfo, error)
	SelectFolder(ctx context.Context, folderPath string) (string, error)
	SelectedFolder() (string, error)
	About(ctx context.Context) (string, error)
	Revoke() error
}

// Gateway implements Provider on top of a Backend
type Gateway struct {
	backend     Backend
	resolver    *FolderResolver
	auth        Authorizer
	prefs       securestore.Store
	defaultPath string
	pageSize    int
	newBackOff  func() backoff.BackOff
	logger      *logrus.Logger

	mu      sync.Mutex
	lastErr error
}

// GatewayOption customizes a Gateway
type GatewayOption func(*Gateway)

// WithBackOff replaces the retry policy for transient failures
func WithBackOff(fn func() backoff.BackOff) GatewayOption {
	return func(g *Gateway) { g.newBackOff = fn }
}

// WithDefaultPath sets the folder used by UploadToSelected and listings when
// no folder has been selected
func WithDefaultPath(p string) GatewayOption {
	return func(g *Gateway) { g.defaultPath = p }
}

// WithPageSize sets the page size used when walking listings
func WithPageSize(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.pageSize = n
		}
	}
}

// WithMaxAttempts sets the total attempts for a retried call
func WithMaxAttempts(n uint64) GatewayOption {
	return func(g *Gateway) {
		if n == 0 {
			n = 1
		}
		g.newBackOff = func() backoff.BackOff {
			return backoff.WithMaxRetries(defaultBackOff(), n-1)
		}
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// NewGateway builds a gateway. prefs stores the selected folder id.
func NewGateway(backend Backend, resolver *FolderResolver, auth Authorizer, prefs securestore.Store, logger *logrus.Logger, opts ...GatewayOption) *Gateway {
	if auth == nil {
		auth = AlwaysAuthorized{}
	}
	g := &Gateway{
		backend:  backend,
		resolver: resolver,
		auth:     auth,
		prefs:    prefs,
		pageSize: 100,
		logger:   logger,
	}
	WithMaxAttempts(3)(g)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the backend name
func (g *Gateway) Name() string {
	return g.backend.Name()
}

// IsAuthorized reports whether the backend has usable credentials
func (g *Gateway) IsAuthorized() bool {
	return g.auth.IsAuthorized()
}

// ConnectionError returns the last failure, cleared by the next successful call
func (g *Gateway) ConnectionError() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

func (g *Gateway) record(op string, err error) {
	metrics.CloudRequestCount.WithLabelValues(g.backend.Name(), op, Classify(err).String()).Inc()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastErr = err
}

// call runs fn, retrying transient failures when retry is set
func (g *Gateway) call(ctx context.Context, op string, retry bool, fn func() error) error {
	if !g.auth.IsAuthorized() {
		g.record(op, ErrAuthRequired)
		return ErrAuthRequired
	}

	var err error
	if retry {
		b := backoff.WithContext(g.newBackOff(), ctx)
		err = backoff.RetryNotify(func() error {
			if err := fn(); err != nil {
				if Classify(err) == KindTransient {
					return err
				}
				return backoff.Permanent(err)
			}
			return nil
		}, b, func(err error, wait time.Duration) {
			g.logger.WithFields(logrus.Fields{
				"provider":  g.backend.Name(),
				"operation": op,
				"wait":      wait,
			}).Warnf("Transient cloud failure, retrying: %v", err)
		})
	} else {
		err = fn()
	}

	g.record(op, err)
	return err
}

// Resolve returns the folder id for folderPath, creating missing folders
func (g *Gateway) Resolve(ctx context.Context, folderPath string) (string, error) {
	var id string
	err := g.call(ctx, "resolve", true, func() error {
		var err error
		id, err = g.resolver.Resolve(ctx, folderPath)
		return err
	})
	return id, err
}

// Upload stores data as name. The target folder is destinationPath when
// given, else the selected folder, else the backend root.
func (g *Gateway) Upload(ctx context.Context, name string, data []byte, mimeType, destinationPath string) (FileInfo, error) {
	var folderID string
	if destinationPath != "" {
		id, err := g.Resolve(ctx, destinationPath)
		if err != nil {
			return FileInfo{}, err
		}
		folderID = id
	} else {
		folderID = g.selectedOrEmpty()
	}
	if folderID == "" {
		folderID = g.backend.RootID()
	}
	return g.uploadTo(ctx, folderID, name, data, mimeType)
}

// UploadToSelected stores data in the selected folder, else the default
// path, else the backend root
func (g *Gateway) UploadToSelected(ctx context.Context, name string, data []byte, mimeType string) (FileInfo, error) {
	folderID, err := g.listingFolder(ctx)
	if err != nil {
		return FileInfo{}, err
	}
	return g.uploadTo(ctx, folderID, name, data, mimeType)
}

func (g *Gateway) uploadTo(ctx context.Context, folderID, name string, data []byte, mimeType string) (FileInfo, error) {
	mimeType = InferMIMEType(name, mimeType)

	// create is not idempotent, so a failed attempt is reported rather than repeated
	var fileID string
	err := g.call(ctx, "create", false, func() error {
		var err error
		fileID, err = g.backend.CreateFile(ctx, folderID, name, mimeType, data)
		return err
	})
	if err != nil {
		return FileInfo{}, fmt.Errorf("upload %s: %w", name, err)
	}

	var info FileInfo
	err = g.call(ctx, "stat", true, func() error {
		var err error
		info, err = g.backend.Stat(ctx, fileID)
		return err
	})
	switch {
	case errors.Is(err, ErrNotFound):
		err = fmt.Errorf("%w: %s not found after upload", ErrVerificationFailed, name)
	case err == nil && info.Trashed:
		err = fmt.Errorf("%w: %s is trashed", ErrVerificationFailed, name)
	}
	if err != nil {
		g.record("verify", err)
		return FileInfo{}, err
	}

	g.logger.WithFields(logrus.Fields{
		"provider": g.backend.Name(),
		"file":     name,
		"id":       fileID,
	}).Info("Uploaded file")
	return info, nil
}

// Download returns the full content of fileID
func (g *Gateway) Download(ctx context.Context, fileID string) ([]byte, error) {
	var data []byte
	err := g.call(ctx, "download", true, func() error {
		var err error
		data, err = g.backend.Download(ctx, fileID)
		return err
	})
	return data, err
}

// ListFiles lists the selected folder (or the default path)
func (g *Gateway) ListFiles(ctx context.Context, pageSize int, pageToken string) (Page, error) {
	folderID, err := g.listingFolder(ctx)
	if err != nil {
		return Page{}, err
	}
	return g.listPage(ctx, folderID, pageSize, pageToken)
}

// ListFilesAt lists the folder at folderPath
func (g *Gateway) ListFilesAt(ctx context.Context, folderPath string, pageSize int, pageToken string) (Page, error) {
	folderID, err := g.Resolve(ctx, folderPath)
	if err != nil {
		return Page{}, err
	}
	return g.listPage(ctx, folderID, pageSize, pageToken)
}

func (g *Gateway) listPage(ctx context.Context, folderID string, pageSize int, pageToken string) (Page, error) {
	if pageSize <= 0 {
		pageSize = g.pageSize
	}
	var page Page
	err := g.call(ctx, "list", true, func() error {
		var err error
		page, err = g.backend.ListFiles(ctx, folderID, pageSize, pageToken)
		return err
	})
	return page, err
}

// ListAllMatching walks every page of folderPath and returns the non-trashed
// files whose names match pattern, newest name first
func (g *Gateway) ListAllMatching(ctx context.Context, folderPath string, pattern *regexp.Regexp) ([]FileInfo, error) {
	folderID, err := g.Resolve(ctx, folderPath)
	if err != nil {
		return nil, err
	}

	var out []FileInfo
	err = g.walk(ctx, folderID, func(f FileInfo) {
		if pattern == nil || pattern.MatchString(f.Name) {
			out = append(out, f)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// CountMatching counts files in the selected folder whose names match pattern
func (g *Gateway) CountMatching(ctx context.Context, pattern *regexp.Regexp) (int, error) {
	folderID, err := g.listingFolder(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	err = g.walk(ctx, folderID, func(f FileInfo) {
		if pattern == nil || pattern.MatchString(f.Name) {
			count++
		}
	})
	return count, err
}

func (g *Gateway) walk(ctx context.Context, folderID string, visit func(FileInfo)) error {
	token := ""
	for {
		page, err := g.listPage(ctx, folderID, g.pageSize, token)
		if err != nil {
			return err
		}
		for _, f := range page.Files {
			if !f.Folder && !f.Trashed {
				visit(f)
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		token = page.NextPageToken
	}
}

// CreateFolder creates name below parentID
func (g *Gateway) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	var id string
	err := g.call(ctx, "create_folder", false, func() error {
		var err error
		id, err = g.backend.CreateFolder(ctx, parentID, name)
		return err
	})
	return id, err
}

// ListFolders lists the folders below folderPath
func (g *Gateway) ListFolders(ctx context.Context, folderPath string) ([]FileInfo, error) {
	parentID, err := g.Resolve(ctx, folderPath)
	if err != nil {
		return nil, err
	}
	var folders []FileInfo
	err = g.call(ctx, "list_folders", true, func() error {
		var err error
		folders, err = g.backend.ListFolders(ctx, parentID)
		return err
	})
	return folders, err
}

// SelectFolder resolves folderPath and remembers it as the selected folder
func (g *Gateway) SelectFolder(ctx context.Context, folderPath string) (string, error) {
	id, err := g.Resolve(ctx, folderPath)
	if err != nil {
		return "", err
	}
	if err := g.prefs.Put(selectedFolderKey, id); err != nil {
		return "", fmt.Errorf("remember selected folder: %w", err)
	}
	g.logger.Infof("Selected remote folder %s", g.resolver.Normalize(folderPath))
	return id, nil
}

// SelectedFolder returns the selected folder id or an empty string
func (g *Gateway) SelectedFolder() (string, error) {
	return g.prefs.Get(selectedFolderKey)
}

func (g *Gateway) selectedOrEmpty() string {
	id, err := g.prefs.Get(selectedFolderKey)
	if err != nil {
		g.logger.Warnf("Failed to read selected folder: %v", err)
		return ""
	}
	return id
}

// listingFolder is the selected folder, else the default path, else the root
func (g *Gateway) listingFolder(ctx context.Context) (string, error) {
	if id := g.selectedOrEmpty(); id != "" {
		return id, nil
	}
	if g.defaultPath != "" {
		return g.Resolve(ctx, g.defaultPath)
	}
	return g.backend.RootID(), nil
}

// About describes the connected account
func (g *Gateway) About(ctx context.Context) (string, error) {
	var about string
	err := g.call(ctx, "about", true, func() error {
		var err error
		about, err = g.backend.About(ctx)
		return err
	})
	return about, err
}

// Revoke drops the credentials, the selected folder and every cached folder id
func (g *Gateway) Revoke() error {
	g.resolver.ClearCache()
	if err := g.prefs.Remove(selectedFolderKey); err != nil {
		return fmt.Errorf("forget selected folder: %w", err)
	}
	if err := g.auth.ClearCredentials(); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}

	g.mu.Lock()
	g.lastErr = nil
	g.mu.Unlock()
	return nil
}

// InferMIMEType replaces placeholder MIME types by one derived from the file extension
func InferMIMEType(name, declared string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".log", ".txt":
		return "text/plain"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
