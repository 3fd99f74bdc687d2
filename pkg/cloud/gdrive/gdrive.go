// Package gdrive implements cloud.Backend on the Google Drive v3 API.
package gdrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/supporttools/SettingsGuard/pkg/cloud"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	fileFields     = "id, name, mimeType, size, trashed, modifiedTime"
)

// TokenProvider supplies a bearer token for each request
type TokenProvider interface {
	ValidAccessToken(ctx context.Context) (string, error)
}

// bearerTransport asks the token provider for a fresh token on every request
type bearerTransport struct {
	tokens TokenProvider
	base   http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.tokens.ValidAccessToken(req.Context())
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+tok)
	return t.base.RoundTrip(r)
}

// Backend talks to Google Drive
type Backend struct {
	svc    *drive.Service
	logger *logrus.Logger
}

// New creates a Drive backend authenticated through tokens
func New(ctx context.Context, tokens TokenProvider, logger *logrus.Logger, opts ...option.ClientOption) (*Backend, error) {
	client := &http.Client{
		Transport: &bearerTransport{tokens: tokens, base: http.DefaultTransport},
		Timeout:   2 * time.Minute,
	}
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &Backend{svc: svc, logger: logger}, nil
}

// Name implements cloud.Backend
func (b *Backend) Name() string { return "gdrive" }

// RootID implements cloud.Backend
func (b *Backend) RootID() string { return "root" }

// FindFolder implements cloud.Backend
func (b *Backend) FindFolder(ctx context.Context, parentID, name string) (string, error) {
	q := fmt.Sprintf("%s and name = '%s' and mimeType = '%s'", childrenQuery(parentID), escapeQuery(name), folderMimeType)
	res, err := b.svc.Files.List().Q(q).Spaces("drive").
		Fields("files(" + fileFields + ")").PageSize(10).Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	// the name query is case-insensitive on some accounts, match exactly here
	for _, f := range res.Files {
		if f.Name == name && !f.Trashed {
			return f.Id, nil
		}
	}
	return "", cloud.ErrNotFound
}

// CreateFolder implements cloud.Backend
func (b *Backend) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	f, err := b.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	b.logger.Debugf("Created Drive folder %s (%s)", name, f.Id)
	return f.Id, nil
}

// ListFolders implements cloud.Backend
func (b *Backend) ListFolders(ctx context.Context, parentID string) ([]cloud.FileInfo, error) {
	q := fmt.Sprintf("%s and mimeType = '%s'", childrenQuery(parentID), folderMimeType)
	var out []cloud.FileInfo
	err := b.svc.Files.List().Q(q).Spaces("drive").OrderBy("name").
		Fields("nextPageToken, files("+fileFields+")").Context(ctx).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				out = append(out, toFileInfo(f))
			}
			return nil
		})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// ListFiles implements cloud.Backend
func (b *Backend) ListFiles(ctx context.Context, folderID string, pageSize int, pageToken string) (cloud.Page, error) {
	q := fmt.Sprintf("%s and mimeType != '%s'", childrenQuery(folderID), folderMimeType)
	call := b.svc.Files.List().Q(q).Spaces("drive").OrderBy("name desc").
		Fields("nextPageToken, files(" + fileFields + ")").PageSize(int64(pageSize)).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return cloud.Page{}, classify(err)
	}

	page := cloud.Page{NextPageToken: res.NextPageToken}
	for _, f := range res.Files {
		page.Files = append(page.Files, toFileInfo(f))
	}
	return page, nil
}

// CreateFile implements cloud.Backend with a multipart upload
func (b *Backend) CreateFile(ctx context.Context, folderID, name, mimeType string, data []byte) (string, error) {
	f, err := b.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: mimeType,
		Parents:  []string{folderID},
	}).Media(bytes.NewReader(data), googleapi.ContentType(mimeType)).
		Fields("id").Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	b.logger.Debugf("Uploaded %s (%s) to Drive", name, humanize.Bytes(uint64(len(data))))
	return f.Id, nil
}

// Stat implements cloud.Backend
func (b *Backend) Stat(ctx context.Context, fileID string) (cloud.FileInfo, error) {
	f, err := b.svc.Files.Get(fileID).Fields(fileFields).Context(ctx).Do()
	if err != nil {
		return cloud.FileInfo{}, classify(err)
	}
	return toFileInfo(f), nil
}

// Download implements cloud.Backend
func (b *Backend) Download(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := b.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", cloud.ErrTransient, fileID, err)
	}
	return data, nil
}

// About implements cloud.Backend
func (b *Backend) About(ctx context.Context) (string, error) {
	about, err := b.svc.About.Get().Fields("user(displayName, emailAddress), storageQuota(limit, usage)").Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	return describeAbout(about), nil
}

func describeAbout(about *drive.About) string {
	var parts []string
	if about.User != nil {
		parts = append(parts, fmt.Sprintf("%s <%s>", about.User.DisplayName, about.User.EmailAddress))
	}
	if q := about.StorageQuota; q != nil {
		if q.Limit > 0 {
			parts = append(parts, fmt.Sprintf("%s of %s used", humanize.IBytes(uint64(q.Usage)), humanize.IBytes(uint64(q.Limit))))
		} else {
			parts = append(parts, fmt.Sprintf("%s used", humanize.IBytes(uint64(q.Usage))))
		}
	}
	return strings.Join(parts, ", ")
}

func childrenQuery(parentID string) string {
	return fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(parentID))
}

// escapeQuery escapes a literal for a Drive query string
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func toFileInfo(f *drive.File) cloud.FileInfo {
	info := cloud.FileInfo{
		ID:       f.Id,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     f.Size,
		Folder:   f.MimeType == folderMimeType,
		Trashed:  f.Trashed,
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		info.ModifiedAt = t
	}
	return info
}

// classify maps Drive API failures onto the cloud sentinels
func classify(err error) error {
	if err == nil {
		return nil
	}
	// token provider failures already carry a cloud sentinel
	if cloud.Classify(err) == cloud.KindAuth || errors.Is(err, cloud.ErrTransient) {
		return err
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		if cloud.Classify(err) == cloud.KindTransient {
			return fmt.Errorf("%w: %v", cloud.ErrTransient, err)
		}
		return fmt.Errorf("%w: %v", cloud.ErrPermanent, err)
	}

	sentinel := cloud.ClassifyStatus(gerr.Code)
	if gerr.Code == http.StatusForbidden && isRateLimited(gerr) {
		sentinel = cloud.ErrTransient
	}
	return fmt.Errorf("%w: drive api %d: %s", sentinel, gerr.Code, gerr.Message)
}

func isRateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}
