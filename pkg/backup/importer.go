package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/SettingsGuard/pkg/cloud"
	"github.com/supporttools/SettingsGuard/pkg/codec"
	"github.com/supporttools/SettingsGuard/pkg/config"
	"github.com/supporttools/SettingsGuard/pkg/metrics"
	"github.com/supporttools/SettingsGuard/pkg/settings"
)

var (
	// ErrImportNotPossible means the decrypted artifact holds no settings
	ErrImportNotPossible = errors.New("import not possible")
	// ErrImportNotClean means the artifact metadata carries errors and
	// engineering mode was not requested
	ErrImportNotClean = errors.New("import metadata has errors")
	// ErrUnknownSource means an import source is not recognized
	ErrUnknownSource = errors.New("unknown import source")
)

// Source is where import candidates are read from
type Source string

// Import sources
const (
	SourceLocal Source = "local"
	SourceCloud Source = "cloud"
)

// ParseSource validates a source name
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceLocal, SourceCloud:
		return Source(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, s)
}

// Candidate describes an artifact that can be imported. ID is the local
// file name or the cloud file id.
type Candidate struct {
	Source        Source            `json:"source"`
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Size          int64             `json:"size"`
	ModifiedAt    time.Time         `json:"modifiedAt"`
	Metadata      settings.Metadata `json:"metadata,omitempty"`
	MetadataError string            `json:"metadataError,omitempty"`
}

// CandidatePage is one page of candidates, newest first
type CandidatePage struct {
	Candidates    []Candidate `json:"candidates"`
	NextPageToken string      `json:"nextPageToken,omitempty"`
}

// ResultKind classifies a decrypt attempt
type ResultKind int

const (
	// ResultSuccess means the artifact decrypted
	ResultSuccess ResultKind = iota
	// ResultWrongPassword means authentication failed
	ResultWrongPassword
	// ResultError means the artifact could not be loaded or parsed
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultWrongPassword:
		return "wrong_password"
	default:
		return "error"
	}
}

// MarshalText renders the kind by name in JSON responses
func (k ResultKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// DecryptResult is the outcome of decrypting and validating one candidate
type DecryptResult struct {
	Kind           ResultKind        `json:"kind"`
	Candidate      Candidate         `json:"candidate"`
	Snapshot       settings.Snapshot `json:"-"`
	Metadata       settings.Metadata `json:"metadata,omitempty"`
	ImportOK       bool              `json:"importOk"`
	ImportPossible bool              `json:"importPossible"`
	Message        string            `json:"message,omitempty"`
	Err            error             `json:"-"`
}

// ListImportCandidates lists settings artifacts at source with their
// metadata. A file whose header cannot be read is still listed, with
// MetadataError set.
func (m *Manager) ListImportCandidates(ctx context.Context, source Source, pageSize int, pageToken string) (CandidatePage, error) {
	switch source {
	case SourceLocal:
		return m.listLocalCandidates(pageSize, pageToken)
	case SourceCloud:
		return m.listCloudCandidates(ctx, pageSize, pageToken)
	}
	return CandidatePage{}, fmt.Errorf("%w: %q", ErrUnknownSource, source)
}

func (m *Manager) listLocalCandidates(pageSize int, pageToken string) (CandidatePage, error) {
	if m.local == nil {
		return CandidatePage{}, fmt.Errorf("%w: no local export directory", ErrConfiguration)
	}
	files, err := m.local.List(KindSettings, SettingsPattern)
	if err != nil {
		return CandidatePage{}, err
	}

	start := 0
	if pageToken != "" {
		start, err = strconv.Atoi(pageToken)
		if err != nil || start < 0 || start > len(files) {
			return CandidatePage{}, fmt.Errorf("invalid page token %q", pageToken)
		}
	}
	end := len(files)
	if pageSize > 0 && start+pageSize < end {
		end = start + pageSize
	}

	var page CandidatePage
	for _, f := range files[start:end] {
		c := Candidate{Source: SourceLocal, ID: f.Name, Name: f.Name, Size: f.Size, ModifiedAt: f.ModTime}
		if handle, err := m.local.Open(KindSettings, f.Name); err != nil {
			c.MetadataError = err.Error()
		} else if data, err := handle.Read(); err != nil {
			c.MetadataError = err.Error()
		} else {
			m.peekInto(&c, data)
		}
		page.Candidates = append(page.Candidates, c)
	}
	if end < len(files) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (m *Manager) listCloudCandidates(ctx context.Context, pageSize int, pageToken string) (CandidatePage, error) {
	if m.cloud == nil {
		return CandidatePage{}, fmt.Errorf("%w: no cloud provider configured", ErrConfiguration)
	}
	if !m.cloud.IsAuthorized() {
		return CandidatePage{}, cloud.ErrAuthRequired
	}

	m.cloudMu.Lock()
	defer m.cloudMu.Unlock()

	listing, err := m.cloud.ListFilesAt(ctx, m.cfg.Cloud.SettingsPath, pageSize, pageToken)
	if err != nil {
		return CandidatePage{}, err
	}

	page := CandidatePage{NextPageToken: listing.NextPageToken}
	for _, f := range listing.Files {
		if f.Folder || f.Trashed || !SettingsPattern.MatchString(f.Name) {
			continue
		}
		c := Candidate{Source: SourceCloud, ID: f.ID, Name: f.Name, Size: f.Size, ModifiedAt: f.ModifiedAt}
		if data, err := m.cloud.Download(ctx, f.ID); err != nil {
			c.MetadataError = err.Error()
		} else {
			m.peekInto(&c, data)
		}
		page.Candidates = append(page.Candidates, c)
	}
	sortCandidates(page.Candidates)
	return page, nil
}

func (m *Manager) peekInto(c *Candidate, data []byte) {
	meta, err := codec.PeekMetadata(data)
	if err != nil {
		c.MetadataError = err.Error()
		return
	}
	c.Metadata = ValidateMetadata(meta, m.cfg.Device)
}

func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Name > cs[j].Name })
}

// load returns the raw artifact of c
func (m *Manager) load(ctx context.Context, c Candidate) ([]byte, error) {
	switch c.Source {
	case SourceLocal:
		if m.local == nil {
			return nil, fmt.Errorf("%w: no local export directory", ErrConfiguration)
		}
		handle, err := m.local.Open(KindSettings, c.ID)
		if err != nil {
			return nil, err
		}
		return handle.Read()
	case SourceCloud:
		if m.cloud == nil {
			return nil, fmt.Errorf("%w: no cloud provider configured", ErrConfiguration)
		}
		m.cloudMu.Lock()
		defer m.cloudMu.Unlock()
		return m.cloud.Download(ctx, c.ID)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSource, c.Source)
}

// DecryptCandidate loads, decrypts and validates one candidate
func (m *Manager) DecryptCandidate(ctx context.Context, c Candidate, password string) DecryptResult {
	result := DecryptResult{Kind: ResultError, Candidate: c}

	data, err := m.load(ctx, c)
	if err != nil {
		result.Err = err
		result.Message = UserMessage(err)
		m.countImport(c.Source, result.Kind)
		return result
	}

	snapshot, err := m.codec.Decrypt(data, password)
	if err != nil {
		if errors.Is(err, codec.ErrWrongPassword) || errors.Is(err, codec.ErrEmptyPassword) {
			result.Kind = ResultWrongPassword
		}
		result.Err = err
		result.Message = UserMessage(err)
		m.countImport(c.Source, result.Kind)
		return result
	}

	meta := ValidateMetadata(snapshot.Metadata(), m.cfg.Device)
	result.Kind = ResultSuccess
	result.Snapshot = snapshot.WithMetadata(meta)
	result.Metadata = meta
	result.ImportPossible = snapshot.Len() > 0
	result.ImportOK = !meta.HasErrors()
	switch {
	case !result.ImportPossible:
		result.Message = "The backup contains no settings."
	case !result.ImportOK:
		result.Message = "The backup was made by an incompatible installation."
	case len(meta.Warnings()) > 0:
		result.Message = fmt.Sprintf("The backup can be imported with warnings: %v", meta.Warnings())
	}
	m.countImport(c.Source, result.Kind)
	return result
}

func (m *Manager) countImport(source Source, kind ResultKind) {
	metrics.ImportCount.WithLabelValues(string(source), kind.String()).Inc()
}

// MasterPassword is the current device password, or the cached export
// password when no master password is configured
func (m *Manager) MasterPassword() string {
	if m.cfg.Password.MasterPassword != "" {
		return m.cfg.Password.MasterPassword
	}
	pw, _ := m.passwords.get()
	return pw
}

// DecryptWithFallback tries the master password first. When the artifact
// rejects it, the old password is asked for once and tried; a second
// rejection is final.
func (m *Manager) DecryptWithFallback(ctx context.Context, c Candidate, prompt OldPasswordPrompter) DecryptResult {
	result := m.DecryptCandidate(ctx, c, m.MasterPassword())
	if result.Kind != ResultWrongPassword || prompt == nil {
		return result
	}

	old, err := prompt.PromptOldPassword(ctx, c)
	if err != nil {
		result.Err = fmt.Errorf("%w: %v", codec.ErrWrongPassword, err)
		return result
	}
	if old == "" {
		return result
	}

	m.logger.WithField("file", c.Name).Info("Master password rejected, retrying with the old password")
	return m.DecryptCandidate(ctx, c, old)
}

// ValidateMetadata grades the header of an artifact against this
// installation. A different flavor or a missing encryption marker blocks a
// clean import; a different version or a missing timestamp only warns.
func ValidateMetadata(meta settings.Metadata, device config.DeviceConfig) settings.Metadata {
	out := meta.Clone()
	grade := func(key settings.MetadataKey, status settings.Status) {
		e := out[key]
		e.Status = status
		out[key] = e
	}

	if _, ok := out[settings.KeyDeviceName]; ok {
		grade(settings.KeyDeviceName, settings.StatusOK)
	}

	if out.Value(settings.KeyAppFlavor) != device.AppFlavor {
		grade(settings.KeyAppFlavor, settings.StatusError)
	} else {
		grade(settings.KeyAppFlavor, settings.StatusOK)
	}

	if out.Value(settings.KeyAppVersion) != device.AppVersion {
		grade(settings.KeyAppVersion, settings.StatusWarning)
	} else {
		grade(settings.KeyAppVersion, settings.StatusOK)
	}

	if _, err := time.Parse(time.RFC3339, out.Value(settings.KeyCreatedAt)); err != nil {
		grade(settings.KeyCreatedAt, settings.StatusWarning)
	} else {
		grade(settings.KeyCreatedAt, settings.StatusOK)
	}

	if out.Value(settings.KeyEncryption) != settings.EncryptionEnabled {
		grade(settings.KeyEncryption, settings.StatusError)
	} else {
		grade(settings.KeyEncryption, settings.StatusOK)
	}

	return out
}

// ApplyImport replaces the live settings with the decrypted ones. It requires
// a possible import, and a clean one unless allowUnclean is set.
func (m *Manager) ApplyImport(ctx context.Context, result DecryptResult, allowUnclean bool) error {
	if result.Kind != ResultSuccess || !result.ImportPossible {
		return ErrImportNotPossible
	}
	if !result.ImportOK && !allowUnclean {
		return ErrImportNotClean
	}

	if err := m.store.ReplaceAll(ctx, result.Snapshot.Values()); err != nil {
		return fmt.Errorf("failed to apply import: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"file":     result.Candidate.Name,
		"settings": result.Snapshot.Len(),
		"clean":    result.ImportOK,
	}).Info("Applied settings import")
	return nil
}
