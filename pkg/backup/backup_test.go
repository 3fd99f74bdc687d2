package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/SettingsGuard/pkg/cloud"
	"github.com/supporttools/SettingsGuard/pkg/cloud/cloudtest"
	"github.com/supporttools/SettingsGuard/pkg/codec"
	"github.com/supporttools/SettingsGuard/pkg/config"
	"github.com/supporttools/SettingsGuard/pkg/metadata"
	"github.com/supporttools/SettingsGuard/pkg/securestore"
	"github.com/supporttools/SettingsGuard/pkg/settings"
	"github.com/supporttools/SettingsGuard/pkg/storage/local"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	cfg     *config.AppConfig
	store   *settings.MemoryStore
	backend *cloudtest.MemoryBackend
	auth    *cloudtest.StaticAuth
	gateway *cloud.Gateway
	local   *local.Client
	history *metadata.Store
	manager *Manager
	clock   *time.Time
}

func newFixture(t *testing.T, exportLocal, exportCloud bool, opts ...Option) *fixture {
	t.Helper()
	cfg := &config.AppConfig{
		Device: config.DeviceConfig{Name: "kiosk-1", AppVersion: "2.0.0", AppFlavor: "full"},
		Destinations: config.ExportDestinationConfig{
			ExportLocal: exportLocal,
			ExportCloud: exportCloud,
			CSVLocal:    true,
			LogCloud:    true,
		},
		Local: config.LocalConfig{ExportDirectory: t.TempDir(), Retention: time.Hour},
		Cloud: config.CloudConfig{
			RootFolder:   "SettingsGuard",
			SettingsPath: "export/settings",
			CSVPath:      "export/csv",
			LogPath:      "export/logs",
		},
		Password: config.PasswordConfig{MasterPassword: "master", CacheTTL: 5 * time.Minute},
	}

	f := &fixture{
		cfg:     cfg,
		store:   settings.NewMemoryStore(map[string]string{"volume": "7", "theme": "dark"}),
		backend: cloudtest.NewMemoryBackend(),
		auth:    &cloudtest.StaticAuth{Authorized: true},
		history: metadata.NewStore("", quietLogger()),
	}
	now := fixedNow
	f.clock = &now

	resolver := cloud.NewFolderResolver(f.backend, cfg.Cloud.RootFolder, quietLogger())
	f.gateway = cloud.NewGateway(f.backend, resolver, f.auth, securestore.NewMemoryStore(), quietLogger(),
		cloud.WithBackOff(func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
		}),
		cloud.WithDefaultPath(cfg.Cloud.SettingsPath),
	)
	f.local = local.NewClient(cfg.Local, quietLogger())

	all := append([]Option{
		WithLocal(f.local),
		WithCloud(f.gateway),
		WithHistory(f.history),
		WithClock(func() time.Time { return *f.clock }),
	}, opts...)
	f.manager = NewManager(cfg, f.store, quietLogger(), all...)
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) localArtifact(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.cfg.Local.ExportDirectory, KindSettings, name))
	require.NoError(t, err)
	return data
}

func TestExportRefusesWithoutDestination(t *testing.T) {
	f := newFixture(t, false, false)
	_, err := f.manager.ExportNow(context.Background(), "pw")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Empty(t, f.history.GetRecords())
}

func TestExportRefusesWhenOnlyCloudIsUnauthorized(t *testing.T) {
	f := newFixture(t, false, true)
	f.auth.Authorized = false

	_, err := f.manager.ExportNow(context.Background(), "pw")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, cloud.ErrAuthRequired)
	assert.Equal(t, 0, f.backend.Calls("create"))
	assert.Equal(t, "Cloud storage is not authorized. Please sign in again.", UserMessage(err))
}

func TestExportWritesIdenticalBytesToBothDestinations(t *testing.T) {
	f := newFixture(t, true, true)
	ctx := context.Background()

	result, err := f.manager.ExportNow(ctx, "pw")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-04_050607_settings.json", result.FileName)
	assert.Equal(t, metadata.StatusSuccess, result.Local.Status)
	assert.Equal(t, metadata.StatusSuccess, result.Cloud.Status)
	assert.False(t, result.Partial())
	assert.False(t, result.Failed())

	localBytes := f.localArtifact(t, result.FileName)
	cloudBytes, err := f.gateway.Download(ctx, result.Cloud.FileID)
	require.NoError(t, err)
	assert.Equal(t, localBytes, cloudBytes)
	assert.Equal(t, codec.Checksum(localBytes), result.Checksum)

	snapshot, err := codec.New().Decrypt(localBytes, "pw")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"volume": "7", "theme": "dark"}, snapshot.Values())
	assert.Equal(t, "kiosk-1", snapshot.Metadata().Value(settings.KeyDeviceName))

	record, ok := f.history.GetRecordByID(result.RecordID)
	require.True(t, ok)
	assert.Equal(t, metadata.StatusSuccess, record.LocalStatus)
	assert.Equal(t, result.Cloud.FileID, record.CloudFileID)
	assert.Equal(t, 1, f.backend.FoldersNamed("settings"))
}

func TestPartialExportKeepsLocalArtifact(t *testing.T) {
	f := newFixture(t, true, true)
	f.backend.FailNext("create", fmt.Errorf("%w: quota exceeded", cloud.ErrPermanent))

	result, err := f.manager.ExportNow(context.Background(), "pw")
	require.NoError(t, err)

	assert.Equal(t, metadata.StatusSuccess, result.Local.Status)
	assert.Equal(t, metadata.StatusError, result.Cloud.Status)
	assert.ErrorIs(t, result.Cloud.Err, cloud.ErrPermanent)
	assert.True(t, result.Partial())
	assert.False(t, result.Failed())

	snapshot, err := codec.New().Decrypt(f.localArtifact(t, result.FileName), "pw")
	require.NoError(t, err)
	assert.Equal(t, 2, snapshot.Len())

	record, _ := f.history.GetRecordByID(result.RecordID)
	assert.Equal(t, metadata.StatusError, record.CloudStatus)
	assert.Contains(t, record.CloudError, "quota exceeded")
}

func TestUploadVerificationFailureIsReported(t *testing.T) {
	f := newFixture(t, false, true)
	f.backend.HideAfterCreate = true

	result, err := f.manager.ExportNow(context.Background(), "pw")
	require.NoError(t, err)
	assert.ErrorIs(t, result.Cloud.Err, cloud.ErrVerificationFailed)
	assert.True(t, result.Failed())
	assert.False(t, result.Partial())
}

func TestUnauthorizedCloudIsSkipped(t *testing.T) {
	f := newFixture(t, true, true)
	f.auth.Authorized = false

	result, err := f.manager.ExportNow(context.Background(), "pw")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusSuccess, result.Local.Status)
	assert.Equal(t, metadata.StatusSkipped, result.Cloud.Status)
	assert.ErrorIs(t, result.Cloud.Err, cloud.ErrAuthRequired)
	assert.True(t, result.Partial())
	assert.Equal(t, 0, f.backend.Calls("create"))
}

func TestPasswordIsCachedForTTL(t *testing.T) {
	prompts := 0
	prompter := PasswordPrompterFunc(func(ctx context.Context) (string, error) {
		prompts++
		return "prompted", nil
	})
	f := newFixture(t, true, false, WithPrompter(prompter))
	ctx := context.Background()

	first, err := f.manager.ExportNow(ctx, "given")
	require.NoError(t, err)

	f.advance(time.Minute)
	second, err := f.manager.ExportNow(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, prompts, "cached password reused")
	_, err = codec.New().Decrypt(f.localArtifact(t, second.FileName), "given")
	require.NoError(t, err)
	assert.NotEqual(t, first.FileName, second.FileName)

	f.advance(10 * time.Minute)
	third, err := f.manager.ExportNow(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, prompts)
	_, err = codec.New().Decrypt(f.localArtifact(t, third.FileName), "prompted")
	require.NoError(t, err)
}

func TestPasswordRequiredWithoutPrompter(t *testing.T) {
	f := newFixture(t, true, false)
	_, err := f.manager.ExportNow(context.Background(), "")
	assert.ErrorIs(t, err, ErrPasswordRequired)

	f = newFixture(t, true, false, WithPrompter(PasswordPrompterFunc(func(ctx context.Context) (string, error) {
		return "", errors.New("cancelled")
	})))
	_, err = f.manager.ExportNow(context.Background(), "")
	assert.ErrorIs(t, err, ErrPasswordRequired)
}

func TestExportFileRoutesByKind(t *testing.T) {
	f := newFixture(t, true, true)
	ctx := context.Background()

	csv, err := f.manager.ExportFile(ctx, KindCSV, "", []byte("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, "2026-03-04_050607_csv.csv", csv.FileName)
	assert.Equal(t, metadata.StatusSuccess, csv.Local.Status)
	assert.Equal(t, metadata.StatusDisabled, csv.Cloud.Status)
	data, err := os.ReadFile(filepath.Join(f.cfg.Local.ExportDirectory, KindCSV, csv.FileName))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))

	logs, err := f.manager.ExportFile(ctx, KindLog, "app.log", []byte("line\n"))
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusDisabled, logs.Local.Status)
	assert.Equal(t, metadata.StatusSuccess, logs.Cloud.Status)
	info, err := f.backend.Stat(ctx, logs.Cloud.FileID)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", info.MimeType)
	assert.Equal(t, 1, f.backend.FoldersNamed("logs"))

	_, err = f.manager.ExportFile(ctx, KindSettings, "", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func exportWithPassword(t *testing.T, f *fixture, password string) ExportResult {
	t.Helper()
	result, err := f.manager.ExportNow(context.Background(), password)
	require.NoError(t, err)
	f.manager.ForgetPassword()
	f.advance(time.Second)
	return result
}

func TestTwoTierImportRetry(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()
	exported := exportWithPassword(t, f, "old-secret")
	candidate := Candidate{Source: SourceLocal, ID: exported.FileName, Name: exported.FileName}

	direct := f.manager.DecryptCandidate(ctx, candidate, "master")
	assert.Equal(t, ResultWrongPassword, direct.Kind)
	assert.ErrorIs(t, direct.Err, codec.ErrWrongPassword)

	asked := 0
	result := f.manager.DecryptWithFallback(ctx, candidate, OldPasswordPrompterFunc(func(ctx context.Context, c Candidate) (string, error) {
		asked++
		assert.Equal(t, exported.FileName, c.Name)
		return "old-secret", nil
	}))
	assert.Equal(t, 1, asked)
	require.Equal(t, ResultSuccess, result.Kind)
	assert.True(t, result.ImportPossible)
	assert.True(t, result.ImportOK)
	assert.Equal(t, "dark", result.Snapshot.Values()["theme"])
}

func TestTwoTierImportSecondFailureIsTerminal(t *testing.T) {
	f := newFixture(t, true, false)
	exported := exportWithPassword(t, f, "old-secret")
	candidate := Candidate{Source: SourceLocal, ID: exported.FileName, Name: exported.FileName}

	asked := 0
	result := f.manager.DecryptWithFallback(context.Background(), candidate, OldPasswordPrompterFunc(func(ctx context.Context, c Candidate) (string, error) {
		asked++
		return "still-wrong", nil
	}))
	assert.Equal(t, 1, asked)
	assert.Equal(t, ResultWrongPassword, result.Kind)
	assert.Equal(t, "Wrong password.", result.Message)
}

func TestMasterPasswordSucceedsWithoutPrompt(t *testing.T) {
	f := newFixture(t, true, false)
	exported := exportWithPassword(t, f, "master")
	candidate := Candidate{Source: SourceLocal, ID: exported.FileName, Name: exported.FileName}

	result := f.manager.DecryptWithFallback(context.Background(), candidate, OldPasswordPrompterFunc(func(ctx context.Context, c Candidate) (string, error) {
		t.Fatal("old password must not be requested")
		return "", nil
	}))
	assert.Equal(t, ResultSuccess, result.Kind)
}

func TestDecryptMissingFile(t *testing.T) {
	f := newFixture(t, true, false)
	result := f.manager.DecryptCandidate(context.Background(), Candidate{Source: SourceLocal, ID: "2026-01-01_000000_settings.json"}, "master")
	assert.Equal(t, ResultError, result.Kind)
	assert.ErrorIs(t, result.Err, local.ErrFileNotFound)
	assert.Equal(t, "File not found.", result.Message)
}

func TestValidateMetadata(t *testing.T) {
	device := config.DeviceConfig{Name: "kiosk-1", AppVersion: "2.0.0", AppFlavor: "full"}

	clean := ValidateMetadata(settings.BuildMetadata(device, fixedNow), device)
	assert.False(t, clean.HasErrors())
	assert.Empty(t, clean.Warnings())

	other := settings.BuildMetadata(config.DeviceConfig{Name: "x", AppVersion: "1.0.0", AppFlavor: "lite"}, fixedNow)
	graded := ValidateMetadata(other, device)
	assert.Equal(t, settings.StatusError, graded[settings.KeyAppFlavor].Status)
	assert.Equal(t, settings.StatusWarning, graded[settings.KeyAppVersion].Status)
	assert.Equal(t, settings.StatusOK, graded[settings.KeyDeviceName].Status)

	missing := settings.Metadata{
		settings.KeyAppFlavor:  {Value: "full"},
		settings.KeyAppVersion: {Value: "2.0.0"},
		settings.KeyEncryption: {Value: "Disabled"},
	}
	graded = ValidateMetadata(missing, device)
	assert.Equal(t, settings.StatusWarning, graded[settings.KeyCreatedAt].Status)
	assert.Equal(t, settings.StatusError, graded[settings.KeyEncryption].Status)
	assert.Equal(t, settings.StatusOK, graded[settings.KeyAppFlavor].Status)
}

func TestApplyImport(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()
	snapshot := settings.NewSnapshot(map[string]string{"volume": "3"}, nil)

	assert.ErrorIs(t, f.manager.ApplyImport(ctx, DecryptResult{Kind: ResultWrongPassword}, true), ErrImportNotPossible)
	assert.ErrorIs(t, f.manager.ApplyImport(ctx, DecryptResult{Kind: ResultSuccess, ImportOK: true}, true), ErrImportNotPossible)

	unclean := DecryptResult{Kind: ResultSuccess, Snapshot: snapshot, ImportPossible: true}
	assert.ErrorIs(t, f.manager.ApplyImport(ctx, unclean, false), ErrImportNotClean)
	values, _ := f.store.GetAll(ctx)
	assert.Equal(t, "7", values["volume"], "store untouched")

	require.NoError(t, f.manager.ApplyImport(ctx, unclean, true))
	values, _ = f.store.GetAll(ctx)
	assert.Equal(t, map[string]string{"volume": "3"}, values)
}

func TestListLocalCandidates(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()
	first := exportWithPassword(t, f, "pw")
	second := exportWithPassword(t, f, "pw")

	broken, err := f.local.NewFile(KindSettings, "2026-03-05_000000_settings.json")
	require.NoError(t, err)
	require.NoError(t, broken.Write([]byte("not json")))
	stray, err := f.local.NewFile(KindSettings, "notes.json")
	require.NoError(t, err)
	require.NoError(t, stray.Write([]byte("{}")))

	page, err := f.manager.ListImportCandidates(ctx, SourceLocal, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Candidates, 2)
	assert.Equal(t, "2026-03-05_000000_settings.json", page.Candidates[0].Name)
	assert.NotEmpty(t, page.Candidates[0].MetadataError)
	assert.Equal(t, second.FileName, page.Candidates[1].Name)
	assert.Equal(t, "kiosk-1", page.Candidates[1].Metadata.Value(settings.KeyDeviceName))
	require.Equal(t, "2", page.NextPageToken)

	next, err := f.manager.ListImportCandidates(ctx, SourceLocal, 2, page.NextPageToken)
	require.NoError(t, err)
	require.Len(t, next.Candidates, 1)
	assert.Equal(t, first.FileName, next.Candidates[0].Name)
	assert.Empty(t, next.NextPageToken)
}

func TestListCloudCandidatesAndDecrypt(t *testing.T) {
	f := newFixture(t, false, true)
	ctx := context.Background()
	exported := exportWithPassword(t, f, "master")

	folderID, err := f.gateway.Resolve(ctx, f.cfg.Cloud.SettingsPath)
	require.NoError(t, err)
	f.backend.Put(folderID, "readme.txt", []byte("hi"))

	page, err := f.manager.ListImportCandidates(ctx, SourceCloud, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Candidates, 1)
	c := page.Candidates[0]
	assert.Equal(t, exported.FileName, c.Name)
	assert.Equal(t, exported.Cloud.FileID, c.ID)
	assert.False(t, c.Metadata.HasErrors())

	result := f.manager.DecryptCandidate(ctx, c, "master")
	require.Equal(t, ResultSuccess, result.Kind)
	assert.Equal(t, 2, result.Snapshot.Len())

	count, err := f.manager.CountCloudExports(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	f.auth.Authorized = false
	_, err = f.manager.ListImportCandidates(ctx, SourceCloud, 10, "")
	assert.ErrorIs(t, err, cloud.ErrAuthRequired)
}

func TestEnforceRetentionMarksHistory(t *testing.T) {
	f := newFixture(t, true, false)
	result := exportWithPassword(t, f, "pw")
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(result.Local.Path, past, past))

	*f.clock = time.Now()
	removed, err := f.manager.EnforceRetention()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, result.Local.Path)

	record, ok := f.history.GetRecordByID(result.RecordID)
	require.True(t, ok)
	assert.Equal(t, metadata.StatusDeleted, record.LocalStatus)
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("wrap: %w", ErrConfiguration), "No export destination is available. Enable local or cloud export and select an export directory."},
		{local.ErrFileNotFound, "File not found."},
		{local.ErrIO, "Could not read or write the export file."},
		{local.ErrDirectoryNotConfigured, "The export directory is not configured or not writable."},
		{cloud.ErrAuthRequired, "Cloud storage is not authorized. Please sign in again."},
		{fmt.Errorf("%w: cloud export is enabled but %w", ErrConfiguration, cloud.ErrAuthRequired), "Cloud storage is not authorized. Please sign in again."},
		{fmt.Errorf("%w: 503", cloud.ErrTransient), "Connection failed. Please try again later."},
		{cloud.ErrVerificationFailed, "Upload verification failed."},
		{codec.ErrWrongPassword, "Wrong password."},
		{fmt.Errorf("%w: storage quota exceeded", cloud.ErrPermanent), "cloud request rejected: storage quota exceeded"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, UserMessage(tt.err))
	}
}
