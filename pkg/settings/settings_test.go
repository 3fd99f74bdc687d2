package settings

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/supporttools/SettingsGuard/pkg/config"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestBuildMetadata(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	md := BuildMetadata(config.DeviceConfig{Name: "pump-1", AppVersion: "3.2.0", AppFlavor: "full"}, now)

	assert.Equal(t, "pump-1", md.Value(KeyDeviceName))
	assert.Equal(t, "2026-03-01T10:30:00Z", md.Value(KeyCreatedAt))
	assert.Equal(t, "3.2.0", md.Value(KeyAppVersion))
	assert.Equal(t, "full", md.Value(KeyAppFlavor))
	assert.Equal(t, EncryptionEnabled, md.Value(KeyEncryption))
	assert.False(t, md.HasErrors())
	assert.Empty(t, md.Warnings())
}

func TestMetadataStatuses(t *testing.T) {
	md := Metadata{
		KeyAppVersion: {Value: "1.0", Status: StatusWarning},
		KeyCreatedAt:  {Value: "", Status: StatusWarning},
		KeyAppFlavor:  {Value: "x", Status: StatusOK},
	}
	assert.False(t, md.HasErrors())
	assert.Equal(t, []MetadataKey{KeyAppVersion, KeyCreatedAt}, md.Warnings())

	md[KeyEncryption] = MetadataEntry{Value: "Disabled", Status: StatusError}
	assert.True(t, md.HasErrors())
}

func TestSnapshotIsImmutable(t *testing.T) {
	values := map[string]string{"b": "2", "a": "1"}
	md := Metadata{KeyDeviceName: {Value: "dev", Status: StatusOK}}
	snap := NewSnapshot(values, md)

	values["c"] = "3"
	md[KeyAppFlavor] = MetadataEntry{Value: "x"}
	got := snap.Values()
	got["a"] = "changed"

	assert.Equal(t, 2, snap.Len())
	assert.Equal(t, []string{"a", "b"}, snap.Keys())
	assert.Equal(t, "1", snap.Values()["a"])
	assert.Len(t, snap.Metadata(), 1)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(map[string]string{"units": "mmol"})

	require.NoError(t, s.Put(ctx, "language", "en"))
	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"units": "mmol", "language": "en"}, all)

	require.NoError(t, s.ReplaceAll(ctx, map[string]string{"only": "one"}))
	all, _ = s.GetAll(ctx)
	assert.Equal(t, map[string]string{"only": "one"}, all)

	require.NoError(t, s.Clear(ctx))
	all, _ = s.GetAll(ctx)
	assert.Empty(t, all)
}

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prefs", "settings.json")

	s, err := NewFileStore(path, quietLogger())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "units", "mg/dl"))
	require.NoError(t, s.Put(ctx, "target", "5.5"))

	reopened, err := NewFileStore(path, quietLogger())
	require.NoError(t, err)
	all, err := reopened.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"units": "mg/dl", "target": "5.5"}, all)

	require.NoError(t, reopened.ReplaceAll(ctx, map[string]string{"fresh": "yes"}))
	again, err := NewFileStore(path, quietLogger())
	require.NoError(t, err)
	all, _ = again.GetAll(ctx)
	assert.Equal(t, map[string]string{"fresh": "yes"}, all)
}

func TestFileStoreCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"units": `), 0600))

	_, err := NewFileStore(path, quietLogger())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func newMockDBStore(t *testing.T) (*DBStore, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	dialector := mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	return NewDBStore(db, quietLogger()), mock
}

func TestDBStoreGetAll(t *testing.T) {
	store, mock := newMockDBStore(t)

	rows := sqlmock.NewRows([]string{"pref_key", "pref_value", "updated_at"}).
		AddRow("language", "en", time.Now()).
		AddRow("units", "mmol", time.Now())
	mock.ExpectQuery("SELECT (.+) FROM `preferences`").WillReturnRows(rows)

	all, err := store.GetAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"language": "en", "units": "mmol"}, all)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStoreReplaceAllRunsInOneTransaction(t *testing.T) {
	store, mock := newMockDBStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `preferences`").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO `preferences`").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := store.ReplaceAll(context.Background(), map[string]string{"a": "1", "b": "2"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStoreReplaceAllRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newMockDBStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `preferences`").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO `preferences`").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.ReplaceAll(context.Background(), map[string]string{"a": "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replace preferences")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenSelectsStore(t *testing.T) {
	s, err := Open(config.SettingsStoreConfig{Type: "memory"}, false, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(config.SettingsStoreConfig{Type: "file", FilePath: filepath.Join(t.TempDir(), "s.json")}, false, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(config.SettingsStoreConfig{Type: "redis"}, false, quietLogger())
	assert.Error(t, err)
}

func TestDSNEscapesCredentials(t *testing.T) {
	dsn := DSN(config.SettingsStoreConfig{
		Host:     "db.local",
		Port:     3307,
		Username: "guard",
		Password: "p@ss/word",
		Database: "prefs",
	})

	parsed, err := mysqldriver.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "guard", parsed.User)
	assert.Equal(t, "p@ss/word", parsed.Passwd)
	assert.Equal(t, "db.local:3307", parsed.Addr)
	assert.Equal(t, "prefs", parsed.DBName)
	assert.True(t, parsed.ParseTime)
	assert.Equal(t, "utf8mb4_unicode_ci", parsed.Collation)
}
