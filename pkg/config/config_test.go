package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *AppConfig {
	t.Helper()
	cfg := &AppConfig{
		Destinations: ExportDestinationConfig{ExportLocal: true, CSVLocal: true, LogLocal: true},
		Local:        LocalConfig{ExportDirectory: t.TempDir()},
	}
	setDefaults(cfg)
	return cfg
}

func TestLoadConfigurationFromFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settingsguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  name: kiosk-7
  appVersion: 3.1.0
destinations:
  exportLocal: true
  exportCloud: true
local:
  exportDirectory: /var/lib/settingsguard
  retention: 720h
cloud:
  provider: gdrive
oauth:
  clientID: client-id
password:
  cacheTTL: 2m
`), 0600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DEVICE_NAME", "kiosk-8")
	t.Setenv("EXPORT_CLOUD_ENABLED", "off")
	t.Setenv("OAUTH_REDIRECT_PORT", "9100")
	t.Setenv("LOCAL_RETENTION", "not-a-duration")

	cfg, err := LoadConfiguration()
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "kiosk-8", cfg.Device.Name, "environment overrides the file")
	assert.Equal(t, "3.1.0", cfg.Device.AppVersion)
	assert.True(t, cfg.Destinations.ExportLocal)
	assert.False(t, cfg.Destinations.ExportCloud)
	assert.Equal(t, 720*time.Hour, cfg.Local.Retention, "invalid durations keep the file value")
	assert.Equal(t, ProviderGDrive, cfg.Cloud.Provider)
	assert.Equal(t, 9100, cfg.OAuth.RedirectPort)
	assert.Equal(t, 2*time.Minute, cfg.Password.CacheTTL)

	// defaults
	assert.Equal(t, "full", cfg.Device.AppFlavor)
	assert.Equal(t, "export/settings", cfg.Cloud.SettingsPath)
	assert.Equal(t, "/oauth2callback", cfg.OAuth.CallbackPath)
	assert.Equal(t, "/var/lib/settingsguard/history.json", cfg.HistoryFile)
	assert.Equal(t, "memory", cfg.SettingsStore.Type)
}

func TestLoadConfigurationReportsBadFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadConfiguration()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: [unclosed"), 0600))
	t.Setenv("CONFIG_FILE", path)
	_, err = LoadConfiguration()
	assert.ErrorContains(t, err, "failed to parse")
}

func TestParseEnvBool(t *testing.T) {
	tests := []struct {
		value    string
		fallback bool
		want     bool
	}{
		{"yes", false, true},
		{"Enabled", false, true},
		{"OFF", true, false},
		{"0", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("SG_TEST_BOOL", tt.value)
		assert.Equal(t, tt.want, parseEnvBool("SG_TEST_BOOL", tt.fallback), tt.value)
	}
	assert.True(t, parseEnvBool("SG_TEST_UNSET_BOOL", true))
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *AppConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(cfg *AppConfig) {}},
		{
			name:    "no settings destination",
			mutate:  func(cfg *AppConfig) { cfg.Destinations.ExportLocal = false },
			wantErr: "settings export destination",
		},
		{
			name:    "no csv destination",
			mutate:  func(cfg *AppConfig) { cfg.Destinations.CSVLocal = false },
			wantErr: "CSV export destination",
		},
		{
			name:    "local without directory",
			mutate:  func(cfg *AppConfig) { cfg.Local.ExportDirectory = "" },
			wantErr: "local export directory",
		},
		{
			name:    "cloud without provider",
			mutate:  func(cfg *AppConfig) { cfg.Destinations.ExportCloud = true },
			wantErr: "cloud provider must be configured",
		},
		{
			name:    "gdrive without client id",
			mutate:  func(cfg *AppConfig) { cfg.Cloud.Provider = ProviderGDrive },
			wantErr: "OAuth client ID",
		},
		{
			name: "s3 without credentials",
			mutate: func(cfg *AppConfig) {
				cfg.Cloud.Provider = ProviderS3
				cfg.S3.Bucket = "exports"
			},
			wantErr: "access key",
		},
		{
			name:    "unknown provider",
			mutate:  func(cfg *AppConfig) { cfg.Cloud.Provider = "dropbox" },
			wantErr: "unknown cloud provider",
		},
		{
			name:    "file store without path",
			mutate:  func(cfg *AppConfig) { cfg.SettingsStore.Type = "file" },
			wantErr: "file path",
		},
		{
			name:    "unknown store",
			mutate:  func(cfg *AppConfig) { cfg.SettingsStore.Type = "redis" },
			wantErr: "unknown settings store",
		},
		{
			name:    "schedule without master password",
			mutate:  func(cfg *AppConfig) { cfg.Schedule.Export = "0 3 * * *" },
			wantErr: "master password",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestMaskSensitiveInfo(t *testing.T) {
	assert.Equal(t, "[not set]", MaskSensitiveInfo(""))
	assert.Equal(t, "****", MaskSensitiveInfo("abcd"))
	assert.Equal(t, "se****et", MaskSensitiveInfo("secret-secret"))
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger(&AppConfig{Debug: true, Logging: LoggingConfig{Format: "JSON"}})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger = NewLogger(&AppConfig{})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}
