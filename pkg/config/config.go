// Package config provides configuration loading and management for SettingsGuard
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DeviceConfig identifies the installation whose settings are exported
type DeviceConfig struct {
	Name       string `yaml:"name"`
	AppVersion string `yaml:"appVersion"`
	AppFlavor  string `yaml:"appFlavor"`
}

// ExportDestinationConfig selects where each export category is written
type ExportDestinationConfig struct {
	ExportLocal bool `yaml:"exportLocal"`
	ExportCloud bool `yaml:"exportCloud"`
	CSVLocal    bool `yaml:"csvLocal"`
	CSVCloud    bool `yaml:"csvCloud"`
	LogLocal    bool `yaml:"logLocal"`
	LogCloud    bool `yaml:"logCloud"`
}

// LocalConfig defines local export settings
type LocalConfig struct {
	ExportDirectory string        `yaml:"exportDirectory"`
	Retention       time.Duration `yaml:"retention"` // zero keeps exports forever
}

// CloudConfig defines which remote provider receives cloud exports
type CloudConfig struct {
	Provider     string `yaml:"provider"`   // none, gdrive or s3
	RootFolder   string `yaml:"rootFolder"` // every remote path lives below this folder
	SettingsPath string `yaml:"settingsPath"`
	CSVPath      string `yaml:"csvPath"`
	LogPath      string `yaml:"logPath"`
	PageSize     int    `yaml:"pageSize"`
	MaxRetries   uint64 `yaml:"maxRetries"`
}

// OAuthConfig defines the PKCE authorization flow used by the Google Drive provider
type OAuthConfig struct {
	ClientID      string        `yaml:"clientID"`
	ClientSecret  string        `yaml:"clientSecret"`
	AuthURL       string        `yaml:"authURL"`
	TokenURL      string        `yaml:"tokenURL"`
	Scopes        []string      `yaml:"scopes"`
	RedirectPort  int           `yaml:"redirectPort"`
	CallbackPath  string        `yaml:"callbackPath"`
	AuthTimeout   time.Duration `yaml:"authTimeout"`
	RefreshMargin time.Duration `yaml:"refreshMargin"`
}

// S3Config defines S3 storage settings
type S3Config struct {
	Bucket             string `yaml:"bucket"`
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
	AccessKey          string `yaml:"accessKey"`
	SecretKey          string `yaml:"secretKey"`
	Prefix             string `yaml:"prefix"`
	PathStyle          bool   `yaml:"pathStyle"` // Use path-style access for S3
	UseSSL             bool   `yaml:"useSSL"`
	CustomCAPath       string `yaml:"customCAPath"`       // Path to custom CA certificate
	SkipCertValidation bool   `yaml:"skipCertValidation"` // Skip certificate validation
}

// SettingsStoreConfig selects the backend holding the live settings
type SettingsStoreConfig struct {
	Type            string `yaml:"type"` // memory, file or mysql
	FilePath        string `yaml:"filePath"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
}

// SecureStoreConfig defines where token material is persisted
type SecureStoreConfig struct {
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
}

// PasswordConfig defines the master password and how long a confirmed export password is reused
type PasswordConfig struct {
	MasterPassword string        `yaml:"masterPassword"`
	CacheTTL       time.Duration `yaml:"cacheTTL"`
}

// ScheduleConfig holds cron expressions for unattended jobs
type ScheduleConfig struct {
	Export    string `yaml:"export"`
	Retention string `yaml:"retention"`
}

// MetricsConfig defines admin/metrics server settings
type MetricsConfig struct {
	Port string `yaml:"port"`
}

// LoggingConfig defines the log output format
type LoggingConfig struct {
	Format string `yaml:"format"` // text or json
}

// AppConfig contains the complete application configuration
type AppConfig struct {
	Device        DeviceConfig            `yaml:"device"`
	Destinations  ExportDestinationConfig `yaml:"destinations"`
	Local         LocalConfig             `yaml:"local"`
	Cloud         CloudConfig             `yaml:"cloud"`
	OAuth         OAuthConfig             `yaml:"oauth"`
	S3            S3Config                `yaml:"s3"`
	SettingsStore SettingsStoreConfig     `yaml:"settingsStore"`
	SecureStore   SecureStoreConfig       `yaml:"secureStore"`
	Password      PasswordConfig          `yaml:"password"`
	Schedule      ScheduleConfig          `yaml:"schedule"`
	Metrics       MetricsConfig           `yaml:"metrics"`
	Logging       LoggingConfig           `yaml:"logging"`
	HistoryFile   string                  `yaml:"historyFile"`
	Debug         bool                    `yaml:"debug"`
	ConfigFile    string                  `yaml:"-"`
}

// Cloud provider names
const (
	ProviderNone   = "none"
	ProviderGDrive = "gdrive"
	ProviderS3     = "s3"
)

// LoadConfiguration reads the optional YAML file named by CONFIG_FILE and then
// applies environment overrides on top of it
func LoadConfiguration() (*AppConfig, error) {
	cfg := &AppConfig{}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}

	loadFromEnvironment(cfg)
	setDefaults(cfg)
	return cfg, nil
}

// loadFromFile decodes a YAML configuration file into cfg
func loadFromFile(cfg *AppConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadFromEnvironment overrides file values with environment variables that are set
func loadFromEnvironment(cfg *AppConfig) {
	cfg.Debug = parseEnvBool("DEBUG", cfg.Debug)
	cfg.Logging.Format = getEnvOrDefault("LOG_FORMAT", cfg.Logging.Format)

	// Device identity
	cfg.Device.Name = getEnvOrDefault("DEVICE_NAME", cfg.Device.Name)
	cfg.Device.AppVersion = getEnvOrDefault("APP_VERSION", cfg.Device.AppVersion)
	cfg.Device.AppFlavor = getEnvOrDefault("APP_FLAVOR", cfg.Device.AppFlavor)

	// Destinations
	cfg.Destinations.ExportLocal = parseEnvBool("EXPORT_LOCAL_ENABLED", cfg.Destinations.ExportLocal)
	cfg.Destinations.ExportCloud = parseEnvBool("EXPORT_CLOUD_ENABLED", cfg.Destinations.ExportCloud)
	cfg.Destinations.CSVLocal = parseEnvBool("CSV_LOCAL_ENABLED", cfg.Destinations.CSVLocal)
	cfg.Destinations.CSVCloud = parseEnvBool("CSV_CLOUD_ENABLED", cfg.Destinations.CSVCloud)
	cfg.Destinations.LogLocal = parseEnvBool("LOG_LOCAL_ENABLED", cfg.Destinations.LogLocal)
	cfg.Destinations.LogCloud = parseEnvBool("LOG_CLOUD_ENABLED", cfg.Destinations.LogCloud)

	// Local export settings
	cfg.Local.ExportDirectory = getEnvOrDefault("LOCAL_EXPORT_DIRECTORY", cfg.Local.ExportDirectory)
	cfg.Local.Retention = parseEnvDuration("LOCAL_RETENTION", cfg.Local.Retention)

	// Cloud settings
	cfg.Cloud.Provider = getEnvOrDefault("CLOUD_PROVIDER", cfg.Cloud.Provider)
	cfg.Cloud.RootFolder = getEnvOrDefault("CLOUD_ROOT_FOLDER", cfg.Cloud.RootFolder)

	// OAuth settings
	cfg.OAuth.ClientID = getEnvOrDefault("OAUTH_CLIENT_ID", cfg.OAuth.ClientID)
	cfg.OAuth.ClientSecret = getEnvOrDefault("OAUTH_CLIENT_SECRET", cfg.OAuth.ClientSecret)
	if port, err := strconv.Atoi(getEnvOrDefault("OAUTH_REDIRECT_PORT", "")); err == nil {
		cfg.OAuth.RedirectPort = port
	}
	cfg.OAuth.AuthTimeout = parseEnvDuration("OAUTH_AUTH_TIMEOUT", cfg.OAuth.AuthTimeout)

	// S3 settings
	cfg.S3.Bucket = getEnvOrDefault("S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Region = getEnvOrDefault("S3_REGION", cfg.S3.Region)
	cfg.S3.Endpoint = getEnvOrDefault("S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.AccessKey = getEnvOrDefault("S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = getEnvOrDefault("S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.S3.Prefix = getEnvOrDefault("S3_PREFIX", cfg.S3.Prefix)
	cfg.S3.PathStyle = parseEnvBool("S3_PATH_STYLE", cfg.S3.PathStyle)
	cfg.S3.UseSSL = parseEnvBool("S3_USE_SSL", cfg.S3.UseSSL)
	cfg.S3.CustomCAPath = getEnvOrDefault("S3_CUSTOM_CA_PATH", cfg.S3.CustomCAPath)
	cfg.S3.SkipCertValidation = parseEnvBool("S3_SKIP_CERT_VALIDATION", cfg.S3.SkipCertValidation)

	// Settings store
	cfg.SettingsStore.Type = getEnvOrDefault("SETTINGS_STORE_TYPE", cfg.SettingsStore.Type)
	cfg.SettingsStore.FilePath = getEnvOrDefault("SETTINGS_STORE_FILE", cfg.SettingsStore.FilePath)
	cfg.SettingsStore.Host = getEnvOrDefault("SETTINGS_DB_HOST", cfg.SettingsStore.Host)
	if port, err := strconv.Atoi(getEnvOrDefault("SETTINGS_DB_PORT", "")); err == nil {
		cfg.SettingsStore.Port = port
	}
	cfg.SettingsStore.Username = getEnvOrDefault("SETTINGS_DB_USERNAME", cfg.SettingsStore.Username)
	cfg.SettingsStore.Password = getEnvOrDefault("SETTINGS_DB_PASSWORD", cfg.SettingsStore.Password)
	cfg.SettingsStore.Database = getEnvOrDefault("SETTINGS_DB_DATABASE", cfg.SettingsStore.Database)

	// Secure store and passwords
	cfg.SecureStore.Path = getEnvOrDefault("SECURE_STORE_PATH", cfg.SecureStore.Path)
	cfg.SecureStore.Secret = getEnvOrDefault("SECURE_STORE_SECRET", cfg.SecureStore.Secret)
	cfg.Password.MasterPassword = getEnvOrDefault("MASTER_PASSWORD", cfg.Password.MasterPassword)
	cfg.Password.CacheTTL = parseEnvDuration("PASSWORD_CACHE_TTL", cfg.Password.CacheTTL)

	// Schedules, metrics and history
	cfg.Schedule.Export = getEnvOrDefault("EXPORT_SCHEDULE", cfg.Schedule.Export)
	cfg.Schedule.Retention = getEnvOrDefault("RETENTION_SCHEDULE", cfg.Schedule.Retention)
	cfg.Metrics.Port = getEnvOrDefault("METRICS_PORT", cfg.Metrics.Port)
	cfg.HistoryFile = getEnvOrDefault("HISTORY_FILE", cfg.HistoryFile)
}

// setDefaults ensures all config fields have reasonable default values
func setDefaults(cfg *AppConfig) {
	if cfg.Device.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Device.Name = host
		} else {
			cfg.Device.Name = "unknown"
		}
	}
	if cfg.Device.AppFlavor == "" {
		cfg.Device.AppFlavor = "full"
	}

	if cfg.Cloud.Provider == "" {
		cfg.Cloud.Provider = ProviderNone
	}
	if cfg.Cloud.RootFolder == "" {
		cfg.Cloud.RootFolder = "SettingsGuard"
	}
	if cfg.Cloud.SettingsPath == "" {
		cfg.Cloud.SettingsPath = "export/settings"
	}
	if cfg.Cloud.CSVPath == "" {
		cfg.Cloud.CSVPath = "export/csv"
	}
	if cfg.Cloud.LogPath == "" {
		cfg.Cloud.LogPath = "export/logs"
	}
	if cfg.Cloud.PageSize == 0 {
		cfg.Cloud.PageSize = 100
	}
	if cfg.Cloud.MaxRetries == 0 {
		cfg.Cloud.MaxRetries = 3
	}

	if cfg.OAuth.AuthURL == "" {
		cfg.OAuth.AuthURL = "https://accounts.google.com/o/oauth2/v2/auth"
	}
	if cfg.OAuth.TokenURL == "" {
		cfg.OAuth.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if len(cfg.OAuth.Scopes) == 0 {
		cfg.OAuth.Scopes = []string{"https://www.googleapis.com/auth/drive.file"}
	}
	if cfg.OAuth.RedirectPort == 0 {
		cfg.OAuth.RedirectPort = 8400
	}
	if cfg.OAuth.CallbackPath == "" {
		cfg.OAuth.CallbackPath = "/oauth2callback"
	}
	if !strings.HasPrefix(cfg.OAuth.CallbackPath, "/") {
		cfg.OAuth.CallbackPath = "/" + cfg.OAuth.CallbackPath
	}
	if cfg.OAuth.AuthTimeout == 0 {
		cfg.OAuth.AuthTimeout = 60 * time.Second
	}
	if cfg.OAuth.RefreshMargin == 0 {
		cfg.OAuth.RefreshMargin = 5 * time.Minute
	}

	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
	if cfg.S3.Prefix == "" {
		cfg.S3.Prefix = "settingsguard"
	}

	if cfg.SettingsStore.Type == "" {
		cfg.SettingsStore.Type = "memory"
	}
	if cfg.SettingsStore.Type == "mysql" {
		if cfg.SettingsStore.Port == 0 {
			cfg.SettingsStore.Port = 3306
		}
		if cfg.SettingsStore.MaxOpenConns == 0 {
			cfg.SettingsStore.MaxOpenConns = 10
		}
		if cfg.SettingsStore.MaxIdleConns == 0 {
			cfg.SettingsStore.MaxIdleConns = 5
		}
		if cfg.SettingsStore.ConnMaxLifetime == "" {
			cfg.SettingsStore.ConnMaxLifetime = "5m"
		}
	}

	if cfg.Password.CacheTTL == 0 {
		cfg.Password.CacheTTL = 5 * time.Minute
	}
	if cfg.Schedule.Retention == "" {
		cfg.Schedule.Retention = "15 * * * *"
	}
	if cfg.Metrics.Port == "" {
		cfg.Metrics.Port = "8080"
	}
	if cfg.SecureStore.Path == "" && cfg.Local.ExportDirectory != "" {
		cfg.SecureStore.Path = cfg.Local.ExportDirectory + "/.secure.json"
	}
	if cfg.HistoryFile == "" && cfg.Local.ExportDirectory != "" {
		cfg.HistoryFile = cfg.Local.ExportDirectory + "/history.json"
	}
}

// Helper functions for environment variables

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value = strings.ToLower(value)

	// Handle additional truthy and falsy values
	switch value {
	case "1", "t", "true", "yes", "on", "enabled":
		return true
	case "0", "f", "false", "no", "off", "disabled":
		return false
	default:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return boolValue
	}
}

func parseEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// NewLogger builds the process logger from the logging section
func NewLogger(cfg *AppConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if strings.EqualFold(cfg.Logging.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// DisplayConfiguration outputs the current configuration in a readable format
// while masking sensitive information
func DisplayConfiguration(cfg *AppConfig, logger *logrus.Logger) {
	logger.Info("========== SettingsGuard Configuration ==========")
	logger.Infof("Debug Mode: %t", cfg.Debug)
	logger.Infof("Config File: %s", cfg.ConfigFile)
	logger.Infof("Device: %s (version %s, flavor %s)", cfg.Device.Name, cfg.Device.AppVersion, cfg.Device.AppFlavor)

	d := cfg.Destinations
	logger.Infof("Settings export: local=%t cloud=%t", d.ExportLocal, d.ExportCloud)
	logger.Infof("CSV export: local=%t cloud=%t", d.CSVLocal, d.CSVCloud)
	logger.Infof("Log export: local=%t cloud=%t", d.LogLocal, d.LogCloud)

	logger.Infof("Export Directory: %s", cfg.Local.ExportDirectory)
	logger.Infof("Cloud Provider: %s (root folder %s)", cfg.Cloud.Provider, cfg.Cloud.RootFolder)
	switch cfg.Cloud.Provider {
	case ProviderGDrive:
		logger.Infof("OAuth Client ID: %s", MaskSensitiveInfo(cfg.OAuth.ClientID))
		logger.Infof("OAuth Client Secret: %s", MaskSensitiveInfo(cfg.OAuth.ClientSecret))
		logger.Infof("OAuth Redirect: http://localhost:%d%s", cfg.OAuth.RedirectPort, cfg.OAuth.CallbackPath)
	case ProviderS3:
		logger.Infof("S3 Bucket: %s", cfg.S3.Bucket)
		logger.Infof("S3 Region: %s", cfg.S3.Region)
		logger.Infof("S3 Endpoint: %s", cfg.S3.Endpoint)
		logger.Infof("S3 Access Key: %s", MaskSensitiveInfo(cfg.S3.AccessKey))
		logger.Infof("S3 Secret Key: %s", MaskSensitiveInfo(cfg.S3.SecretKey))
		logger.Infof("S3 Prefix: %s", cfg.S3.Prefix)
	}

	logger.Infof("Settings Store: %s", cfg.SettingsStore.Type)
	if cfg.SettingsStore.Type == "mysql" {
		logger.Infof("Settings DB: %s@%s:%d/%s (password %s)", cfg.SettingsStore.Username,
			cfg.SettingsStore.Host, cfg.SettingsStore.Port, cfg.SettingsStore.Database,
			MaskSensitiveInfo(cfg.SettingsStore.Password))
	}
	logger.Infof("Master Password: %s", MaskSensitiveInfo(cfg.Password.MasterPassword))
	logger.Infof("Password Cache TTL: %s", cfg.Password.CacheTTL)
	logger.Infof("Export Schedule: %s", cfg.Schedule.Export)
	logger.Infof("Metrics Port: %s", cfg.Metrics.Port)
	logger.Info("=================================================")
}

// MaskSensitiveInfo masks sensitive information for logging
func MaskSensitiveInfo(info string) string {
	if info == "" {
		return "[not set]"
	}

	if len(info) <= 4 {
		return "****"
	}

	// Show first and last characters, mask the rest
	return info[:2] + "****" + info[len(info)-2:]
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *AppConfig) error {
	d := cfg.Destinations

	// Every export category needs somewhere to go
	if !d.ExportLocal && !d.ExportCloud {
		return fmt.Errorf("at least one settings export destination (local or cloud) must be enabled")
	}
	if !d.CSVLocal && !d.CSVCloud {
		return fmt.Errorf("at least one CSV export destination (local or cloud) must be enabled")
	}
	if !d.LogLocal && !d.LogCloud {
		return fmt.Errorf("at least one log export destination (local or cloud) must be enabled")
	}

	anyLocal := d.ExportLocal || d.CSVLocal || d.LogLocal
	if anyLocal && cfg.Local.ExportDirectory == "" {
		return fmt.Errorf("local export directory must be specified when local exports are enabled")
	}

	anyCloud := d.ExportCloud || d.CSVCloud || d.LogCloud
	if anyCloud && cfg.Cloud.Provider == ProviderNone {
		return fmt.Errorf("a cloud provider must be configured when cloud exports are enabled")
	}

	switch cfg.Cloud.Provider {
	case ProviderNone:
	case ProviderGDrive:
		if cfg.OAuth.ClientID == "" {
			return fmt.Errorf("OAuth client ID must be specified for the gdrive provider")
		}
		if cfg.OAuth.RedirectPort <= 0 || cfg.OAuth.RedirectPort > 65535 {
			return fmt.Errorf("invalid OAuth redirect port %d", cfg.OAuth.RedirectPort)
		}
		if cfg.SecureStore.Path == "" {
			return fmt.Errorf("secure store path must be specified for the gdrive provider")
		}
	case ProviderS3:
		if cfg.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket must be specified when the s3 provider is selected")
		}
		if cfg.S3.AccessKey == "" || cfg.S3.SecretKey == "" {
			return fmt.Errorf("S3 access key and secret key must be specified when the s3 provider is selected")
		}
		if cfg.S3.CustomCAPath != "" {
			if _, err := os.Stat(cfg.S3.CustomCAPath); err != nil {
				return fmt.Errorf("custom CA path %s is not accessible: %w", cfg.S3.CustomCAPath, err)
			}
		}
	default:
		return fmt.Errorf("unknown cloud provider %q", cfg.Cloud.Provider)
	}

	switch cfg.SettingsStore.Type {
	case "memory":
	case "file":
		if cfg.SettingsStore.FilePath == "" {
			return fmt.Errorf("settings store file path is required for the file store")
		}
	case "mysql":
		if cfg.SettingsStore.Host == "" || cfg.SettingsStore.Username == "" || cfg.SettingsStore.Database == "" {
			return fmt.Errorf("settings database host, username and database are required for the mysql store")
		}
		if _, err := time.ParseDuration(cfg.SettingsStore.ConnMaxLifetime); err != nil {
			return fmt.Errorf("invalid settings database connection max lifetime: %v", err)
		}
	default:
		return fmt.Errorf("unknown settings store type %q", cfg.SettingsStore.Type)
	}

	if cfg.Schedule.Export != "" && cfg.Password.MasterPassword == "" {
		return fmt.Errorf("scheduled exports require a master password")
	}

	return nil
}
