package settings

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/supporttools/SettingsGuard/pkg/config"
)

// Preference is one row of the settings table
type Preference struct {
	Name      string    `gorm:"column:pref_key;primaryKey;size:191"`
	Value     string    `gorm:"column:pref_value;type:text"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName pins the table name
func (Preference) TableName() string {
	return "preferences"
}

// DBStore keeps settings in a MySQL table through gorm
type DBStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewDBStore wraps an open gorm connection
func NewDBStore(db *gorm.DB, logger *logrus.Logger) *DBStore {
	return &DBStore{db: db, logger: logger}
}

// DSN builds the driver connection string for the settings database
func DSN(cfg config.SettingsStoreConfig) string {
	dc := mysqldriver.NewConfig()
	dc.User = cfg.Username
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dc.DBName = cfg.Database
	dc.ParseTime = true
	dc.Loc = time.Local
	dc.Collation = "utf8mb4_unicode_ci"
	return dc.FormatDSN()
}

// ConnectMySQL opens the settings database and migrates the preferences table
func ConnectMySQL(cfg config.SettingsStoreConfig, debug bool, log *logrus.Logger) (*DBStore, error) {
	dsn := DSN(cfg)

	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to settings database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime != "" {
		duration, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			log.Warnf("Invalid connection max lifetime '%s', using default 5m: %v", cfg.ConnMaxLifetime, err)
			duration = 5 * time.Minute
		}
		sqlDB.SetConnMaxLifetime(duration)
	}

	if err := db.AutoMigrate(&Preference{}); err != nil {
		return nil, fmt.Errorf("failed to migrate preferences table: %w", err)
	}

	log.Infof("Connected to settings database at %s:%d", cfg.Host, cfg.Port)
	return NewDBStore(db, log), nil
}

// GetAll returns every stored preference
func (s *DBStore) GetAll(ctx context.Context) (map[string]string, error) {
	var prefs []Preference
	if err := s.db.WithContext(ctx).Order("pref_key").Find(&prefs).Error; err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	out := make(map[string]string, len(prefs))
	for _, p := range prefs {
		out[p.Name] = p.Value
	}
	return out, nil
}

// Put upserts a single preference
func (s *DBStore) Put(ctx context.Context, key, value string) error {
	pref := Preference{Name: key, Value: value, UpdatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Save(&pref).Error; err != nil {
		return fmt.Errorf("failed to save preference %s: %w", key, err)
	}
	return nil
}

// Clear deletes every preference
func (s *DBStore) Clear(ctx context.Context) error {
	err := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Preference{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear preferences: %w", err)
	}
	return nil
}

// ReplaceAll deletes and re-inserts inside one transaction so a failed
// import leaves the previous settings untouched
func (s *DBStore) ReplaceAll(ctx context.Context, values map[string]string) error {
	now := time.Now()
	prefs := make([]Preference, 0, len(values))
	for k, v := range values {
		prefs = append(prefs, Preference{Name: k, Value: v, UpdatedAt: now})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Preference{}).Error; err != nil {
			return err
		}
		if len(prefs) == 0 {
			return nil
		}
		return tx.CreateInBatches(prefs, 200).Error
	})
	if err != nil {
		return fmt.Errorf("failed to replace preferences: %w", err)
	}
	s.logger.Infof("Replaced settings store with %d preferences", len(prefs))
	return nil
}

// Open builds the store selected in configuration
func Open(cfg config.SettingsStoreConfig, debug bool, logger *logrus.Logger) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(nil), nil
	case "file":
		return NewFileStore(cfg.FilePath, logger)
	case "mysql":
		return ConnectMySQL(cfg, debug, logger)
	default:
		return nil, fmt.Errorf("unknown settings store type %q", cfg.Type)
	}
}
