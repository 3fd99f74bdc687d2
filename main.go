package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/SettingsGuard/pkg/adminserver"
	"github.com/supporttools/SettingsGuard/pkg/backup"
	"github.com/supporttools/SettingsGuard/pkg/cloud"
	"github.com/supporttools/SettingsGuard/pkg/cloud/gdrive"
	"github.com/supporttools/SettingsGuard/pkg/cloud/oauth"
	"github.com/supporttools/SettingsGuard/pkg/config"
	"github.com/supporttools/SettingsGuard/pkg/metadata"
	"github.com/supporttools/SettingsGuard/pkg/scheduler"
	"github.com/supporttools/SettingsGuard/pkg/securestore"
	"github.com/supporttools/SettingsGuard/pkg/settings"
	"github.com/supporttools/SettingsGuard/pkg/storage/local"
	"github.com/supporttools/SettingsGuard/pkg/storage/s3"
	"github.com/supporttools/SettingsGuard/pkg/version"
)

func main() {
	cfg, err := config.LoadConfiguration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg)
	logger.Infof("Starting SettingsGuard %s", version.String())

	if err := config.ValidateConfig(cfg); err != nil {
		logger.Fatalf("Configuration validation failed: %v", err)
	}
	if cfg.Debug {
		config.DisplayConfiguration(cfg, logger)
	}

	store, err := settings.Open(cfg.SettingsStore, cfg.Debug, logger)
	if err != nil {
		logger.Fatalf("Failed to open settings store: %v", err)
	}

	secrets, err := openSecureStore(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to open secure store: %v", err)
	}

	history, err := metadata.Open(cfg.HistoryFile, logger)
	if err != nil {
		// A damaged history file is not fatal, exports simply start a new one
		logger.Errorf("Failed to load export history: %v", err)
	}

	opts := []backup.Option{
		backup.WithLocal(local.NewClient(cfg.Local, logger)),
		backup.WithHistory(history),
	}

	ctx := context.Background()
	provider, authorizer, err := newCloudProvider(ctx, cfg, secrets, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize cloud provider: %v", err)
	}
	if provider != nil {
		opts = append(opts, backup.WithCloud(provider))
	}

	manager := backup.NewManager(cfg, store, logger, opts...)

	sched := scheduler.NewScheduler(cfg, manager, history, logger)
	if err := sched.SetupJobs(); err != nil {
		logger.Fatalf("Failed to setup scheduled jobs: %v", err)
	}
	sched.Start()

	var auth adminserver.Authorizer
	if authorizer != nil {
		auth = authorizer
	}
	adminSrv := adminserver.NewServer(cfg, manager, sched, auth, logger)
	adminSrv.Start()

	logger.Info("SettingsGuard is running. Press Ctrl+C to exit.")
	waitForShutdown(sched, adminSrv, logger)
}

// openSecureStore opens the encrypted credential file, or an in-memory
// store when no path is configured
func openSecureStore(cfg *config.AppConfig, logger *logrus.Logger) (securestore.Store, error) {
	if cfg.SecureStore.Path == "" {
		logger.Warn("No secure store path configured, credentials will not survive a restart")
		return securestore.NewMemoryStore(), nil
	}
	return securestore.OpenFileStore(cfg.SecureStore.Path, cfg.SecureStore.Secret)
}

// newCloudProvider builds the gateway for the configured provider. Both
// return values are nil when no provider is configured.
func newCloudProvider(ctx context.Context, cfg *config.AppConfig, secrets securestore.Store, logger *logrus.Logger) (*cloud.Gateway, *oauth.Authorizer, error) {
	gatewayOpts := []cloud.GatewayOption{
		cloud.WithDefaultPath(cfg.Cloud.SettingsPath),
		cloud.WithPageSize(cfg.Cloud.PageSize),
		cloud.WithMaxAttempts(cfg.Cloud.MaxRetries),
	}
	prefs := securestore.WithPrefix(secrets, "cloud")

	switch cfg.Cloud.Provider {
	case config.ProviderGDrive:
		authorizer := oauth.New(oauth.ConfigFrom(cfg.OAuth), securestore.WithPrefix(secrets, "gdrive"), logger)
		backend, err := gdrive.New(ctx, authorizer, logger)
		if err != nil {
			return nil, nil, err
		}
		resolver := cloud.NewFolderResolver(backend, cfg.Cloud.RootFolder, logger)
		authorizer.AddClearHook(resolver.ClearCache)
		return cloud.NewGateway(backend, resolver, authorizer, prefs, logger, gatewayOpts...), authorizer, nil

	case config.ProviderS3:
		backend, err := s3.NewFromConfig(ctx, cfg.S3, cfg.Debug, logger)
		if err != nil {
			return nil, nil, err
		}
		resolver := cloud.NewFolderResolver(backend, cfg.Cloud.RootFolder, logger)
		return cloud.NewGateway(backend, resolver, cloud.AlwaysAuthorized{}, prefs, logger, gatewayOpts...), nil, nil
	}

	return nil, nil, nil
}

// waitForShutdown blocks until SIGINT or SIGTERM and stops the components
func waitForShutdown(sched *scheduler.Scheduler, adminSrv *adminserver.Server, logger *logrus.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	sig := <-c
	logger.Infof("Received signal %s, shutting down...", sig)
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminSrv.Stop(ctx); err != nil {
		logger.Errorf("Error shutting down HTTP server: %v", err)
	}
}
