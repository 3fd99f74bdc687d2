// cloud-auth authorizes SettingsGuard against Google Drive from a terminal.
// It opens the consent page in the local browser, waits for the loopback
// redirect and stores the tokens in the secure store used by the service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"

	"github.com/supporttools/SettingsGuard/pkg/cloud/oauth"
	"github.com/supporttools/SettingsGuard/pkg/config"
	"github.com/supporttools/SettingsGuard/pkg/securestore"
)

var (
	noBrowser = flag.Bool("no-browser", false, "Print the consent URL instead of opening a browser")
	revoke    = flag.Bool("revoke", false, "Forget the stored credentials")
	status    = flag.Bool("status", false, "Report whether credentials are stored")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfiguration()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logger := config.NewLogger(cfg)

	if cfg.Cloud.Provider != config.ProviderGDrive {
		logger.Fatalf("cloud-auth only applies to the %s provider, configured provider is %q", config.ProviderGDrive, cfg.Cloud.Provider)
	}
	if cfg.SecureStore.Path == "" {
		logger.Fatal("A secure store path is required to keep the credentials")
	}

	secrets, err := securestore.OpenFileStore(cfg.SecureStore.Path, cfg.SecureStore.Secret)
	if err != nil {
		logger.Fatalf("Failed to open secure store: %v", err)
	}
	authorizer := oauth.New(oauth.ConfigFrom(cfg.OAuth), securestore.WithPrefix(secrets, "gdrive"), logger)

	switch {
	case *status:
		if authorizer.IsAuthorized() {
			fmt.Printf("Authorized, access token valid until %s\n", authorizer.Expiry().Format(time.RFC3339))
		} else {
			fmt.Println("Not authorized")
		}
		return
	case *revoke:
		if err := authorizer.ClearCredentials(); err != nil {
			logger.Fatalf("Failed to clear credentials: %v", err)
		}
		fmt.Println("Credentials removed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OAuth.AuthTimeout+30*time.Second)
	defer cancel()

	err = authorizer.RunInteractive(ctx, func(url string) error {
		fmt.Printf("Open the following URL to authorize SettingsGuard:\n\n  %s\n\n", url)
		if *noBrowser {
			return nil
		}
		return open.Run(url)
	})
	if err != nil {
		logger.Errorf("Authorization failed: %v", err)
		os.Exit(1)
	}
	fmt.Println("Authorization complete")
}
