// Package version carries build information set with -ldflags.
package version

import "fmt"

// Build information, overridden at link time:
//
//	-ldflags "-X github.com/supporttools/SettingsGuard/pkg/version.Version=1.2.3"
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// VersionInfo is the build information of the running binary
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
}

// Get returns the build information
func Get() VersionInfo {
	return VersionInfo{Version: Version, GitCommit: GitCommit, BuildTime: BuildTime}
}

// String returns the version with its commit, for log lines
func String() string {
	return fmt.Sprintf("%s (%s)", Version, GitCommit)
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("Version: %s\nGitCommit: %s\nBuildTime: %s",
		v.Version, v.GitCommit, v.BuildTime)
}
