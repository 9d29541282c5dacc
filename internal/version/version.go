// Package version carries build metadata, set at link time with
// -ldflags "-X github.com/banshee-data/scanrelay/internal/version.Version=...".
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns the version with its commit and build time.
func String() string {
	sha := GitSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return fmt.Sprintf("%s (%s, built %s)", Version, sha, BuildTime)
}
