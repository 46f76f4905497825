// Package version carries build metadata injected with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release version of the rangeimage tool
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for -version and log output.
func String() string {
	return fmt.Sprintf("rangeimage %s (%s, built %s)", Version, GitSHA, BuildTime)
}
