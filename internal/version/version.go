// Package version carries build metadata, set with -ldflags -X at release.
package version

import "fmt"

var (
	// Version is the release of the controller software.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String describes the build on one line.
func String() string {
	return fmt.Sprintf("orthosis %s (git %s, built %s)", Version, GitSHA, BuildTime)
}
