// Package version carries the build identity stamped in with -ldflags.
package version

import "fmt"

var (
	// Version is the release of the relay binary
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build identity for -version and the startup log line.
func String() string {
	return fmt.Sprintf("motion-relay %s (%s, built %s)", Version, GitSHA, BuildTime)
}
