// Package version holds build metadata, stamped at link time with
// -ldflags "-X github.com/banshee-data/rtdecnef/internal/version.Version=...".
package version

import "fmt"

var (
	// Version is the release of the decoding engine.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String is recorded with every run so logs can be traced to a build.
func String() string {
	sha := GitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return fmt.Sprintf("%s (%s, built %s)", Version, sha, BuildTime)
}
