package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// UserAgent identifies roomwatch to controllers, e.g. "roomwatch/1.2.0".
func UserAgent() string {
	return fmt.Sprintf("roomwatch/%s", Version)
}
