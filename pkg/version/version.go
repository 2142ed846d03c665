// Package version exposes build-time version information for Squadron.
package version

import "fmt"

// Version is the semantic version, overridden at build time via -ldflags.
var Version = "0.0.0-dev"

// Commit is the git commit hash, overridden at build time via -ldflags.
var Commit = "unknown"

// Full returns a human-readable version string combining Version and Commit.
func Full() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
