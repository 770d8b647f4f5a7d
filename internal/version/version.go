// Package version provides version information for the migrator and its helper.
package version

import "strings"

// These variables are set at build time using -ldflags
var (
	// Version is the semantic version (e.g., v1.0.0)
	Version = "dev"

	// BuildTime is the time the binary was built
	BuildTime = "unknown"

	// GitCommit is the git commit hash
	GitCommit = "unknown"
)

// Info returns version information as a map
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	}
}

// Matches reports whether an installed helper version satisfies the expected
// one. The app and helper ship together, so anything but an exact match
// (ignoring a leading "v") means the helper must be reinstalled.
func Matches(installed, expected string) bool {
	installed = strings.TrimPrefix(strings.TrimSpace(installed), "v")
	expected = strings.TrimPrefix(strings.TrimSpace(expected), "v")

	if installed == "" || expected == "" {
		return false
	}

	return installed == expected
}
