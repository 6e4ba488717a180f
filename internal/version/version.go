// Package version exposes the drover build version.
package version

// version is overridden at build time via
// -ldflags "-X github.com/kmorrow/drover/internal/version.version=...".
var version = "0.1.0-dev"

// Get returns the current version string.
func Get() string {
	return version
}
