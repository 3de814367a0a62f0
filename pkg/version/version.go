// Package version exposes the build version of leaserun.
package version

// version is overridden at build time with
// -ldflags "-X github.com/rshade/leaserun/pkg/version.version=v1.2.3".
//
//nolint:gochecknoglobals // Set via ldflags.
var version = "dev"

// GetVersion returns the build version.
func GetVersion() string {
	return version
}
