// Package version exposes build version information.
package version

// Version is the current version of the supernode.
// Set at build time via ldflags:
//
//	-X github.com/campusgrid/supernode/internal/version.Version=X.Y.Z
var Version = "0.3.1"
