package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var embedded string

// Version is the release tag baked into the binary
var Version = strings.TrimSpace(embedded)

// Commit is overridden at build time with -ldflags "-X .../version.Commit=<sha>"
var Commit = "unknown"

// Get returns the current version of the application
func Get() string {
	return Version
}

// String returns the version together with the build commit
func String() string {
	return Version + " (" + Commit + ")"
}
