// Package version holds build metadata injected at link time.
package version

// Set via LDFLAGS by the Makefile; these are the fallbacks for plain
// `go build`.
var (
	Version   = "v0.0.0-dev"
	BuildTime = "unknown"
)
