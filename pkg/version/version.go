// Package version holds build information for conclave, injected via ldflags:
// go build -ldflags "-X conclave/pkg/version.Version=v1.2.3".
package version

import "fmt"

//nolint:gochecknoglobals // ldflags injection needs package-level vars.
var (
	// Version is the semantic version, "dev" for development builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String renders the build information on one line.
func String() string {
	return fmt.Sprintf("conclave %s (commit %s, built %s)", Version, Commit, Date)
}
