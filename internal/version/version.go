// Package version provides build version information, overridable at link
// time via -ldflags.
package version

// version, revision, branch, and commitTime are set at build time
// via -ldflags "-X github.com/proxymesh/duskmesh/internal/version.version=...".
var (
	version    = "dev"
	revision   = ""
	branch     = ""
	commitTime = ""
)

// Version returns the build version string.
func Version() string {
	return version
}

// Revision returns the VCS revision the build was made from.
func Revision() string {
	return revision
}

// Branch returns the VCS branch the build was made from.
func Branch() string {
	return branch
}

// CommitTime returns the commit timestamp the build was made from.
func CommitTime() string {
	return commitTime
}
