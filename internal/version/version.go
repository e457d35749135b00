// Package version holds the build identity of the devloop binary.
package version

import (
	"fmt"
	"runtime/debug"
)

// Version is set at build time:
// go build -ldflags "-X git.home.luguber.info/inful/devloop/internal/version.Version=v0.3.0".
var Version = "unknown"

// Build metadata, set the same way as Version.
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Resolve fills unset values from the module build info embedded by go install.
func Resolve() (version, commit string) {
	version, commit = Version, GitCommit
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version, commit
	}
	if version == "unknown" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	if commit == "unknown" {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 7 {
				commit = s.Value[:7]
			}
		}
	}
	return version, commit
}

// String is the one line shown by --version.
func String() string {
	v, c := Resolve()
	return fmt.Sprintf("devloop %s (commit %s, built %s)", v, c, BuildTime)
}
