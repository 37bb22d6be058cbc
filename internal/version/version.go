// Package version reports build information of the tally binary.
package version

import (
	"fmt"
	"runtime/debug"
)

// Build-time variables set by ldflags:
//
//	-X github.com/MeKo-Tech/tally/internal/version.Version=v1.2.3
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns version, commit and build date. For builds without ldflags
// the commit is taken from the embedded VCS information when present.
func Info() (string, string, string) {
	commit := GitCommit
	if commit == "unknown" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					commit = s.Value
				}
			}
		}
	}
	return Version, commit, BuildDate
}

// Short returns the version string.
func Short() string { return Version }

// String formats the full build information.
func String() string {
	v, c, d := Info()
	return fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
