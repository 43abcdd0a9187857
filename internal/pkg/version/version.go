// Package version describes the flowminer build. Release builds set the
// variables below with -ldflags; other builds fall back to the VCS stamp
// the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	GitCommit = ""
	BuildDate = ""
)

// Build identifies the binary that produced a run summary.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	GoVersion string `json:"go"`
}

// Current returns the build of the running binary.
func Current() Build {
	b := Build{Version: Version, Commit: GitCommit, Date: BuildDate, GoVersion: runtime.Version()}
	if b.Commit != "" && b.Date != "" {
		return b
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && b.Commit == "":
			b.Commit = s.Value
		case s.Key == "vcs.time" && b.Date == "":
			b.Date = s.Value
		}
	}
	return b
}

// String renders the build for --version.
func (b Build) String() string {
	v := b.Version
	if len(b.Commit) > 7 {
		v += "-" + b.Commit[:7]
	}
	if b.Date == "" {
		return fmt.Sprintf("%s (%s %s/%s)", v, b.GoVersion, runtime.GOOS, runtime.GOARCH)
	}
	return fmt.Sprintf("%s (built %s, %s %s/%s)", v, b.Date, b.GoVersion, runtime.GOOS, runtime.GOARCH)
}
