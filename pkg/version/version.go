// Package version reports kbsync build information.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is set at build time:
//
//	-ldflags "-X github.com/drukkhua/druk-helper-sub000/pkg/version.Version=v1.2.0"
var Version = "dev"

var (
	// Commit is the short git revision. When not set by ldflags it is read
	// from the module's embedded VCS stamp, if any.
	Commit = "unknown"
	// Date is the build time in RFC3339.
	Date = "unknown"
	// GoVersion is the toolchain that built the binary.
	GoVersion = runtime.Version()
)

// BuildInfo is the JSON shape of `kbsync version --json`.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// String returns the one-line version banner.
func String() string {
	info := GetInfo()
	return fmt.Sprintf("kbsync %s (commit: %s, built: %s, go: %s)",
		info.Version, info.Commit, info.Date, info.GoVersion)
}

// Short returns just the version.
func Short() string {
	return Version
}

// GetInfo returns structured build information.
func GetInfo() BuildInfo {
	commit, date := Commit, Date
	if commit == "unknown" || date == "unknown" {
		vcsCommit, vcsTime := vcsStamp()
		if commit == "unknown" && vcsCommit != "" {
			commit = vcsCommit
		}
		if date == "unknown" && vcsTime != "" {
			date = vcsTime
		}
	}
	return BuildInfo{
		Version:   Version,
		Commit:    commit,
		Date:      date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

func vcsStamp() (revision, buildTime string) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
			if len(revision) > 7 {
				revision = revision[:7]
			}
		case "vcs.time":
			buildTime = s.Value
		}
	}
	return revision, buildTime
}
