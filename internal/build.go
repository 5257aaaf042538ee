package internal

import (
	"runtime/debug"
	"time"
)

// BuildInfo identifies the build of the running binary.
type BuildInfo struct {
	Revision     string
	RevisionTime time.Time
	Modified     bool
	GoVersion    string
}

// Build is read from the version control stamp embedded by the Go
// toolchain. Binaries built outside of a repository report an
// "unknown" revision.
var Build = readBuildInfo()

func readBuildInfo() BuildInfo {
	b := BuildInfo{Revision: "unknown"}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}

	b.GoVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			b.Revision = setting.Value
		case "vcs.time":
			// A malformed stamp leaves the time zero.
			t, err := time.Parse(time.RFC3339, setting.Value)
			if err == nil {
				b.RevisionTime = t
			}
		case "vcs.modified":
			b.Modified = setting.Value == "true"
		}
	}

	return b
}
