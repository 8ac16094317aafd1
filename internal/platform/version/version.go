// Package version reports which build of the relay is running.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Service names this binary in /version, build_info and the instance registry.
const Service = "lifeos-realtime"

const unknown = "unknown"

// Stamped with -ldflags "-X github.com/Lybley/lifeos-sub001/internal/platform/version.Version=v1.2.3".
var (
	Version   = "dev"
	Commit    = unknown
	BuildTime = unknown
)

// Info describes the running build. /version serves it unchanged.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get collects the build information. An unstamped commit falls back to the
// VCS revision the toolchain embeds in the binary.
func Get() Info {
	info := Info{
		Service:   Service,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
	if info.Commit == unknown {
		if rev, ok := vcsRevision(debug.ReadBuildInfo()); ok {
			info.Commit = rev
		}
	}
	return info
}

// String renders the build for log lines, e.g. "lifeos-realtime v1.4.0 (3f2a9c1)".
func (i Info) String() string {
	return fmt.Sprintf("%s %s (%s)", i.Service, i.Version, shortCommit(i.Commit))
}

func vcsRevision(bi *debug.BuildInfo, ok bool) (string, bool) {
	if !ok || bi == nil {
		return "", false
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return s.Value, true
		}
	}
	return "", false
}

func shortCommit(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
