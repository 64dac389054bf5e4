// Package version reports build metadata for the ramutex binary.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule  = "pkt.systems/ramutex"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/ramutex/internal/version.buildVersion=...".
var buildVersion = ""

// Info is the build metadata printed by `ramutex version`.
type Info struct {
	Version   string `json:"version"`
	Module    string `json:"module"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go"`
}

// Read collects Info from the linker flag and runtime build info.
func Read() Info {
	info := Info{
		Version:   unknownVersion,
		Module:    defaultModule,
		GoVersion: runtime.Version(),
	}
	build, ok := debug.ReadBuildInfo()
	var vcsTime time.Time
	if ok {
		if path := strings.TrimSpace(build.Main.Path); path != "" {
			info.Module = path
		}
		for _, setting := range build.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.Revision = setting.Value
			case "vcs.modified":
				info.Modified = setting.Value == "true"
			case "vcs.time":
				vcsTime, _ = time.Parse(time.RFC3339, setting.Value)
			}
		}
		if v := strings.TrimSpace(build.Main.Version); v != "" && v != "(devel)" {
			info.Version = v
		} else if v := pseudoVersion(info.Revision, vcsTime, info.Modified); v != "" {
			info.Version = v
		}
	}
	if v := strings.TrimSpace(buildVersion); v != "" {
		info.Version = v
	}
	return info
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Module returns the module path from build info when available.
func Module() string {
	return Read().Module
}

func pseudoVersion(revision string, at time.Time, modified bool) string {
	if revision == "" || at.IsZero() {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	ver := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if modified {
		ver += "+dirty"
	}
	return ver
}
