// Package version reports the build version of the dtxn binaries.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const fallbackModule = "pkt.systems/dtxn"

// buildVersion is set via -ldflags "-X pkt.systems/dtxn/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the ldflags version, the module version, a pseudo-version
// derived from VCS stamps, or v0.0.0-unknown, whichever is found first.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoVersion(info.Settings); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Semver returns Current without pre-release or build suffixes.
func Semver() string {
	v := Current()
	if i := strings.IndexAny(v, "-+"); i > 0 {
		v = v[:i]
	}
	return v
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok && strings.TrimSpace(info.Main.Path) != "" {
		return strings.TrimSpace(info.Main.Path)
	}
	return fallbackModule
}

func pseudoVersion(settings []debug.BuildSetting) string {
	vcs := make(map[string]string, len(settings))
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}
	revision, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	if revision == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if vcs["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
