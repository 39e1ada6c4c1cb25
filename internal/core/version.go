package core

import (
	"regexp"
	"runtime/debug"
	"strings"
)

// Version is the xpos build version, resolved once from the embedded build info.
var Version = resolveVersion()

// pseudoVersionRe matches the 14-digit timestamp and 12-hex commit suffix Go
// appends to untagged builds, e.g. v0.0.0-20260217105831-82903d1d8810.
var pseudoVersionRe = regexp.MustCompile(`[-.]\d{14}-[0-9a-f]{12}$`)

func resolveVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}
	return versionFromBuildInfo(info)
}

// versionFromBuildInfo prefers a tagged module version and falls back to the
// VCS revision for local builds.
func versionFromBuildInfo(info *debug.BuildInfo) string {
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		return v
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}

	revision := settings["vcs.revision"]
	if revision == "" {
		return "devel"
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	version := "devel-" + revision
	if settings["vcs.modified"] == "true" {
		version += "-dirty"
	}
	return version
}

// FormatVersion strips the "v" prefix of tagged releases for display.
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

func isPseudoVersion(v string) bool {
	if i := strings.Index(v, "+"); i >= 0 {
		v = v[:i]
	}
	return pseudoVersionRe.MatchString(v)
}
