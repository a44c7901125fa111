package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Set at build time with -ldflags "-X .../internal/version.version=v1.2.3 -X .../internal/version.commit=abc123".
var (
	version = "dev"
	commit  = ""
)

// Get returns the current version, with whitespace trimmed.
// A "dev" build reports the module version when the binary was installed with go install.
func Get() string {
	v := strings.TrimSpace(version)
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return v
}

// Commit returns the VCS revision the binary was built from, if known.
func Commit() string {
	if c := strings.TrimSpace(commit); c != "" {
		return c
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return ""
}

// String returns the version with a short commit suffix when available.
func String() string {
	c := Commit()
	if len(c) > 7 {
		c = c[:7]
	}
	if c == "" {
		return Get()
	}
	return fmt.Sprintf("%s (%s)", Get(), c)
}
