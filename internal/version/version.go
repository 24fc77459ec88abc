// Package version reports the client version, resolved from ldflags
// when a release build sets them and from Go build metadata otherwise.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	AppName = "drivesync"

	// Version is overridden by release builds via ldflags.
	Version = "0.1.0-dev"

	// Revision is the VCS commit the binary was built from.
	Revision = "HEAD"
)

// UserAgent identifies this client to the remote API.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", AppName, Version)
}

// Short returns `0.1.0 (5e23a4)`.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

// Detailed returns `0.1.0 (5e23a4; go1.23.6; linux/amd64)`.
func Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s/%s)",
		Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return
	}

	settings := map[string]string{}
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}

	if Version == "0.1.0-dev" || Version == "" {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			Version = strings.TrimPrefix(v, "v")
		}
	}
	if Revision == "HEAD" || Revision == "" {
		if r := settings["vcs.revision"]; r != "" {
			if len(r) > 8 {
				r = r[:8]
			}
			if settings["vcs.modified"] == "true" {
				r += "-dirty"
			}
			Revision = r
		}
	}
}
