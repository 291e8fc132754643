// Package version carries build metadata stamped by ldflags, falling back to
// the module and VCS data the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const devVersion = "0.1.0-dev"

// Set with -ldflags "-X github.com/arcsync/arcsync/internal/version.Version=..."
var (
	AppName   = "arcsync"
	Version   = devVersion
	Revision  = "HEAD"
	BuildDate = ""
)

// Info is the build metadata reported by the index route and version commands.
type Info struct {
	App       string `json:"app"`
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

func Get() Info {
	return Info{
		App:       AppName,
		Version:   Version,
		Revision:  Revision,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Short is `0.1.0 (5e23a4)`.
func (i Info) Short() string {
	return fmt.Sprintf("%s (%s)", i.Version, i.Revision)
}

// Detailed is `0.1.0 (5e23a4; go1.24.1; linux/amd64; 2025-01-02T03:04:05Z)`.
func (i Info) Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s; %s)", i.Version, i.Revision, i.GoVersion, i.Platform, i.BuildDate)
}

func Detailed() string { return Get().Detailed() }
func DetailedWithApp() string { return AppName + " " + Detailed() }

// UserAgent is sent by every client transport - `arcsync/0.1.0 (5e23a4; linux; amd64)`
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s; %s)", AppName, Version, Revision, runtime.GOOS, runtime.GOARCH)
}

// applyBuildInfo fills in values that ldflags left at their defaults.
func applyBuildInfo(mainVersion string, settings map[string]string) {
	if (Version == devVersion || Version == "") && mainVersion != "" && mainVersion != "(devel)" {
		Version = strings.TrimPrefix(mainVersion, "v")
	}
	if rev := settings["vcs.revision"]; (Revision == "HEAD" || Revision == "") && rev != "" {
		if settings["vcs.modified"] == "true" {
			rev += "-dirty"
		}
		Revision = rev
	}
	if BuildDate == "" {
		BuildDate = settings["vcs.time"]
	}
}

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		settings := make(map[string]string, len(bi.Settings))
		for _, s := range bi.Settings {
			settings[s.Key] = s.Value
		}
		applyBuildInfo(bi.Main.Version, settings)
	}
	if BuildDate == "" {
		BuildDate = time.Now().UTC().Format(time.RFC3339)
	}
}
