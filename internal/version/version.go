package version

import (
	"fmt"
	"runtime/debug"
)

// Set at build time with -ldflags "-X filewatch/internal/version.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	Built     = ""
)

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	Built     string `json:"built,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

func Get() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		Built:     Built,
	}
	if build, ok := readBuildInfo(); ok {
		info.GoVersion = build.GoVersion
		if info.GitCommit == "" {
			for _, setting := range build.Settings {
				if setting.Key == "vcs.revision" {
					info.GitCommit = setting.Value
				}
			}
		}
	}
	return info
}

var readBuildInfo = debug.ReadBuildInfo

// String renders the version as shown by --version.
func (info Info) String() string {
	commit := info.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	switch {
	case commit != "" && info.Built != "":
		return fmt.Sprintf("%s (%s, built %s)", info.Version, commit, info.Built)
	case commit != "":
		return fmt.Sprintf("%s (%s)", info.Version, commit)
	default:
		return info.Version
	}
}
