package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Set via -ldflags during build
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// BuildInfo identifies a daemon build. It is served on /api/version and in
// the WebSocket status message, so the CLI and feed clients can tell which
// daemon they are talking to.
type BuildInfo struct {
	Version   string `json:"version"`
	Build     string `json:"build"`
	GitCommit string `json:"git_commit"`
}

// CurrentBuild returns the running binary's build info
func CurrentBuild() BuildInfo {
	return BuildInfo{Version: Version, Build: Build, GitCommit: GitCommit}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", b.Version, b.Build, b.GitCommit)
}

// LoadVersionFile overrides Version from a .version file in dir. Release
// archives ship one next to the binary when ldflags were not set.
func LoadVersionFile(dir string) BuildInfo {
	data, err := os.ReadFile(filepath.Join(dir, ".version"))
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			Version = v
		}
	}
	return CurrentBuild()
}

// ExecutableDir returns the directory holding the running binary, or "."
func ExecutableDir() string {
	exePath, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exePath)
}
