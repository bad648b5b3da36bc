package container

import (
	"fmt"
	"os"
	"path/filepath"
)

const artifactMount = "/data/artifacts"

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

func (m Mount) bind() string {
	b := fmt.Sprintf("%s:%s", m.Source, m.Target)
	if m.ReadOnly {
		b += ":ro"
	}
	return b
}

// buildMounts shares the artifact directory read-write and the config file
// read-only. Relative paths are resolved against the working directory.
func buildMounts(opts Options) []string {
	var mounts []Mount

	if opts.ArtifactDir != "" {
		dir := absPath(opts.ArtifactDir)
		_ = os.MkdirAll(dir, 0o755)
		mounts = append(mounts, Mount{Source: dir, Target: artifactMount})
	}
	if opts.ConfigPath != "" {
		mounts = append(mounts, Mount{
			Source:   absPath(opts.ConfigPath),
			Target:   containerConfigDir + "/clipforge.yaml",
			ReadOnly: true,
		})
	}

	binds := make([]string, 0, len(mounts))
	for _, m := range mounts {
		binds = append(binds, m.bind())
	}
	return binds
}

func absPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, p)
}
