package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	goarchive "github.com/moby/go-archive"
)

const workerDockerfile = "Dockerfile.worker"

// BuildWorkerImage builds the slot image from contextDir, skipping the
// local data directory.
func BuildWorkerImage(ctx context.Context, docker *client.Client, contextDir, imageName string) error {
	tar, err := goarchive.TarWithOptions(contextDir, &goarchive.TarOptions{
		ExcludePatterns: []string{"data", ".git"},
	})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer tar.Close()

	resp, err := docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: workerDockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}

	slog.Info("worker image built", "image", imageName)
	return nil
}
