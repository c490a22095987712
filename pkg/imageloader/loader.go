// Package imageloader loads docker-archive tarballs into the local container engine.
package imageloader

import (
	"context"
	"fmt"
	"io"
)

const (
	Docker = "docker"
	Podman = "podman"
)

// Loader streams a docker-archive tarball into a local container engine.
// imageRef names the image the archive is tagged with; loaders use it to
// confirm the image is present afterwards.
type Loader interface {
	Load(ctx context.Context, archive io.Reader, imageRef string) error
}

// Config is the configuration for the image loader.
type Config struct {
	// "docker" | "podman" | ""
	Loader string
	// Host overrides the docker daemon address. Empty means DOCKER_HOST or the default socket.
	Host string
}

// New instantiates the concrete loader. An empty Loader tries docker first, then podman.
func New(ctx context.Context, cfg Config) (Loader, error) {
	switch cfg.Loader {
	case Docker, "":
		if l, ok := probeDocker(ctx, cfg.Host); ok {
			return l, nil
		}
		if cfg.Loader == Docker {
			return nil, fmt.Errorf("docker socket not reachable")
		}
		fallthrough
	case Podman:
		if l, ok := probePodman(ctx); ok {
			return l, nil
		}
		if cfg.Loader == Podman {
			return nil, fmt.Errorf("podman socket not reachable")
		}
		return nil, fmt.Errorf("no container engine reachable, tried %s and %s", Docker, Podman)
	default:
		return nil, fmt.Errorf("unknown loader %q", cfg.Loader)
	}
}
