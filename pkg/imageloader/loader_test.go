package imageloader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unreachableSocket = "unix:///definitely/not/there.sock"

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		dockerHost string
		path       string
		podman     bool
		wantErr    string
	}{
		{
			name:       "docker unreachable",
			cfg:        Config{Loader: Docker},
			dockerHost: unreachableSocket,
			wantErr:    "docker socket not reachable",
		},
		{
			name:    "docker host override unreachable",
			cfg:     Config{Loader: Docker, Host: unreachableSocket},
			wantErr: "docker socket not reachable",
		},
		{
			name:    "podman not installed",
			cfg:     Config{Loader: Podman},
			path:    "/nonexistent",
			wantErr: "podman socket not reachable",
		},
		{
			name:       "nothing reachable",
			cfg:        Config{},
			dockerHost: unreachableSocket,
			path:       "/nonexistent",
			wantErr:    "no container engine reachable",
		},
		{
			name:       "falls back to podman",
			cfg:        Config{},
			dockerHost: unreachableSocket,
			podman:     true,
		},
		{
			name:    "unknown loader",
			cfg:     Config{Loader: "containerd"},
			wantErr: `unknown loader "containerd"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.dockerHost != "" {
				t.Setenv("DOCKER_HOST", tt.dockerHost)
			}
			if tt.path != "" {
				t.Setenv("PATH", tt.path)
			}
			if tt.podman {
				fakePodman(t, "")
			}

			ldr, err := New(context.Background(), tt.cfg)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, &podmanLoader{}, ldr)
		})
	}
}
