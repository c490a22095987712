package imageloader

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

type podmanLoader struct{}

// probePodman checks the CLI is available.
func probePodman(_ context.Context) (Loader, bool) {
	if _, err := exec.LookPath("podman"); err != nil {
		log.Debug("podman CLI not found in $PATH")
		return nil, false
	}
	return &podmanLoader{}, true
}

// Load streams the archive into `podman load` via stdin.
func (p *podmanLoader) Load(ctx context.Context, archive io.Reader, imageRef string) error {
	log.Debugf("Loading %s using podman CLI", imageRef)
	cmd := exec.CommandContext(ctx, "podman", "load")
	cmd.Stdin = archive

	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Errorf("podman load: %v: %s", err, strings.TrimSpace(string(out)))
		return fmt.Errorf("podman load: %w", err)
	}
	log.Debugf("podman load: %s", strings.TrimSpace(string(out)))

	if imageRef != "" {
		if err := exec.CommandContext(ctx, "podman", "image", "exists", imageRef).Run(); err != nil {
			return fmt.Errorf("image %s not present after podman load: %w", imageRef, err)
		}
	}
	log.Infof("Image %s loaded via podman CLI", imageRef)
	return nil
}
