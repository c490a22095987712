package common

import (
	"fmt"
	"strings"

	"github.com/containerd/platforms"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/project-copacetic/appmod/pkg/types"
)

var validPlatforms = []string{
	"linux/386",
	"linux/amd64",
	"linux/arm",
	"linux/arm/v5",
	"linux/arm/v6",
	"linux/arm/v7",
	"linux/arm64",
	"linux/arm64/v8",
	"linux/ppc64le",
	"linux/s390x",
	"linux/riscv64",
}

// ParsePlatform parses an os/arch[/variant] triple into a normalized platform.
func ParsePlatform(s string) (types.TargetPlatform, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return types.TargetPlatform{}, fmt.Errorf("%w %q: expected os/arch[/variant]", types.ErrInvalidPlatform, s)
	}
	for _, p := range parts {
		if p == "" {
			return types.TargetPlatform{}, fmt.Errorf("%w %q: empty component", types.ErrInvalidPlatform, s)
		}
	}

	if !slices.Contains(validPlatforms, s) {
		return types.TargetPlatform{}, fmt.Errorf("%w %q: must be one of %v", types.ErrInvalidPlatform, s, validPlatforms)
	}

	p, err := platforms.Parse(s)
	if err != nil {
		return types.TargetPlatform{}, fmt.Errorf("%w %q: %v", types.ErrInvalidPlatform, s, err)
	}
	return types.TargetPlatform{Platform: platforms.Normalize(p)}, nil
}

// DevicePlatform returns the configured device platform, or the platform
// this binary runs on when none is configured.
func DevicePlatform(configured string) (types.TargetPlatform, error) {
	if configured == "" {
		p := platforms.DefaultSpec()
		log.Debugf("No device platform configured, using %s", platforms.Format(p))
		return types.TargetPlatform{Platform: p}, nil
	}
	return ParsePlatform(configured)
}

// Compatible reports whether an artifact built for target can run on a device
// of the given platform.
func Compatible(device, target ispec.Platform) bool {
	return platforms.Only(device).Match(target)
}
