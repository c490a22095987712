// Package imagesource fetches image archives for the artifact generator.
package imagesource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/project-copacetic/appmod/pkg/common"
)

const (
	ModeAuto   = "auto"
	ModeDaemon = "daemon"
	ModeRemote = "remote"
)

// Archive is a docker-archive tarball of a single image.
type Archive struct {
	// Ref is the normalized image reference the archive is tagged with.
	Ref    string
	Data   []byte
	Digest digest.Digest
}

func newArchive(ref string, data []byte) *Archive {
	return &Archive{Ref: ref, Data: data, Digest: digest.FromBytes(data)}
}

// Source fetches an image archive for a platform.
type Source interface {
	Fetch(ctx context.Context, ref string, platform ispec.Platform) (*Archive, error)
}

// Resolver fetches archive: references from disk and everything else from
// the local docker daemon or a registry.
type Resolver struct {
	mode string
}

// New returns a Resolver for mode (auto, daemon or remote).
func New(mode string) (*Resolver, error) {
	switch mode {
	case "":
		mode = ModeAuto
	case ModeAuto, ModeDaemon, ModeRemote:
	default:
		return nil, fmt.Errorf("unknown image source %q, must be one of %s, %s, %s", mode, ModeAuto, ModeDaemon, ModeRemote)
	}
	return &Resolver{mode: mode}, nil
}

func (r *Resolver) Fetch(ctx context.Context, ref string, platform ispec.Platform) (*Archive, error) {
	if strings.HasPrefix(ref, common.ArchivePrefix) {
		return FromArchive(strings.TrimPrefix(ref, common.ArchivePrefix), platform)
	}

	normalized, err := common.NormalizeImageRef(ref)
	if err != nil {
		return nil, err
	}
	parsed, err := name.ParseReference(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to parse reference %q: %w", normalized, err)
	}

	var img v1.Image
	switch r.mode {
	case ModeDaemon:
		img, err = fromDaemon(ctx, parsed, platform)
	case ModeRemote:
		img, err = fromRemote(ctx, parsed, platform)
	default:
		img, err = fromDaemon(ctx, parsed, platform)
		if err != nil {
			log.Debugf("Image %s not usable from local daemon (%v), pulling from registry", normalized, err)
			img, err = fromRemote(ctx, parsed, platform)
		}
	}
	if err != nil {
		return nil, err
	}

	tag, err := name.NewTag(normalized)
	if err != nil {
		// Digest references are archived under a synthetic tag.
		tag = parsed.Context().Tag("appmod")
	}
	var buf bytes.Buffer
	if err := tarball.Write(tag, img, &buf); err != nil {
		return nil, errors.Wrapf(err, "failed to archive image %s", normalized)
	}
	a := newArchive(normalized, buf.Bytes())
	log.Infof("Fetched %s (%s, %d bytes)", a.Ref, a.Digest, len(a.Data))
	return a, nil
}

func fromDaemon(ctx context.Context, ref name.Reference, platform ispec.Platform) (v1.Image, error) {
	img, err := daemon.Image(ref, daemon.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from docker daemon: %w", ref, err)
	}
	if err := checkPlatform(img, platform); err != nil {
		return nil, err
	}
	return img, nil
}

func fromRemote(ctx context.Context, ref name.Reference, platform ispec.Platform) (v1.Image, error) {
	img, err := remote.Image(ref,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithPlatform(v1.Platform{OS: platform.OS, Architecture: platform.Architecture, Variant: platform.Variant}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	if err := checkPlatform(img, platform); err != nil {
		return nil, err
	}
	return img, nil
}

// FromArchive reads a docker-archive tarball from path. The archive must
// carry exactly one tagged image.
func FromArchive(path string, platform ispec.Platform) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read image archive")
	}

	opener := func() (io.ReadCloser, error) { return os.Open(path) }
	m, err := tarball.LoadManifest(opener)
	if err != nil {
		return nil, fmt.Errorf("%s is not a docker image archive: %w", path, err)
	}
	if len(m) != 1 {
		return nil, fmt.Errorf("image archive %s holds %d images, expected 1", path, len(m))
	}
	if len(m[0].RepoTags) == 0 {
		return nil, fmt.Errorf("image archive %s has no tag", path)
	}
	ref, err := common.NormalizeImageRef(m[0].RepoTags[0])
	if err != nil {
		return nil, err
	}

	img, err := tarball.ImageFromPath(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open image archive %s: %w", path, err)
	}
	if err := checkPlatform(img, platform); err != nil {
		return nil, err
	}
	return newArchive(ref, data), nil
}

// checkPlatform rejects images whose config names a different os or
// architecture. Images without platform information are accepted.
func checkPlatform(img v1.Image, want ispec.Platform) error {
	cfg, err := img.ConfigFile()
	if err != nil {
		return fmt.Errorf("failed to read image config: %w", err)
	}
	if cfg.OS == "" && cfg.Architecture == "" {
		log.Warnf("Image has no platform information, assuming %s/%s", want.OS, want.Architecture)
		return nil
	}
	if cfg.OS != want.OS || cfg.Architecture != want.Architecture {
		return fmt.Errorf("image platform %s/%s does not match %s/%s", cfg.OS, cfg.Architecture, want.OS, want.Architecture)
	}
	if want.Variant != "" && cfg.Variant != "" && cfg.Variant != want.Variant {
		return fmt.Errorf("image variant %s does not match %s", cfg.Variant, want.Variant)
	}
	return nil
}
