package artifact

import (
	"fmt"
	"path"
	"strings"

	"github.com/containerd/platforms"

	"github.com/project-copacetic/appmod/pkg/common"
	"github.com/project-copacetic/appmod/pkg/depends"
	"github.com/project-copacetic/appmod/pkg/types"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrInvalidArtifact, fmt.Sprintf(format, args...))
}

// Validate checks the header for structural problems.
func (h *Header) Validate() error {
	if h.Name == "" {
		return invalid("artifact name is required")
	}
	if err := common.ValidateProjectName(h.Application); err != nil {
		return invalid("%v", err)
	}
	if h.Version == "" {
		return invalid("artifact version is required")
	}
	if len(h.DeviceTypes) == 0 {
		return invalid("at least one device type is required")
	}
	for _, dt := range h.DeviceTypes {
		if strings.TrimSpace(dt) == "" {
			return invalid("empty device type")
		}
	}
	if h.Orchestrator != OrchestratorCompose {
		return invalid("unsupported orchestrator %q", h.Orchestrator)
	}
	if _, err := common.ParsePlatform(platforms.Format(h.Platform)); err != nil {
		return err
	}
	if err := depends.Constraints(h.Depends).Validate(); err != nil {
		return invalid("%v", err)
	}

	if len(h.Manifest) == 0 {
		return fmt.Errorf("%w: %w", types.ErrInvalidArtifact, types.ErrEmptyManifest)
	}
	seen := map[string]bool{}
	for _, f := range h.Manifest {
		if err := validManifestPath(f.Path); err != nil {
			return err
		}
		if seen[f.Path] {
			return invalid("duplicate manifest file %q", f.Path)
		}
		seen[f.Path] = true
		if err := f.Digest.Validate(); err != nil {
			return invalid("manifest file %q: %v", f.Path, err)
		}
	}

	refs := map[string]bool{}
	for _, img := range h.Images {
		if err := img.validate(); err != nil {
			return err
		}
		if refs[img.Ref()] {
			return invalid("duplicate image %q", img.Ref())
		}
		refs[img.Ref()] = true
	}
	return nil
}

func (i Image) validate() error {
	if i.Ref() == "" {
		return invalid("image without reference")
	}
	if err := i.Target.Digest.Validate(); err != nil {
		return invalid("image %q: %v", i.Ref(), err)
	}
	if i.Base == nil && i.Patch == nil {
		return nil
	}
	if i.Base == nil || i.Patch == nil {
		return fmt.Errorf("%w: image %q: delta needs both a base and a patch", types.ErrInvalidDeltaPair, i.Ref())
	}
	if i.BaseRef() == "" {
		return fmt.Errorf("%w: image %q: delta base has no reference", types.ErrInvalidDeltaPair, i.Ref())
	}
	if err := i.Base.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: image %q: base digest: %v", types.ErrInvalidDeltaPair, i.Ref(), err)
	}
	if err := i.Patch.Digest.Validate(); err != nil {
		return invalid("image %q: patch digest: %v", i.Ref(), err)
	}
	if i.Base.Digest == i.Target.Digest {
		return fmt.Errorf("%w: image %q: base and target are identical", types.ErrInvalidDeltaPair, i.Ref())
	}
	return nil
}

func validManifestPath(p string) error {
	if p == "" || path.IsAbs(p) || path.Clean(p) != p || p == "." || strings.HasPrefix(p, "../") || p == ".." {
		return invalid("unsafe manifest path %q", p)
	}
	return nil
}
