package artifact

import (
	"github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// FormatName identifies the artifact container format.
	FormatName = "appmod"
	// FormatVersion is the only container format version this package reads and writes.
	FormatVersion = 1

	// MediaTypeImageArchive is the media type of a docker-archive image tarball.
	MediaTypeImageArchive = "application/vnd.appmod.image.archive.v1.tar"
	// MediaTypeImageDelta is the media type of a bsdiff patch between two image archives.
	MediaTypeImageDelta = "application/vnd.appmod.image.delta.v1.bsdiff"

	// OrchestratorCompose is the only supported orchestrator.
	OrchestratorCompose = "docker-compose"
)

// FormatInfo is the first entry of every artifact.
type FormatInfo struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
}

// File is one manifest file.
type File struct {
	Path   string        `json:"path"`
	Digest digest.Digest `json:"digest"`
	Size   int64         `json:"size"`
}

// Image is one image of the artifact. Target describes the image archive the
// device ends up with. Base and Patch are set when the image travels as a
// delta against an archive the device already holds.
type Image struct {
	Target ispec.Descriptor  `json:"target"`
	Base   *ispec.Descriptor `json:"base,omitempty"`
	Patch  *ispec.Descriptor `json:"patch,omitempty"`
}

// Ref returns the image reference of the target.
func (i Image) Ref() string {
	return i.Target.Annotations[ispec.AnnotationRefName]
}

// BaseRef returns the image reference of the delta base, if any.
func (i Image) BaseRef() string {
	if i.Base == nil {
		return ""
	}
	return i.Base.Annotations[ispec.AnnotationRefName]
}

// IsDelta reports whether the image travels as a delta.
func (i Image) IsDelta() bool {
	return i.Patch != nil
}

// Header describes an artifact. It is written before any payload entry.
type Header struct {
	Name         string            `json:"name"`
	Application  string            `json:"application"`
	Version      string            `json:"version"`
	DeviceTypes  []string          `json:"deviceTypes"`
	Platform     ispec.Platform    `json:"platform"`
	Orchestrator string            `json:"orchestrator"`
	Depends      map[string]string `json:"depends,omitempty"`
	Provides     map[string]string `json:"provides,omitempty"`
	Manifest     []File            `json:"manifest"`
	Images       []Image           `json:"images"`
}

// Artifact is a fully loaded artifact.
type Artifact struct {
	Header Header
	// Manifest holds manifest file contents keyed by relative path.
	Manifest map[string][]byte
	// Blobs holds image archives and patches keyed by digest.
	Blobs map[digest.Digest][]byte
}

// Blob returns the payload described by desc.
func (a *Artifact) Blob(desc *ispec.Descriptor) ([]byte, bool) {
	if desc == nil {
		return nil, false
	}
	b, ok := a.Blobs[desc.Digest]
	return b, ok
}

// Digests returns the target digests of every image.
func (h *Header) Digests() []digest.Digest {
	out := make([]digest.Digest, 0, len(h.Images))
	for _, img := range h.Images {
		out = append(out, img.Target.Digest)
	}
	return out
}
