package artifact

import (
	"sort"

	"github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ManifestFiles describes manifest contents, sorted by path.
func ManifestFiles(files map[string][]byte) []File {
	out := make([]File, 0, len(files))
	for p, data := range files {
		out = append(out, File{Path: p, Digest: digest.FromBytes(data), Size: int64(len(data))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Descriptor describes data of the given media type, annotated with ref.
func Descriptor(mediaType, ref string, data []byte) ispec.Descriptor {
	desc := ispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(data),
		Size:      int64(len(data)),
	}
	if ref != "" {
		desc.Annotations = map[string]string{ispec.AnnotationRefName: ref}
	}
	return desc
}

// FullImage describes an image carried in full.
func FullImage(ref string, archive []byte) Image {
	return Image{Target: Descriptor(MediaTypeImageArchive, ref, archive)}
}

// DeltaImage describes an image carried as a patch against base.
func DeltaImage(baseRef string, base []byte, ref string, target, patch []byte) Image {
	b := Descriptor(MediaTypeImageArchive, baseRef, base)
	p := Descriptor(MediaTypeImageDelta, "", patch)
	return Image{
		Target: Descriptor(MediaTypeImageArchive, ref, target),
		Base:   &b,
		Patch:  &p,
	}
}

// New assembles an artifact from a header, manifest contents and image
// payloads. The header's manifest list is filled in from manifest.
func New(h Header, manifest map[string][]byte, images []Image, payloads map[digest.Digest][]byte) *Artifact {
	h.Manifest = ManifestFiles(manifest)
	h.Images = images
	a := &Artifact{Header: h, Manifest: manifest, Blobs: map[digest.Digest][]byte{}}
	for _, img := range images {
		desc := &img.Target
		if img.IsDelta() {
			desc = img.Patch
		}
		if data, ok := payloads[desc.Digest]; ok {
			a.Blobs[desc.Digest] = data
		}
	}
	return a
}
