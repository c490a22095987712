// Package artifact reads and writes application update artifacts.
//
// An artifact is an uncompressed tar stream:
//
//	version              FormatInfo JSON
//	header.json          Header JSON
//	manifests/<path>     manifest files
//	images/<hex>.zst     zstd compressed image archives
//	deltas/<hex>.zst     zstd compressed patches
//
// Digests in the header cover the uncompressed bytes and are verified on read.
package artifact

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/project-copacetic/appmod/pkg/types"
)

const (
	versionEntry   = "version"
	headerEntry    = "header.json"
	manifestPrefix = "manifests/"
	imagesPrefix   = "images/"
	deltasPrefix   = "deltas/"
	blobSuffix     = ".zst"

	maxEntrySize = 4 << 30 // 4GB
)

var epoch = time.Unix(0, 0).UTC()

// Write validates a and writes it to w.
func Write(w io.Writer, a *Artifact) error {
	if err := a.check(); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()

	tw := tar.NewWriter(w)

	info, err := json.Marshal(FormatInfo{Format: FormatName, Version: FormatVersion})
	if err != nil {
		return err
	}
	if err := writeEntry(tw, versionEntry, info); err != nil {
		return err
	}

	header, err := json.MarshalIndent(a.Header, "", "  ")
	if err != nil {
		return err
	}
	if err := writeEntry(tw, headerEntry, header); err != nil {
		return err
	}

	paths := make([]string, 0, len(a.Header.Manifest))
	for _, f := range a.Header.Manifest {
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := writeEntry(tw, manifestPrefix+p, a.Manifest[p]); err != nil {
			return err
		}
	}

	written := map[string]bool{}
	for _, img := range sortedImages(a.Header.Images) {
		prefix, desc := imagesPrefix, &img.Target
		if img.IsDelta() {
			prefix, desc = deltasPrefix, img.Patch
		}
		name := prefix + desc.Digest.Encoded() + blobSuffix
		if written[name] {
			continue
		}
		written[name] = true
		data, ok := a.Blob(desc)
		if !ok {
			return invalid("payload for image %q missing", img.Ref())
		}
		if err := writeEntry(tw, name, enc.EncodeAll(data, nil)); err != nil {
			return err
		}
	}

	return tw.Close()
}

// WriteFile writes a to path. Artifacts are immutable, so an existing file is never replaced.
func WriteFile(path string, a *Artifact) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("refusing to overwrite existing artifact %s", path)
		}
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()

	if err = Write(f, a); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	return f.Close()
}

// Read reads and verifies an artifact.
func Read(r io.Reader) (*Artifact, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	tr := tar.NewReader(r)

	name, data, err := nextEntry(tr)
	if err == io.EOF {
		return nil, invalid("empty artifact")
	}
	if err != nil {
		return nil, err
	}
	if name != versionEntry {
		return nil, invalid("first entry is %q, expected %q", name, versionEntry)
	}
	var info FormatInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, invalid("bad version entry: %v", err)
	}
	if info.Format != FormatName || info.Version != FormatVersion {
		return nil, invalid("unsupported format %s version %d", info.Format, info.Version)
	}

	name, data, err = nextEntry(tr)
	if err == io.EOF {
		return nil, invalid("artifact has no header")
	}
	if err != nil {
		return nil, err
	}
	if name != headerEntry {
		return nil, invalid("second entry is %q, expected %q", name, headerEntry)
	}
	a := &Artifact{Manifest: map[string][]byte{}, Blobs: map[digest.Digest][]byte{}}
	if err := json.Unmarshal(data, &a.Header); err != nil {
		return nil, invalid("bad header: %v", err)
	}
	if err := a.Header.Validate(); err != nil {
		return nil, err
	}

	for {
		name, data, err = nextEntry(tr)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch {
		case strings.HasPrefix(name, manifestPrefix):
			a.Manifest[strings.TrimPrefix(name, manifestPrefix)] = data
		case strings.HasPrefix(name, imagesPrefix), strings.HasPrefix(name, deltasPrefix):
			encoded := strings.TrimSuffix(name[strings.Index(name, "/")+1:], blobSuffix)
			d := digest.NewDigestFromEncoded(digest.SHA256, encoded)
			if err := d.Validate(); err != nil {
				return nil, invalid("bad payload entry %q", name)
			}
			blob, err := dec.DecodeAll(data, nil)
			if err != nil {
				return nil, invalid("payload %q: %v", name, err)
			}
			a.Blobs[d] = blob
		default:
			return nil, invalid("unexpected entry %q", name)
		}
	}

	if err := a.check(); err != nil {
		return nil, err
	}
	log.Debugf("Read artifact %s (%d manifest files, %d images)", a.Header.Name, len(a.Manifest), len(a.Header.Images))
	return a, nil
}

// Open reads and verifies the artifact at path.
func Open(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open artifact")
	}
	defer f.Close()
	return Read(f)
}

// check validates the header and verifies that the payload matches it exactly.
func (a *Artifact) check() error {
	if err := a.Header.Validate(); err != nil {
		return err
	}

	if len(a.Manifest) != len(a.Header.Manifest) {
		return invalid("manifest has %d files, header declares %d", len(a.Manifest), len(a.Header.Manifest))
	}
	for _, f := range a.Header.Manifest {
		data, ok := a.Manifest[f.Path]
		if !ok {
			return invalid("manifest file %q missing", f.Path)
		}
		if err := verify(f.Path, data, f.Digest, f.Size); err != nil {
			return err
		}
	}

	want := map[digest.Digest]bool{}
	for _, img := range a.Header.Images {
		desc := &img.Target
		if img.IsDelta() {
			desc = img.Patch
		}
		want[desc.Digest] = true
		data, ok := a.Blob(desc)
		if !ok {
			return invalid("payload for image %q missing", img.Ref())
		}
		if err := verify(img.Ref(), data, desc.Digest, desc.Size); err != nil {
			return err
		}
	}
	for d := range a.Blobs {
		if !want[d] {
			return invalid("undeclared payload %s", d)
		}
	}
	return nil
}

func verify(name string, data []byte, want digest.Digest, size int64) error {
	if int64(len(data)) != size {
		return invalid("%s: size %d, expected %d", name, len(data), size)
	}
	if got := want.Algorithm().FromBytes(data); got != want {
		return invalid("%s: digest %s, expected %s", name, got, want)
	}
	return nil
}

func sortedImages(images []Image) []Image {
	out := append([]Image(nil), images...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Ref() < out[j].Ref()
	})
	return out
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  epoch,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "failed to write %s header", name)
	}
	if _, err := tw.Write(data); err != nil {
		return errors.Wrapf(err, "failed to write %s", name)
	}
	return nil
}

func nextEntry(tr *tar.Reader) (string, []byte, error) {
	hdr, err := tr.Next()
	if err == io.EOF {
		return "", nil, io.EOF
	}
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", types.ErrInvalidArtifact, err)
	}
	if hdr.Typeflag != tar.TypeReg {
		return "", nil, invalid("entry %q is not a regular file", hdr.Name)
	}
	if hdr.Size > maxEntrySize {
		return "", nil, invalid("entry %q exceeds %d bytes", hdr.Name, int64(maxEntrySize))
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(tr, hdr.Size)); err != nil {
		return "", nil, fmt.Errorf("%w: reading %s: %v", types.ErrInvalidArtifact, hdr.Name, err)
	}
	return hdr.Name, buf.Bytes(), nil
}
