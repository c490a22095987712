// Package imagecache stores image archives on the device by content digest.
// It holds the delta bases that later artifacts are reconstructed against.
package imagecache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/project-copacetic/appmod/pkg/utils"
)

const archiveSuffix = ".tar"

// Cache is a content-addressed directory of image archives.
type Cache struct {
	root string
}

// New returns a cache rooted at root, creating it if needed.
func New(root string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(root, string(digest.SHA256)), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create image cache")
	}
	return &Cache{root: root}, nil
}

func (c *Cache) path(d digest.Digest) string {
	return filepath.Join(c.root, string(d.Algorithm()), d.Encoded()+archiveSuffix)
}

// Has reports whether the archive with digest d is cached.
func (c *Cache) Has(d digest.Digest) bool {
	if d.Validate() != nil {
		return false
	}
	_, err := os.Stat(c.path(d))
	return err == nil
}

// Put stores data under its digest. Storing an archive that is already
// present is a no-op.
func (c *Cache) Put(data []byte) (digest.Digest, error) {
	d := digest.FromBytes(data)
	if c.Has(d) {
		log.Debugf("Image archive %s already cached", d)
		return d, nil
	}
	if err := utils.WriteFileAtomic(c.path(d), data, 0o444); err != nil {
		return "", errors.Wrapf(err, "failed to cache image archive %s", d)
	}
	log.Debugf("Cached image archive %s (%d bytes)", d, len(data))
	return d, nil
}

// Get returns the archive with digest d. The error wraps errdefs.ErrNotFound
// when the archive is not cached.
func (c *Cache) Get(d digest.Digest) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid digest %q: %w", d, errdefs.ErrInvalidArgument)
	}
	data, err := os.ReadFile(c.path(d))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("image archive %s: %w", d, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image archive %s", d)
	}
	if got := d.Algorithm().FromBytes(data); got != d {
		return nil, fmt.Errorf("image archive %s is corrupt (digest %s): %w", d, got, errdefs.ErrDataLoss)
	}
	return data, nil
}

// List returns the digests of every cached archive.
func (c *Cache) List() ([]digest.Digest, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, string(digest.SHA256)))
	if err != nil {
		return nil, err
	}
	var out []digest.Digest
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, archiveSuffix) {
			continue
		}
		d := digest.NewDigestFromEncoded(digest.SHA256, strings.TrimSuffix(name, archiveSuffix))
		if d.Validate() == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

// Prune removes every archive not in keep and returns the removed digests.
func (c *Cache) Prune(keep []digest.Digest) ([]digest.Digest, error) {
	wanted := make(map[digest.Digest]bool, len(keep))
	for _, d := range keep {
		wanted[d] = true
	}
	all, err := c.List()
	if err != nil {
		return nil, err
	}
	var removed []digest.Digest
	for _, d := range all {
		if wanted[d] {
			continue
		}
		if err := os.Remove(c.path(d)); err != nil && !os.IsNotExist(err) {
			return removed, errors.Wrapf(err, "failed to remove image archive %s", d)
		}
		log.Infof("Pruned cached image archive %s", d)
		removed = append(removed, d)
	}
	return removed, nil
}
