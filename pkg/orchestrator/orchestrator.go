// Package orchestrator applies application manifests to the container
// runtime and restores previous manifests on rollback.
package orchestrator

import (
	"context"
	"sort"

	"github.com/opencontainers/go-digest"
)

// Orchestrator manages the running state of compose projects.
type Orchestrator interface {
	// Snapshot captures the active manifest of project. A project that was
	// never applied yields an empty snapshot.
	Snapshot(ctx context.Context, project string) (Snapshot, error)
	// Apply makes files the active manifest of project and starts it.
	Apply(ctx context.Context, project string, files map[string][]byte) error
	// Verify waits until project is running and healthy.
	Verify(ctx context.Context, project string) error
	// Restore brings project back to snap exactly.
	Restore(ctx context.Context, snap Snapshot) error
	// LoadImage makes an image archive available to the container engine.
	LoadImage(ctx context.Context, ref string, archive []byte) error
}

// Snapshot is the active manifest of a project at one point in time.
type Snapshot struct {
	Project string            `json:"project"`
	Files   map[string][]byte `json:"files,omitempty"`
	Digest  digest.Digest     `json:"digest"`
}

// NewSnapshot returns a snapshot of files with its canonical digest.
func NewSnapshot(project string, files map[string][]byte) Snapshot {
	if len(files) == 0 {
		files = nil
	}
	return Snapshot{Project: project, Files: files, Digest: treeDigest(files)}
}

// Empty reports whether the project had no manifest.
func (s Snapshot) Empty() bool {
	return len(s.Files) == 0
}

// Verify checks that Digest matches Files.
func (s Snapshot) Verify() bool {
	return s.Digest == treeDigest(s.Files)
}

// treeDigest hashes sorted path and content digest pairs, so the result does
// not depend on map order.
func treeDigest(files map[string][]byte) digest.Digest {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	d := digest.Canonical.Digester()
	for _, p := range paths {
		d.Hash().Write([]byte(p))
		d.Hash().Write([]byte{0})
		d.Hash().Write([]byte(digest.FromBytes(files[p])))
		d.Hash().Write([]byte{'\n'})
	}
	return d.Digest()
}
