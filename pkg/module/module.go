// Package module implements the update module lifecycle: download, install,
// commit and rollback of application artifacts.
package module

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/project-copacetic/appmod/pkg/artifact"
	"github.com/project-copacetic/appmod/pkg/common"
	"github.com/project-copacetic/appmod/pkg/delta"
	"github.com/project-copacetic/appmod/pkg/depends"
	"github.com/project-copacetic/appmod/pkg/imagecache"
	"github.com/project-copacetic/appmod/pkg/ledger"
	"github.com/project-copacetic/appmod/pkg/orchestrator"
	"github.com/project-copacetic/appmod/pkg/types"
	"github.com/project-copacetic/appmod/pkg/utils"
)

const (
	yes = "Yes"
	no  = "No"
)

// Device identifies the device the module runs on.
type Device struct {
	Type     string
	Platform ispec.Platform
}

// Runtime executes lifecycle verbs. One deployment runs at a time.
type Runtime struct {
	mu     sync.Mutex
	device Device
	cache  *imagecache.Cache
	orch   orchestrator.Orchestrator
}

// NewRuntime returns a Runtime for device.
func NewRuntime(device Device, cache *imagecache.Cache, orch orchestrator.Orchestrator) *Runtime {
	return &Runtime{device: device, cache: cache, orch: orch}
}

// Dispatch runs cmd against the ledger. Query verbs return their answer as output.
func (r *Runtime) Dispatch(ctx context.Context, l *ledger.Store, cmd Command) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log.Debugf("Dispatching %s in %s", cmd.Verb, cmd.WorkDir)
	switch cmd.Verb {
	case SupportsRollback:
		return yes, nil
	case NeedsArtifactReboot:
		return no, nil
	}

	if cmd.WorkDir == "" {
		return "", fmt.Errorf("%s needs a work directory", cmd.Verb)
	}
	d, err := LoadDeployment(cmd.WorkDir)
	if err != nil {
		return "", err
	}

	switch cmd.Verb {
	case Download:
		return "", r.download(d, cmd.ArtifactPath)
	case ArtifactInstall:
		return "", r.install(ctx, l, d)
	case ArtifactCommit:
		return "", r.commit(ctx, l, d)
	case ArtifactRollback:
		return "", r.rollbackVerb(ctx, d)
	case ArtifactFailure:
		return "", r.failure(ctx, d)
	case Cleanup:
		return "", r.cleanup(l, d)
	default:
		return "", fmt.Errorf("unsupported verb %s", cmd.Verb)
	}
}

// Deploy runs Download, ArtifactInstall and ArtifactCommit in one go and
// cleans up the work directory afterwards. Failures after the orchestrator
// was touched are rolled back.
func (r *Runtime) Deploy(ctx context.Context, l *ledger.Store, workDir, artifactPath string) error {
	var result *multierror.Error
	for _, cmd := range []Command{
		{Verb: Download, WorkDir: workDir, ArtifactPath: artifactPath},
		{Verb: ArtifactInstall, WorkDir: workDir},
		{Verb: ArtifactCommit, WorkDir: workDir},
	} {
		if _, err := r.Dispatch(ctx, l, cmd); err != nil {
			result = multierror.Append(result, err)
			break
		}
	}
	if result.ErrorOrNil() != nil {
		if _, err := r.Dispatch(ctx, l, Command{Verb: ArtifactFailure, WorkDir: workDir}); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if _, err := r.Dispatch(ctx, l, Command{Verb: Cleanup, WorkDir: workDir}); err != nil {
		log.Warnf("Cleanup of %s failed: %v", workDir, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		if len(result.Errors) == 1 {
			return result.Errors[0]
		}
		return err
	}
	return nil
}

func (r *Runtime) download(d *Deployment, path string) error {
	if path == "" {
		return errors.New("download needs an artifact")
	}
	if !utils.IsNonEmptyFile(filepath.Dir(path), filepath.Base(path)) {
		return fmt.Errorf("%w: %s is missing or empty", types.ErrInvalidArtifact, path)
	}
	if err := d.transition(Downloading); err != nil {
		return err
	}

	a, err := artifact.Open(path)
	if err != nil {
		return d.abort(err)
	}
	if err := r.checkCompatible(&a.Header); err != nil {
		return d.abort(err)
	}

	dgst, err := copyArtifact(path, d.artifactPath())
	if err != nil {
		return d.abort(err)
	}
	d.ArtifactName = a.Header.Name
	d.Application = a.Header.Application
	d.Version = a.Header.Version
	d.ArtifactDigest = dgst
	d.LastError = ""
	if err := d.save(); err != nil {
		return err
	}
	log.Infof("Downloaded artifact %s (%s %s)", a.Header.Name, a.Header.Application, a.Header.Version)
	return nil
}

func (r *Runtime) checkCompatible(h *artifact.Header) error {
	if !slices.Contains(h.DeviceTypes, r.device.Type) {
		return fmt.Errorf("%w: device type %q not in %v", types.ErrIncompatibleArtifact, r.device.Type, h.DeviceTypes)
	}
	if !common.Compatible(r.device.Platform, h.Platform) {
		return fmt.Errorf("%w: artifact platform %s does not run on %s",
			types.ErrIncompatibleArtifact, platforms.Format(h.Platform), platforms.Format(r.device.Platform))
	}
	return nil
}

// reconstructed is a full image archive ready to be loaded.
type reconstructed struct {
	ref  string
	data []byte
}

func (r *Runtime) install(ctx context.Context, l *ledger.Store, d *Deployment) error {
	if d.State != Downloading {
		return fmt.Errorf("%w: cannot install from %s", types.ErrInvalidTransition, d.State)
	}

	a, err := artifact.Open(d.artifactPath())
	if err != nil {
		return d.abort(err)
	}
	if got, err := fileDigest(d.artifactPath()); err != nil || got != d.ArtifactDigest {
		return d.abort(fmt.Errorf("%w: downloaded artifact changed since Download", types.ErrInvalidArtifact))
	}

	installed, err := l.All()
	if err != nil {
		return d.abort(err)
	}
	if unmet := depends.Constraints(a.Header.Depends).Evaluate(installed); len(unmet) > 0 {
		msgs := make([]string, 0, len(unmet))
		for _, u := range unmet {
			msgs = append(msgs, u.String())
		}
		return d.abort(fmt.Errorf("%w: %s", types.ErrDependencyUnmet, strings.Join(msgs, "; ")))
	}

	if err := d.transition(Installing); err != nil {
		return err
	}

	images, err := r.reconstruct(a)
	if err != nil {
		return d.abort(err)
	}
	snap, err := r.orch.Snapshot(ctx, a.Header.Application)
	if err != nil {
		return d.abort(err)
	}
	d.Snapshot = &snap
	d.Images = a.Header.Digests()
	if err := d.save(); err != nil {
		return d.abort(err)
	}

	for _, img := range images {
		if err := r.orch.LoadImage(ctx, img.ref, img.data); err != nil {
			return r.rollback(ctx, d, fmt.Errorf("failed to load image %s: %w", img.ref, err))
		}
	}
	if err := r.orch.Apply(ctx, a.Header.Application, a.Manifest); err != nil {
		return r.rollback(ctx, d, err)
	}

	if err := d.transition(Installed); err != nil {
		return err
	}
	log.Infof("Installed %s %s", a.Header.Application, a.Header.Version)
	return nil
}

// reconstruct returns the full archive of every image, applying deltas to
// cached base images, and caches the results. It never touches the orchestrator.
func (r *Runtime) reconstruct(a *artifact.Artifact) ([]reconstructed, error) {
	out := make([]reconstructed, 0, len(a.Header.Images))
	for _, img := range a.Header.Images {
		var data []byte
		if img.IsDelta() {
			base, err := r.cache.Get(img.Base.Digest)
			if errdefs.IsNotFound(err) {
				return nil, fmt.Errorf("%w: %s (%s) for %s", types.ErrBaseImageMissing, img.BaseRef(), img.Base.Digest, img.Ref())
			}
			if err != nil {
				return nil, err
			}
			patch, ok := a.Blob(img.Patch)
			if !ok {
				return nil, fmt.Errorf("%w: payload for %s missing", types.ErrInvalidArtifact, img.Ref())
			}
			data, err = delta.Apply(base, patch, img.Target.Digest)
			if err != nil {
				return nil, fmt.Errorf("failed to reconstruct %s: %w", img.Ref(), err)
			}
			log.Infof("Reconstructed %s from %s", img.Ref(), img.BaseRef())
		} else {
			var ok bool
			if data, ok = a.Blob(&img.Target); !ok {
				return nil, fmt.Errorf("%w: payload for %s missing", types.ErrInvalidArtifact, img.Ref())
			}
		}
		if _, err := r.cache.Put(data); err != nil {
			return nil, err
		}
		out = append(out, reconstructed{ref: img.Ref(), data: data})
	}
	return out, nil
}

func (r *Runtime) commit(ctx context.Context, l *ledger.Store, d *Deployment) error {
	if d.State == Committed {
		log.Infof("Artifact %s already committed", d.ArtifactName)
		return nil
	}
	if err := d.transition(Committing); err != nil {
		return err
	}

	if err := r.orch.Verify(ctx, d.Application); err != nil {
		return r.rollback(ctx, d, err)
	}

	a, err := artifact.Open(d.artifactPath())
	if err != nil {
		return r.rollback(ctx, d, err)
	}
	rec := ledger.Record{
		ArtifactName: a.Header.Name,
		Application:  a.Header.Application,
		Version:      a.Header.Version,
		Provides:     a.Header.Provides,
	}
	rel := ledger.Release{ArtifactName: a.Header.Name, Version: a.Header.Version, Images: a.Header.Digests()}
	if err := l.Commit(rec, rel); err != nil {
		return r.rollback(ctx, d, fmt.Errorf("failed to update ledger: %w", err))
	}

	if err := d.transition(Committed); err != nil {
		return err
	}
	log.Infof("Committed %s %s", a.Header.Application, a.Header.Version)
	return nil
}

// rollback restores the pre-install snapshot. It returns cause on success
// and cause combined with ErrRollbackFailed when the restore fails.
func (r *Runtime) rollback(ctx context.Context, d *Deployment, cause error) error {
	if cause != nil {
		d.LastError = cause.Error()
	}
	if err := d.transition(RollingBack); err != nil {
		if cause == nil {
			return err
		}
		return multierror.Append(cause, err)
	}
	return r.restore(ctx, d, cause)
}

func (r *Runtime) restore(ctx context.Context, d *Deployment, cause error) error {
	var restoreErr error
	if d.Snapshot != nil {
		restoreErr = r.orch.Restore(ctx, *d.Snapshot)
	}
	if restoreErr != nil {
		log.Errorf("Rollback of %s failed: %v", d.ArtifactName, restoreErr)
		d.LastError = restoreErr.Error()
		if err := d.transition(Failed); err != nil {
			log.Errorf("Failed to record failed rollback: %v", err)
		}
		return multierror.Append(cause, fmt.Errorf("%w: %v", types.ErrRollbackFailed, restoreErr))
	}

	if err := d.transition(RolledBack); err != nil {
		return err
	}
	log.Infof("Rolled back %s", d.ArtifactName)
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%s rolled back: %w", d.ArtifactName, cause)
}

func (r *Runtime) rollbackVerb(ctx context.Context, d *Deployment) error {
	switch d.State {
	case RolledBack, NotInstalled:
		return nil
	case Committed, Failed:
		return fmt.Errorf("%w: cannot roll back from %s", types.ErrInvalidTransition, d.State)
	case Downloading:
		return d.transition(NotInstalled)
	case RollingBack:
		// An interrupted rollback is finished.
		return r.restore(ctx, d, nil)
	case Installing:
		if d.Snapshot == nil {
			return d.transition(NotInstalled)
		}
	}
	return r.rollback(ctx, d, nil)
}

func (r *Runtime) failure(ctx context.Context, d *Deployment) error {
	switch {
	case d.State == NotInstalled, d.State.Terminal():
		return nil
	case d.State == Downloading:
		return d.transition(NotInstalled)
	default:
		return r.rollbackVerb(ctx, d)
	}
}

func (r *Runtime) cleanup(l *ledger.Store, d *Deployment) error {
	if d.State.touchesOrchestrator() {
		return fmt.Errorf("%w: cannot clean up while %s", types.ErrInvalidTransition, d.State)
	}
	if d.State == Failed {
		// Keep the state for inspection, drop only the payload.
		if err := os.Remove(d.artifactPath()); err != nil && !os.IsNotExist(err) {
			return err
		}
	} else if err := d.remove(); err != nil {
		return err
	}

	releases, err := l.Releases()
	if err != nil {
		return err
	}
	var keep []digest.Digest
	for _, rel := range releases {
		keep = append(keep, rel.Images...)
	}
	removed, err := r.cache.Prune(keep)
	if err != nil {
		return err
	}
	log.Debugf("Cleanup removed %d cached image(s)", len(removed))
	return nil
}

func copyArtifact(src, dst string) (digest.Digest, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	digester := digest.Canonical.Digester()
	if _, err := io.Copy(io.MultiWriter(out, digester.Hash()), in); err != nil {
		out.Close()
		return "", errors.Wrap(err, "failed to store artifact")
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return digester.Digest(), nil
}

func fileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}
