// Package generate builds update artifacts from a manifest directory and a
// set of container images.
package generate

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/project-copacetic/appmod/pkg/artifact"
	"github.com/project-copacetic/appmod/pkg/common"
	"github.com/project-copacetic/appmod/pkg/delta"
	"github.com/project-copacetic/appmod/pkg/depends"
	"github.com/project-copacetic/appmod/pkg/imagesource"
	"github.com/project-copacetic/appmod/pkg/types"
	"github.com/project-copacetic/appmod/pkg/utils"
)

const (
	// StdoutOutput writes the artifact to standard output.
	StdoutOutput = "-"
	// DefaultTimeout bounds a generation run when no timeout is given.
	DefaultTimeout = 10 * time.Minute
)

// for testing.
var (
	newImageSource = func(mode string) (imagesource.Source, error) {
		return imagesource.New(mode)
	}
	stdout     io.Writer = os.Stdout
	isTerminal           = func() bool { return term.IsTerminal(int(os.Stdout.Fd())) }
)

// Generate builds the artifact described by opts and writes it to opts.Output.
func Generate(ctx context.Context, opts *types.Options) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan error, 1)
	go func() {
		ch <- generateWithContext(timeoutCtx, opts)
	}()

	select {
	case err := <-ch:
		return err
	case <-timeoutCtx.Done():
		err := fmt.Errorf("generate exceeded timeout %v", timeout)
		log.Error(err)
		return err
	}
}

func generateWithContext(ctx context.Context, opts *types.Options) error {
	header, err := headerFromOptions(opts)
	if err != nil {
		return err
	}

	if err := checkOutput(opts.Output); err != nil {
		return err
	}

	manifest, err := readManifest(opts.ManifestDir)
	if err != nil {
		return err
	}

	pairs, err := ParseImageArgs(opts.Images, opts.Delta)
	if err != nil {
		return err
	}

	src, err := newImageSource(opts.ImageSource)
	if err != nil {
		return err
	}
	archives, err := fetchAll(ctx, src, pairs, header)
	if err != nil {
		return err
	}

	images, payloads, err := buildImages(ctx, pairs, archives)
	if err != nil {
		return err
	}

	a := artifact.New(*header, manifest, images, payloads)
	// Generate has already reported the timeout; nothing may be written after it.
	if err := ctx.Err(); err != nil {
		return err
	}
	if opts.Output == StdoutOutput {
		if err := artifact.Write(stdout, a); err != nil {
			return err
		}
	} else if err := artifact.WriteFile(opts.Output, a); err != nil {
		return err
	}
	log.Infof("Generated artifact %s (%s %s, %d image(s), %d manifest file(s)) -> %s",
		header.Name, header.Application, header.Version, len(images), len(manifest), opts.Output)
	return nil
}

func headerFromOptions(opts *types.Options) (*artifact.Header, error) {
	if opts.ArtifactName == "" {
		return nil, errors.New("--artifact-name is required")
	}
	if err := common.ValidateProjectName(opts.Application); err != nil {
		return nil, err
	}
	if opts.Version == "" {
		return nil, errors.New("--artifact-version is required")
	}
	deviceTypes := utils.DeduplicateStringSlice(opts.DeviceTypes)
	if len(deviceTypes) == 0 {
		return nil, errors.New("at least one --device-type is required")
	}
	orchestrator := opts.Orchestrator
	if orchestrator == "" {
		orchestrator = artifact.OrchestratorCompose
	}
	if orchestrator != artifact.OrchestratorCompose {
		return nil, fmt.Errorf("unsupported orchestrator %q, only %s is supported", orchestrator, artifact.OrchestratorCompose)
	}

	platform, err := common.ParsePlatform(opts.Platform)
	if err != nil {
		return nil, err
	}
	deps, err := depends.Parse(opts.Depends)
	if err != nil {
		return nil, fmt.Errorf("invalid --depends: %w", err)
	}
	provides, err := depends.ParseEntries(opts.Provides)
	if err != nil {
		return nil, fmt.Errorf("invalid --provides: %w", err)
	}

	return &artifact.Header{
		Name:         opts.ArtifactName,
		Application:  opts.Application,
		Version:      opts.Version,
		DeviceTypes:  deviceTypes,
		Platform:     platform.Platform,
		Orchestrator: orchestrator,
		Depends:      deps,
		Provides:     provides,
	}, nil
}

func checkOutput(output string) error {
	switch {
	case output == "":
		return errors.New("--output is required")
	case output == StdoutOutput:
		if isTerminal() {
			return fmt.Errorf("refusing to write artifact to terminal. Use --output to save to file or redirect stdout")
		}
	default:
		if _, err := os.Stat(output); err == nil {
			return fmt.Errorf("refusing to overwrite existing artifact %s", output)
		}
	}
	return nil
}

func readManifest(dir string) (map[string][]byte, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: no manifest directory given", types.ErrEmptyManifest)
	}
	files, err := utils.ReadTree(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrEmptyManifest, dir)
	}
	return files, nil
}

// ParseImageArgs turns --image arguments into image pairs. An "OLD,NEW"
// argument is an explicit delta pair. In delta mode exactly two plain
// arguments form a single pair; otherwise plain arguments are full images.
func ParseImageArgs(args []string, deltaMode bool) ([]types.ImagePair, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one --image is required")
	}

	var pairs []types.ImagePair
	var plain []string
	for _, arg := range args {
		if !strings.Contains(arg, ",") {
			plain = append(plain, strings.TrimSpace(arg))
			continue
		}
		parts := strings.Split(arg, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %q must be OLD,NEW", types.ErrInvalidDeltaPair, arg)
		}
		pair := types.ImagePair{Base: strings.TrimSpace(parts[0]), Target: strings.TrimSpace(parts[1])}
		if pair.Base == "" || pair.Target == "" {
			return nil, fmt.Errorf("%w: %q has an empty endpoint", types.ErrInvalidDeltaPair, arg)
		}
		pairs = append(pairs, pair)
	}

	if deltaMode && len(pairs) == 0 {
		if len(plain) != 2 {
			return nil, fmt.Errorf("%w: delta mode needs an OLD,NEW pair or exactly two images, got %d", types.ErrInvalidDeltaPair, len(plain))
		}
		pairs = append(pairs, types.ImagePair{Base: plain[0], Target: plain[1]})
		plain = nil
	}
	for _, ref := range plain {
		if ref == "" {
			return nil, errors.New("empty --image argument")
		}
		pairs = append(pairs, types.ImagePair{Target: ref})
	}

	targets := map[string]bool{}
	for _, p := range pairs {
		if p.IsDelta() && p.Base == p.Target {
			return nil, fmt.Errorf("%w: base and target are both %s", types.ErrInvalidDeltaPair, p.Target)
		}
		if targets[p.Target] {
			return nil, fmt.Errorf("image %s given more than once", p.Target)
		}
		targets[p.Target] = true
	}
	return pairs, nil
}

// fetchAll fetches every referenced image concurrently.
func fetchAll(ctx context.Context, src imagesource.Source, pairs []types.ImagePair, h *artifact.Header) (map[string]*imagesource.Archive, error) {
	var refs []string
	for _, p := range pairs {
		if p.IsDelta() {
			refs = append(refs, p.Base)
		}
		refs = append(refs, p.Target)
	}
	refs = utils.DeduplicateStringSlice(refs)

	var mu sync.Mutex
	archives := make(map[string]*imagesource.Archive, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for _, ref := range refs {
		g.Go(func() error {
			log.Infof("Fetching %s for %s/%s", ref, h.Platform.OS, h.Platform.Architecture)
			a, err := src.Fetch(gctx, ref, h.Platform)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", ref, err)
			}
			mu.Lock()
			archives[ref] = a
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return archives, nil
}

// buildImages computes deltas and collects the payload of every image.
func buildImages(ctx context.Context, pairs []types.ImagePair, archives map[string]*imagesource.Archive) ([]artifact.Image, map[digest.Digest][]byte, error) {
	images := make([]artifact.Image, len(pairs))
	payloads := map[digest.Digest][]byte{}
	var mu sync.Mutex

	for _, p := range pairs {
		if !p.IsDelta() {
			continue
		}
		base, target := archives[p.Base], archives[p.Target]
		if base.Digest == target.Digest {
			return nil, nil, fmt.Errorf("%w: %s and %s are the same image (%s)", types.ErrInvalidDeltaPair, p.Base, p.Target, target.Digest)
		}
		if base.Ref == target.Ref {
			return nil, nil, fmt.Errorf("%w: %s and %s resolve to the same reference", types.ErrInvalidDeltaPair, p.Base, p.Target)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pairs {
		target := archives[p.Target]
		if !p.IsDelta() {
			mu.Lock()
			images[i] = artifact.FullImage(target.Ref, target.Data)
			payloads[target.Digest] = target.Data
			mu.Unlock()
			continue
		}

		base := archives[p.Base]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			patch, err := delta.ComputeVerified(base.Data, target.Data)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", types.ErrInvalidDeltaPair, p, err)
			}
			log.Infof("Delta %s: %d bytes instead of %d", p, len(patch), len(target.Data))
			mu.Lock()
			defer mu.Unlock()
			images[i] = artifact.DeltaImage(base.Ref, base.Data, target.Ref, target.Data, patch)
			payloads[digest.FromBytes(patch)] = patch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return images, payloads, nil
}
