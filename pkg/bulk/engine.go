package bulk

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"

	"github.com/project-copacetic/appmod/pkg/common"
	"github.com/project-copacetic/appmod/pkg/generate"
	"github.com/project-copacetic/appmod/pkg/types"
)

// DefaultConcurrency is the number of artifacts generated in parallel.
const DefaultConcurrency = 4

// Options apply to every artifact of a set.
type Options struct {
	Timeout     time.Duration
	ImageSource string
	Concurrency int
}

// for testing.
var generateFn = generate.Generate

// GenerateFromConfig generates every artifact of the set at configPath.
// Relative paths in the set are resolved against the directory of the file.
func GenerateFromConfig(ctx context.Context, configPath string, opts Options) error {
	set, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	baseDir := filepath.Dir(configPath)

	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	var mu sync.Mutex
	var multiErr *multierror.Error
	results := make([]types.GenerateSummary, 0, len(set.Artifacts))

	log.Infof("Starting bulk generation of %d artifact(s) defined in %s...", len(set.Artifacts), configPath)

	var g errgroup.Group
	g.SetLimit(limit)
	for _, spec := range set.Artifacts {
		genOpts := set.options(spec, baseDir, opts)
		g.Go(func() error {
			log.Infof("--> Generating %s", spec.Name)
			err := generateFn(ctx, genOpts)

			mu.Lock()
			defer mu.Unlock()
			res := types.GenerateSummary{Name: spec.Name, Output: genOpts.Output, Status: "Generated"}
			if err != nil {
				res.Status = "Failed"
				res.Error = err.Error()
				multiErr = multierror.Append(multiErr, fmt.Errorf("%s: %w", spec.Name, err))
				log.Errorf("--> Failed to generate %s: %v", spec.Name, err)
			} else {
				log.Infof("--> Generated %s -> %s", spec.Name, genOpts.Output)
			}
			results = append(results, res)
			return nil
		})
	}
	_ = g.Wait()

	printSummary(results)
	log.Info("Bulk generation completed.")
	return multiErr.ErrorOrNil()
}

// LoadConfig reads and validates an artifact set file.
func LoadConfig(configPath string) (*ArtifactSet, error) {
	yamlFile, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var set ArtifactSet
	if err := yaml.Unmarshal(yamlFile, &set); err != nil {
		return nil, fmt.Errorf("failed to parse YAML from %s: %w", configPath, err)
	}
	if err := set.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return &set, nil
}

func (s *ArtifactSet) options(a ArtifactSpec, baseDir string, opts Options) *types.Options {
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	// archive:<path> images may be relative to the set file, also inside OLD,NEW pairs.
	images := make([]string, len(a.Images))
	for i, img := range a.Images {
		refs := strings.Split(img, ",")
		for j, ref := range refs {
			ref = strings.TrimSpace(ref)
			if p, ok := strings.CutPrefix(ref, common.ArchivePrefix); ok && p != "" {
				ref = common.ArchivePrefix + resolve(p)
			}
			refs[j] = ref
		}
		images[i] = strings.Join(refs, ",")
	}

	deviceTypes := a.DeviceTypes
	if len(deviceTypes) == 0 {
		deviceTypes = s.Defaults.DeviceTypes
	}
	platform := a.Platform
	if platform == "" {
		platform = s.Defaults.Platform
	}

	return &types.Options{
		ArtifactName: a.Name,
		Application:  a.Application,
		Version:      a.Version,
		DeviceTypes:  deviceTypes,
		Platform:     platform,
		ManifestDir:  resolve(a.ManifestsDir),
		Images:       images,
		Delta:        a.Delta,
		ImageSource:  opts.ImageSource,
		Depends:      entries(a.Depends),
		Provides:     entries(a.Provides),
		Output:       resolve(s.outputFor(a)),
		Timeout:      opts.Timeout,
	}
}

func printSummary(results []types.GenerateSummary) {
	if len(results) == 0 {
		return
	}

	var buf bytes.Buffer
	writer := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintln(writer, "NAME\tOUTPUT\tSTATUS\tDETAILS")

	for _, res := range results {
		details := "OK"
		if res.Error != "" {
			details = res.Error
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", res.Name, res.Output, res.Status, details)
	}

	writer.Flush()
	log.Infof("\n\n--- Bulk Generate Summary ---\n%s", buf.String())
}
