package cmd

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/project-copacetic/appmod/pkg/bulk"
	"github.com/project-copacetic/appmod/pkg/generate"
	"github.com/project-copacetic/appmod/pkg/imagesource"
	"github.com/project-copacetic/appmod/pkg/types"
)

type genArgs struct {
	artifactName string
	application  string
	version      string
	deviceTypes  []string
	platform     string
	images       []string
	orchestrator string
	manifestsDir string
	output       string
	delta        bool
	depends      []string
	provides     []string
	imageSource  string
	timeout      time.Duration
	configFile   string
	concurrency  int
}

// for testing.
var (
	generateFn     = generate.Generate
	bulkGenerateFn = bulk.GenerateFromConfig
)

func NewGenCmd() *cobra.Command {
	ga := genArgs{}
	genCmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate an application update artifact from a compose manifest and container images",
		Example: `  appmod gen -n web-1.1 --application web --artifact-version 1.1.0 -t raspberrypi4 \
    --platform linux/arm/v7 -m ./web -i example.com/web:1.1.0 -o web-1.1.appmod
  appmod gen ... --delta -i example.com/web:1.0.0,example.com/web:1.1.0
  appmod gen --config artifacts.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ga.configFile == "" && ga.artifactName == "" {
				return errors.New("either --config or --artifact-name must be provided")
			}

			// bulk generation
			if ga.configFile != "" {
				if ga.artifactName != "" || len(ga.images) > 0 || ga.manifestsDir != "" {
					return errors.New("--config cannot be used with --artifact-name, --image, or --manifests-dir")
				}
				log.Info("Starting in bulk artifact generation mode...")
				return bulkGenerateFn(cmd.Context(), ga.configFile, bulk.Options{
					Timeout:     ga.timeout,
					ImageSource: ga.imageSource,
					Concurrency: ga.concurrency,
				})
			}

			opts := &types.Options{
				ArtifactName: ga.artifactName,
				Application:  ga.application,
				Version:      ga.version,
				DeviceTypes:  ga.deviceTypes,
				Platform:     ga.platform,
				ManifestDir:  ga.manifestsDir,
				Images:       ga.images,
				Delta:        ga.delta,
				Orchestrator: ga.orchestrator,
				ImageSource:  ga.imageSource,
				Depends:      ga.depends,
				Provides:     ga.provides,
				Output:       ga.output,
				Timeout:      ga.timeout,
			}
			return generateFn(cmd.Context(), opts)
		},
	}
	flags := genCmd.Flags()
	flags.StringVar(&ga.configFile, "config", "", "Path to an artifact set YAML file. If used, the single artifact flags are ignored.")
	flags.StringVarP(&ga.artifactName, "artifact-name", "n", "", "Name of the artifact")
	flags.StringVar(&ga.application, "application", "", "Compose project the artifact deploys")
	flags.StringVar(&ga.version, "artifact-version", "", "Version of the application carried by the artifact")
	flags.StringArrayVarP(&ga.deviceTypes, "device-type", "t", nil, "Compatible device type, may be repeated")
	flags.StringVar(&ga.platform, "platform", "", "Target platform of the images, e.g. linux/arm/v7")
	flags.StringArrayVarP(&ga.images, "image", "i", nil, "Image to include, may be repeated. Use OLD,NEW to ship NEW as a delta against OLD")
	flags.StringVar(&ga.orchestrator, "orchestrator", "docker-compose", "Orchestrator of the application, only 'docker-compose' is supported")
	flags.StringVarP(&ga.manifestsDir, "manifests-dir", "m", "", "Directory holding the compose manifest")
	flags.StringVarP(&ga.output, "output", "o", "", "Output file path, '-' for stdout")
	flags.BoolVar(&ga.delta, "delta", false, "Pair two plain --image values into one delta")
	flags.StringArrayVar(&ga.depends, "depends", nil, "Dependency as key:expression, may be repeated")
	flags.StringArrayVar(&ga.provides, "provides", nil, "Provided value as key:value, may be repeated")
	flags.StringVar(&ga.imageSource, "image-source", imagesource.ModeAuto, "Where images are read from: 'auto', 'daemon' or 'remote'")
	flags.DurationVar(&ga.timeout, "timeout", generate.DefaultTimeout, "Timeout for the operation, defaults to '10m'")
	flags.IntVar(&ga.concurrency, "concurrency", bulk.DefaultConcurrency, "Artifacts generated in parallel with --config")

	return genCmd
}
