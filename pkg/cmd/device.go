package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/project-copacetic/appmod/pkg/common"
	"github.com/project-copacetic/appmod/pkg/config"
	"github.com/project-copacetic/appmod/pkg/imagecache"
	"github.com/project-copacetic/appmod/pkg/ledger"
	"github.com/project-copacetic/appmod/pkg/module"
	"github.com/project-copacetic/appmod/pkg/orchestrator"
	"github.com/project-copacetic/appmod/pkg/types"
	"github.com/project-copacetic/appmod/pkg/utils"
)

// for testing.
var newOrchestrator = func(opts *types.DeviceOptions) orchestrator.Orchestrator {
	return orchestrator.NewCompose(orchestrator.ComposeOptions{
		ProjectsDir:   filepath.Join(opts.DataDir, "projects"),
		Command:       strings.Fields(opts.ComposeCommand),
		DockerHost:    opts.DockerHost,
		Loader:        opts.Loader,
		VerifyTimeout: opts.VerifyTimeout,
	})
}

// device is an opened device: its configuration, ledger and module runtime.
type device struct {
	opts    *types.DeviceOptions
	ledger  *ledger.Store
	runtime *module.Runtime
}

// dataDirPerm keeps deployment state private to the module.
const dataDirPerm = 0o700

func loadDeviceConfig(configFile string) (*types.DeviceOptions, error) {
	opts, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	created, err := utils.EnsurePath(opts.DataDir, dataDirPerm)
	if err != nil {
		return nil, fmt.Errorf("data dir %s must be a directory with mode %o: %w", opts.DataDir, dataDirPerm, err)
	}
	if created {
		log.Infof("Created data dir %s", opts.DataDir)
	}
	return opts, nil
}

func openDevice(configFile string) (*device, error) {
	opts, err := loadDeviceConfig(configFile)
	if err != nil {
		return nil, err
	}
	platform, err := common.DevicePlatform(opts.Platform)
	if err != nil {
		return nil, err
	}
	cache, err := imagecache.New(filepath.Join(opts.DataDir, "images"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image cache")
	}
	l, err := openLedger(opts)
	if err != nil {
		return nil, err
	}
	rt := module.NewRuntime(module.Device{Type: opts.DeviceType, Platform: platform.Platform}, cache, newOrchestrator(opts))
	return &device{opts: opts, ledger: l, runtime: rt}, nil
}

func (d *device) Close() {
	if err := d.ledger.Close(); err != nil {
		log.Warnf("Failed to close ledger: %v", err)
	}
}

type moduleArgs struct {
	artifact   string
	configFile string
}

func NewModuleCmd() *cobra.Command {
	ma := moduleArgs{}
	moduleCmd := &cobra.Command{
		Use:   "module <verb> [workdir]",
		Short: "Run one update module verb",
		Long: "Run one update module verb against a work directory. Query verbs (" +
			module.SupportsRollback.String() + ", " + module.NeedsArtifactReboot.String() +
			") print Yes or No and need no work directory.",
		Example: `  appmod module Download /var/lib/appmod/work/web-1.1 --artifact web-1.1.appmod
  appmod module ArtifactInstall /var/lib/appmod/work/web-1.1
  appmod module SupportsRollback`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			verb, err := module.ParseVerb(args[0])
			if err != nil {
				return err
			}
			c := module.Command{Verb: verb, ArtifactPath: ma.artifact}
			if len(args) == 2 {
				c.WorkDir = args[1]
			}

			if verb.Query() {
				out, err := module.NewRuntime(module.Device{}, nil, nil).Dispatch(cmd.Context(), nil, c)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			}
			if c.WorkDir == "" {
				return fmt.Errorf("%s needs a work directory", verb)
			}
			if verb == module.Download && c.ArtifactPath == "" {
				return errors.New("--artifact is required for Download")
			}

			dev, err := openDevice(ma.configFile)
			if err != nil {
				return err
			}
			defer dev.Close()
			_, err = dev.runtime.Dispatch(cmd.Context(), dev.ledger, c)
			return err
		},
	}
	flags := moduleCmd.Flags()
	flags.StringVar(&ma.artifact, "artifact", "", "Artifact file, required for Download")
	flags.StringVar(&ma.configFile, "config", "", "Device configuration file, defaults to /etc/appmod/appmod.yaml")
	return moduleCmd
}

type deployArgs struct {
	workDir    string
	configFile string
}

func NewDeployCmd() *cobra.Command {
	da := deployArgs{}
	deployCmd := &cobra.Command{
		Use:   "deploy <artifact>",
		Short: "Download, install and commit an artifact in one go, rolling back on failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice(da.configFile)
			if err != nil {
				return err
			}
			defer dev.Close()

			workDir := da.workDir
			if workDir == "" {
				name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
				workDir = filepath.Join(dev.opts.DataDir, "work", fmt.Sprintf("%s-%d", name, time.Now().Unix()))
			}
			log.Infof("Deploying %s", args[0])
			if err := dev.runtime.Deploy(cmd.Context(), dev.ledger, workDir, args[0]); err != nil {
				return err
			}
			log.Infof("Deployed %s", args[0])
			return nil
		},
	}
	flags := deployCmd.Flags()
	flags.StringVar(&da.workDir, "work-dir", "", "Work directory, defaults to a fresh directory under the data dir")
	flags.StringVar(&da.configFile, "config", "", "Device configuration file, defaults to /etc/appmod/appmod.yaml")
	return deployCmd
}

func openLedger(opts *types.DeviceOptions) (*ledger.Store, error) {
	l, err := ledger.Open(filepath.Join(opts.DataDir, "ledger.db"), opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	log.Debugf("Opened ledger %s", l.Path())
	return l, nil
}

// ledgerArgs accepts no verb, "show", "show <application>" or "history".
func ledgerArgs(_ *cobra.Command, args []string) error {
	switch {
	case len(args) == 0:
		return nil
	case args[0] == "show" && len(args) <= 2:
		return nil
	case args[0] == "history" && len(args) == 1:
		return nil
	}
	return fmt.Errorf("invalid argument %q for \"appmod ledger\"", strings.Join(args, " "))
}

func NewLedgerCmd() *cobra.Command {
	var configFile string
	ledgerCmd := &cobra.Command{
		Use:       "ledger [show [application]|history]",
		Short:     "Print the installed-version ledger of the device",
		Args:      ledgerArgs,
		ValidArgs: []string{"show", "history"},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadDeviceConfig(configFile)
			if err != nil {
				return err
			}
			l, err := openLedger(opts)
			if err != nil {
				return err
			}
			defer l.Close()

			switch {
			case len(args) == 1 && args[0] == "history":
				return printHistory(cmd.OutOrStdout(), l)
			case len(args) == 2:
				return printRelease(cmd.OutOrStdout(), l, args[1])
			}
			return printInstalled(cmd.OutOrStdout(), l)
		},
	}
	ledgerCmd.Flags().StringVar(&configFile, "config", "", "Device configuration file, defaults to /etc/appmod/appmod.yaml")
	return ledgerCmd
}

func printRelease(out io.Writer, l *ledger.Store, application string) error {
	rel, ok, err := l.Release(application)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no committed release of %s", application)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ARTIFACT\t%s\n", rel.ArtifactName)
	fmt.Fprintf(w, "VERSION\t%s\n", rel.Version)
	for _, d := range rel.Images {
		fmt.Fprintf(w, "IMAGE\t%s\n", d)
	}
	for _, k := range ledger.Keys(rel.Provides) {
		fmt.Fprintf(w, "PROVIDES\t%s:%s\n", k, rel.Provides[k])
	}
	return w.Flush()
}

func printInstalled(out io.Writer, l *ledger.Store) error {
	installed, err := l.All()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE")
	for _, k := range ledger.Keys(installed) {
		fmt.Fprintf(w, "%s\t%s\n", k, installed[k])
	}
	return w.Flush()
}

func printHistory(out io.Writer, l *ledger.Store) error {
	history, err := l.History()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ARTIFACT\tAPPLICATION\tVERSION\tCOMMITTED")
	for _, rec := range history {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.ArtifactName, rec.Application, rec.Version, rec.CommittedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
