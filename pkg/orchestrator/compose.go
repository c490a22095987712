package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/project-copacetic/appmod/pkg/common"
	"github.com/project-copacetic/appmod/pkg/imageloader"
	"github.com/project-copacetic/appmod/pkg/utils"
)

const (
	// ProjectLabel is set by docker compose on every container of a project.
	ProjectLabel = "com.docker.compose.project"

	defaultVerifyTimeout = 2 * time.Minute
	defaultVerifyPeriod  = 2 * time.Second
)

// DefaultComposeCommand runs the compose v2 plugin.
var DefaultComposeCommand = []string{"docker", "compose"}

var composeFileNames = []string{"compose.yaml", "compose.yml", "docker-compose.yaml", "docker-compose.yml"}

// Runner runs compose commands in a project directory.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) error
}

type containerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// ComposeOptions configures a Compose orchestrator.
type ComposeOptions struct {
	// ProjectsDir holds one directory per project with its active manifest.
	ProjectsDir string
	// Command is the compose CLI, e.g. ["docker", "compose"].
	Command []string
	// DockerHost overrides the docker daemon address.
	DockerHost string
	// Loader selects the container engine images are loaded into.
	Loader        string
	VerifyTimeout time.Duration
}

// Compose drives projects through the docker compose CLI and checks them
// through the docker API.
type Compose struct {
	root          string
	runner        Runner
	verifyTimeout time.Duration
	verifyPeriod  time.Duration

	mu        sync.Mutex
	host      string
	loaderCfg string
	lister    containerLister
	loader    imageloader.Loader
}

var _ Orchestrator = (*Compose)(nil)

// NewCompose returns a Compose orchestrator. Docker connections are made on first use.
func NewCompose(opts ComposeOptions) *Compose {
	command := opts.Command
	if len(command) == 0 {
		command = DefaultComposeCommand
	}
	timeout := opts.VerifyTimeout
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &Compose{
		root:          opts.ProjectsDir,
		runner:        &execRunner{command: command},
		verifyTimeout: timeout,
		verifyPeriod:  defaultVerifyPeriod,
		host:          opts.DockerHost,
		loaderCfg:     opts.Loader,
	}
}

func (c *Compose) projectDir(project string) string {
	return filepath.Join(c.root, project)
}

func (c *Compose) Snapshot(_ context.Context, project string) (Snapshot, error) {
	if err := common.ValidateProjectName(project); err != nil {
		return Snapshot{}, err
	}
	dir := c.projectDir(project)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return NewSnapshot(project, nil), nil
	}
	files, err := utils.ReadTree(dir)
	if err != nil {
		return Snapshot{}, err
	}
	return NewSnapshot(project, files), nil
}

func (c *Compose) Apply(ctx context.Context, project string, files map[string][]byte) error {
	if err := common.ValidateProjectName(project); err != nil {
		return err
	}
	if composeFile(files) == "" {
		return fmt.Errorf("manifest of %s has no compose file, expected one of %v", project, composeFileNames)
	}

	dir := c.projectDir(project)
	if err := utils.WriteTree(dir, files); err != nil {
		return errors.Wrapf(err, "failed to write manifest of %s", project)
	}
	log.Infof("Applying manifest of %s (%d file(s))", project, len(files))
	if err := c.runner.Run(ctx, dir, "-p", project, "up", "-d", "--remove-orphans"); err != nil {
		return fmt.Errorf("compose up %s: %w", project, err)
	}
	return nil
}

func (c *Compose) Restore(ctx context.Context, snap Snapshot) error {
	if !snap.Verify() {
		return fmt.Errorf("snapshot of %s is corrupt", snap.Project)
	}

	if snap.Empty() {
		log.Infof("Restoring %s to not installed", snap.Project)
		dir := c.projectDir(snap.Project)
		if _, err := os.Stat(dir); err == nil {
			if err := c.runner.Run(ctx, dir, "-p", snap.Project, "down", "--remove-orphans"); err != nil {
				return fmt.Errorf("compose down %s: %w", snap.Project, err)
			}
		}
		return os.RemoveAll(dir)
	}

	log.Infof("Restoring %s to snapshot %s", snap.Project, snap.Digest)
	if err := c.Apply(ctx, snap.Project, snap.Files); err != nil {
		return err
	}
	got, err := c.Snapshot(ctx, snap.Project)
	if err != nil {
		return err
	}
	if got.Digest != snap.Digest {
		return fmt.Errorf("restored manifest of %s is %s, expected %s", snap.Project, got.Digest, snap.Digest)
	}
	return nil
}

func (c *Compose) Verify(ctx context.Context, project string) error {
	lister, err := c.containerLister()
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.verifyPeriod
	b.MaxElapsedTime = c.verifyTimeout

	attempt := 0
	op := func() error {
		attempt++
		err := checkContainers(ctx, lister, project)
		if err != nil {
			log.Debugf("Verify %s attempt %d: %v", project, attempt, err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("project %s failed verification: %w", project, err)
	}
	log.Infof("Project %s is running", project)
	return nil
}

func checkContainers(ctx context.Context, lister containerLister, project string) error {
	containers, err := lister.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ProjectLabel+"="+project)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return fmt.Errorf("no containers found")
	}
	for _, ctr := range containers {
		name := strings.TrimPrefix(strings.Join(ctr.Names, ","), "/")
		if ctr.State != "running" {
			return fmt.Errorf("container %s is %s", name, ctr.State)
		}
		switch {
		case strings.Contains(ctr.Status, "(unhealthy)"):
			return fmt.Errorf("container %s is unhealthy", name)
		case strings.Contains(ctr.Status, "(health: starting)"):
			return fmt.Errorf("container %s health check is starting", name)
		}
	}
	return nil
}

func (c *Compose) LoadImage(ctx context.Context, ref string, archive []byte) error {
	loader, err := c.imageLoader(ctx)
	if err != nil {
		return err
	}
	return loader.Load(ctx, bytes.NewReader(archive), ref)
}

func (c *Compose) containerLister() (containerLister, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lister == nil {
		cli, err := imageloader.NewDockerClient(c.host)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		c.lister = cli
	}
	return c.lister, nil
}

func (c *Compose) imageLoader(ctx context.Context) (imageloader.Loader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loader == nil {
		l, err := imageloader.New(ctx, imageloader.Config{Loader: c.loaderCfg, Host: c.host})
		if err != nil {
			return nil, err
		}
		c.loader = l
	}
	return c.loader, nil
}

func composeFile(files map[string][]byte) string {
	for _, name := range composeFileNames {
		if _, ok := files[name]; ok {
			return name
		}
	}
	return ""
}

type execRunner struct {
	command []string
}

func (r *execRunner) Run(ctx context.Context, dir string, args ...string) error {
	argv := append(append([]string{}, r.command[1:]...), args...)
	cmd := exec.CommandContext(ctx, r.command[0], argv...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	log.Debugf("Running %s %s in %s", r.command[0], strings.Join(argv, " "), dir)
	if err := cmd.Start(); err != nil {
		return err
	}
	fields := log.Fields{"project": filepath.Base(dir)}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); utils.LogPipe(stdout, log.InfoLevel, fields) }()
	go func() { defer wg.Done(); utils.LogPipe(stderr, log.InfoLevel, fields) }()
	wg.Wait()
	return cmd.Wait()
}
