package imageloader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	dockerTypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	dockerClient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	log "github.com/sirupsen/logrus"

	"github.com/project-copacetic/appmod/pkg/utils"
)

// dockerAPIClient is the part of the docker client dockerLoader uses.
type dockerAPIClient interface {
	Ping(ctx context.Context) (dockerTypes.Ping, error)
	ImageLoad(ctx context.Context, input io.Reader, loadOpts ...dockerClient.ImageLoadOption) (image.LoadResponse, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...dockerClient.ImageInspectOption) (image.InspectResponse, error)
}

type dockerLoader struct{ cli dockerAPIClient }

// NewDockerClient returns a docker API client for host, or for the
// environment (DOCKER_HOST and friends) when host is empty.
func NewDockerClient(host string) (*dockerClient.Client, error) {
	opts := []dockerClient.Opt{dockerClient.FromEnv, dockerClient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerClient.WithHost(host))
	}
	return dockerClient.NewClientWithOpts(opts...)
}

func probeDocker(ctx context.Context, host string) (Loader, bool) {
	cli, err := NewDockerClient(host)
	if err != nil {
		log.WithError(err).Debug("Failed to create docker client")
		return nil, false
	}
	if _, err = cli.Ping(ctx); err != nil {
		log.WithError(err).Debug("Docker daemon not reachable")
		return nil, false
	}
	return &dockerLoader{cli: cli}, true
}

// Load streams the archive into the docker daemon and checks that imageRef
// resolves afterwards.
func (d *dockerLoader) Load(ctx context.Context, archive io.Reader, imageRef string) error {
	log.Debugf("Loading %s using Docker API client", imageRef)
	resp, err := d.cli.ImageLoad(ctx, archive, dockerClient.ImageLoadWithQuiet(true))
	if err != nil {
		return fmt.Errorf("docker image load: %w", err)
	}

	if !resp.JSON {
		utils.LogPipe(resp.Body, log.DebugLevel, log.Fields{"image": imageRef})
	} else if err := readLoadStream(resp.Body); err != nil {
		return err
	}

	if imageRef != "" {
		if _, err := d.cli.ImageInspect(ctx, imageRef); err != nil {
			return fmt.Errorf("image %s not present after load: %w", imageRef, err)
		}
	}
	log.Infof("Image %s loaded via Docker API", imageRef)
	return nil
}

// readLoadStream consumes a JSON message stream and returns the first error it reports.
func readLoadStream(body io.ReadCloser) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to read image load response: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("docker image load: %s", msg.Error.Message)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			log.Debug(line)
		}
	}
}
