package imageloader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	dockerTypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	dockerClient "github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDockerClient implements dockerAPIClient.
type fakeDockerClient struct {
	loadBody   string
	loadJSON   bool
	loadErr    error
	inspectErr error

	loaded    []byte
	inspected []string
}

func (f *fakeDockerClient) Ping(context.Context) (dockerTypes.Ping, error) {
	return dockerTypes.Ping{APIVersion: "1.47"}, nil
}

func (f *fakeDockerClient) ImageLoad(_ context.Context, input io.Reader, _ ...dockerClient.ImageLoadOption) (image.LoadResponse, error) {
	data, err := io.ReadAll(input)
	if err != nil {
		return image.LoadResponse{}, err
	}
	f.loaded = data
	if f.loadErr != nil {
		return image.LoadResponse{}, f.loadErr
	}
	return image.LoadResponse{Body: io.NopCloser(strings.NewReader(f.loadBody)), JSON: f.loadJSON}, nil
}

func (f *fakeDockerClient) ImageInspect(_ context.Context, ref string, _ ...dockerClient.ImageInspectOption) (image.InspectResponse, error) {
	f.inspected = append(f.inspected, ref)
	if f.inspectErr != nil {
		return image.InspectResponse{}, f.inspectErr
	}
	return image.InspectResponse{ID: "sha256:0123", RepoTags: []string{ref}}, nil
}

func TestDockerLoaderLoad(t *testing.T) {
	tests := []struct {
		name          string
		client        *fakeDockerClient
		ref           string
		wantErr       string
		wantInspected []string
	}{
		{
			name: "json stream",
			client: &fakeDockerClient{
				loadBody: `{"stream":"Loaded image: example.com/web:1.0\n"}` + "\n",
				loadJSON: true,
			},
			ref:           "example.com/web:1.0",
			wantInspected: []string{"example.com/web:1.0"},
		},
		{
			name:          "plain text body",
			client:        &fakeDockerClient{loadBody: "Loaded image: example.com/web:1.0\n"},
			ref:           "example.com/web:1.0",
			wantInspected: []string{"example.com/web:1.0"},
		},
		{
			name:   "empty ref skips inspect",
			client: &fakeDockerClient{loadJSON: true, inspectErr: errors.New("must not be called")},
		},
		{
			name: "error in stream",
			client: &fakeDockerClient{
				loadBody: `{"stream":"Loading layer"}` + "\n" + `{"errorDetail":{"message":"unexpected EOF"},"error":"unexpected EOF"}` + "\n",
				loadJSON: true,
			},
			ref:     "example.com/web:1.0",
			wantErr: "docker image load: unexpected EOF",
		},
		{
			name:    "malformed stream",
			client:  &fakeDockerClient{loadBody: `{"stream":`, loadJSON: true},
			ref:     "example.com/web:1.0",
			wantErr: "failed to read image load response",
		},
		{
			name:    "daemon rejects load",
			client:  &fakeDockerClient{loadErr: errors.New("connection refused")},
			ref:     "example.com/web:1.0",
			wantErr: "docker image load: connection refused",
		},
		{
			name:          "image missing after load",
			client:        &fakeDockerClient{loadJSON: true, inspectErr: errors.New("No such image")},
			ref:           "example.com/web:1.0",
			wantErr:       "image example.com/web:1.0 not present after load",
			wantInspected: []string{"example.com/web:1.0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ldr := &dockerLoader{cli: tt.client}
			err := ldr.Load(context.Background(), bytes.NewReader([]byte("archive")), tt.ref)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, []byte("archive"), tt.client.loaded)
			assert.Equal(t, tt.wantInspected, tt.client.inspected)
		})
	}
}

func TestReadLoadStreamReportsFirstError(t *testing.T) {
	body := `{"stream":"a"}` + "\n" +
		`{"errorDetail":{"message":"first"}}` + "\n" +
		`{"errorDetail":{"message":"second"}}` + "\n"
	err := readLoadStream(io.NopCloser(strings.NewReader(body)))
	assert.EqualError(t, err, "docker image load: first")
}
