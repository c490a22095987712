package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRunner) Run(_ context.Context, dir string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, filepath.Base(dir)+": "+strings.Join(args, " "))
	return f.err
}

type fakeLister struct {
	responses [][]container.Summary
	calls     int
	filters   []string
}

func (f *fakeLister) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.filters = append(f.filters, options.Filters.Get("label")...)
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return f.responses[i], nil
}

type fakeLoader struct {
	loaded map[string][]byte
}

func (f *fakeLoader) Load(_ context.Context, archive io.Reader, ref string) error {
	data, err := io.ReadAll(archive)
	if err != nil {
		return err
	}
	f.loaded[ref] = data
	return nil
}

func newTestCompose(t *testing.T) (*Compose, *fakeRunner) {
	t.Helper()
	c := NewCompose(ComposeOptions{ProjectsDir: t.TempDir(), VerifyTimeout: time.Second})
	r := &fakeRunner{}
	c.runner = r
	c.verifyPeriod = time.Millisecond
	return c, r
}

var (
	v1Files = map[string][]byte{
		"docker-compose.yaml": []byte("services:\n  web:\n    image: example.com/web:1.0\n"),
		"web.env":             []byte("MODE=one\n"),
	}
	v2Files = map[string][]byte{
		"docker-compose.yaml": []byte("services:\n  web:\n    image: example.com/web:2.0\n"),
	}
)

func TestSnapshotDigestIsCanonical(t *testing.T) {
	a := NewSnapshot("web", map[string][]byte{"a": []byte("1"), "b": []byte("2")})
	b := NewSnapshot("web", map[string][]byte{"b": []byte("2"), "a": []byte("1")})
	assert.Equal(t, a.Digest, b.Digest)
	assert.True(t, a.Verify())

	c := NewSnapshot("web", map[string][]byte{"a": []byte("1"), "b": []byte("3")})
	assert.NotEqual(t, a.Digest, c.Digest)

	// Moving content between paths changes the digest.
	d := NewSnapshot("web", map[string][]byte{"a": []byte("2"), "b": []byte("1")})
	assert.NotEqual(t, a.Digest, d.Digest)

	assert.True(t, NewSnapshot("web", nil).Empty())
	assert.Equal(t, NewSnapshot("web", nil).Digest, NewSnapshot("web", map[string][]byte{}).Digest)
}

func TestApplyAndSnapshot(t *testing.T) {
	ctx := context.Background()
	c, r := newTestCompose(t)

	empty, err := c.Snapshot(ctx, "web")
	require.NoError(t, err)
	assert.True(t, empty.Empty())

	require.NoError(t, c.Apply(ctx, "web", v1Files))
	assert.Equal(t, []string{"web: -p web up -d --remove-orphans"}, r.calls)

	snap, err := c.Snapshot(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, v1Files, snap.Files)
	assert.Equal(t, NewSnapshot("web", v1Files).Digest, snap.Digest)
}

func TestApplyRejects(t *testing.T) {
	ctx := context.Background()
	c, r := newTestCompose(t)

	err := c.Apply(ctx, "web", map[string][]byte{"web.env": []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no compose file")

	err = c.Apply(ctx, "../escape", v1Files)
	require.Error(t, err)
	assert.Empty(t, r.calls)

	r.err = errors.New("exit status 1")
	err = c.Apply(ctx, "web", v1Files)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compose up web")
}

func TestRestoreIsBitIdentical(t *testing.T) {
	ctx := context.Background()
	c, r := newTestCompose(t)

	require.NoError(t, c.Apply(ctx, "web", v1Files))
	before, err := c.Snapshot(ctx, "web")
	require.NoError(t, err)

	require.NoError(t, c.Apply(ctx, "web", v2Files))
	require.NoError(t, c.Restore(ctx, before))

	after, err := c.Snapshot(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, before.Digest, after.Digest)
	assert.Equal(t, before.Files, after.Files)
	assert.Len(t, r.calls, 3)
}

func TestRestoreEmptySnapshot(t *testing.T) {
	ctx := context.Background()
	c, r := newTestCompose(t)

	empty, err := c.Snapshot(ctx, "web")
	require.NoError(t, err)
	require.NoError(t, c.Apply(ctx, "web", v2Files))

	require.NoError(t, c.Restore(ctx, empty))
	assert.Equal(t, "web: -p web down --remove-orphans", r.calls[len(r.calls)-1])
	_, err = os.Stat(c.projectDir("web"))
	assert.True(t, os.IsNotExist(err))

	// Nothing to bring down the second time.
	require.NoError(t, c.Restore(ctx, empty))
	assert.Len(t, r.calls, 2)
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	c, _ := newTestCompose(t)
	snap := NewSnapshot("web", v1Files)
	snap.Files = v2Files
	assert.Error(t, c.Restore(context.Background(), snap))
}

func TestVerify(t *testing.T) {
	running := container.Summary{Names: []string{"/web-web-1"}, State: "running", Status: "Up 3 seconds"}
	starting := container.Summary{Names: []string{"/web-web-1"}, State: "running", Status: "Up 1 second (health: starting)"}
	unhealthy := container.Summary{Names: []string{"/web-web-1"}, State: "running", Status: "Up 1 minute (unhealthy)"}
	exited := container.Summary{Names: []string{"/web-web-1"}, State: "exited", Status: "Exited (1) 2 seconds ago"}

	tests := []struct {
		name      string
		responses [][]container.Summary
		wantErr   string
	}{
		{name: "running", responses: [][]container.Summary{{running}}},
		{name: "becomes healthy", responses: [][]container.Summary{{starting}, {starting}, {running}}},
		{name: "appears late", responses: [][]container.Summary{{}, {running}}},
		{name: "unhealthy", responses: [][]container.Summary{{unhealthy}}, wantErr: "unhealthy"},
		{name: "exited", responses: [][]container.Summary{{running, exited}}, wantErr: "is exited"},
		{name: "no containers", responses: [][]container.Summary{{}}, wantErr: "no containers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCompose(t)
			c.verifyTimeout = 50 * time.Millisecond
			lister := &fakeLister{responses: tt.responses}
			c.lister = lister

			err := c.Verify(context.Background(), "web")
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
			assert.Contains(t, lister.filters, ProjectLabel+"=web")
		})
	}
}

func TestLoadImage(t *testing.T) {
	c, _ := newTestCompose(t)
	loader := &fakeLoader{loaded: map[string][]byte{}}
	c.loader = loader

	require.NoError(t, c.LoadImage(context.Background(), "example.com/web:2.0", []byte("archive")))
	assert.Equal(t, []byte("archive"), loader.loaded["example.com/web:2.0"])
}

func TestExecRunner(t *testing.T) {
	dir := t.TempDir()
	r := &execRunner{command: []string{"sh", "-c"}}
	require.NoError(t, r.Run(context.Background(), dir, "touch ran"))
	assert.FileExists(t, filepath.Join(dir, "ran"))

	assert.Error(t, r.Run(context.Background(), dir, "exit 3"))
}
