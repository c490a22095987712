package utils

import (
	"bytes"
	"io"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestLogPipe(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetLevel(log.InfoLevel)
	defer log.SetOutput(io.Discard)

	pipe := &closeRecorder{Reader: strings.NewReader("Container web-1  Started\n\nContainer db-1  Started\n")}
	LogPipe(pipe, log.InfoLevel, log.Fields{"project": "web"})

	out := buf.String()
	assert.True(t, pipe.closed)
	assert.Contains(t, out, `level=info msg="Container web-1  Started" project=web`)
	assert.Contains(t, out, `msg="Container db-1  Started"`)
	assert.Equal(t, 2, strings.Count(out, "level=info"), "empty lines are skipped")
}

func TestLogPipeRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetLevel(log.InfoLevel)
	defer log.SetOutput(io.Discard)

	LogPipe(io.NopCloser(strings.NewReader("noisy\n")), log.DebugLevel, nil)
	assert.Empty(t, buf.String())
}
