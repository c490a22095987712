package utils

import (
	"bufio"
	"io"

	log "github.com/sirupsen/logrus"
)

// LogPipe logs every line read from pipe at level, tagged with fields, and
// closes pipe at EOF.
func LogPipe(pipe io.ReadCloser, level log.Level, fields log.Fields) {
	defer pipe.Close()
	entry := log.WithFields(fields)
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			entry.Log(level, line)
		}
	}
	if err := scanner.Err(); err != nil {
		entry.WithError(err).Warn("Failed to read output")
	}
}
