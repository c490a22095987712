package common

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/distribution/reference"
	log "github.com/sirupsen/logrus"
)

// ArchivePrefix marks an image reference that points at a docker-archive tarball on disk.
const ArchivePrefix = "archive:"

var projectNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// NormalizeImageRef returns the fully qualified form of an image reference,
// defaulting to the latest tag. Archive references are returned unchanged.
func NormalizeImageRef(ref string) (string, error) {
	if strings.HasPrefix(ref, ArchivePrefix) {
		if strings.TrimPrefix(ref, ArchivePrefix) == "" {
			return "", fmt.Errorf("archive reference %q has no path", ref)
		}
		return ref, nil
	}

	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("failed to parse reference %q: %w", ref, err)
	}
	if reference.IsNameOnly(named) {
		log.Warnf("Image name %s has no tag or digest, using latest as tag", ref)
	}
	return reference.TagNameOnly(named).String(), nil
}

// ValidateProjectName checks that name can be used as a compose project name.
func ValidateProjectName(name string) error {
	if !projectNameRe.MatchString(name) {
		return fmt.Errorf("invalid application name %q: must match %s", name, projectNameRe.String())
	}
	return nil
}
