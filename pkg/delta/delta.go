// Package delta computes and applies binary patches between image archives.
package delta

import (
	"bytes"
	"fmt"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"
	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
)

// Compute returns a patch that turns base into target.
func Compute(base, target []byte) ([]byte, error) {
	if len(base) == 0 || len(target) == 0 {
		return nil, fmt.Errorf("delta endpoints must not be empty")
	}
	if bytes.Equal(base, target) {
		return nil, fmt.Errorf("delta base and target are identical")
	}
	patch, err := bsdiff.Bytes(base, target)
	if err != nil {
		return nil, fmt.Errorf("failed to compute delta: %w", err)
	}
	log.Debugf("Computed delta of %d bytes (base %d bytes, target %d bytes)", len(patch), len(base), len(target))
	return patch, nil
}

// Apply reconstructs the target from base and patch. The result must hash to want.
func Apply(base, patch []byte, want digest.Digest) ([]byte, error) {
	if err := want.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target digest %q: %w", want, err)
	}
	target, err := bspatch.Bytes(base, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to apply delta: %w", err)
	}
	if got := want.Algorithm().FromBytes(target); got != want {
		return nil, fmt.Errorf("reconstructed image digest %s does not match expected %s", got, want)
	}
	return target, nil
}

// ComputeVerified computes a patch and checks that applying it to base
// reproduces target byte for byte.
func ComputeVerified(base, target []byte) ([]byte, error) {
	patch, err := Compute(base, target)
	if err != nil {
		return nil, err
	}
	if _, err := Apply(base, patch, digest.FromBytes(target)); err != nil {
		return nil, fmt.Errorf("delta does not reproduce target: %w", err)
	}
	return patch, nil
}
