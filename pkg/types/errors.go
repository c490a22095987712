package types

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrInvalidPlatform indicates a platform triple that is not os/arch[/variant] or is not supported.
	ErrInvalidPlatform = errors.New("invalid platform")

	// ErrEmptyManifest indicates that the manifest directory holds no files.
	ErrEmptyManifest = errors.New("manifest directory is empty")

	// ErrInvalidDeltaPair indicates that a delta has no usable base/target pair.
	ErrInvalidDeltaPair = errors.New("no valid delta base/target pair")

	// ErrInvalidArtifact indicates a malformed or tampered artifact.
	ErrInvalidArtifact = errors.New("invalid artifact")

	// ErrIncompatibleArtifact indicates an artifact built for another device type or platform.
	ErrIncompatibleArtifact = errors.New("artifact is not compatible with this device")

	// ErrDependencyUnmet indicates that the artifact's dependency constraints do not hold against the ledger.
	ErrDependencyUnmet = errors.New("artifact dependencies not satisfied")

	// ErrBaseImageMissing indicates that a delta cannot be applied because its base image is not cached locally.
	// The install aborts without touching the orchestrator.
	ErrBaseImageMissing = fmt.Errorf("delta base image not present locally: %w", errdefs.ErrNotFound)

	// ErrInvalidTransition indicates a lifecycle verb invoked in a state that does not allow it.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrRollbackFailed indicates that restoring the previous orchestrator state failed.
	// The device is left in an indeterminate state and needs external intervention.
	ErrRollbackFailed = errors.New("rollback failed, device state is indeterminate")
)
