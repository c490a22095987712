package types

import (
	"time"
)

// Options contains the artifact generator options.
type Options struct {
	// Artifact identity
	ArtifactName string
	Application  string
	Version      string
	DeviceTypes  []string

	// Target platform triple, e.g. linux/arm/v7
	Platform string

	// Payload
	ManifestDir  string
	Images       []string
	Delta        bool
	Orchestrator string
	ImageSource  string

	// Dependency metadata as key:value entries
	Depends  []string
	Provides []string

	// Output file path, "-" for stdout
	Output string

	Timeout time.Duration
}

// DeviceOptions contains the update module runtime options.
type DeviceOptions struct {
	DataDir        string
	DeviceType     string
	Platform       string
	ComposeCommand string
	DockerHost     string
	Loader         string
	VerifyTimeout  time.Duration
	LockTimeout    time.Duration
}
