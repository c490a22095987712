package types

import (
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// TargetPlatform is an extension of ispec.Platform that prints as an os/arch[/variant] triple.
type TargetPlatform struct {
	ispec.Platform
}

// String returns a string representation of the TargetPlatform.
func (p TargetPlatform) String() string {
	if p.Variant == "" {
		return p.OS + "/" + p.Architecture
	}
	return p.OS + "/" + p.Architecture + "/" + p.Variant
}

// ImagePair is one image carried by an artifact. When Base is set the image
// travels as a binary delta from Base to Target.
type ImagePair struct {
	Base   string `json:"base,omitempty" yaml:"base,omitempty"`
	Target string `json:"target" yaml:"target"`
}

// IsDelta reports whether the pair describes a delta.
func (p ImagePair) IsDelta() bool {
	return p.Base != ""
}

func (p ImagePair) String() string {
	if p.Base == "" {
		return p.Target
	}
	return p.Base + " -> " + p.Target
}

// GenerateSummary represents the result of a single artifact generation.
type GenerateSummary struct {
	Name   string
	Output string
	Status string
	Error  string
}
