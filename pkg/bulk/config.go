package bulk

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/project-copacetic/appmod/pkg/common"
	"github.com/project-copacetic/appmod/pkg/depends"
)

const (
	APIVersion = "appmod.dev/v1alpha1"
	Kind       = "ArtifactSet"
)

type ArtifactSet struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Defaults   Defaults       `yaml:"defaults,omitempty"`
	Artifacts  []ArtifactSpec `yaml:"artifacts"`
}

// Defaults apply to every artifact that does not set the field itself.
type Defaults struct {
	DeviceTypes []string `yaml:"deviceTypes,omitempty"`
	Platform    string   `yaml:"platform,omitempty"`
	OutputDir   string   `yaml:"outputDir,omitempty"`
}

type ArtifactSpec struct {
	Name         string            `yaml:"name"`
	Application  string            `yaml:"application"`
	Version      string            `yaml:"version"`
	DeviceTypes  []string          `yaml:"deviceTypes,omitempty"`
	Platform     string            `yaml:"platform,omitempty"`
	ManifestsDir string            `yaml:"manifestsDir"`
	Images       []string          `yaml:"images"`
	Delta        bool              `yaml:"delta,omitempty"`
	Depends      map[string]string `yaml:"depends,omitempty"`
	Provides     map[string]string `yaml:"provides,omitempty"`
	Output       string            `yaml:"output,omitempty"`
}

func (a *ArtifactSpec) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type rawArtifactSpec ArtifactSpec
	raw := rawArtifactSpec{}

	if err := unmarshal(&raw); err != nil {
		return err
	}

	switch {
	case raw.Name == "":
		return fmt.Errorf("artifact requires a 'name'")
	case raw.Version == "":
		return fmt.Errorf("artifact '%s' requires a 'version'", raw.Name)
	case raw.ManifestsDir == "":
		return fmt.Errorf("artifact '%s' requires a 'manifestsDir'", raw.Name)
	case len(raw.Images) == 0:
		return fmt.Errorf("artifact '%s' requires at least one image", raw.Name)
	}
	if err := common.ValidateProjectName(raw.Application); err != nil {
		return fmt.Errorf("artifact '%s': %w", raw.Name, err)
	}
	if err := depends.Constraints(raw.Depends).Validate(); err != nil {
		return fmt.Errorf("artifact '%s': %w", raw.Name, err)
	}

	*a = ArtifactSpec(raw)
	return nil
}

// validate checks set level fields and that outputs do not collide.
func (s *ArtifactSet) validate() error {
	if s.APIVersion != APIVersion {
		return fmt.Errorf("unsupported apiVersion '%s', expected '%s'", s.APIVersion, APIVersion)
	}
	if s.Kind != Kind {
		return fmt.Errorf("unsupported kind '%s', expected '%s'", s.Kind, Kind)
	}
	if len(s.Artifacts) == 0 {
		return fmt.Errorf("no artifacts defined")
	}
	outputs := map[string]string{}
	for _, a := range s.Artifacts {
		out := s.outputFor(a)
		if prev, ok := outputs[out]; ok {
			return fmt.Errorf("artifacts '%s' and '%s' both write %s", prev, a.Name, out)
		}
		outputs[out] = a.Name
	}
	return nil
}

func (s *ArtifactSet) outputFor(a ArtifactSpec) string {
	out := a.Output
	if out == "" {
		out = a.Name + ".appmod"
	}
	if filepath.IsAbs(out) || s.Defaults.OutputDir == "" {
		return out
	}
	return filepath.Join(s.Defaults.OutputDir, out)
}

// entries renders a key/value map as sorted key:value arguments.
func entries(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+":"+v)
	}
	sort.Strings(out)
	return out
}
