package bulk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestArtifactSpec_UnmarshalYAML(t *testing.T) {
	testCases := []struct {
		name      string
		yamlInput string
		expectErr bool
		checkFunc func(*ArtifactSpec) bool
	}{
		{
			name: "Valid full image",
			yamlInput: `
name: web-1.0
application: web
version: "1.0"
manifestsDir: ./web
images: ["example.com/web:1.0"]`,
			checkFunc: func(a *ArtifactSpec) bool {
				return a.Name == "web-1.0" && len(a.Images) == 1 && !a.Delta
			},
		},
		{
			name: "Valid delta with depends",
			yamlInput: `
name: web-2.0
application: web
version: "2.0"
manifestsDir: ./web
images: ["example.com/web:1.0", "example.com/web:2.0"]
delta: true
depends:
  web.version: ">=1.0"`,
			checkFunc: func(a *ArtifactSpec) bool {
				return a.Delta && a.Depends["web.version"] == ">=1.0"
			},
		},
		{
			name:      "Missing name",
			yamlInput: `application: web`,
			expectErr: true,
		},
		{
			name: "Missing images",
			yamlInput: `
name: web-1.0
application: web
version: "1.0"
manifestsDir: ./web`,
			expectErr: true,
		},
		{
			name: "Invalid application",
			yamlInput: `
name: web-1.0
application: Web App
version: "1.0"
manifestsDir: ./web
images: ["example.com/web:1.0"]`,
			expectErr: true,
		},
		{
			name: "Invalid constraint",
			yamlInput: `
name: web-1.0
application: web
version: "1.0"
manifestsDir: ./web
images: ["example.com/web:1.0"]
depends:
  web.version: ""`,
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var a ArtifactSpec
			err := yaml.Unmarshal([]byte(tc.yamlInput), &a)

			if (err != nil) != tc.expectErr {
				t.Errorf("Expected error: %v, but got: %v", tc.expectErr, err)
			}

			if !tc.expectErr && tc.checkFunc != nil {
				if !tc.checkFunc(&a) {
					t.Errorf("Post-unmarshal check failed for valid case")
				}
			}
		})
	}
}

func TestArtifactSetValidate(t *testing.T) {
	spec := func(name, output string) ArtifactSpec {
		return ArtifactSpec{Name: name, Output: output}
	}
	tests := []struct {
		name    string
		set     ArtifactSet
		wantErr string
	}{
		{
			name: "valid",
			set:  ArtifactSet{APIVersion: APIVersion, Kind: Kind, Artifacts: []ArtifactSpec{spec("a", ""), spec("b", "")}},
		},
		{
			name:    "wrong kind",
			set:     ArtifactSet{APIVersion: APIVersion, Kind: "PatchConfig", Artifacts: []ArtifactSpec{spec("a", "")}},
			wantErr: "unsupported kind",
		},
		{
			name:    "wrong apiVersion",
			set:     ArtifactSet{APIVersion: "v1", Kind: Kind},
			wantErr: "unsupported apiVersion",
		},
		{
			name:    "empty",
			set:     ArtifactSet{APIVersion: APIVersion, Kind: Kind},
			wantErr: "no artifacts",
		},
		{
			name:    "colliding outputs",
			set:     ArtifactSet{APIVersion: APIVersion, Kind: Kind, Artifacts: []ArtifactSpec{spec("a", "x.appmod"), spec("b", "x.appmod")}},
			wantErr: "both write",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOutputFor(t *testing.T) {
	s := ArtifactSet{Defaults: Defaults{OutputDir: "out"}}
	assert.Equal(t, "out/web-1.0.appmod", s.outputFor(ArtifactSpec{Name: "web-1.0"}))
	assert.Equal(t, "out/custom.art", s.outputFor(ArtifactSpec{Name: "web-1.0", Output: "custom.art"}))
	assert.Equal(t, "/abs/custom.art", s.outputFor(ArtifactSpec{Name: "web-1.0", Output: "/abs/custom.art"}))
}
