package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeImageRef(t *testing.T) {
	tests := []struct {
		name        string
		ref         string
		want        string
		wantErr     bool
		errContains string
	}{
		{
			name: "Docker hub short name gets latest",
			ref:  "nginx",
			want: "docker.io/library/nginx:latest",
		},
		{
			name: "Tagged image keeps tag",
			ref:  "nginx:1.25",
			want: "docker.io/library/nginx:1.25",
		},
		{
			name: "Registry image",
			ref:  "ghcr.io/acme/web:2.0.1",
			want: "ghcr.io/acme/web:2.0.1",
		},
		{
			name: "Digest reference",
			ref:  "nginx@sha256:7d865e959b2466918c9863afca942d0fb89d7c9ac0c99bafc3749504ded97730",
			want: "docker.io/library/nginx@sha256:7d865e959b2466918c9863afca942d0fb89d7c9ac0c99bafc3749504ded97730",
		},
		{
			name: "Archive reference passes through",
			ref:  "archive:/tmp/web.tar",
			want: "archive:/tmp/web.tar",
		},
		{
			name:        "Archive without path",
			ref:         "archive:",
			wantErr:     true,
			errContains: "has no path",
		},
		{
			name:        "Uppercase repository",
			ref:         "Nginx:1.25",
			wantErr:     true,
			errContains: "failed to parse reference",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeImageRef(tt.ref)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateProjectName(t *testing.T) {
	for _, name := range []string{"web", "web-app", "app_2", "0app"} {
		assert.NoError(t, ValidateProjectName(name), name)
	}
	for _, name := range []string{"", "Web", "-web", "web app", "web/app"} {
		assert.Error(t, ValidateProjectName(name), name)
	}
}
