package delta

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	_, _ = r.Read(b)
	return b
}

func mutate(b []byte, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	out := append([]byte(nil), b...)
	for i := 0; i < len(out)/50; i++ {
		out[r.Intn(len(out))] ^= 0xff
	}
	return append(out, []byte("appended layer data")...)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		base   []byte
		target []byte
	}{
		{
			name:   "small edit",
			base:   []byte("layer one\nlayer two\nlayer three\n"),
			target: []byte("layer one\nlayer 2\nlayer three\nlayer four\n"),
		},
		{
			name:   "random mutation",
			base:   randomBytes(1, 64*1024),
			target: mutate(randomBytes(1, 64*1024), 2),
		},
		{
			name:   "unrelated content",
			base:   randomBytes(3, 4096),
			target: randomBytes(4, 8192),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patch, err := Compute(tt.base, tt.target)
			require.NoError(t, err)

			got, err := Apply(tt.base, patch, digest.FromBytes(tt.target))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.target, got), "reconstructed target differs")
		})
	}
}

func TestComputeRejectsBadEndpoints(t *testing.T) {
	_, err := Compute(nil, []byte("x"))
	assert.Error(t, err)

	_, err = Compute([]byte("x"), nil)
	assert.Error(t, err)

	_, err = Compute([]byte("same"), []byte("same"))
	assert.Error(t, err)
}

func TestApplyWrongBase(t *testing.T) {
	base := randomBytes(5, 8192)
	target := mutate(base, 6)
	patch, err := Compute(base, target)
	require.NoError(t, err)

	_, err = Apply(randomBytes(7, 8192), patch, digest.FromBytes(target))
	assert.Error(t, err)
}

func TestApplyInvalidDigest(t *testing.T) {
	_, err := Apply([]byte("a"), []byte("b"), digest.Digest("bogus"))
	assert.Error(t, err)
}

func TestComputeVerified(t *testing.T) {
	base := randomBytes(8, 16*1024)
	target := mutate(base, 9)
	patch, err := ComputeVerified(base, target)
	require.NoError(t, err)
	assert.NotEmpty(t, patch)
}
