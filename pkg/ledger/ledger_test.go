package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCommitAndRead(t *testing.T) {
	s := openTestStore(t)

	all, err := s.All()
	require.NoError(t, err)
	assert.Empty(t, all)

	rec := Record{
		ArtifactName: "web-1",
		Application:  "web",
		Version:      "1.0.0",
		Provides:     map[string]string{"web.schema": "3"},
	}
	rel := Release{ArtifactName: "web-1", Version: "1.0.0", Images: []digest.Digest{digest.FromString("nginx")}}
	require.NoError(t, s.Commit(rec, rel))

	all, err = s.All()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		ArtifactNameKey: "web-1",
		"web.version":   "1.0.0",
		"web.schema":    "3",
	}, all)

	v, ok, err := s.Get("web.version")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1.0.0", v)

	_, ok, err = s.Get("db.version")
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := s.Release("web")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rel.Images, got.Images)
	assert.Equal(t, rec.Provides, got.Provides)

	_, ok, err = s.Release("db")
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := s.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "web-1", history[0].ArtifactName)
	assert.False(t, history[0].CommittedAt.IsZero())
}

func TestCommitIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	rec := Record{ArtifactName: "web-2", Application: "web", Version: "2.0.0"}
	rel := Release{ArtifactName: "web-2", Version: "2.0.0"}

	require.NoError(t, s.Commit(rec, rel))
	first, err := s.All()
	require.NoError(t, err)

	require.NoError(t, s.Commit(rec, rel))
	second, err := s.All()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	history, err := s.History()
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCommitOverwritesVersion(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Commit(Record{ArtifactName: "web-1", Application: "web", Version: "v1"}, Release{ArtifactName: "web-1", Version: "v1"}))
	require.NoError(t, s.Commit(Record{ArtifactName: "db-1", Application: "db", Version: "14"}, Release{ArtifactName: "db-1", Version: "14"}))
	require.NoError(t, s.Commit(Record{ArtifactName: "web-2", Application: "web", Version: "v2"}, Release{ArtifactName: "web-2", Version: "v2"}))

	all, err := s.All()
	require.NoError(t, err)
	assert.Equal(t, "v2", all["web.version"])
	assert.Equal(t, "14", all["db.version"])
	assert.Equal(t, "web-2", all[ArtifactNameKey])

	releases, err := s.Releases()
	require.NoError(t, err)
	assert.Len(t, releases, 2)
	assert.Equal(t, "v2", releases["web"].Version)

	history, err := s.History()
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"web-1", "db-1", "web-2"}, []string{history[0].ArtifactName, history[1].ArtifactName, history[2].ArtifactName})
}

func TestCommitDropsKeysOfReplacedRelease(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Commit(
		Record{ArtifactName: "db-1", Application: "db", Version: "14", Provides: map[string]string{"db.schema": "7"}},
		Release{ArtifactName: "db-1", Version: "14"}))
	require.NoError(t, s.Commit(
		Record{ArtifactName: "web-1", Application: "web", Version: "1.0.0", Provides: map[string]string{"web.schema": "1", "web.api": "1"}},
		Release{ArtifactName: "web-1", Version: "1.0.0"}))
	require.NoError(t, s.Commit(
		Record{ArtifactName: "web-2", Application: "web", Version: "2.0.0", Provides: map[string]string{"web.api": "2"}},
		Release{ArtifactName: "web-2", Version: "2.0.0"}))

	all, err := s.All()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		ArtifactNameKey: "web-2",
		"web.version":   "2.0.0",
		"web.api":       "2",
		"db.version":    "14",
		"db.schema":     "7",
	}, all)

	rel, ok, err := s.Release("web")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"web.api": "2"}, rel.Provides)

	// A release without provides clears the remaining ones.
	require.NoError(t, s.Commit(
		Record{ArtifactName: "web-3", Application: "web", Version: "3.0.0"},
		Release{ArtifactName: "web-3", Version: "3.0.0"}))
	_, ok, err = s.Get("web.api")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitRequiresIdentity(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.Commit(Record{Application: "web"}, Release{}))
	assert.Error(t, s.Commit(Record{ArtifactName: "web-1"}, Release{}))
}

func TestLedgerPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Commit(Record{ArtifactName: "web-1", Application: "web", Version: "1"}, Release{ArtifactName: "web-1", Version: "1"}))
	require.NoError(t, s.Close())

	s, err = Open(path, time.Second)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get("web.version")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Keys(map[string]string{"c": "", "a": "", "b": ""}))
}
