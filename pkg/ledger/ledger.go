// Package ledger is the device-local record of installed artifact versions.
//
// The ledger is a bbolt database with three buckets:
//
//	installed  key -> value pairs evaluated by dependency constraints
//	history    sequence -> JSON Record, one per commit
//	releases   application -> JSON Release of the committed artifact
//
// Every commit happens in a single transaction, so a crash never leaves the
// installed entries and the release record out of step.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// ArtifactNameKey holds the name of the last committed artifact.
	ArtifactNameKey = "artifact_name"

	versionKeySuffix = ".version"
)

var (
	installedBucket = []byte("installed")
	historyBucket   = []byte("history")
	releasesBucket  = []byte("releases")
)

// for testing.
var now = time.Now

// VersionKey returns the ledger key recording the installed version of an application.
func VersionKey(application string) string {
	return application + versionKeySuffix
}

// Record is one committed artifact.
type Record struct {
	ArtifactName string            `json:"artifactName"`
	Application  string            `json:"application"`
	Version      string            `json:"version"`
	Provides     map[string]string `json:"provides,omitempty"`
	CommittedAt  time.Time         `json:"committedAt"`
}

// Release is the committed state of one application.
type Release struct {
	ArtifactName string            `json:"artifactName"`
	Version      string            `json:"version"`
	Images       []digest.Digest   `json:"images,omitempty"`
	Provides     map[string]string `json:"provides,omitempty"`
}

// Entries returns the installed key/value pairs written for the record.
func (r Record) Entries() map[string]string {
	out := make(map[string]string, len(r.Provides)+2)
	maps.Copy(out, r.Provides)
	out[ArtifactNameKey] = r.ArtifactName
	out[VersionKey(r.Application)] = r.Version
	return out
}

// Store is a persisted ledger. Opening it takes an exclusive lock on the
// database file, so only one process can run a deployment at a time.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (or creates) the ledger at path. It waits up to lockTimeout for
// another process holding the ledger; zero waits forever.
func Open(path string, lockTimeout time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open ledger %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{installedBucket, historyBucket, releasesBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to initialize ledger %s", path)
	}
	log.Debugf("Opened ledger %s", path)
	return &Store{db: db, path: path}, nil
}

// Close releases the database and its file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the value recorded for key.
func (s *Store) Get(key string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(installedBucket).Get([]byte(key))
		if v != nil {
			val, ok = string(v), true
		}
		return nil
	})
	return val, ok, err
}

// All returns every installed key/value pair.
func (s *Store) All() (map[string]string, error) {
	out := map[string]string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(installedBucket).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// Commit records rec and the release of its application atomically.
// Keys provided by the replaced release of the application and not provided
// by rec are removed. Committing the same artifact twice in a row leaves the
// ledger unchanged.
func (s *Store) Commit(rec Record, rel Release) error {
	if rec.ArtifactName == "" || rec.Application == "" {
		return fmt.Errorf("ledger record needs an artifact name and application")
	}
	if rec.CommittedAt.IsZero() {
		rec.CommittedAt = now().UTC()
	}

	rel.Provides = rec.Provides

	return s.db.Update(func(tx *bolt.Tx) error {
		installed := tx.Bucket(installedBucket)
		releases := tx.Bucket(releasesBucket)
		if data := releases.Get([]byte(rec.Application)); data != nil {
			var prev Release
			if err := json.Unmarshal(data, &prev); err != nil {
				return errors.Wrapf(err, "corrupt release record for %s", rec.Application)
			}
			for k := range prev.Provides {
				if _, ok := rec.Provides[k]; ok {
					continue
				}
				log.Debugf("Removing %s, no longer provided by %s", k, rec.Application)
				if err := installed.Delete([]byte(k)); err != nil {
					return err
				}
			}
		}
		for k, v := range rec.Entries() {
			if err := installed.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}

		relData, err := json.Marshal(rel)
		if err != nil {
			return err
		}
		if err := releases.Put([]byte(rec.Application), relData); err != nil {
			return err
		}

		history := tx.Bucket(historyBucket)
		if _, last := history.Cursor().Last(); last != nil {
			var prev Record
			if err := json.Unmarshal(last, &prev); err == nil && sameCommit(prev, rec) {
				log.Debugf("Artifact %s already recorded, skipping history entry", rec.ArtifactName)
				return nil
			}
		}
		seq, err := history.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return history.Put(seqKey(seq), data)
	})
}

// History returns every commit in order.
func (s *Store) History() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrap(err, "corrupt ledger history entry")
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Release returns the committed release of application.
func (s *Store) Release(application string) (*Release, bool, error) {
	var (
		rel Release
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(releasesBucket).Get([]byte(application))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &rel)
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return &rel, true, nil
}

// Releases returns the committed releases keyed by application.
func (s *Store) Releases() (map[string]Release, error) {
	out := map[string]Release{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(releasesBucket).ForEach(func(k, v []byte) error {
			var rel Release
			if err := json.Unmarshal(v, &rel); err != nil {
				return errors.Wrapf(err, "corrupt release record for %s", k)
			}
			out[string(k)] = rel
			return nil
		})
	})
	return out, err
}

// Keys returns the installed keys in sorted order.
func Keys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameCommit(a, b Record) bool {
	return a.ArtifactName == b.ArtifactName &&
		a.Application == b.Application &&
		a.Version == b.Version &&
		maps.Equal(a.Provides, b.Provides)
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
