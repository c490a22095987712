package module

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/project-copacetic/appmod/pkg/orchestrator"
	"github.com/project-copacetic/appmod/pkg/types"
	"github.com/project-copacetic/appmod/pkg/utils"
)

const (
	stateFile    = "state.json"
	artifactFile = "artifact.tar"
)

// for testing.
var now = time.Now

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Deployment is the persisted state of one artifact going through the
// lifecycle. Each verb runs in a separate process, so everything a later
// verb needs lives here.
type Deployment struct {
	State          State                  `json:"state"`
	ArtifactName   string                 `json:"artifactName,omitempty"`
	Application    string                 `json:"application,omitempty"`
	Version        string                 `json:"version,omitempty"`
	ArtifactDigest digest.Digest          `json:"artifactDigest,omitempty"`
	Snapshot       *orchestrator.Snapshot `json:"snapshot,omitempty"`
	Images         []digest.Digest        `json:"images,omitempty"`
	LastError      string                 `json:"lastError,omitempty"`
	Transitions    []Transition           `json:"transitions,omitempty"`

	dir string
}

// LoadDeployment reads the deployment in dir. A missing state file means NotInstalled.
func LoadDeployment(dir string) (*Deployment, error) {
	d := &Deployment{State: NotInstalled, dir: dir}
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read deployment state")
	}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("corrupt deployment state in %s: %w", dir, err)
	}
	if _, ok := transitions[d.State]; !ok && !d.State.Terminal() {
		return nil, fmt.Errorf("unknown deployment state %q in %s", d.State, dir)
	}
	return d, nil
}

func (d *Deployment) artifactPath() string {
	return filepath.Join(d.dir, artifactFile)
}

func (d *Deployment) save() error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(filepath.Join(d.dir, stateFile), data, 0o600)
}

// transition moves the deployment to next and persists it.
func (d *Deployment) transition(next State) error {
	if !d.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, d.State, next)
	}
	log.Debugf("Deployment %s: %s -> %s", d.ArtifactName, d.State, next)
	d.Transitions = append(d.Transitions, Transition{From: d.State, To: next, At: now().UTC()})
	d.State = next
	return d.save()
}

// abort records cause and returns the deployment to NotInstalled. Only
// valid before the orchestrator has been touched.
func (d *Deployment) abort(cause error) error {
	d.LastError = cause.Error()
	if err := d.transition(NotInstalled); err != nil {
		log.Errorf("Failed to record aborted deployment: %v", err)
	}
	return cause
}

func (d *Deployment) remove() error {
	for _, name := range []string{artifactFile, stateFile} {
		if err := os.Remove(filepath.Join(d.dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
