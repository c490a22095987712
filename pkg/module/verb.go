package module

import (
	"fmt"
	"strings"
)

// Verb is a lifecycle step requested by the device management client.
type Verb int

const (
	VerbUnknown Verb = iota
	Download
	ArtifactInstall
	ArtifactCommit
	ArtifactRollback
	ArtifactFailure
	Cleanup
	SupportsRollback
	NeedsArtifactReboot
)

var verbNames = [...]string{
	VerbUnknown:         "Unknown",
	Download:            "Download",
	ArtifactInstall:     "ArtifactInstall",
	ArtifactCommit:      "ArtifactCommit",
	ArtifactRollback:    "ArtifactRollback",
	ArtifactFailure:     "ArtifactFailure",
	Cleanup:             "Cleanup",
	SupportsRollback:    "SupportsRollback",
	NeedsArtifactReboot: "NeedsArtifactReboot",
}

func (v Verb) String() string {
	if v < 0 || int(v) >= len(verbNames) {
		return fmt.Sprintf("Verb(%d)", int(v))
	}
	return verbNames[v]
}

// Verbs returns every known verb in protocol order.
func Verbs() []Verb {
	return []Verb{Download, ArtifactInstall, ArtifactCommit, ArtifactRollback, ArtifactFailure, Cleanup, SupportsRollback, NeedsArtifactReboot}
}

// ParseVerb parses a verb name. Matching is case-insensitive.
func ParseVerb(s string) (Verb, error) {
	for _, v := range Verbs() {
		if strings.EqualFold(s, v.String()) {
			return v, nil
		}
	}
	return VerbUnknown, fmt.Errorf("unknown verb %q", s)
}

// Query reports whether the verb only answers a question and never changes state.
func (v Verb) Query() bool {
	return v == SupportsRollback || v == NeedsArtifactReboot
}

// Command is one invocation of the update module.
type Command struct {
	Verb Verb
	// WorkDir holds the deployment state and the downloaded artifact.
	WorkDir string
	// ArtifactPath is the artifact to download. Only Download uses it.
	ArtifactPath string
}
