package module

import "golang.org/x/exp/slices"

// State is the state of a deployment.
type State string

const (
	NotInstalled State = "NotInstalled"
	Downloading  State = "Downloading"
	Installing   State = "Installing"
	Installed    State = "Installed"
	Committing   State = "Committing"
	Committed    State = "Committed"
	RollingBack  State = "RollingBack"
	RolledBack   State = "RolledBack"
	// Failed means the rollback itself failed and the device needs intervention.
	Failed State = "Failed"
)

var transitions = map[State][]State{
	NotInstalled: {Downloading},
	Downloading:  {Installing, NotInstalled},
	Installing:   {Installed, RollingBack, NotInstalled},
	Installed:    {Committing, RollingBack},
	Committing:   {Committed, RollingBack},
	RollingBack:  {RolledBack, Failed},
}

// CanTransition reports whether a deployment may move from s to next.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Committed || s == RolledBack || s == Failed
}

// touchesOrchestrator reports whether a deployment in s may have changed
// the running application, so abandoning it requires a rollback.
func (s State) touchesOrchestrator() bool {
	return s == Installing || s == Installed || s == Committing || s == RollingBack
}
