// Package depends parses and evaluates artifact dependency constraints
// against the installed-version ledger of a device.
package depends

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	log "github.com/sirupsen/logrus"
)

// Any matches every recorded value as long as the key is present.
const Any = "*"

// Constraints maps a ledger key to a version expression.
type Constraints map[string]string

// Unmet describes a single constraint that does not hold.
type Unmet struct {
	Key  string
	Want string
	Have string
}

func (u Unmet) String() string {
	if u.Have == "" {
		return fmt.Sprintf("%s: want %q, not installed", u.Key, u.Want)
	}
	return fmt.Sprintf("%s: want %q, have %q", u.Key, u.Want, u.Have)
}

// ParseEntries parses "key:value" (or "key=value") entries. It is used for
// both dependency constraints and provides.
func ParseEntries(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		idx := strings.IndexAny(e, ":=")
		if idx <= 0 {
			return nil, fmt.Errorf("invalid entry %q: expected key:value", e)
		}
		key := strings.TrimSpace(e[:idx])
		val := strings.TrimSpace(e[idx+1:])
		if key == "" || val == "" {
			return nil, fmt.Errorf("invalid entry %q: key and value must not be empty", e)
		}
		if prev, ok := out[key]; ok && prev != val {
			return nil, fmt.Errorf("conflicting values for %q: %q and %q", key, prev, val)
		}
		out[key] = val
	}
	return out, nil
}

// Parse parses dependency constraint entries and checks that every
// expression is well formed.
func Parse(entries []string) (Constraints, error) {
	m, err := ParseEntries(entries)
	if err != nil {
		return nil, err
	}
	c := Constraints(m)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that no key or expression is empty.
func (c Constraints) Validate() error {
	for k, v := range c {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("dependency with empty key")
		}
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("dependency %q has an empty expression", k)
		}
	}
	return nil
}

// Evaluate returns the constraints that do not hold against installed, sorted by key.
// An empty result means the constraints are satisfied.
func (c Constraints) Evaluate(installed map[string]string) []Unmet {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var unmet []Unmet
	for _, k := range keys {
		want := c[k]
		have, ok := installed[k]
		if !ok || !Satisfied(want, have) {
			unmet = append(unmet, Unmet{Key: k, Want: want, Have: have})
		}
	}
	return unmet
}

// Satisfied reports whether the recorded value have satisfies expr.
//
// "*" requires only presence. When both sides parse as semantic versions the
// expression is evaluated as a semver constraint, otherwise the values must
// match exactly.
func Satisfied(expr, have string) bool {
	if have == "" {
		return false
	}
	if expr == Any {
		return true
	}

	constraint, cerr := semver.NewConstraint(expr)
	version, verr := semver.NewVersion(have)
	if cerr == nil && verr == nil {
		return constraint.Check(version)
	}
	log.Debugf("Comparing %q and %q as plain strings", expr, have)
	return expr == have
}
