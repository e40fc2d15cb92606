// Package semver selects image versions by constraint.
//
// This is a thin wrapper around github.com/Masterminds/semver/v3 that keeps
// the original tag text, so a selected version can be used verbatim as an
// image tag ("16.4" stays "16.4", not "16.4.0").
package semver

import (
	"fmt"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// Version is a parsed version that remembers the text it came from.
type Version struct {
	v   *mm.Version
	raw string
}

func (v Version) String() string { return v.raw }

// Constraint is a semantic version constraint, e.g. ">=14", "~16.2", "^8".
type Constraint struct {
	c   *mm.Constraints
	raw string
}

func (c Constraint) String() string { return c.raw }

func ParseVersion(raw string) (Version, error) {
	v, err := mm.NewVersion(strings.TrimSpace(raw))
	if err != nil {
		return Version{}, fmt.Errorf("semver: parse version %q: %w", raw, err)
	}
	return Version{v: v, raw: strings.TrimSpace(raw)}, nil
}

// ParseConstraint parses raw; an empty string matches any version.
func ParseConstraint(raw string) (Constraint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "*"
	}
	c, err := mm.NewConstraint(raw)
	if err != nil {
		return Constraint{}, fmt.Errorf("semver: parse constraint %q: %w", raw, err)
	}
	return Constraint{c: c, raw: raw}, nil
}

func Satisfies(v Version, c Constraint) bool {
	if v.v == nil || c.c == nil {
		return false
	}
	return c.c.Check(v.v)
}

// Compare compares a and b, returning -1, 0 or 1. Unparsed versions sort first.
func Compare(a, b Version) int {
	if a.v == nil && b.v == nil {
		return 0
	}
	if a.v == nil {
		return -1
	}
	if b.v == nil {
		return 1
	}
	return a.v.Compare(b.v)
}

// MaxSatisfying returns the highest version in candidates that satisfies c.
//
// If multiple versions are equal, the first encountered wins.
func MaxSatisfying(c Constraint, candidates []Version) (Version, bool) {
	var best Version
	found := false
	for _, candidate := range candidates {
		if !Satisfies(candidate, c) {
			continue
		}
		if !found || Compare(candidate, best) > 0 {
			best = candidate
			found = true
		}
	}
	return best, found
}

// Select parses tags and returns the highest one satisfying constraint.
func Select(constraint string, tags []string) (string, error) {
	c, err := ParseConstraint(constraint)
	if err != nil {
		return "", err
	}
	candidates := make([]Version, 0, len(tags))
	for _, tag := range tags {
		v, err := ParseVersion(tag)
		if err != nil {
			return "", err
		}
		candidates = append(candidates, v)
	}
	best, ok := MaxSatisfying(c, candidates)
	if !ok {
		return "", fmt.Errorf("semver: no version in %v satisfies %q", tags, c.raw)
	}
	return best.raw, nil
}
