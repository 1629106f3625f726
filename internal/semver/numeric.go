package semver

import (
	"fmt"
	"strconv"
	"strings"
)

// numericTuple is the strict X.Y.Z form used by the release numbering
// pipeline. Prerelease and build suffixes do not parse; versions here are
// machine-generated and never carry them.
type numericTuple struct {
	major, minor, patch int
}

func parseNumeric(s string) (numericTuple, bool) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return numericTuple{}, false
	}
	var t numericTuple
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return numericTuple{}, false
		}
		switch i {
		case 0:
			t.major = n
		case 1:
			t.minor = n
		case 2:
			t.patch = n
		}
	}
	return t, true
}

func (t numericTuple) less(o numericTuple) bool {
	if t.major != o.major {
		return t.major < o.major
	}
	if t.minor != o.minor {
		return t.minor < o.minor
	}
	return t.patch < o.patch
}

// NumericMax returns the highest strict X.Y.Z version in values, comparing
// each component as an integer. Non-conforming strings are dropped.
//
// This is NOT the election comparator: it has no prerelease awareness and
// must never be used to decide which version carries the latest tag.
func NumericMax(values []string) (string, bool) {
	var (
		best  numericTuple
		orig  string
		found bool
	)
	for _, s := range values {
		t, ok := parseNumeric(s)
		if !ok {
			continue
		}
		if !found || best.less(t) {
			best, orig, found = t, s, true
		}
	}
	return orig, found
}

// NextPatch returns v with its patch component incremented.
func NextPatch(v string) (string, error) {
	t, ok := parseNumeric(v)
	if !ok {
		return "", fmt.Errorf("not a X.Y.Z version: %q", v)
	}
	return fmt.Sprintf("%d.%d.%d", t.major, t.minor, t.patch+1), nil
}
