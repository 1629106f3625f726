// Package semver provides version ordering for tag election.
//
// Two comparators live here on purpose. The SemVer 2.0 comparator (Compare,
// SortDesc, Max) is prerelease-aware and is the only one the tagging engine
// may consult. The dotted-integer comparator in numeric.go exists for
// next-version computation, where versions are produced by our own pipeline
// and never carry prerelease identifiers. Do not mix them: they disagree on
// prerelease-tagged versions.
package semver

import (
	"sort"

	sv "github.com/woozymasta/semver"
)

// parse accepts only full MAJOR.MINOR.PATCH versions (optional leading "v",
// optional prerelease/build). Shorthand forms like "1" or "1.2" are rejected;
// registry version records always carry the full triple.
func parse(s string) (sv.Semver, bool) {
	v, ok := sv.Parse(s)
	if !ok || !v.IsValid() || !v.HasPatch() {
		return sv.Semver{}, false
	}
	return v, true
}

// Valid reports whether s parses as a full semantic version.
func Valid(s string) bool {
	_, ok := parse(s)
	return ok
}

// Compare orders two version strings by SemVer 2.0 precedence.
// Returns a negative value when a < b, zero when equal, positive when a > b.
// An invalid version always ranks below a valid one; two invalid versions
// compare equal.
func Compare(a, b string) int {
	av, aok := parse(a)
	bv, bok := parse(b)
	switch {
	case aok && bok:
		return av.Compare(bv)
	case aok:
		return 1
	case bok:
		return -1
	}
	return 0
}

// SortDesc returns the valid versions of in, highest precedence first.
// Invalid strings are silently dropped; the input slice is not modified.
// Original spellings (including any leading "v") are preserved.
func SortDesc(in []string) []string {
	type item struct {
		v    sv.Semver
		orig string
	}

	arr := make([]item, 0, len(in))
	for _, s := range in {
		v, ok := parse(s)
		if !ok {
			continue
		}
		arr = append(arr, item{v: v, orig: s})
	}

	sort.SliceStable(arr, func(i, j int) bool {
		return arr[i].v.Compare(arr[j].v) > 0
	})

	out := make([]string, len(arr))
	for i, it := range arr {
		out[i] = it.orig
	}
	return out
}

// Max returns the highest-precedence valid version in in.
// ok is false when no input parses as a semantic version.
func Max(in []string) (string, bool) {
	var (
		best  sv.Semver
		orig  string
		found bool
	)
	for _, s := range in {
		v, ok := parse(s)
		if !ok {
			continue
		}
		if !found || v.Compare(best) > 0 {
			best, orig, found = v, s, true
		}
	}
	return orig, found
}
