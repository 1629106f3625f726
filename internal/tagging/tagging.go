// Package tagging enforces the latest-tag invariant over an application's
// version records: among the eligible versions of an application, exactly one
// (the semver-maximum) carries the "latest" tag, quarantined versions never
// compete, and displaced tags are recoverable from backup properties.
//
// The registry is the single source of truth. Every operation re-reads live
// state, computes the minimal patch set, and applies it; a failed invocation
// is repaired by the next one rather than retried.
package tagging

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/bookverse/tagd/internal/apptrust"
)

const (
	// LatestTag marks the version clients get by default.
	LatestTag = "latest"

	// QuarantinePrefix marks versions withdrawn from election. The full tag
	// is "quarantine-<version>".
	QuarantinePrefix = "quarantine"

	// Backup properties holding the tag a version carried before it was
	// promoted or quarantined.
	BackupBeforeLatest     = "original_tag_before_latest"
	BackupBeforeQuarantine = "original_tag_before_quarantine"

	// Release statuses that count as released to production.
	StatusReleased       = "RELEASED"
	StatusTrustedRelease = "TRUSTED_RELEASE"

	// StageProd is the production stage name.
	StageProd = "PROD"
)

// ErrTargetNotFound is returned by Quarantine when the requested version is
// not among the application's truly-in-prod versions. No mutation happens.
var ErrTargetNotFound = errors.New("tagging: target version not in prod")

// TrulyInProd reports whether a version is actually serving production:
// its stage is PROD and its release status is RELEASED or TRUSTED_RELEASE.
// Stage/status comparison is case-insensitive, matching registry behavior.
func TrulyInProd(rec apptrust.VersionRecord) bool {
	status := strings.ToUpper(rec.ReleaseStatus)
	stage := strings.ToUpper(rec.CurrentStage)
	return stage == StageProd && (status == StatusReleased || status == StatusTrustedRelease)
}

// Quarantined reports whether a version currently carries a quarantine tag.
func Quarantined(rec apptrust.VersionRecord) bool {
	return strings.HasPrefix(rec.Tag, QuarantinePrefix)
}

// Eligible reports whether a version may compete for the latest tag.
func Eligible(rec apptrust.VersionRecord) bool {
	return TrulyInProd(rec) && !Quarantined(rec)
}

// QuarantineTag returns the quarantine tag for a version.
func QuarantineTag(version string) string {
	return QuarantinePrefix + "-" + version
}

// Service runs the invariant engine and the rollback handler against a
// registry. It holds no state of its own; all state lives in the registry.
type Service struct {
	registry apptrust.Registry
	log      *slog.Logger
}

// NewService creates a tagging service backed by reg.
func NewService(reg apptrust.Registry, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{registry: reg, log: log}
}

// firstProperty returns the first value of a backup property, or "" when the
// property is absent or empty.
func firstProperty(rec apptrust.VersionRecord, key string) string {
	vals := rec.Properties[key]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// backupPatch builds a patch that sets newTag and, when the version carried a
// tag, stores it under backupKey so it can be restored later.
func backupPatch(backupKey, newTag, currentTag string) apptrust.Patch {
	p := apptrust.Patch{Tag: &newTag}
	if currentTag != "" {
		p.SetProperties = map[string][]string{backupKey: {currentTag}}
	}
	return p
}
