package tagging

import (
	"context"
	"fmt"

	"github.com/bookverse/tagd/internal/apptrust"
	"github.com/bookverse/tagd/internal/semver"
)

// Quarantine withdraws targetVersion from service: its tag is backed up and
// replaced with "quarantine-<version>". When the target held "latest", the
// highest remaining eligible version is promoted in its place; when no
// successor exists, no version carries "latest" until something new ships.
//
// A target missing from the truly-in-prod set yields ErrTargetNotFound with
// zero mutations; callers acknowledge the triggering event regardless.
func (s *Service) Quarantine(ctx context.Context, appKey, targetVersion string) error {
	log := s.log.With("app_key", appKey, "version", targetVersion)
	log.Info("handling rollback")

	prod, err := s.prodVersions(ctx, appKey)
	if err != nil {
		return err
	}

	target := findByVersion(prod, targetVersion)
	if target == nil {
		return fmt.Errorf("%w: %s@%s", ErrTargetNotFound, appKey, targetVersion)
	}

	hadLatest := target.Tag == LatestTag

	patch := backupPatch(BackupBeforeQuarantine, QuarantineTag(targetVersion), target.Tag)
	if err := s.registry.PatchVersion(ctx, appKey, targetVersion, patch); err != nil {
		return fmt.Errorf("quarantine %s: %w", targetVersion, err)
	}
	log.Info("applied quarantine tag", "previous_tag", target.Tag)

	if !hadLatest {
		log.Info("rolled back non-latest version; latest tag unchanged")
		return nil
	}

	successor := s.pickSuccessor(prod, targetVersion)
	if successor == nil {
		log.Warn("no successor for latest tag; no version is tagged latest")
		return nil
	}

	patch = backupPatch(BackupBeforeLatest, LatestTag, successor.Tag)
	if err := s.registry.PatchVersion(ctx, appKey, successor.Version, patch); err != nil {
		return fmt.Errorf("promote successor %s: %w", successor.Version, err)
	}
	log.Info("promoted successor to latest", "successor", successor.Version)

	return nil
}

// pickSuccessor returns the highest eligible version excluding the rollback
// target, or nil when none qualifies. The snapshot predates the quarantine
// patch, so the target is excluded by version rather than by tag.
func (s *Service) pickSuccessor(prod []apptrust.VersionRecord, exclude string) *apptrust.VersionRecord {
	var candidates []string
	for _, rec := range prod {
		if rec.Version == exclude || Quarantined(rec) {
			continue
		}
		candidates = append(candidates, rec.Version)
	}

	best, ok := semver.Max(candidates)
	if !ok {
		return nil
	}
	return findByVersion(prod, best)
}
