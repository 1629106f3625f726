package tagging

import (
	"context"
	"fmt"

	"github.com/bookverse/tagd/internal/apptrust"
	"github.com/bookverse/tagd/internal/semver"
)

// EnforceLatest restores the latest-tag invariant for one application:
// the semver-maximum eligible version, and only it, ends up tagged "latest".
//
// The operation is idempotent: with unchanged registry state it issues zero
// patches. Any registry failure aborts the remaining steps; the next
// invocation re-derives everything from live state and converges.
func (s *Service) EnforceLatest(ctx context.Context, appKey string) error {
	log := s.log.With("app_key", appKey)
	log.Info("enforcing latest tag invariant")

	prod, err := s.prodVersions(ctx, appKey)
	if err != nil {
		return err
	}
	if len(prod) == 0 {
		log.Info("no prod versions; nothing to enforce")
		return nil
	}

	// Re-released versions still carrying a quarantine tag get their original
	// tag back before election, so they compete fairly in this same run.
	if err := s.recoverReReleased(ctx, appKey, prod); err != nil {
		return err
	}

	var eligible []string
	for _, rec := range prod {
		if Quarantined(rec) {
			log.Info("version still quarantined", "version", rec.Version, "tag", rec.Tag)
			continue
		}
		eligible = append(eligible, rec.Version)
	}
	if len(eligible) == 0 {
		log.Info("no eligible versions; latest tag left unassigned")
		return nil
	}

	desired, ok := semver.Max(eligible)
	if !ok {
		log.Warn("no eligible version parses as semver", "candidates", eligible)
		return nil
	}

	current := findByTag(prod, LatestTag)
	if current != nil && current.Version == desired {
		log.Info("latest tag already on the right version", "version", desired)
		return nil
	}

	desiredRec := findByVersion(prod, desired)
	if desiredRec == nil {
		// Unreachable: desired came from this snapshot.
		return fmt.Errorf("tagging: version %s missing from snapshot for %s", desired, appKey)
	}

	patch := backupPatch(BackupBeforeLatest, LatestTag, desiredRec.Tag)
	if err := s.registry.PatchVersion(ctx, appKey, desired, patch); err != nil {
		return fmt.Errorf("promote %s to latest: %w", desired, err)
	}
	log.Info("assigned latest tag", "version", desired, "previous_tag", desiredRec.Tag)

	if current == nil {
		return nil
	}

	// The displaced holder gets its pre-promotion tag back; its own version
	// string is the fallback when the backup is unusable.
	restored := firstProperty(*current, BackupBeforeLatest)
	if restored == "" || restored == LatestTag {
		restored = current.Version
	}
	err = s.registry.PatchVersion(ctx, appKey, current.Version, apptrust.Patch{
		Tag:              &restored,
		DeleteProperties: []string{BackupBeforeLatest},
	})
	if err != nil {
		return fmt.Errorf("restore tag on previous latest %s: %w", current.Version, err)
	}
	log.Info("restored tag on previous latest", "version", current.Version, "tag", restored)

	return nil
}

// prodVersions fetches the application's versions and keeps only the ones
// truly in prod.
func (s *Service) prodVersions(ctx context.Context, appKey string) ([]apptrust.VersionRecord, error) {
	records, err := s.registry.ListVersions(ctx, appKey)
	if err != nil {
		return nil, fmt.Errorf("load versions for %s: %w", appKey, err)
	}

	prod := records[:0:0]
	for _, rec := range records {
		if TrulyInProd(rec) {
			prod = append(prod, rec)
		}
	}
	return prod, nil
}

// recoverReReleased clears quarantine tags from versions that are back in
// prod, restoring the tag saved at quarantine time (or the version string
// when no backup exists). The snapshot records are updated in place so the
// rest of the invocation sees the recovered tags.
func (s *Service) recoverReReleased(ctx context.Context, appKey string, prod []apptrust.VersionRecord) error {
	for i := range prod {
		rec := &prod[i]
		if !Quarantined(*rec) {
			continue
		}

		restored := firstProperty(*rec, BackupBeforeQuarantine)
		if restored == "" {
			restored = rec.Version
		}

		err := s.registry.PatchVersion(ctx, appKey, rec.Version, apptrust.Patch{
			Tag:              &restored,
			DeleteProperties: []string{BackupBeforeQuarantine},
		})
		if err != nil {
			return fmt.Errorf("recover re-released %s: %w", rec.Version, err)
		}
		s.log.Info("cleared quarantine tag from re-released version",
			"app_key", appKey, "version", rec.Version, "restored_tag", restored)

		rec.Tag = restored
		delete(rec.Properties, BackupBeforeQuarantine)
	}
	return nil
}

func findByTag(records []apptrust.VersionRecord, tag string) *apptrust.VersionRecord {
	for i := range records {
		if records[i].Tag == tag {
			return &records[i]
		}
	}
	return nil
}

func findByVersion(records []apptrust.VersionRecord, version string) *apptrust.VersionRecord {
	for i := range records {
		if records[i].Version == version {
			return &records[i]
		}
	}
	return nil
}
