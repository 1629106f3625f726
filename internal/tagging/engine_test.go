package tagging

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bookverse/tagd/internal/apptrust"
)

// fakeRegistry is an in-memory apptrust.Registry that applies patches to its
// records the way the real registry would, and records every call.
type fakeRegistry struct {
	records []apptrust.VersionRecord
	patches []patchCall

	listErr  error
	patchErr func(version string) error // optional per-version failure injection
}

type patchCall struct {
	appKey  string
	version string
	patch   apptrust.Patch
}

func (f *fakeRegistry) ListVersions(ctx context.Context, appKey string) ([]apptrust.VersionRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]apptrust.VersionRecord, len(f.records))
	copy(out, f.records)
	for i := range out {
		props := make(map[string][]string, len(f.records[i].Properties))
		for k, v := range f.records[i].Properties {
			props[k] = append([]string(nil), v...)
		}
		out[i].Properties = props
	}
	return out, nil
}

func (f *fakeRegistry) PatchVersion(ctx context.Context, appKey, version string, p apptrust.Patch) error {
	if f.patchErr != nil {
		if err := f.patchErr(version); err != nil {
			return err
		}
	}
	f.patches = append(f.patches, patchCall{appKey: appKey, version: version, patch: p})

	for i := range f.records {
		if f.records[i].Version != version {
			continue
		}
		if p.Tag != nil {
			f.records[i].Tag = *p.Tag
		}
		if len(p.SetProperties) > 0 && f.records[i].Properties == nil {
			f.records[i].Properties = make(map[string][]string)
		}
		for k, v := range p.SetProperties {
			f.records[i].Properties[k] = append([]string(nil), v...)
		}
		for _, k := range p.DeleteProperties {
			delete(f.records[i].Properties, k)
		}
		return nil
	}
	return fmt.Errorf("fake registry: no version %s", version)
}

func (f *fakeRegistry) find(t *testing.T, version string) apptrust.VersionRecord {
	t.Helper()
	for _, rec := range f.records {
		if rec.Version == version {
			return rec
		}
	}
	t.Fatalf("version %s not in fake registry", version)
	return apptrust.VersionRecord{}
}

func prodRecord(version, tag string) apptrust.VersionRecord {
	return apptrust.VersionRecord{
		Version:       version,
		ReleaseStatus: StatusReleased,
		CurrentStage:  StageProd,
		Tag:           tag,
	}
}

func newTestService(records ...apptrust.VersionRecord) (*Service, *fakeRegistry) {
	reg := &fakeRegistry{records: records}
	return NewService(reg, nil), reg
}

func TestEnforcePromotesHighestEligible(t *testing.T) {
	svc, reg := newTestService(
		prodRecord("1.0.0", "1.0.0"),
		prodRecord("1.2.1", "1.2.1"),
		prodRecord("2.0.0", "2.0.0"),
	)

	if err := svc.EnforceLatest(context.Background(), "web"); err != nil {
		t.Fatalf("EnforceLatest: %v", err)
	}

	if got := reg.find(t, "2.0.0"); got.Tag != LatestTag {
		t.Errorf("2.0.0 tag = %q, want latest", got.Tag)
	}
	if got := reg.find(t, "2.0.0").Properties[BackupBeforeLatest]; len(got) != 1 || got[0] != "2.0.0" {
		t.Errorf("backup property = %v, want [2.0.0]", got)
	}
	assertExactlyOneLatest(t, reg, "2.0.0")
}

func TestEnforceIsIdempotent(t *testing.T) {
	svc, reg := newTestService(
		prodRecord("1.9.0", "1.9.0"),
		prodRecord("2.0.0", "2.0.0"),
	)

	if err := svc.EnforceLatest(context.Background(), "web"); err != nil {
		t.Fatalf("first EnforceLatest: %v", err)
	}
	issued := len(reg.patches)
	if issued == 0 {
		t.Fatal("first run issued no patches")
	}

	if err := svc.EnforceLatest(context.Background(), "web"); err != nil {
		t.Fatalf("second EnforceLatest: %v", err)
	}
	if len(reg.patches) != issued {
		t.Errorf("second run issued %d extra patches, want 0", len(reg.patches)-issued)
	}
}

func TestEnforceDisplacesPreviousLatest(t *testing.T) {
	oldLatest := prodRecord("1.9.0", LatestTag)
	oldLatest.Properties = map[string][]string{BackupBeforeLatest: {"1.9.0"}}

	svc, reg := newTestService(oldLatest, prodRecord("2.0.0", "2.0.0"))

	if err := svc.EnforceLatest(context.Background(), "web"); err != nil {
		t.Fatalf("EnforceLatest: %v", err)
	}

	if got := reg.find(t, "1.9.0"); got.Tag != "1.9.0" {
		t.Errorf("displaced version tag = %q, want restored 1.9.0", got.Tag)
	}
	if _, ok := reg.find(t, "1.9.0").Properties[BackupBeforeLatest]; ok {
		t.Error("backup property not deleted after restore")
	}
	assertExactlyOneLatest(t, reg, "2.0.0")
}

func TestEnforceRestoreFallsBackToVersion(t *testing.T) {
	// A backup of "latest" (or nothing at all) must never be restored
	// verbatim; the version string is the fallback.
	oldLatest := prodRecord("1.9.0", LatestTag)
	oldLatest.Properties = map[string][]string{BackupBeforeLatest: {LatestTag}}

	svc, reg := newTestService(oldLatest, prodRecord("2.0.0", "2.0.0"))

	if err := svc.EnforceLatest(context.Background(), "web"); err != nil {
		t.Fatalf("EnforceLatest: %v", err)
	}
	if got := reg.find(t, "1.9.0"); got.Tag != "1.9.0" {
		t.Errorf("tag = %q, want version-string fallback 1.9.0", got.Tag)
	}
}

func TestEnforceSkipsQuarantined(t *testing.T) {
	svc, reg := newTestService(
		prodRecord("1.9.0", "1.9.0"),
		prodRecord("2.0.0", QuarantineTag("2.0.0")),
	)
	// 2.0.0 was rolled back out of prod; its record still exists with the
	// quarantine tag. It must never be selected as latest.
	reg.records[1].Properties = map[string][]string{BackupBeforeQuarantine: {"2.0.0"}}
	reg.records[1].ReleaseStatus = "STAGED"

	if err := svc.EnforceLatest(context.Background(), "web"); err != nil {
		t.Fatalf("EnforceLatest: %v", err)
	}
	assertExactlyOneLatest(t, reg, "1.9.0")
}

func TestEnforceRecoversReReleasedVersion(t *testing.T) {
	recovered := prodRecord("1.3.0", QuarantineTag("1.3.0"))
	recovered.Properties = map[string][]string{BackupBeforeQuarantine: {"1.2.0"}}

	svc, reg := newTestService(prodRecord("1.2.9", "1.2.9"), recovered)

	if err := svc.EnforceLatest(context.Background(), "web"); err != nil {
		t.Fatalf("EnforceLatest: %v", err)
	}

	rec := reg.find(t, "1.3.0")
	if _, ok := rec.Properties[BackupBeforeQuarantine]; ok {
		t.Error("quarantine backup property not cleared")
	}
	// Recovery restored "1.2.0" first, then election promoted it to latest in
	// the same run because 1.3.0 > 1.2.9.
	assertExactlyOneLatest(t, reg, "1.3.0")
	if got := rec.Properties[BackupBeforeLatest]; len(got) != 1 || got[0] != "1.2.0" {
		t.Errorf("latest backup = %v, want the restored tag [1.2.0]", got)
	}
}

func TestEnforceRecoveryFallsBackToVersionString(t *testing.T) {
	recovered := prodRecord("1.3.0", QuarantineTag("1.3.0"))
	// No backup property at all.

	svc, reg := newTestService(recovered)

	if err := svc.EnforceLatest(context.Background(), "web"); err != nil {
		t.Fatalf("EnforceLatest: %v", err)
	}
	if len(reg.patches) < 1 {
		t.Fatal("expected a recovery patch")
	}
	first := reg.patches[0]
	if first.patch.Tag == nil || *first.patch.Tag != "1.3.0" {
		t.Errorf("recovery tag = %v, want version string 1.3.0", first.patch.Tag)
	}
}

func TestEnforceNoProdVersionsIsBenign(t *testing.T) {
	staged := apptrust.VersionRecord{Version: "1.0.0", ReleaseStatus: "STAGED", CurrentStage: "STAGING"}
	svc, reg := newTestService(staged)

	if err := svc.EnforceLatest(context.Background(), "web"); err != nil {
		t.Fatalf("EnforceLatest: %v", err)
	}
	if len(reg.patches) != 0 {
		t.Errorf("issued %d patches, want 0", len(reg.patches))
	}
}

func TestEnforceNoValidSemverIsBenign(t *testing.T) {
	// Eligible versions that don't parse as semver can't be elected; the run
	// ends with a warning and zero patches.
	svc, reg := newTestService(
		prodRecord("snapshot-build", "snapshot-build"),
		prodRecord("nightly", "nightly"),
	)

	if err := svc.EnforceLatest(context.Background(), "web"); err != nil {
		t.Fatalf("EnforceLatest: %v", err)
	}
	if len(reg.patches) != 0 {
		t.Errorf("issued %d patches, want 0", len(reg.patches))
	}
}

func TestEnforceTrustedReleaseCounts(t *testing.T) {
	trusted := prodRecord("3.0.0", "3.0.0")
	trusted.ReleaseStatus = StatusTrustedRelease

	svc, reg := newTestService(prodRecord("2.0.0", "2.0.0"), trusted)

	if err := svc.EnforceLatest(context.Background(), "web"); err != nil {
		t.Fatalf("EnforceLatest: %v", err)
	}
	assertExactlyOneLatest(t, reg, "3.0.0")
}

func TestEnforcePrefersReleaseOverPrerelease(t *testing.T) {
	svc, reg := newTestService(
		prodRecord("2.0.0", "2.0.0"),
		prodRecord("2.0.1-rc.1", "2.0.1-rc.1"),
		prodRecord("2.0.1", "2.0.1"),
	)

	if err := svc.EnforceLatest(context.Background(), "web"); err != nil {
		t.Fatalf("EnforceLatest: %v", err)
	}
	assertExactlyOneLatest(t, reg, "2.0.1")
}

func TestEnforceAbortsOnListFailure(t *testing.T) {
	reg := &fakeRegistry{listErr: errors.New("registry down")}
	svc := NewService(reg, nil)

	if err := svc.EnforceLatest(context.Background(), "web"); err == nil {
		t.Fatal("expected error when listing fails")
	}
	if len(reg.patches) != 0 {
		t.Errorf("issued %d patches after list failure, want 0", len(reg.patches))
	}
}

func TestEnforceAbortsAfterPatchFailure(t *testing.T) {
	oldLatest := prodRecord("1.9.0", LatestTag)
	reg := &fakeRegistry{
		records: []apptrust.VersionRecord{oldLatest, prodRecord("2.0.0", "2.0.0")},
		patchErr: func(version string) error {
			if version == "2.0.0" {
				return errors.New("boom")
			}
			return nil
		},
	}
	svc := NewService(reg, nil)

	if err := svc.EnforceLatest(context.Background(), "web"); err == nil {
		t.Fatal("expected error from failed promotion")
	}
	// The displaced holder must not be touched once the promotion failed.
	if len(reg.patches) != 0 {
		t.Errorf("issued %d patches after failure, want 0", len(reg.patches))
	}
	// A later run against the unchanged registry converges.
	reg.patchErr = nil
	if err := svc.EnforceLatest(context.Background(), "web"); err != nil {
		t.Fatalf("re-run after failure: %v", err)
	}
	assertExactlyOneLatest(t, reg, "2.0.0")
}

// assertExactlyOneLatest verifies the invariant: exactly one record carries
// the latest tag and it is the expected version.
func assertExactlyOneLatest(t *testing.T, reg *fakeRegistry, want string) {
	t.Helper()
	var holders []string
	for _, rec := range reg.records {
		if rec.Tag == LatestTag {
			holders = append(holders, rec.Version)
		}
	}
	if len(holders) != 1 || holders[0] != want {
		t.Errorf("latest holders = %v, want exactly [%s]", holders, want)
	}
}
