package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:history_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&VersionRecord{}, &IntegrityRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database: openTestDatabase(t),
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("unexpected service construction error: %v", err)
	}
	return service
}

func TestRecordInitialWritesVersionOne(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	record, err := service.RecordInitial(ctx, "proposal-1", snapshot(map[string]string{"title": `"X"`}), "user-1", "")
	if err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}
	if record.VersionNumber != 1 {
		t.Fatalf("expected version 1, got %d", record.VersionNumber)
	}
	if record.ChangeKind != ChangeKindInitialCreate.String() {
		t.Fatalf("unexpected change kind: %s", record.ChangeKind)
	}
	if record.WordDelta != 1 {
		t.Fatalf("unexpected word delta: %d", record.WordDelta)
	}

	if _, err := service.RecordInitial(ctx, "proposal-1", snapshot(map[string]string{"title": `"again"`}), "user-1", ""); err == nil {
		t.Fatalf("expected a second initial record to be refused")
	}
}

func TestCommitSnapshotRecordsDiffAgainstPreviousVersion(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	first, err := service.CommitSnapshot(ctx, "proposal-1", snapshot(map[string]string{"title": `"X"`}), "user-1", "")
	if err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	if !first.Committed || first.Record.ChangeKind != ChangeKindInitialCreate.String() {
		t.Fatalf("expected an initial_create commit, got %#v", first)
	}

	second, err := service.CommitSnapshot(ctx, "proposal-1", snapshot(map[string]string{"title": `"Y"`, "body": `"Z"`}), "user-1", "")
	if err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	if second.Record.VersionNumber != 2 || second.Record.ChangeKind != ChangeKindDiff.String() {
		t.Fatalf("expected a diff record at version 2, got %#v", second.Record)
	}

	var diff SnapshotDiff
	if err := json.Unmarshal([]byte(second.Record.PayloadJSON), &diff); err != nil {
		t.Fatalf("unreadable diff payload: %v", err)
	}
	if string(diff.Added["body"]) != `"Z"` {
		t.Fatalf("expected body in added set, got %#v", diff.Added)
	}
	if change := diff.Modified["title"]; string(change.Old) != `"X"` || string(change.New) != `"Y"` {
		t.Fatalf("unexpected title change: %#v", change)
	}
}

func TestReconstructReplaysLogToTargetVersion(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	states := []map[string]json.RawMessage{
		snapshot(map[string]string{"title": `"X"`}),
		snapshot(map[string]string{"title": `"Y"`, "body": `"Z"`}),
		snapshot(map[string]string{"body": `"Z2"`}),
	}
	for _, state := range states {
		if _, err := service.CommitSnapshot(ctx, "proposal-1", state, "user-1", ""); err != nil {
			t.Fatalf("unexpected commit error: %v", err)
		}
	}

	for index, want := range states {
		got, err := service.Reconstruct(ctx, "proposal-1", int64(index)+1)
		if err != nil {
			t.Fatalf("unexpected reconstruct error at version %d: %v", index+1, err)
		}
		if len(got) != len(want) {
			t.Fatalf("version %d: got %d fields, want %d", index+1, len(got), len(want))
		}
		for key, value := range want {
			if string(got[key]) != string(value) {
				t.Fatalf("version %d field %q: got %s, want %s", index+1, key, got[key], value)
			}
		}
	}
}

func TestReconstructUnknownVersionFails(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.CommitSnapshot(ctx, "proposal-1", snapshot(map[string]string{"title": `"X"`}), "user-1", ""); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	if _, err := service.Reconstruct(ctx, "proposal-1", 9); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
	if _, err := service.Reconstruct(ctx, "proposal-unknown", 1); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound for unknown subject, got %v", err)
	}
}

func TestReconstructGappedLogFailsLoudly(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.CommitSnapshot(ctx, "proposal-1", snapshot(map[string]string{"title": `"X"`}), "user-1", ""); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	// Fabricate a gap: a version 3 record with no version 2.
	gap := VersionRecord{
		SubjectID:     "proposal-1",
		VersionNumber: 3,
		ChangeKind:    ChangeKindDiff.String(),
		PayloadJSON:   `{}`,
		AuthorID:      "user-1",
		CreatedAtS:    1700000001,
	}
	if err := service.db.Create(&gap).Error; err != nil {
		t.Fatalf("failed to seed gapped record: %v", err)
	}

	if _, err := service.Reconstruct(ctx, "proposal-1", 3); !errors.Is(err, ErrCorruptVersionLog) {
		t.Fatalf("expected ErrCorruptVersionLog, got %v", err)
	}
}

func TestDuplicateContentIsRejectedWithoutRecording(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	content := snapshot(map[string]string{"title": `"same"`})

	if _, err := service.CommitSnapshot(ctx, "proposal-1", content, "user-1", ""); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	outcome, err := service.CommitSnapshot(ctx, "proposal-1", content, "user-1", "")
	if !errors.Is(err, ErrDuplicateContent) {
		t.Fatalf("expected ErrDuplicateContent, got %v", err)
	}
	if outcome.Committed {
		t.Fatalf("duplicate save must not commit")
	}

	latest, err := service.LatestVersionNumber(ctx, "proposal-1")
	if err != nil {
		t.Fatalf("unexpected latest error: %v", err)
	}
	if latest != 1 {
		t.Fatalf("expected the log to remain at version 1, got %d", latest)
	}
}

func TestClearedContentCommitsAsDeletionVersion(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.CommitSnapshot(ctx, "proposal-1", snapshot(map[string]string{"title": `"X"`}), "user-1", ""); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	outcome, err := service.CommitSnapshot(ctx, "proposal-1", map[string]json.RawMessage{}, "user-1", "")
	if err != nil {
		t.Fatalf("unexpected cleared-content commit error: %v", err)
	}
	if outcome.Record.VersionNumber != 2 || outcome.Record.ChangeKind != ChangeKindDiff.String() {
		t.Fatalf("expected a diff record at version 2, got %#v", outcome.Record)
	}

	reconstructed, err := service.Reconstruct(ctx, "proposal-1", 2)
	if err != nil {
		t.Fatalf("unexpected reconstruct error: %v", err)
	}
	if len(reconstructed) != 0 {
		t.Fatalf("expected the replayed content to be empty, got %#v", reconstructed)
	}

	// Clearing again is a duplicate, not a new version.
	if _, err := service.CommitSnapshot(ctx, "proposal-1", map[string]json.RawMessage{}, "user-1", ""); !errors.Is(err, ErrDuplicateContent) {
		t.Fatalf("expected ErrDuplicateContent for a second cleared save, got %v", err)
	}
	latest, err := service.LatestVersionNumber(ctx, "proposal-1")
	if err != nil {
		t.Fatalf("unexpected latest error: %v", err)
	}
	if latest != 2 {
		t.Fatalf("expected the log to remain at version 2, got %d", latest)
	}
}

func TestClearedContentIsNotFlaggedAcrossSubjects(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	for _, subjectID := range []string{"proposal-1", "proposal-2"} {
		if _, err := service.CommitSnapshot(ctx, subjectID, snapshot(map[string]string{"title": fmt.Sprintf(`"%s"`, subjectID)}), "user-1", ""); err != nil {
			t.Fatalf("unexpected commit error for %s: %v", subjectID, err)
		}
		outcome, err := service.CommitSnapshot(ctx, subjectID, map[string]json.RawMessage{}, "user-1", "")
		if err != nil {
			t.Fatalf("clearing %s must not trip the reuse gate: %v", subjectID, err)
		}
		if !outcome.Committed {
			t.Fatalf("expected a committed deletion version for %s", subjectID)
		}
	}
}

func TestConcurrentCommitsKeepLogReplayable(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	const committers = 6

	var wg sync.WaitGroup
	for worker := 0; worker < committers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			content := map[string]json.RawMessage{
				"title": json.RawMessage(fmt.Sprintf(`"draft %d"`, worker)),
				fmt.Sprintf("section_%d", worker): json.RawMessage(fmt.Sprintf(`"text %d"`, worker)),
			}
			if _, err := service.CommitSnapshot(ctx, "proposal-1", content, "user-1", ""); err != nil {
				t.Errorf("unexpected concurrent commit error: %v", err)
			}
		}(worker)
	}
	wg.Wait()

	records, err := service.ListVersions(ctx, "proposal-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(records) != committers {
		t.Fatalf("expected %d records, got %d", committers, len(records))
	}
	for index, record := range records {
		if record.VersionNumber != int64(index)+1 {
			t.Fatalf("non-contiguous log: %#v", records)
		}
	}
	// Every recorded diff must replay: each committed snapshot carried
	// exactly two fields, so every reconstruction does as well.
	for version := int64(1); version <= committers; version++ {
		reconstructed, reconstructErr := service.Reconstruct(ctx, "proposal-1", version)
		if reconstructErr != nil {
			t.Fatalf("unexpected reconstruct error at version %d: %v", version, reconstructErr)
		}
		if len(reconstructed) != 2 {
			t.Fatalf("version %d: expected two fields, got %#v", version, reconstructed)
		}
	}
}

func TestCrossSubjectContentReuseIsFlagged(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	content := snapshot(map[string]string{"title": `"identical proposal text"`})

	if _, err := service.CommitSnapshot(ctx, "proposal-1", content, "user-1", ""); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	_, err := service.CommitSnapshot(ctx, "proposal-2", content, "user-2", "")
	if !errors.Is(err, ErrContentReuse) {
		t.Fatalf("expected ErrContentReuse, got %v", err)
	}
}

func TestIntegrityRecordsChainParentHashes(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	first, err := service.CommitSnapshot(ctx, "proposal-1", snapshot(map[string]string{"title": `"X"`}), "user-1", "")
	if err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	if _, err := service.CommitSnapshot(ctx, "proposal-1", snapshot(map[string]string{"title": `"Y"`}), "user-1", ""); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	var records []IntegrityRecord
	if err := service.db.Where("subject_id = ?", "proposal-1").Order("version_number ASC").Find(&records).Error; err != nil {
		t.Fatalf("failed to load integrity records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two integrity records, got %d", len(records))
	}
	if records[0].ParentHash != ZeroHash {
		t.Fatalf("first record must chain from the zero hash, got %s", records[0].ParentHash)
	}
	if records[1].ParentHash != records[0].ContentHash {
		t.Fatalf("second record must chain from the first content hash")
	}

	canonical, err := CanonicalContent(snapshot(map[string]string{"title": `"X"`}))
	if err != nil {
		t.Fatalf("unexpected canonical error: %v", err)
	}
	if records[0].ContentHash != ContentHash(canonical) {
		t.Fatalf("stored hash does not match recomputed content hash")
	}
	_ = first
}

func TestCommitFullStoresWholeSnapshot(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.CommitSnapshot(ctx, "proposal-1", snapshot(map[string]string{"title": `"X"`}), "user-1", ""); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	outcome, err := service.CommitFull(ctx, "proposal-1", snapshot(map[string]string{"title": `"promoted"`}), "user-1", "major version 2")
	if err != nil {
		t.Fatalf("unexpected full commit error: %v", err)
	}
	if outcome.Record.ChangeKind != ChangeKindFullSave.String() {
		t.Fatalf("expected a full_save record, got %s", outcome.Record.ChangeKind)
	}

	var stored map[string]json.RawMessage
	if err := json.Unmarshal([]byte(outcome.Record.PayloadJSON), &stored); err != nil {
		t.Fatalf("unreadable full payload: %v", err)
	}
	if string(stored["title"]) != `"promoted"` {
		t.Fatalf("unexpected full payload: %s", outcome.Record.PayloadJSON)
	}

	reconstructed, err := service.Reconstruct(ctx, "proposal-1", 2)
	if err != nil {
		t.Fatalf("unexpected reconstruct error: %v", err)
	}
	if string(reconstructed["title"]) != `"promoted"` {
		t.Fatalf("unexpected reconstructed title: %s", reconstructed["title"])
	}
}

func TestListVersionsReturnsOrderedRecords(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	for _, title := range []string{`"a"`, `"b"`, `"c"`} {
		if _, err := service.CommitSnapshot(ctx, "proposal-1", snapshot(map[string]string{"title": title}), "user-1", ""); err != nil {
			t.Fatalf("unexpected commit error: %v", err)
		}
	}

	records, err := service.ListVersions(ctx, "proposal-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected three records, got %d", len(records))
	}
	for index, record := range records {
		if record.VersionNumber != int64(index)+1 {
			t.Fatalf("unexpected ordering: %#v", records)
		}
	}
}
