package server

import (
	"context"
	"errors"
	"flag"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"fleetboard.com/board/board"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func testStore(t *testing.T) *Store {
	store, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "board.db"))
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testRecord() *board.Record {
	return &board.Record{
		RecordId: board.NewId(),
		Name:     "van 7",
		Status:   board.RecordStatusAvailable,
		Location: board.RecordLocationDepot,
	}
}

func TestStoreCreateStartsAtVersionOne(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	created, err := store.CreateRecord(ctx, testRecord(), "ana")
	assert.Equal(t, err, nil)
	assert.Equal(t, created.Version, int64(1))
	assert.Equal(t, created.LastModifiedBy, "ana")

	loaded, err := store.GetRecord(ctx, created.RecordId)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Name, "van 7")
	assert.Equal(t, loaded.Version, int64(1))
}

func TestStoreCreateExistingIsRejected(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	record := testRecord()
	_, err := store.CreateRecord(ctx, record, "ana")
	assert.Equal(t, err, nil)

	// create is never a silent upsert
	_, err = store.CreateRecord(ctx, record, "ben")
	assert.Equal(t, errors.Is(err, ErrRecordExists), true)
}

func TestStoreVersionChain(t *testing.T) {
	// every accepted write increments the version by exactly one
	ctx := context.Background()
	store := testStore(t)

	created, err := store.CreateRecord(ctx, testRecord(), "ana")
	assert.Equal(t, err, nil)

	version := created.Version
	statuses := []board.RecordStatus{
		board.RecordStatusInUse,
		board.RecordStatusMaintenance,
		board.RecordStatusAvailable,
	}
	for _, status := range statuses {
		updated, err := store.UpdateRecord(ctx, created.RecordId, &board.RecordPatch{
			Status: &status,
		}, &version, "ana")
		assert.Equal(t, err, nil)
		assert.Equal(t, updated.Version, version+1)
		version = updated.Version
	}
	assert.Equal(t, version, int64(4))
}

func TestStoreStaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	created, err := store.CreateRecord(ctx, testRecord(), "ana")
	assert.Equal(t, err, nil)

	status := board.RecordStatusInUse
	v1 := int64(1)
	updated, err := store.UpdateRecord(ctx, created.RecordId, &board.RecordPatch{
		Status: &status,
	}, &v1, "ana")
	assert.Equal(t, err, nil)
	assert.Equal(t, updated.Version, int64(2))

	// a second writer with the stale version is rejected, with the
	// authoritative current version in the error
	maintenance := board.RecordStatusMaintenance
	_, err = store.UpdateRecord(ctx, created.RecordId, &board.RecordPatch{
		Status: &maintenance,
	}, &v1, "ben")
	assert.Equal(t, board.IsConflictError(err), true)

	var requestErr *board.RequestError
	assert.Equal(t, errors.As(err, &requestErr), true)
	assert.Equal(t, requestErr.CurrentVersion, int64(2))
	assert.Equal(t, requestErr.ExpectedVersion, int64(1))

	// the rejected write left nothing behind
	loaded, err := store.GetRecord(ctx, created.RecordId)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Status, board.RecordStatusInUse)
	assert.Equal(t, loaded.Version, int64(2))
}

func TestStoreUpdateWithoutExpectedVersion(t *testing.T) {
	// a nil expected version is last-write-wins
	ctx := context.Background()
	store := testStore(t)

	created, err := store.CreateRecord(ctx, testRecord(), "ana")
	assert.Equal(t, err, nil)

	notes := "spare tire missing"
	updated, err := store.UpdateRecord(ctx, created.RecordId, &board.RecordPatch{
		Notes: &notes,
	}, nil, "ben")
	assert.Equal(t, err, nil)
	assert.Equal(t, updated.Version, int64(2))
	assert.Equal(t, updated.Notes, "spare tire missing")
}

func TestStoreUpdateMissingIsRejected(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	notes := "notes"
	_, err := store.UpdateRecord(ctx, board.NewId(), &board.RecordPatch{
		Notes: &notes,
	}, nil, "ana")
	assert.Equal(t, errors.Is(err, ErrRecordNotFound), true)
}

func TestStoreDeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	created, err := store.CreateRecord(ctx, testRecord(), "ana")
	assert.Equal(t, err, nil)

	deleted, err := store.DeleteRecord(ctx, created.RecordId, "ana")
	assert.Equal(t, err, nil)
	assert.Equal(t, deleted.Deleted, true)
	assert.Equal(t, deleted.Version, int64(2))

	// gone from the live set
	_, err = store.GetRecord(ctx, created.RecordId)
	assert.Equal(t, errors.Is(err, ErrRecordNotFound), true)
	records, err := store.ListRecords(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 0)

	// deleting again is a definite not-found
	_, err = store.DeleteRecord(ctx, created.RecordId, "ana")
	assert.Equal(t, errors.Is(err, ErrRecordNotFound), true)
}

func TestStoreChangedSinceIncludesTombstones(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	before := time.Now().UTC().Add(-time.Second)

	keep, err := store.CreateRecord(ctx, testRecord(), "ana")
	assert.Equal(t, err, nil)
	gone, err := store.CreateRecord(ctx, testRecord(), "ana")
	assert.Equal(t, err, nil)
	_, err = store.DeleteRecord(ctx, gone.RecordId, "ana")
	assert.Equal(t, err, nil)

	changed, err := store.ChangedSince(ctx, before)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(changed), 2)

	byId := map[board.Id]*board.Record{}
	for _, record := range changed {
		byId[record.RecordId] = record
	}
	assert.Equal(t, byId[keep.RecordId].Deleted, false)
	assert.Equal(t, byId[gone.RecordId].Deleted, true)

	// nothing changed after now
	changed, err = store.ChangedSince(ctx, time.Now().UTC().Add(time.Hour))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(changed), 0)
}

func TestStoreAuditOneRowPerChangedField(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	record := testRecord()
	record.Notes = "spare tire missing"
	created, err := store.CreateRecord(ctx, record, "ana")
	assert.Equal(t, err, nil)

	// create audits each populated field
	entries, err := store.ListAudit(ctx, created.RecordId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(entries), 4)

	// an update audits only the fields that actually changed
	status := board.RecordStatusInUse
	assignedTo := "ana"
	sameName := record.Name
	_, err = store.UpdateRecord(ctx, created.RecordId, &board.RecordPatch{
		Name:       &sameName,
		Status:     &status,
		AssignedTo: &assignedTo,
	}, nil, "ana")
	assert.Equal(t, err, nil)

	entries, err = store.ListAudit(ctx, created.RecordId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(entries), 6)

	statusEntry := entries[4]
	assert.Equal(t, statusEntry.Field, "status")
	assert.Equal(t, statusEntry.OldValue, "available")
	assert.Equal(t, statusEntry.NewValue, "in_use")
	assert.Equal(t, statusEntry.Actor, "ana")
}
