package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"fleetboard.com/board/board"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	server, err := NewServer(context.Background(), &Settings{
		DbPath:    filepath.Join(t.TempDir(), "board.db"),
		JwtSecret: "test-secret",
	})
	assert.Equal(t, err, nil)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		httpServer.Close()
		server.Close()
	})
	return server, httpServer
}

func testApi(t *testing.T, httpServer *httptest.Server, userId string) *board.BoardApi {
	api := board.NewBoardApi(httpServer.URL)
	t.Cleanup(api.Close)

	result, err := api.AuthLoginSync(context.Background(), &board.AuthLoginArgs{
		UserId:   userId,
		Password: "test-password",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.UserId, userId)
	api.SetByJwt(result.ByJwt)
	return api
}

func TestApiRequiresAuth(t *testing.T) {
	ctx := context.Background()
	_, httpServer := testServer(t)

	api := board.NewBoardApi(httpServer.URL)
	defer api.Close()

	_, err := api.PollChangesSync(ctx, time.Time{})
	assert.Equal(t, board.ErrorKindOf(err), board.ErrorKindAuth)

	name := "van 7"
	api.SetByJwt("not-a-jwt")
	_, err = api.CreateRecordSync(ctx, &board.CreateRecordArgs{
		RecordId: board.NewId(),
		Name:     name,
		Status:   board.RecordStatusAvailable,
		Location: board.RecordLocationDepot,
	})
	assert.Equal(t, board.ErrorKindOf(err), board.ErrorKindAuth)
}

func TestApiCreateAndList(t *testing.T) {
	ctx := context.Background()
	_, httpServer := testServer(t)
	api := testApi(t, httpServer, "ana")

	recordId := board.NewId()
	created, err := api.CreateRecordSync(ctx, &board.CreateRecordArgs{
		RecordId: recordId,
		Name:     "van 7",
		Status:   board.RecordStatusAvailable,
		Location: board.RecordLocationDepot,
		Notes:    "spare tire missing",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, created.Record.Version, int64(1))
	assert.Equal(t, created.Record.LastModifiedBy, "ana")

	result, err := api.PollChangesSync(ctx, time.Time{})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(result.Records), 1)
	assert.Equal(t, result.Records[0].RecordId, recordId)
	assert.Equal(t, result.Records[0].Notes, "spare tire missing")

	// duplicate create is a conflict
	_, err = api.CreateRecordSync(ctx, &board.CreateRecordArgs{
		RecordId: recordId,
		Name:     "van 7",
		Status:   board.RecordStatusAvailable,
		Location: board.RecordLocationDepot,
	})
	assert.Equal(t, board.ErrorKindOf(err), board.ErrorKindConflict)
}

func TestApiValidation(t *testing.T) {
	ctx := context.Background()
	_, httpServer := testServer(t)
	api := testApi(t, httpServer, "ana")

	// missing name
	_, err := api.CreateRecordSync(ctx, &board.CreateRecordArgs{
		RecordId: board.NewId(),
		Status:   board.RecordStatusAvailable,
		Location: board.RecordLocationDepot,
	})
	assert.Equal(t, board.ErrorKindOf(err), board.ErrorKindValidation)

	// unknown enum value
	_, err = api.CreateRecordSync(ctx, &board.CreateRecordArgs{
		RecordId: board.NewId(),
		Name:     "van 7",
		Status:   board.RecordStatus("parked"),
		Location: board.RecordLocationDepot,
	})
	assert.Equal(t, board.ErrorKindOf(err), board.ErrorKindValidation)

	// update with no fields
	_, err = api.UpdateRecordSync(ctx, &board.UpdateRecordArgs{
		RecordId: board.NewId(),
	})
	assert.Equal(t, board.ErrorKindOf(err), board.ErrorKindValidation)
}

func TestApiUpdateConflict(t *testing.T) {
	ctx := context.Background()
	_, httpServer := testServer(t)
	anaApi := testApi(t, httpServer, "ana")
	benApi := testApi(t, httpServer, "ben")

	recordId := board.NewId()
	_, err := anaApi.CreateRecordSync(ctx, &board.CreateRecordArgs{
		RecordId: recordId,
		Name:     "van 7",
		Status:   board.RecordStatusAvailable,
		Location: board.RecordLocationDepot,
	})
	assert.Equal(t, err, nil)

	// both clients saw version 1. ana wins the race.
	v1 := int64(1)
	status := board.RecordStatusInUse
	assignedTo := "ana"
	updated, err := anaApi.UpdateRecordSync(ctx, &board.UpdateRecordArgs{
		RecordId:        recordId,
		ExpectedVersion: &v1,
		Fields: &board.RecordPatch{
			Status:     &status,
			AssignedTo: &assignedTo,
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, updated.Record.Version, int64(2))

	// ben's write against version 1 is now stale and carries the
	// authoritative current version back
	maintenance := board.RecordStatusMaintenance
	_, err = benApi.UpdateRecordSync(ctx, &board.UpdateRecordArgs{
		RecordId:        recordId,
		ExpectedVersion: &v1,
		Fields: &board.RecordPatch{
			Status: &maintenance,
		},
	})
	assert.Equal(t, board.ErrorKindOf(err), board.ErrorKindConflict)

	var requestErr *board.RequestError
	assert.Equal(t, errors.As(err, &requestErr), true)
	assert.Equal(t, requestErr.CurrentVersion, int64(2))
	assert.Equal(t, requestErr.ExpectedVersion, int64(1))

	// ben refetches and retries against the current version
	result, err := benApi.PollChangesSync(ctx, time.Time{})
	assert.Equal(t, err, nil)
	current := result.Records[0]
	assert.Equal(t, current.Version, int64(2))

	retried, err := benApi.UpdateRecordSync(ctx, &board.UpdateRecordArgs{
		RecordId:        recordId,
		ExpectedVersion: &current.Version,
		Fields: &board.RecordPatch{
			Status: &maintenance,
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, retried.Record.Version, int64(3))
	assert.Equal(t, retried.Record.Status, board.RecordStatusMaintenance)
}

func TestApiRemoveAndSincePoll(t *testing.T) {
	ctx := context.Background()
	_, httpServer := testServer(t)
	api := testApi(t, httpServer, "ana")

	recordId := board.NewId()
	_, err := api.CreateRecordSync(ctx, &board.CreateRecordArgs{
		RecordId: recordId,
		Name:     "van 7",
		Status:   board.RecordStatusAvailable,
		Location: board.RecordLocationDepot,
	})
	assert.Equal(t, err, nil)

	before := time.Now().UTC().Add(-time.Second)

	removed, err := api.RemoveRecordSync(ctx, &board.RemoveRecordArgs{
		RecordId: recordId,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, removed.RecordId, recordId)

	// removing again is a definite not-found
	_, err = api.RemoveRecordSync(ctx, &board.RemoveRecordArgs{
		RecordId: recordId,
	})
	assert.Equal(t, board.ErrorKindOf(err), board.ErrorKindNotFound)

	// the full list no longer has the record
	result, err := api.PollChangesSync(ctx, time.Time{})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(result.Records), 0)

	// a since poll sees the tombstone so clients can drop the record
	result, err = api.PollChangesSync(ctx, before)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(result.Records), 1)
	assert.Equal(t, result.Records[0].Deleted, true)
	assert.Equal(t, result.Records[0].RecordId, recordId)
}

func TestApiAudit(t *testing.T) {
	ctx := context.Background()
	server, httpServer := testServer(t)
	api := testApi(t, httpServer, "ana")

	recordId := board.NewId()
	_, err := api.CreateRecordSync(ctx, &board.CreateRecordArgs{
		RecordId: recordId,
		Name:     "van 7",
		Status:   board.RecordStatusAvailable,
		Location: board.RecordLocationDepot,
	})
	assert.Equal(t, err, nil)

	status := board.RecordStatusInUse
	_, err = api.UpdateRecordSync(ctx, &board.UpdateRecordArgs{
		RecordId: recordId,
		Fields: &board.RecordPatch{
			Status: &status,
		},
	})
	assert.Equal(t, err, nil)

	entries, err := server.Store().ListAudit(ctx, recordId)
	assert.Equal(t, err, nil)
	// name, status, location on create plus the status change
	assert.Equal(t, len(entries), 4)
	assert.Equal(t, entries[3].Field, "status")
	assert.Equal(t, entries[3].NewValue, "in_use")
}
