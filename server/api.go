package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"

	"fleetboard.com/board/board"
)

const maxRequestBodySize = 64 * 1024
const maxNameLength = 256
const maxUserIdLength = 128

// Api implements the stateless mutation handlers. every request is
// independent: the only concurrency control is the per-record version
// check in the store.
type Api struct {
	store *Store
	hub   *Hub
	auth  *SessionAuth
}

func NewApi(store *Store, hub *Hub, auth *SessionAuth) *Api {
	return &Api{
		store: store,
		hub:   hub,
		auth:  auth,
	}
}

func writeJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, requestErr *board.RequestError) {
	writeJson(w, status, map[string]any{
		"error": requestErr,
	})
}

func writeValidationError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusBadRequest, &board.RequestError{
		Kind:    board.ErrorKindValidation,
		Message: fmt.Sprintf(format, a...),
	})
}

// maps a store error onto the wire taxonomy
func writeStoreError(w http.ResponseWriter, err error) {
	var requestErr *board.RequestError
	if errors.As(err, &requestErr) {
		status := http.StatusInternalServerError
		switch requestErr.Kind {
		case board.ErrorKindConflict:
			status = http.StatusConflict
		case board.ErrorKindValidation:
			status = http.StatusBadRequest
		case board.ErrorKindNotFound:
			status = http.StatusNotFound
		case board.ErrorKindAuth:
			status = http.StatusUnauthorized
		}
		writeError(w, status, requestErr)
		return
	}
	if errors.Is(err, ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, &board.RequestError{
			Kind:    board.ErrorKindNotFound,
			Message: "record not found",
		})
		return
	}
	if errors.Is(err, ErrRecordExists) {
		writeError(w, http.StatusConflict, &board.RequestError{
			Kind:    board.ErrorKindConflict,
			Message: "record already exists",
		})
		return
	}
	glog.Infof("[api]internal error = %s\n", err)
	writeError(w, http.StatusInternalServerError, &board.RequestError{
		Kind:    board.ErrorKindRejected,
		Message: "internal error",
	})
}

func (self *Api) requireAuth(w http.ResponseWriter, r *http.Request) (string, bool) {
	userId, err := self.auth.VerifyHeader(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, &board.RequestError{
			Kind:    board.ErrorKindAuth,
			Message: "invalid session token",
		})
		return "", false
	}
	return userId, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err := decoder.Decode(target); err != nil {
		writeValidationError(w, "malformed request body: %s", err)
		return false
	}
	return true
}

// the writer's own push connection is excluded from the broadcast so
// it does not receive a redundant "something changed" echo. clients
// must tolerate the echo anyway.
func (self *Api) excludeConnectionId(r *http.Request) *board.Id {
	header := r.Header.Get("X-Connection-Id")
	if header == "" {
		return nil
	}
	connectionId, err := board.ParseId(header)
	if err != nil {
		return nil
	}
	return &connectionId
}

func (self *Api) broadcastRecordChanged(r *http.Request, change string, record *board.Record) {
	recordId := record.RecordId
	self.hub.Broadcast(&board.Event{
		Type:      board.EventTypeRecordChanged,
		Timestamp: time.Now().UTC(),
		Change:    change,
		Record:    record,
		RecordId:  &recordId,
	}, self.excludeConnectionId(r))
}

func (self *Api) AuthLogin(w http.ResponseWriter, r *http.Request) {
	args := &board.AuthLoginArgs{}
	if !decodeBody(w, r, args) {
		return
	}
	if args.UserId == "" || maxUserIdLength < len(args.UserId) {
		writeValidationError(w, "user_id is required")
		return
	}

	byJwt, err := self.auth.Mint(args.UserId)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJson(w, http.StatusOK, &board.AuthLoginResult{
		UserId: args.UserId,
		ByJwt:  byJwt,
	})
}

func validatePatch(w http.ResponseWriter, patch *board.RecordPatch) bool {
	if patch.Name != nil && (*patch.Name == "" || maxNameLength < len(*patch.Name)) {
		writeValidationError(w, "name must be 1-%d characters", maxNameLength)
		return false
	}
	if patch.Status != nil && !patch.Status.Valid() {
		writeValidationError(w, "unknown status %q", *patch.Status)
		return false
	}
	if patch.Location != nil && !patch.Location.Valid() {
		writeValidationError(w, "unknown location %q", *patch.Location)
		return false
	}
	if patch.Notes != nil && board.MaxNotesLength < len(*patch.Notes) {
		writeValidationError(w, "notes exceed %d bytes", board.MaxNotesLength)
		return false
	}
	if patch.AssignedTo != nil && maxUserIdLength < len(*patch.AssignedTo) {
		writeValidationError(w, "assigned_to exceeds %d characters", maxUserIdLength)
		return false
	}
	return true
}

// CreateRecord fails if the id already exists: no silent upsert on
// create. input is validated before touching storage; invalid input
// fails closed, never a partial write.
func (self *Api) CreateRecord(w http.ResponseWriter, r *http.Request) {
	userId, ok := self.requireAuth(w, r)
	if !ok {
		return
	}

	args := &board.CreateRecordArgs{}
	if !decodeBody(w, r, args) {
		return
	}
	if (args.RecordId == board.Id{}) {
		writeValidationError(w, "record_id is required")
		return
	}
	if args.Name == "" || maxNameLength < len(args.Name) {
		writeValidationError(w, "name must be 1-%d characters", maxNameLength)
		return
	}
	if !args.Status.Valid() {
		writeValidationError(w, "unknown status %q", args.Status)
		return
	}
	if !args.Location.Valid() {
		writeValidationError(w, "unknown location %q", args.Location)
		return
	}
	if board.MaxNotesLength < len(args.Notes) {
		writeValidationError(w, "notes exceed %d bytes", board.MaxNotesLength)
		return
	}

	record, err := self.store.CreateRecord(r.Context(), &board.Record{
		RecordId: args.RecordId,
		Name:     args.Name,
		Status:   args.Status,
		Location: args.Location,
		Notes:    args.Notes,
	}, userId)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	self.broadcastRecordChanged(r, board.RecordChangeCreated, record)
	writeJson(w, http.StatusOK, &board.CreateRecordResult{
		Record: record,
	})
}

// UpdateRecord applies a sparse patch under optimistic concurrency.
// a stale expected version is answered with a conflict carrying the
// authoritative current version so the caller can refetch-and-retry
// or escalate. an update to a missing record is rejected, not
// upserted.
func (self *Api) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	userId, ok := self.requireAuth(w, r)
	if !ok {
		return
	}

	args := &board.UpdateRecordArgs{}
	if !decodeBody(w, r, args) {
		return
	}
	if (args.RecordId == board.Id{}) {
		writeValidationError(w, "record_id is required")
		return
	}
	if args.Fields == nil {
		writeValidationError(w, "fields are required")
		return
	}
	if !validatePatch(w, args.Fields) {
		return
	}

	record, err := self.store.UpdateRecord(r.Context(), args.RecordId, args.Fields, args.ExpectedVersion, userId)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	self.broadcastRecordChanged(r, board.RecordChangeUpdated, record)
	writeJson(w, http.StatusOK, &board.UpdateRecordResult{
		Record: record,
	})
}

func (self *Api) RemoveRecord(w http.ResponseWriter, r *http.Request) {
	userId, ok := self.requireAuth(w, r)
	if !ok {
		return
	}

	args := &board.RemoveRecordArgs{}
	if !decodeBody(w, r, args) {
		return
	}
	if (args.RecordId == board.Id{}) {
		writeValidationError(w, "record_id is required")
		return
	}

	record, err := self.store.DeleteRecord(r.Context(), args.RecordId, userId)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	self.broadcastRecordChanged(r, board.RecordChangeDeleted, record)
	writeJson(w, http.StatusOK, &board.RemoveRecordResult{
		RecordId: args.RecordId,
	})
}

// Records is the reconciliation pull. omitting `since` returns the
// full current set; with `since`, tombstones are included so pollers
// see deletions. the returned timestamp always advances to server
// now, even for an empty change set, to bound staleness.
func (self *Api) Records(w http.ResponseWriter, r *http.Request) {
	if _, ok := self.requireAuth(w, r); !ok {
		return
	}

	now := time.Now().UTC()

	sinceParam := r.URL.Query().Get("since")
	var records []*board.Record
	var err error
	if sinceParam == "" {
		records, err = self.store.ListRecords(r.Context())
	} else {
		var since time.Time
		since, err = time.Parse(time.RFC3339Nano, sinceParam)
		if err != nil {
			writeValidationError(w, "bad since timestamp: %s", err)
			return
		}
		records, err = self.store.ChangedSince(r.Context(), since)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJson(w, http.StatusOK, &board.PollChangesResult{
		Records:   records,
		Timestamp: now,
	})
}

// Audit returns the append-only change trail for one record.
func (self *Api) Audit(w http.ResponseWriter, r *http.Request) {
	if _, ok := self.requireAuth(w, r); !ok {
		return
	}

	recordId, err := board.ParseId(r.URL.Query().Get("record_id"))
	if err != nil {
		writeValidationError(w, "bad record_id: %s", err)
		return
	}

	entries, err := self.store.ListAudit(r.Context(), recordId)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJson(w, http.StatusOK, map[string]any{
		"entries": entries,
	})
}
