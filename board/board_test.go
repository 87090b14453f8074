package board

import (
	"encoding/json"
	"flag"
	"net/http"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time. the offline queue replay
	// order relies on this property.

	a := NewId()
	for range 4096 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)
}

func TestRecordPatch(t *testing.T) {
	record := &Record{
		RecordId: NewId(),
		Name:     "van 7",
		Status:   RecordStatusAvailable,
		Location: RecordLocationDepot,
		Notes:    "spare tire missing",
	}

	status := RecordStatusInUse
	assignedTo := "ana"
	patch := &RecordPatch{
		Status:     &status,
		AssignedTo: &assignedTo,
	}
	patch.ApplyTo(record)

	assert.Equal(t, record.Status, RecordStatusInUse)
	assert.Equal(t, record.AssignedTo, "ana")
	// untouched fields stay
	assert.Equal(t, record.Name, "van 7")
	assert.Equal(t, record.Notes, "spare tire missing")
}

func TestMutationLower(t *testing.T) {
	recordId := NewId()

	checkout := &Mutation{
		Type:     MutationTypeCheckout,
		RecordId: recordId,
	}
	lowered := checkout.Lower("ana")
	assert.Equal(t, lowered.Type, MutationTypeUpdate)
	assert.Equal(t, *lowered.Fields.Status, RecordStatusInUse)
	assert.Equal(t, *lowered.Fields.AssignedTo, "ana")

	checkin := &Mutation{
		Type:     MutationTypeCheckin,
		RecordId: recordId,
	}
	lowered = checkin.Lower("ana")
	assert.Equal(t, lowered.Type, MutationTypeUpdate)
	assert.Equal(t, *lowered.Fields.Status, RecordStatusAvailable)
	assert.Equal(t, *lowered.Fields.AssignedTo, "")

	update := &Mutation{
		Type:     MutationTypeUpdate,
		RecordId: recordId,
	}
	assert.Equal(t, update.Lower("ana"), update)
}

func TestErrorClassification(t *testing.T) {
	conflictBody := []byte(`{"error":{"kind":"conflict","message":"version conflict","current_version":4,"expected_version":3}}`)
	requestErr := classifyResponse(http.StatusConflict, conflictBody)
	assert.Equal(t, requestErr.Kind, ErrorKindConflict)
	assert.Equal(t, requestErr.CurrentVersion, int64(4))
	assert.Equal(t, requestErr.ExpectedVersion, int64(3))
	assert.Equal(t, requestErr.Definite(), true)
	assert.Equal(t, IsConflictError(requestErr), true)

	// no structured body falls back to the status code
	requestErr = classifyResponse(http.StatusNotFound, []byte("record not found"))
	assert.Equal(t, requestErr.Kind, ErrorKindNotFound)

	requestErr = classifyResponse(http.StatusBadRequest, nil)
	assert.Equal(t, requestErr.Kind, ErrorKindValidation)

	requestErr = classifyResponse(http.StatusUnauthorized, nil)
	assert.Equal(t, requestErr.Kind, ErrorKindAuth)

	requestErr = classifyResponse(http.StatusInternalServerError, nil)
	assert.Equal(t, requestErr.Kind, ErrorKindRejected)

	// an unclassified error is a connectivity failure
	assert.Equal(t, IsConnectivityError(http.ErrServerClosed), true)
}
