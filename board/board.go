package board

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// shared data model for the fleet board sync core
// the server owns the record table; clients hold a cache that is
// stale the moment a push or poll signal says otherwise

// comparable
type Id [16]byte

// ids are ulids, so ids created by the same source are time-ordered.
// the offline queue replay order relies on this property.
func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := parseUuid(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(*self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

type RecordStatus string

const (
	RecordStatusAvailable    RecordStatus = "available"
	RecordStatusInUse        RecordStatus = "in_use"
	RecordStatusMaintenance  RecordStatus = "maintenance"
	RecordStatusOutOfService RecordStatus = "out_of_service"
)

func (self RecordStatus) Valid() bool {
	switch self {
	case RecordStatusAvailable, RecordStatusInUse, RecordStatusMaintenance, RecordStatusOutOfService:
		return true
	}
	return false
}

type RecordLocation string

const (
	RecordLocationDepot  RecordLocation = "depot"
	RecordLocationField  RecordLocation = "field"
	RecordLocationGarage RecordLocation = "garage"
	RecordLocationShop   RecordLocation = "shop"
)

func (self RecordLocation) Valid() bool {
	switch self {
	case RecordLocationDepot, RecordLocationField, RecordLocationGarage, RecordLocationShop:
		return true
	}
	return false
}

const MaxNotesLength = 4 * 1024

// Record is the unit of shared mutable state.
// `Version` starts at 1 and increments by exactly 1 on every accepted write.
type Record struct {
	RecordId       Id             `json:"record_id"`
	Name           string         `json:"name"`
	Status         RecordStatus   `json:"status"`
	Location       RecordLocation `json:"location"`
	Notes          string         `json:"notes,omitempty"`
	AssignedTo     string         `json:"assigned_to,omitempty"`
	Version        int64          `json:"version"`
	LastModifiedAt time.Time      `json:"last_modified_at"`
	LastModifiedBy string         `json:"last_modified_by"`
	// deletes are tombstones so that a since-poll can propagate them
	Deleted bool `json:"deleted,omitempty"`
}

func (self *Record) Copy() *Record {
	copy := *self
	return &copy
}

// RecordPatch is a sparse set of field writes.
// nil fields are untouched.
type RecordPatch struct {
	Name       *string         `json:"name,omitempty"`
	Status     *RecordStatus   `json:"status,omitempty"`
	Location   *RecordLocation `json:"location,omitempty"`
	Notes      *string         `json:"notes,omitempty"`
	AssignedTo *string         `json:"assigned_to,omitempty"`
}

func (self *RecordPatch) ApplyTo(record *Record) {
	if self.Name != nil {
		record.Name = *self.Name
	}
	if self.Status != nil {
		record.Status = *self.Status
	}
	if self.Location != nil {
		record.Location = *self.Location
	}
	if self.Notes != nil {
		record.Notes = *self.Notes
	}
	if self.AssignedTo != nil {
		record.AssignedTo = *self.AssignedTo
	}
}

type MutationType string

const (
	MutationTypeCreate MutationType = "create"
	MutationTypeUpdate MutationType = "update"
	MutationTypeDelete MutationType = "delete"
	// shift actions. these lower to update patches, see `Lower`
	MutationTypeCheckout MutationType = "checkout"
	MutationTypeCheckin  MutationType = "checkin"
)

type MutationStatus string

const (
	MutationStatusPending   MutationStatus = "pending"
	MutationStatusCompleted MutationStatus = "completed"
	MutationStatusFailed    MutationStatus = "failed"
	MutationStatusConflict  MutationStatus = "conflict"
)

// Mutation is a client-authored intent not yet confirmed durable.
type Mutation struct {
	MutationId      Id             `json:"mutation_id"`
	Type            MutationType   `json:"type"`
	RecordId        Id             `json:"record_id"`
	Fields          *RecordPatch   `json:"fields,omitempty"`
	ExpectedVersion *int64         `json:"expected_version,omitempty"`
	Status          MutationStatus `json:"status"`
	Retries         int            `json:"retries"`
	EnqueuedAt      time.Time      `json:"enqueued_at"`
	LastAttemptAt   time.Time      `json:"last_attempt_at,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
}

// Lower rewrites the shift sugar types into plain update patches.
// `actor` becomes the assignee on checkout.
func (self *Mutation) Lower(actor string) *Mutation {
	switch self.Type {
	case MutationTypeCheckout:
		lowered := *self
		lowered.Type = MutationTypeUpdate
		status := RecordStatusInUse
		lowered.Fields = &RecordPatch{
			Status:     &status,
			AssignedTo: &actor,
		}
		return &lowered
	case MutationTypeCheckin:
		lowered := *self
		lowered.Type = MutationTypeUpdate
		status := RecordStatusAvailable
		noone := ""
		lowered.Fields = &RecordPatch{
			Status:     &status,
			AssignedTo: &noone,
		}
		return &lowered
	default:
		return self
	}
}

const (
	EventTypeConnected       = "connected"
	EventTypeRecordChanged   = "record-changed"
	EventTypePresenceChanged = "presence-changed"
	EventTypePing            = "ping"
	EventTypePong            = "pong"
)

const (
	RecordChangeCreated = "created"
	RecordChangeUpdated = "updated"
	RecordChangeDeleted = "deleted"
)

// Event is the broadcast envelope. Fields beyond `Type` and `Timestamp`
// are populated per type. Unknown types must be ignored by receivers.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// connected
	ConnectionId *Id `json:"connection_id,omitempty"`

	// connected, presence-changed
	PresenceCount int `json:"presence_count,omitempty"`

	// record-changed
	Change   string  `json:"change,omitempty"`
	Record   *Record `json:"record,omitempty"`
	RecordId *Id     `json:"record_id,omitempty"`
}
