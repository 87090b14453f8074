package board

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// MutationEngine applies a mutation to the local cache immediately,
// issues the network call, and rolls the cache back if the call is
// definitely rejected. a connectivity failure instead hands the
// mutation to the offline queue and keeps the optimistic patch: the
// user must not see their action silently reverted while offline.
type MutationEngine struct {
	api   *BoardApi
	queue *OfflineQueue
	cache *Cache

	// stamps shift actions and optimistic audit metadata
	actor string
}

type ApplyResult struct {
	// the canonical server record. nil for deletes and queued mutations
	Record *Record
	// the mutation was handed to the offline queue
	Queued bool
}

func NewMutationEngine(api *BoardApi, queue *OfflineQueue, cache *Cache, actor string) *MutationEngine {
	return &MutationEngine{
		api:   api,
		queue: queue,
		cache: cache,
		actor: actor,
	}
}

// each in-flight mutation carries its own rollback snapshot captured
// at dispatch time, holding only the fields that mutation changed.
// concurrent mutations therefore compose: each undo restores only
// what it touched, never a stale global snapshot.
type rollbackSnapshot struct {
	recordId Id
	existed  bool
	// previous values of the touched fields, when the record existed
	fields *RecordPatch
	// the whole previous record, for deletes
	record *Record
}

func (self *MutationEngine) snapshot(mutation *Mutation) *rollbackSnapshot {
	snapshot := &rollbackSnapshot{
		recordId: mutation.RecordId,
	}
	previous, ok := self.cache.Get(mutation.RecordId)
	snapshot.existed = ok
	if !ok {
		return snapshot
	}

	switch mutation.Type {
	case MutationTypeDelete:
		snapshot.record = previous
	default:
		if mutation.Fields != nil {
			fields := &RecordPatch{}
			if mutation.Fields.Name != nil {
				name := previous.Name
				fields.Name = &name
			}
			if mutation.Fields.Status != nil {
				status := previous.Status
				fields.Status = &status
			}
			if mutation.Fields.Location != nil {
				location := previous.Location
				fields.Location = &location
			}
			if mutation.Fields.Notes != nil {
				notes := previous.Notes
				fields.Notes = &notes
			}
			if mutation.Fields.AssignedTo != nil {
				assignedTo := previous.AssignedTo
				fields.AssignedTo = &assignedTo
			}
			snapshot.fields = fields
		}
	}
	return snapshot
}

func (self *MutationEngine) rollback(snapshot *rollbackSnapshot) {
	if !snapshot.existed {
		// a created record disappears again
		self.cache.Remove(snapshot.recordId)
		return
	}
	if snapshot.record != nil {
		// a deleted record comes back
		self.cache.Apply(snapshot.record)
		return
	}
	if snapshot.fields != nil {
		self.cache.Patch(snapshot.recordId, snapshot.fields)
	}
}

// the zero-latency patch reflecting the user's intent
func (self *MutationEngine) patch(mutation *Mutation) {
	switch mutation.Type {
	case MutationTypeCreate:
		record := &Record{
			RecordId:       mutation.RecordId,
			Version:        1,
			LastModifiedAt: time.Now().UTC(),
			LastModifiedBy: self.actor,
		}
		if mutation.Fields != nil {
			mutation.Fields.ApplyTo(record)
		}
		self.cache.Apply(record)
	case MutationTypeUpdate:
		if mutation.Fields != nil {
			self.cache.Patch(mutation.RecordId, mutation.Fields)
		}
	case MutationTypeDelete:
		self.cache.Remove(mutation.RecordId)
	}
}

// Apply patches the cache, dispatches the network call, and
// classifies the outcome. callers may apply multiple mutations
// concurrently.
func (self *MutationEngine) Apply(ctx context.Context, mutation *Mutation) (*ApplyResult, error) {
	lowered := mutation.Lower(self.actor)
	if (lowered.MutationId == Id{}) {
		lowered.MutationId = NewId()
	}

	// fill the version precondition from the cache at dispatch time
	if lowered.Type == MutationTypeUpdate && lowered.ExpectedVersion == nil {
		if cached, ok := self.cache.Get(lowered.RecordId); ok {
			version := cached.Version
			lowered.ExpectedVersion = &version
		}
	}

	snapshot := self.snapshot(lowered)
	self.patch(lowered)

	record, err := self.api.DispatchSync(ctx, lowered)
	if err == nil {
		// reconcile with the canonical server record, which may
		// differ from the optimistic patch
		switch lowered.Type {
		case MutationTypeDelete:
			self.cache.Remove(lowered.RecordId)
		default:
			if record != nil {
				self.cache.Apply(record)
			}
		}
		return &ApplyResult{
			Record: record,
		}, nil
	}

	if IsConnectivityError(err) {
		// keep the optimistic patch and queue for replay
		if _, enqueueErr := self.queue.Enqueue(ctx, lowered); enqueueErr != nil {
			self.rollback(snapshot)
			return nil, fmt.Errorf("enqueue mutation: %w", enqueueErr)
		}
		glog.Infof("[e]queued %s %s\n", lowered.Type, lowered.MutationId)
		return &ApplyResult{
			Queued: true,
		}, nil
	}

	// a definite rejection reverts exactly what this mutation changed
	self.rollback(snapshot)
	glog.Infof("[e]rejected %s %s = %s\n", lowered.Type, lowered.MutationId, err)
	return nil, err
}
