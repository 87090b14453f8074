package board

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

const mutationBucket = "mutations"

// a mutation is dropped as failed after this many definite
// rejections. conflicts stop retrying immediately.
const MaxMutationRetries = 3

// DispatchFunc re-issues the network call for one queued mutation.
type DispatchFunc func(ctx context.Context, mutation *Mutation) (*Record, error)

type DrainResult struct {
	Processed int
	Failed    int
	Conflicts int
}

// OfflineQueue is a durable, ordered queue of not-yet-confirmed
// mutations. entries survive a process restart and replay in strict
// enqueue order. keys are the mutation ulids, so bucket iteration
// order is enqueue order.
type OfflineQueue struct {
	db *bbolt.DB
}

func OpenOfflineQueue(path string) (*OfflineQueue, error) {
	if path == "" {
		return nil, fmt.Errorf("queue path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(mutationBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure queue bucket: %w", err)
	}

	return &OfflineQueue{
		db: db,
	}, nil
}

func (self *OfflineQueue) Close() error {
	return self.db.Close()
}

// Enqueue stores a mutation as pending and returns its id.
func (self *OfflineQueue) Enqueue(ctx context.Context, mutation *Mutation) (Id, error) {
	if err := ctx.Err(); err != nil {
		return Id{}, err
	}

	entry := *mutation
	if (entry.MutationId == Id{}) {
		entry.MutationId = NewId()
	}
	entry.Status = MutationStatusPending
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}

	err := self.put(&entry)
	if err != nil {
		return Id{}, err
	}
	glog.V(2).Infof("[q]enqueue %s %s\n", entry.Type, entry.MutationId)
	return entry.MutationId, nil
}

func (self *OfflineQueue) put(mutation *Mutation) error {
	payload, err := json.Marshal(mutation)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}
	return self.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(mutationBucket))
		if bucket == nil {
			return fmt.Errorf("mutation bucket is missing")
		}
		return bucket.Put(mutation.MutationId.Bytes(), payload)
	})
}

func (self *OfflineQueue) delete(mutationId Id) error {
	return self.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(mutationBucket))
		if bucket == nil {
			return fmt.Errorf("mutation bucket is missing")
		}
		return bucket.Delete(mutationId.Bytes())
	})
}

func (self *OfflineQueue) Get(ctx context.Context, mutationId Id) (*Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var mutation *Mutation
	err := self.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(mutationBucket))
		if bucket == nil {
			return fmt.Errorf("mutation bucket is missing")
		}
		payload := bucket.Get(mutationId.Bytes())
		if payload == nil {
			return fmt.Errorf("mutation %s not found", mutationId)
		}
		mutation = &Mutation{}
		return json.Unmarshal(payload, mutation)
	})
	if err != nil {
		return nil, err
	}
	return mutation, nil
}

func (self *OfflineQueue) list(filter func(*Mutation) bool) ([]*Mutation, error) {
	mutations := []*Mutation{}
	err := self.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(mutationBucket))
		if bucket == nil {
			return fmt.Errorf("mutation bucket is missing")
		}
		return bucket.ForEach(func(key []byte, payload []byte) error {
			mutation := &Mutation{}
			if err := json.Unmarshal(payload, mutation); err != nil {
				return fmt.Errorf("unmarshal mutation: %w", err)
			}
			if filter == nil || filter(mutation) {
				mutations = append(mutations, mutation)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return mutations, nil
}

// Pending returns the pending mutations in enqueue order.
func (self *OfflineQueue) Pending(ctx context.Context) ([]*Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return self.list(func(mutation *Mutation) bool {
		return mutation.Status == MutationStatusPending
	})
}

// PendingCount backs the "offline - N queued" indicator.
// this is a read, not a side effect.
func (self *OfflineQueue) PendingCount(ctx context.Context) (int, error) {
	pending, err := self.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

func (self *OfflineQueue) FailedCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	failed, err := self.list(func(mutation *Mutation) bool {
		return mutation.Status == MutationStatusFailed || mutation.Status == MutationStatusConflict
	})
	if err != nil {
		return 0, err
	}
	return len(failed), nil
}

// Drain replays pending mutations in enqueue order, one at a time.
// replaying out of order could produce an incorrect version
// precondition for repeated mutations to the same record.
//
// per entry:
//   - success deletes the entry
//   - a connectivity failure increments retries, leaves the entry
//     pending, and stops the drain (still offline)
//   - a conflict marks the entry conflict and continues with the next.
//     conflicted entries need operator attention, not auto-retry
//   - any other definite rejection increments retries; the entry is
//     marked failed once retries reach the ceiling
func (self *OfflineQueue) Drain(ctx context.Context, dispatch DispatchFunc) (*DrainResult, error) {
	pending, err := self.Pending(ctx)
	if err != nil {
		return nil, err
	}

	result := &DrainResult{}
	for _, mutation := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		mutation.LastAttemptAt = time.Now().UTC()
		_, dispatchErr := dispatch(ctx, mutation)
		if dispatchErr == nil {
			if err := self.delete(mutation.MutationId); err != nil {
				return result, err
			}
			result.Processed += 1
			glog.V(2).Infof("[q]drain ok %s\n", mutation.MutationId)
			continue
		}

		mutation.LastError = dispatchErr.Error()

		switch ErrorKindOf(dispatchErr) {
		case ErrorKindConnectivity:
			mutation.Retries += 1
			if err := self.put(mutation); err != nil {
				return result, err
			}
			glog.Infof("[q]drain offline %s\n", mutation.MutationId)
			return result, nil
		case ErrorKindConflict:
			mutation.Status = MutationStatusConflict
			if err := self.put(mutation); err != nil {
				return result, err
			}
			result.Conflicts += 1
			glog.Infof("[q]drain conflict %s\n", mutation.MutationId)
		default:
			mutation.Retries += 1
			if MaxMutationRetries <= mutation.Retries {
				mutation.Status = MutationStatusFailed
				result.Failed += 1
				glog.Infof("[q]drain failed %s = %s\n", mutation.MutationId, dispatchErr)
			}
			if err := self.put(mutation); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}
