package board

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testQueue(t *testing.T) (*OfflineQueue, string) {
	path := filepath.Join(t.TempDir(), "queue.db")
	queue, err := OpenOfflineQueue(path)
	assert.Equal(t, err, nil)
	return queue, path
}

func pendingMutation(recordId Id) *Mutation {
	status := RecordStatusMaintenance
	return &Mutation{
		Type:     MutationTypeUpdate,
		RecordId: recordId,
		Fields: &RecordPatch{
			Status: &status,
		},
	}
}

func TestQueueDrainOrder(t *testing.T) {
	ctx := context.Background()
	queue, _ := testQueue(t)
	defer queue.Close()

	recordIds := []Id{NewId(), NewId(), NewId()}
	for _, recordId := range recordIds {
		_, err := queue.Enqueue(ctx, pendingMutation(recordId))
		assert.Equal(t, err, nil)
	}

	count, err := queue.PendingCount(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, count, 3)

	// replay preserves enqueue order
	dispatched := []Id{}
	result, err := queue.Drain(ctx, func(ctx context.Context, mutation *Mutation) (*Record, error) {
		dispatched = append(dispatched, mutation.RecordId)
		return nil, nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Processed, 3)
	assert.Equal(t, dispatched, recordIds)

	count, err = queue.PendingCount(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, count, 0)
}

func TestQueueConflictStopsRetrying(t *testing.T) {
	ctx := context.Background()
	queue, _ := testQueue(t)
	defer queue.Close()

	conflictRecordId := NewId()
	okRecordId := NewId()
	conflictMutationId, err := queue.Enqueue(ctx, pendingMutation(conflictRecordId))
	assert.Equal(t, err, nil)
	_, err = queue.Enqueue(ctx, pendingMutation(okRecordId))
	assert.Equal(t, err, nil)

	// the conflicting entry is marked and the rest still process
	result, err := queue.Drain(ctx, func(ctx context.Context, mutation *Mutation) (*Record, error) {
		if mutation.RecordId == conflictRecordId {
			return nil, NewConflictError(4, 3)
		}
		return nil, nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Processed, 1)
	assert.Equal(t, result.Conflicts, 1)

	conflicted, err := queue.Get(ctx, conflictMutationId)
	assert.Equal(t, err, nil)
	assert.Equal(t, conflicted.Status, MutationStatusConflict)

	// no auto-retry for conflicted entries
	result, err = queue.Drain(ctx, func(ctx context.Context, mutation *Mutation) (*Record, error) {
		t.Fatal("conflicted entry must not be redispatched")
		return nil, nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Processed, 0)
}

func TestQueueRetryCeiling(t *testing.T) {
	ctx := context.Background()
	queue, _ := testQueue(t)
	defer queue.Close()

	mutationId, err := queue.Enqueue(ctx, pendingMutation(NewId()))
	assert.Equal(t, err, nil)

	reject := func(ctx context.Context, mutation *Mutation) (*Record, error) {
		return nil, &RequestError{
			Kind:    ErrorKindValidation,
			Message: "bad input",
		}
	}

	for i := 1; i < MaxMutationRetries; i += 1 {
		_, err := queue.Drain(ctx, reject)
		assert.Equal(t, err, nil)
		entry, err := queue.Get(ctx, mutationId)
		assert.Equal(t, err, nil)
		assert.Equal(t, entry.Status, MutationStatusPending)
		assert.Equal(t, entry.Retries, i)
	}

	result, err := queue.Drain(ctx, reject)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Failed, 1)

	entry, err := queue.Get(ctx, mutationId)
	assert.Equal(t, err, nil)
	assert.Equal(t, entry.Status, MutationStatusFailed)
	assert.Equal(t, entry.Retries, MaxMutationRetries)
	assert.Equal(t, entry.LastError != "", true)
}

func TestQueueConnectivityStopsDrain(t *testing.T) {
	ctx := context.Background()
	queue, _ := testQueue(t)
	defer queue.Close()

	for i := 0; i < 3; i += 1 {
		_, err := queue.Enqueue(ctx, pendingMutation(NewId()))
		assert.Equal(t, err, nil)
	}

	// still offline: the first entry stays pending and the drain
	// stops so later entries cannot jump ahead
	calls := 0
	result, err := queue.Drain(ctx, func(ctx context.Context, mutation *Mutation) (*Record, error) {
		calls += 1
		return nil, NewConnectivityError(fmt.Errorf("connection refused"))
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, calls, 1)
	assert.Equal(t, result.Processed, 0)

	count, err := queue.PendingCount(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, count, 3)
}

func TestQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	queue, path := testQueue(t)

	recordId := NewId()
	mutationId, err := queue.Enqueue(ctx, pendingMutation(recordId))
	assert.Equal(t, err, nil)
	assert.Equal(t, queue.Close(), nil)

	reopened, err := OpenOfflineQueue(path)
	assert.Equal(t, err, nil)
	defer reopened.Close()

	count, err := reopened.PendingCount(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, count, 1)

	entry, err := reopened.Get(ctx, mutationId)
	assert.Equal(t, err, nil)
	assert.Equal(t, entry.RecordId, recordId)
	assert.Equal(t, entry.Status, MutationStatusPending)
}
