package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fleetboard.com/board/board"
)

var ErrRecordExists = errors.New("record already exists")
var ErrRecordNotFound = errors.New("record not found")

// AuditEntry is one accepted field change. append-only: entries are
// never mutated or deleted by normal operation.
type AuditEntry struct {
	AuditId   int64     `json:"audit_id"`
	RecordId  board.Id  `json:"record_id"`
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

// Store owns the authoritative record table. the single sqlite
// connection serializes mutations, which makes the per-record version
// check atomic: there is no other concurrency control.
type Store struct {
	sqlDB *sql.DB
}

func OpenStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	sqlDB, err := sql.Open("sqlite", path+"?_time_format=sqlite&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := applyMigrations(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &Store{
		sqlDB: sqlDB,
	}, nil
}

func (self *Store) Close() error {
	return self.sqlDB.Close()
}

func scanRecord(row interface{ Scan(...any) error }) (*board.Record, error) {
	var recordIdStr string
	var record board.Record
	var lastModifiedAtMillis int64
	var deleted int
	err := row.Scan(
		&recordIdStr,
		&record.Name,
		&record.Status,
		&record.Location,
		&record.Notes,
		&record.AssignedTo,
		&record.Version,
		&lastModifiedAtMillis,
		&record.LastModifiedBy,
		&deleted,
	)
	if err != nil {
		return nil, err
	}
	recordId, err := board.ParseId(recordIdStr)
	if err != nil {
		return nil, fmt.Errorf("parse record id: %w", err)
	}
	record.RecordId = recordId
	record.LastModifiedAt = time.UnixMilli(lastModifiedAtMillis).UTC()
	record.Deleted = deleted != 0
	return &record, nil
}

const recordColumns = "record_id, name, status, location, notes, assigned_to, version, last_modified_at, last_modified_by, deleted"

func (self *Store) getRecordTx(ctx context.Context, tx *sql.Tx, recordId board.Id) (*board.Record, error) {
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM records WHERE record_id = ?", recordColumns),
		recordId.String(),
	)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return record, err
}

// GetRecord returns a live (non-tombstone) record.
func (self *Store) GetRecord(ctx context.Context, recordId board.Id) (*board.Record, error) {
	row := self.sqlDB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM records WHERE record_id = ? AND deleted = 0", recordColumns),
		recordId.String(),
	)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return record, err
}

// ListRecords returns the full current set, excluding tombstones.
func (self *Store) ListRecords(ctx context.Context) ([]*board.Record, error) {
	rows, err := self.sqlDB.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM records WHERE deleted = 0 ORDER BY record_id", recordColumns),
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []*board.Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// ChangedSince returns records modified at or after `since`,
// tombstones included so deletions propagate to pollers.
func (self *Store) ChangedSince(ctx context.Context, since time.Time) ([]*board.Record, error) {
	rows, err := self.sqlDB.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM records WHERE ? <= last_modified_at ORDER BY last_modified_at", recordColumns),
		since.UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("changed since: %w", err)
	}
	defer rows.Close()

	records := []*board.Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func appendAuditTx(ctx context.Context, tx *sql.Tx, recordId board.Id, field string, oldValue string, newValue string, actor string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO audit_entries (record_id, field, old_value, new_value, actor, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		recordId.String(), field, oldValue, newValue, actor, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// CreateRecord inserts a new record at version 1. an existing id,
// tombstone included, is rejected: create is never a silent upsert.
func (self *Store) CreateRecord(ctx context.Context, record *board.Record, actor string) (*board.Record, error) {
	tx, err := self.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = self.getRecordTx(ctx, tx, record.RecordId)
	if err == nil {
		return nil, ErrRecordExists
	} else if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	created := record.Copy()
	created.Version = 1
	created.LastModifiedAt = now
	created.LastModifiedBy = actor
	created.Deleted = false

	_, err = tx.ExecContext(ctx, `
INSERT INTO records (record_id, name, status, location, notes, assigned_to, version, last_modified_at, last_modified_by, deleted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
`,
		created.RecordId.String(),
		created.Name,
		string(created.Status),
		string(created.Location),
		created.Notes,
		created.AssignedTo,
		created.Version,
		now.UnixMilli(),
		created.LastModifiedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}

	// one audit row per populated field
	auditFields := [][2]string{
		{"name", created.Name},
		{"status", string(created.Status)},
		{"location", string(created.Location)},
		{"notes", created.Notes},
		{"assigned_to", created.AssignedTo},
	}
	for _, field := range auditFields {
		if field[1] == "" {
			continue
		}
		if err := appendAuditTx(ctx, tx, created.RecordId, field[0], "", field[1], actor, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateRecord applies a sparse patch with optimistic concurrency.
// when `expectedVersion` is supplied and stale, the write is rejected
// with a conflict carrying the authoritative current version. an
// update to a missing id is rejected, not upserted.
func (self *Store) UpdateRecord(ctx context.Context, recordId board.Id, patch *board.RecordPatch, expectedVersion *int64, actor string) (*board.Record, error) {
	tx, err := self.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := self.getRecordTx(ctx, tx, recordId)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, ErrRecordNotFound
	}

	if expectedVersion != nil && *expectedVersion != current.Version {
		return nil, board.NewConflictError(current.Version, *expectedVersion)
	}

	now := time.Now().UTC()
	updated := current.Copy()
	patch.ApplyTo(updated)
	updated.Version = current.Version + 1
	updated.LastModifiedAt = now
	updated.LastModifiedBy = actor

	_, err = tx.ExecContext(ctx, `
UPDATE records
SET name = ?, status = ?, location = ?, notes = ?, assigned_to = ?, version = ?, last_modified_at = ?, last_modified_by = ?
WHERE record_id = ?
`,
		updated.Name,
		string(updated.Status),
		string(updated.Location),
		updated.Notes,
		updated.AssignedTo,
		updated.Version,
		now.UnixMilli(),
		updated.LastModifiedBy,
		recordId.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	// one audit row per changed field, not one per request
	type change struct {
		field    string
		oldValue string
		newValue string
	}
	changes := []change{}
	if patch.Name != nil && current.Name != updated.Name {
		changes = append(changes, change{"name", current.Name, updated.Name})
	}
	if patch.Status != nil && current.Status != updated.Status {
		changes = append(changes, change{"status", string(current.Status), string(updated.Status)})
	}
	if patch.Location != nil && current.Location != updated.Location {
		changes = append(changes, change{"location", string(current.Location), string(updated.Location)})
	}
	if patch.Notes != nil && current.Notes != updated.Notes {
		changes = append(changes, change{"notes", current.Notes, updated.Notes})
	}
	if patch.AssignedTo != nil && current.AssignedTo != updated.AssignedTo {
		changes = append(changes, change{"assigned_to", current.AssignedTo, updated.AssignedTo})
	}
	for _, c := range changes {
		if err := appendAuditTx(ctx, tx, recordId, c.field, c.oldValue, c.newValue, actor, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteRecord tombstones a record. deleting a missing or already
// deleted id is a definite not-found, never silently ignored, so a
// replaying queue can distinguish "already gone" from a transient
// failure.
func (self *Store) DeleteRecord(ctx context.Context, recordId board.Id, actor string) (*board.Record, error) {
	tx, err := self.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := self.getRecordTx(ctx, tx, recordId)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, ErrRecordNotFound
	}

	now := time.Now().UTC()
	deleted := current.Copy()
	deleted.Version = current.Version + 1
	deleted.LastModifiedAt = now
	deleted.LastModifiedBy = actor
	deleted.Deleted = true

	_, err = tx.ExecContext(ctx, `
UPDATE records
SET deleted = 1, version = ?, last_modified_at = ?, last_modified_by = ?
WHERE record_id = ?
`,
		deleted.Version,
		now.UnixMilli(),
		deleted.LastModifiedBy,
		recordId.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("delete record: %w", err)
	}

	if err := appendAuditTx(ctx, tx, recordId, "deleted", "false", "true", actor, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return deleted, nil
}

// ListAudit returns the audit trail for one record, oldest first.
func (self *Store) ListAudit(ctx context.Context, recordId board.Id) ([]*AuditEntry, error) {
	rows, err := self.sqlDB.QueryContext(ctx, `
SELECT audit_id, record_id, field, old_value, new_value, actor, created_at
FROM audit_entries
WHERE record_id = ?
ORDER BY audit_id
`,
		recordId.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		var entry AuditEntry
		var recordIdStr string
		var createdAtMillis int64
		err := rows.Scan(&entry.AuditId, &recordIdStr, &entry.Field, &entry.OldValue, &entry.NewValue, &entry.Actor, &createdAtMillis)
		if err != nil {
			return nil, err
		}
		entryRecordId, err := board.ParseId(recordIdStr)
		if err != nil {
			return nil, fmt.Errorf("parse record id: %w", err)
		}
		entry.RecordId = entryRecordId
		entry.CreatedAt = time.UnixMilli(createdAtMillis).UTC()
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
