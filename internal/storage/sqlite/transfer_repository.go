package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/italolelis/exchange_gateway/internal/storage"
)

// scanBatchSize bounds how many rows a scan holds before yielding; the
// connection is released between batches so consumers can write.
const scanBatchSize = 100

const transferColumns = `
	transfer_id, consent_ref, subject_ref, from_entity, to_entity,
	status, data_count, encrypted_payload,
	retry_count, max_retries, next_retry_at, delivery_attempts, last_error,
	expires_at, created_at, updated_at, locked_by, locked_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// TransferRepository stores transfer records in SQLite.
type TransferRepository struct {
	db *sql.DB
}

func NewTransferRepository(dbConn *sql.DB) *TransferRepository {
	return &TransferRepository{db: dbConn}
}

func (r *TransferRepository) Create(ctx context.Context, rec storage.TransferRecord) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TransferID, rec.ConsentRef, rec.SubjectRef, rec.FromEntity, rec.ToEntity,
		string(rec.Status), rec.DataCount, nullString(rec.EncryptedPayload),
		rec.RetryCount, rec.MaxRetries, nullTime(rec.NextRetryAt), rec.DeliveryAttempts, nullString(rec.LastError),
		toNanos(rec.ExpiresAt), toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt),
		nullString(rec.LockedBy), nullTime(rec.LockedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	return nil
}

func (r *TransferRepository) Get(ctx context.Context, transferID string) (storage.TransferRecord, error) {
	return getTransfer(ctx, r.db, transferID)
}

// Update runs mutate against the current row and persists the result in one transaction.
func (r *TransferRepository) Update(ctx context.Context, transferID string, mutate storage.MutateFunc) (storage.TransferRecord, error) {
	return r.withinTx(ctx, transferID, func(rec *storage.TransferRecord) error {
		return mutate(rec)
	})
}

// Claim atomically sets locked_by to owner when the record is due and not held by a live claim.
func (r *TransferRepository) Claim(
	ctx context.Context, transferID, owner string, now time.Time, lease time.Duration,
) (storage.TransferRecord, error) {
	return r.withinTx(ctx, transferID, func(rec *storage.TransferRecord) error {
		if !isDue(rec, now) {
			return storage.ErrNotDue
		}

		if hasLiveClaim(rec, now, lease) {
			return storage.ErrAlreadyClaimed
		}

		lockedAt := now
		rec.LockedBy = owner
		rec.LockedAt = &lockedAt

		return nil
	})
}

// Release applies mutate and clears the claim if owner still holds it.
func (r *TransferRepository) Release(
	ctx context.Context, transferID, owner string, mutate storage.MutateFunc,
) (storage.TransferRecord, error) {
	return r.withinTx(ctx, transferID, func(rec *storage.TransferRecord) error {
		if rec.LockedBy != owner {
			return storage.ErrClaimLost
		}

		if mutate != nil {
			if err := mutate(rec); err != nil {
				return err
			}
		}

		rec.LockedBy = ""
		rec.LockedAt = nil

		return nil
	})
}

func (r *TransferRepository) ScanDue(ctx context.Context, now time.Time, lease time.Duration) iter.Seq2[storage.TransferRecord, error] {
	staleBefore := toNanos(now.Add(-lease))

	return r.scan(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE status = ?
		AND retry_count < max_retries
		AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		AND (locked_by IS NULL OR locked_by = '' OR locked_at IS NULL OR locked_at <= ?)
		AND transfer_id > ?
		ORDER BY transfer_id
		LIMIT ?`,
		func(after string) []any {
			return []any{string(storage.StatusReady), toNanos(now), staleBefore, after, scanBatchSize}
		},
	)
}

func (r *TransferRepository) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[storage.TransferRecord, error] {
	return r.scan(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE expires_at <= ?
		AND encrypted_payload IS NOT NULL AND encrypted_payload != ''
		AND transfer_id > ?
		ORDER BY transfer_id
		LIMIT ?`,
		func(after string) []any {
			return []any{toNanos(now), after, scanBatchSize}
		},
	)
}

// ListByEntity returns every transfer the entity takes part in, newest first.
func (r *TransferRepository) ListByEntity(ctx context.Context, entityID string) ([]storage.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE from_entity = ? OR to_entity = ?
		ORDER BY created_at DESC`, entityID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []storage.TransferRecord

	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}

		transfers = append(transfers, rec)
	}

	return transfers, rows.Err()
}

// scan pages through a query by transfer_id. Each iteration re-runs the
// query from the start, so the sequence can be consumed more than once.
func (r *TransferRepository) scan(ctx context.Context, query string, args func(after string) []any) iter.Seq2[storage.TransferRecord, error] {
	return func(yield func(storage.TransferRecord, error) bool) {
		after := ""

		for {
			batch, err := r.queryBatch(ctx, query, args(after)...)
			if err != nil {
				yield(storage.TransferRecord{}, err)

				return
			}

			for _, rec := range batch {
				if !yield(rec, nil) {
					return
				}
			}

			if len(batch) < scanBatchSize {
				return
			}

			after = batch[len(batch)-1].TransferID
		}
	}
}

func (r *TransferRepository) queryBatch(ctx context.Context, query string, args ...any) ([]storage.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batch := make([]storage.TransferRecord, 0, scanBatchSize)

	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}

		batch = append(batch, rec)
	}

	return batch, rows.Err()
}

func (r *TransferRepository) withinTx(
	ctx context.Context, transferID string, mutate storage.MutateFunc,
) (storage.TransferRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.TransferRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := getTransfer(ctx, tx, transferID)
	if err != nil {
		return storage.TransferRecord{}, err
	}

	original := rec
	if err := mutate(&rec); err != nil {
		return original, err
	}

	// Identity and parties never change after creation.
	rec.TransferID = original.TransferID
	rec.ConsentRef = original.ConsentRef
	rec.SubjectRef = original.SubjectRef
	rec.FromEntity = original.FromEntity
	rec.ToEntity = original.ToEntity
	rec.CreatedAt = original.CreatedAt

	_, err = tx.ExecContext(ctx, `
		UPDATE transfers SET
			status = ?, data_count = ?, encrypted_payload = ?,
			retry_count = ?, max_retries = ?, next_retry_at = ?, delivery_attempts = ?, last_error = ?,
			expires_at = ?, updated_at = ?, locked_by = ?, locked_at = ?
		WHERE transfer_id = ?`,
		string(rec.Status), rec.DataCount, nullString(rec.EncryptedPayload),
		rec.RetryCount, rec.MaxRetries, nullTime(rec.NextRetryAt), rec.DeliveryAttempts, nullString(rec.LastError),
		toNanos(rec.ExpiresAt), toNanos(rec.UpdatedAt), nullString(rec.LockedBy), nullTime(rec.LockedAt),
		transferID,
	)
	if err != nil {
		return storage.TransferRecord{}, fmt.Errorf("failed to update transfer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.TransferRecord{}, fmt.Errorf("failed to commit transfer update: %w", err)
	}

	return rec, nil
}

func getTransfer(ctx context.Context, q queryer, transferID string) (storage.TransferRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE transfer_id = ?`, transferID)

	rec, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TransferRecord{}, storage.ErrNotFound
	}

	if err != nil {
		return storage.TransferRecord{}, err
	}

	return rec, nil
}

func scanTransfer(row rowScanner) (storage.TransferRecord, error) {
	var (
		rec                             storage.TransferRecord
		status                          string
		payload, lastError, lockedBy    sql.NullString
		nextRetryAt, lockedAt           sql.NullInt64
		expiresAt, createdAt, updatedAt int64
	)

	err := row.Scan(
		&rec.TransferID, &rec.ConsentRef, &rec.SubjectRef, &rec.FromEntity, &rec.ToEntity,
		&status, &rec.DataCount, &payload,
		&rec.RetryCount, &rec.MaxRetries, &nextRetryAt, &rec.DeliveryAttempts, &lastError,
		&expiresAt, &createdAt, &updatedAt, &lockedBy, &lockedAt,
	)
	if err != nil {
		return storage.TransferRecord{}, err
	}

	rec.Status = storage.Status(status)
	rec.EncryptedPayload = payload.String
	rec.LastError = lastError.String
	rec.LockedBy = lockedBy.String
	rec.NextRetryAt = fromNullNanos(nextRetryAt)
	rec.LockedAt = fromNullNanos(lockedAt)
	rec.ExpiresAt = fromNanos(expiresAt)
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updatedAt)

	return rec, nil
}

func isDue(rec *storage.TransferRecord, now time.Time) bool {
	return rec.Status == storage.StatusReady &&
		rec.RetryCount < rec.MaxRetries &&
		rec.NextRetryAt != nil &&
		!rec.NextRetryAt.After(now)
}

func hasLiveClaim(rec *storage.TransferRecord, now time.Time, lease time.Duration) bool {
	if rec.LockedBy == "" || rec.LockedAt == nil {
		return false
	}

	return rec.LockedAt.Add(lease).After(now)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}

	t := fromNanos(n.Int64)

	return &t
}
