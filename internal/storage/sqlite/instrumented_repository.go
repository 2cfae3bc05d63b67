package sqlite

import (
	"context"
	"database/sql"
	"iter"
	"time"

	"github.com/italolelis/exchange_gateway/internal/storage"
	"github.com/italolelis/exchange_gateway/internal/telemetry"
)

// InstrumentedTransferRepository wraps TransferRepository with telemetry.
type InstrumentedTransferRepository struct {
	repo      *TransferRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTransferRepository creates a new instrumented transfer repository.
func NewInstrumentedTransferRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTransferRepository {
	return &InstrumentedTransferRepository{
		repo:      NewTransferRepository(dbConn),
		telemetry: tel,
	}
}

// Create inserts a transfer with telemetry.
func (r *InstrumentedTransferRepository) Create(ctx context.Context, rec storage.TransferRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_transfer", func(ctx context.Context) error {
		return r.repo.Create(ctx, rec)
	})
}

// Get retrieves a transfer with telemetry.
func (r *InstrumentedTransferRepository) Get(ctx context.Context, transferID string) (storage.TransferRecord, error) {
	var result storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_transfer", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Get(ctx, transferID)

		return err
	})

	return result, err
}

// Update mutates a transfer with telemetry.
func (r *InstrumentedTransferRepository) Update(
	ctx context.Context, transferID string, mutate storage.MutateFunc,
) (storage.TransferRecord, error) {
	var result storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "update_transfer", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Update(ctx, transferID, mutate)

		return err
	})

	return result, err
}

// Claim claims a transfer with telemetry.
func (r *InstrumentedTransferRepository) Claim(
	ctx context.Context, transferID, owner string, now time.Time, lease time.Duration,
) (storage.TransferRecord, error) {
	var result storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "claim_transfer", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Claim(ctx, transferID, owner, now, lease)

		return err
	})

	return result, err
}

// Release finalizes a claimed transfer with telemetry.
func (r *InstrumentedTransferRepository) Release(
	ctx context.Context, transferID, owner string, mutate storage.MutateFunc,
) (storage.TransferRecord, error) {
	var result storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "release_transfer", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Release(ctx, transferID, owner, mutate)

		return err
	})

	return result, err
}

// ListByEntity lists an entity's transfers with telemetry.
func (r *InstrumentedTransferRepository) ListByEntity(ctx context.Context, entityID string) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_transfers_by_entity", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListByEntity(ctx, entityID)

		return err
	})

	return result, err
}

// ScanDue is not wrapped: the sequence is consumed lazily and a span around
// it would time the consumer's work too.
func (r *InstrumentedTransferRepository) ScanDue(
	ctx context.Context, now time.Time, lease time.Duration,
) iter.Seq2[storage.TransferRecord, error] {
	return r.repo.ScanDue(ctx, now, lease)
}

func (r *InstrumentedTransferRepository) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[storage.TransferRecord, error] {
	return r.repo.ScanExpired(ctx, now)
}
