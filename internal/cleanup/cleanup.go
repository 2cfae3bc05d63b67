package cleanup

import (
	"context"
	"iter"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/italolelis/exchange_gateway/internal/logctx"
	"github.com/italolelis/exchange_gateway/internal/storage"
)

// ExpiryStore is the part of the transfer store the purge needs.
type ExpiryStore interface {
	ScanExpired(ctx context.Context, now time.Time) iter.Seq2[storage.TransferRecord, error]
	Update(ctx context.Context, transferID string, mutate storage.MutateFunc) (storage.TransferRecord, error)
}

// PurgeExpiredPayloads clears the ciphertext of every record past its expiry.
// READY and PROCESSING records become EXPIRED; terminal records only lose the
// residual payload. It returns how many records were purged. A failure on one
// record does not stop the pass.
func PurgeExpiredPayloads(ctx context.Context, store ExpiryStore, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		purged int
		result *multierror.Error
	)

	for rec, err := range store.ScanExpired(ctx, now) {
		if err != nil {
			result = multierror.Append(result, err)

			break
		}

		if ctx.Err() != nil {
			result = multierror.Append(result, ctx.Err())

			break
		}

		changed := false

		updated, err := store.Update(ctx, rec.TransferID, func(cur *storage.TransferRecord) error {
			// Re-checked under the transaction: the record may have been delivered since the scan.
			if !cur.HoldsPayload() || cur.ExpiresAt.After(now) {
				return nil
			}

			cur.EncryptedPayload = ""
			cur.UpdatedAt = now

			if cur.Status.CanHoldPayload() {
				cur.Status = storage.StatusExpired
				cur.NextRetryAt = nil
			}

			changed = true

			return nil
		})
		if err != nil {
			logger.Error("failed to purge expired payload", "transfer_id", rec.TransferID, "err", err)

			result = multierror.Append(result, err)

			continue
		}

		if !changed {
			continue
		}

		purged++

		logger.Info("purged expired payload",
			"transfer_id", updated.TransferID,
			"status", updated.Status,
			"expired_at", updated.ExpiresAt)
	}

	return purged, result.ErrorOrNil()
}
