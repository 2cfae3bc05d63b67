package transfer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/exchange_gateway/internal/cleanup"
	"github.com/italolelis/exchange_gateway/internal/logctx"
	"github.com/italolelis/exchange_gateway/internal/notifier"
	"github.com/italolelis/exchange_gateway/internal/storage"
	"github.com/italolelis/exchange_gateway/internal/telemetry"
	"github.com/italolelis/exchange_gateway/internal/vault"
	"github.com/raulk/clock"
)

// ConsentApproved is the only consent status that admits a transfer.
const ConsentApproved = "APPROVED"

const (
	DefaultMaxRetries = 3
	DefaultTTL        = 24 * time.Hour
	DefaultClaimLease = 2 * time.Minute
)

const errCallbackNotConfigured = "callback address not configured"

// Outcome labels the result of a single delivery attempt.
type Outcome string

const (
	OutcomeDelivered      Outcome = "delivered"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeFailed         Outcome = "failed"
	OutcomeIntegrity      Outcome = "integrity_failure"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeClaimLost      Outcome = "claim_lost"
	OutcomeStale          Outcome = "stale"
)

// Directory resolves a participant's callback address.
type Directory interface {
	CallbackURL(ctx context.Context, entityID string) (string, bool, error)
}

// ConsentStore reports a consent's current status.
type ConsentStore interface {
	ConsentStatus(ctx context.Context, consentID string) (string, bool, error)
}

// Notifier performs the outbound participant calls.
type Notifier interface {
	Forward(ctx context.Context, url string, req notifier.ForwardRequest) error
	Deliver(ctx context.Context, url string, notice notifier.DeliveryNotice) error
}

// Sealer encrypts payload bundles and checks that sealed payloads still open.
type Sealer interface {
	Encrypt(b vault.Bundle) (string, error)
	Verify(sealed string) error
}

// Config tunes the engine. Zero values fall back to the defaults.
type Config struct {
	MaxRetries int
	TTL        time.Duration
	ClaimLease time.Duration
	// InstanceID identifies this process as the owner of delivery claims.
	InstanceID string
	Clock      clock.Clock
	Telemetry  *telemetry.Telemetry
}

// Engine drives transfer records through their lifecycle.
type Engine struct {
	store     storage.TransferRepository
	sealer    Sealer
	directory Directory
	consents  ConsentStore
	notifier  Notifier
	telemetry *telemetry.Telemetry
	clock     clock.Clock

	maxRetries int
	ttl        time.Duration
	lease      time.Duration
	owner      string
}

func NewEngine(
	store storage.TransferRepository,
	sealer Sealer,
	directory Directory,
	consents ConsentStore,
	n Notifier,
	cfg Config,
) *Engine {
	e := &Engine{
		store:      store,
		sealer:     sealer,
		directory:  directory,
		consents:   consents,
		notifier:   n,
		telemetry:  cfg.Telemetry,
		clock:      cfg.Clock,
		maxRetries: cfg.MaxRetries,
		ttl:        cfg.TTL,
		lease:      cfg.ClaimLease,
		owner:      cfg.InstanceID,
	}

	if e.clock == nil {
		e.clock = clock.New()
	}

	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxRetries
	}

	if e.ttl <= 0 {
		e.ttl = DefaultTTL
	}

	if e.lease <= 0 {
		e.lease = DefaultClaimLease
	}

	if e.owner == "" {
		e.owner = uuid.NewString()
	}

	return e
}

// CreateRequest carries the inputs of a new transfer.
type CreateRequest struct {
	SubjectRef string
	FromEntity string
	ToEntity   string
	ConsentRef string
	ItemIDs    []string
	DataTypes  []string
}

// Receipt identifies a created transfer and its status after forwarding.
type Receipt struct {
	TransferID string
	Status     storage.Status
}

// CreateTransfer stores a new transfer against an approved consent and
// forwards it to the data holder. When forwarding fails the record stays
// REQUESTED and the receipt is returned together with a *ForwardError.
func (e *Engine) CreateTransfer(ctx context.Context, req CreateRequest) (Receipt, error) {
	if err := e.checkConsent(ctx, req.ConsentRef); err != nil {
		e.telemetry.RecordTransferCreated(ctx, "consent_rejected")

		return Receipt{}, err
	}

	now := e.clock.Now().UTC()
	rec := storage.TransferRecord{
		TransferID: "req-" + uuid.NewString(),
		ConsentRef: req.ConsentRef,
		SubjectRef: req.SubjectRef,
		FromEntity: req.FromEntity,
		ToEntity:   req.ToEntity,
		Status:     storage.StatusRequested,
		DataCount:  len(req.DataTypes),
		MaxRetries: e.maxRetries,
		ExpiresAt:  now.Add(e.ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.store.Create(ctx, rec); err != nil {
		return Receipt{}, fmt.Errorf("failed to create transfer: %w", err)
	}

	ctx, logger := logctx.WithTransfer(ctx, rec.TransferID)
	receipt := Receipt{TransferID: rec.TransferID, Status: rec.Status}

	if err := e.forward(ctx, rec, req); err != nil {
		logger.WarnContext(ctx, "transfer forwarding failed", "from_entity", rec.FromEntity, "err", err)
		e.telemetry.RecordTransferCreated(ctx, "forward_failed")

		return receipt, &ForwardError{TransferID: rec.TransferID, Err: err}
	}

	updated, err := e.store.Update(ctx, rec.TransferID, func(cur *storage.TransferRecord) error {
		// The holder may already have answered while the forward call was in flight.
		if cur.Status == storage.StatusRequested {
			cur.Status = storage.StatusForwarded
			cur.UpdatedAt = e.clock.Now().UTC()
		}

		return nil
	})
	if err != nil {
		return receipt, fmt.Errorf("failed to mark transfer forwarded: %w", err)
	}

	receipt.Status = updated.Status

	logger.InfoContext(ctx, "transfer forwarded",
		"from_entity", rec.FromEntity,
		"to_entity", rec.ToEntity,
		"data_types", len(req.DataTypes))
	e.telemetry.RecordTransferCreated(ctx, "forwarded")

	return receipt, nil
}

func (e *Engine) checkConsent(ctx context.Context, consentID string) error {
	status, ok, err := e.consents.ConsentStatus(ctx, consentID)
	if err != nil {
		return fmt.Errorf("failed to check consent: %w", err)
	}

	if !ok {
		return &ConsentError{ConsentID: consentID, Reason: ConsentNotFound}
	}

	if status != ConsentApproved {
		return &ConsentError{ConsentID: consentID, Reason: ConsentNotApproved, Status: status}
	}

	return nil
}

func (e *Engine) forward(ctx context.Context, rec storage.TransferRecord, req CreateRequest) error {
	url, err := e.callbackURL(ctx, rec.FromEntity)
	if err != nil {
		return err
	}

	err = e.notifier.Forward(ctx, url, notifier.ForwardRequest{
		RequestID:   rec.TransferID,
		RequestType: notifier.RequestTypeDataRequest,
		SubjectID:   rec.SubjectRef,
		ConsentID:   rec.ConsentRef,
		ItemIDs:     req.ItemIDs,
		DataTypes:   req.DataTypes,
		FromEntity:  rec.FromEntity,
		ToEntity:    rec.ToEntity,
	})
	if err != nil {
		return &DeliveryError{Operation: "forward", EntityID: rec.FromEntity, Err: err}
	}

	return nil
}

func (e *Engine) callbackURL(ctx context.Context, entityID string) (string, error) {
	url, ok, err := e.directory.CallbackURL(ctx, entityID)
	if err != nil {
		return "", &DirectoryError{EntityID: entityID, Reason: "lookup failed", Err: err}
	}

	if !ok {
		return "", &DirectoryError{EntityID: entityID, Reason: errCallbackNotConfigured}
	}

	return url, nil
}

// AcceptData seals the holder's payload and makes the transfer READY for
// immediate delivery.
func (e *Engine) AcceptData(ctx context.Context, transferID string, bundle vault.Bundle) (storage.Status, error) {
	ctx, logger := logctx.WithTransfer(ctx, transferID)

	if err := bundle.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	sealed, err := e.sealer.Encrypt(bundle)
	if err != nil {
		logger.ErrorContext(ctx, "failed to seal payload", "err", err)

		return "", err
	}

	updated, err := e.store.Update(ctx, transferID, func(rec *storage.TransferRecord) error {
		switch rec.Status {
		case storage.StatusRequested, storage.StatusForwarded, storage.StatusProcessing:
		default:
			return &InvalidStateError{TransferID: transferID, Operation: "accept data for", Status: rec.Status}
		}

		now := e.clock.Now().UTC()
		rec.Status = storage.StatusReady
		rec.EncryptedPayload = sealed
		rec.DataCount = len(bundle.Records)
		rec.NextRetryAt = &now
		rec.UpdatedAt = now

		return nil
	})
	if err != nil {
		return "", e.translateStoreError(transferID, err)
	}

	logger.InfoContext(ctx, "transfer data accepted",
		"data_count", updated.DataCount,
		"payload_size", humanize.Bytes(uint64(len(sealed))))

	return updated.Status, nil
}

// MarkProcessing records that the data holder is preparing the payload.
func (e *Engine) MarkProcessing(ctx context.Context, transferID string) (storage.Status, error) {
	ctx, logger := logctx.WithTransfer(ctx, transferID)

	updated, err := e.store.Update(ctx, transferID, func(rec *storage.TransferRecord) error {
		if rec.Status != storage.StatusRequested && rec.Status != storage.StatusForwarded {
			return &InvalidStateError{TransferID: transferID, Operation: "mark processing", Status: rec.Status}
		}

		rec.Status = storage.StatusProcessing
		rec.UpdatedAt = e.clock.Now().UTC()

		return nil
	})
	if err != nil {
		return "", e.translateStoreError(transferID, err)
	}

	logger.InfoContext(ctx, "transfer processing")

	return updated.Status, nil
}

// ScanDue yields the READY records whose next attempt is due and that no
// other attempt currently holds.
func (e *Engine) ScanDue(ctx context.Context) iter.Seq2[storage.TransferRecord, error] {
	return e.store.ScanDue(ctx, e.clock.Now().UTC(), e.lease)
}

// AttemptDelivery makes one delivery attempt for rec. Records that are no
// longer due or are already claimed are skipped. Retryable delivery failures
// are recorded on the transfer and do not surface as errors; a sealed
// payload that no longer opens is returned as a *CryptoError.
func (e *Engine) AttemptDelivery(ctx context.Context, rec storage.TransferRecord) (Outcome, error) {
	ctx, logger := logctx.WithTransfer(ctx, rec.TransferID)

	attemptAt := e.clock.Now().UTC()

	claimed, err := e.store.Claim(ctx, rec.TransferID, e.owner, attemptAt, e.lease)
	if errors.Is(err, storage.ErrNotDue) || errors.Is(err, storage.ErrAlreadyClaimed) {
		logger.DebugContext(ctx, "skipping delivery", "reason", err)

		return OutcomeSkipped, nil
	}

	if err != nil {
		return "", e.translateStoreError(rec.TransferID, err)
	}

	outcome, err := e.telemetry.InstrumentDelivery(ctx, func(ctx context.Context) (string, error) {
		o, err := e.deliverClaimed(ctx, claimed, attemptAt)

		return string(o), err
	})

	return Outcome(outcome), err
}

func (e *Engine) deliverClaimed(ctx context.Context, rec storage.TransferRecord, attemptAt time.Time) (Outcome, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := e.sealer.Verify(rec.EncryptedPayload); err != nil {
		logger.ErrorContext(ctx, "held payload failed integrity check", "err", err)

		_, relErr := e.store.Release(ctx, rec.TransferID, e.owner, func(cur *storage.TransferRecord) error {
			cur.LastError = err.Error()
			cur.NextRetryAt = nil
			cur.UpdatedAt = e.clock.Now().UTC()

			return nil
		})
		if relErr != nil {
			return OutcomeIntegrity, errors.Join(err, relErr)
		}

		return OutcomeIntegrity, err
	}

	sendErr := e.send(ctx, rec)

	var outcome Outcome

	updated, err := e.store.Release(ctx, rec.TransferID, e.owner, func(cur *storage.TransferRecord) error {
		if cur.Status != storage.StatusReady {
			outcome = OutcomeStale

			return nil
		}

		cur.DeliveryAttempts++
		cur.UpdatedAt = e.clock.Now().UTC()

		if sendErr == nil {
			outcome = OutcomeDelivered
			cur.Status = storage.StatusDelivered
			cur.EncryptedPayload = ""
			cur.NextRetryAt = nil
			cur.LastError = ""

			return nil
		}

		cur.RetryCount++
		cur.LastError = failureReason(sendErr)

		if cur.RetryCount >= cur.MaxRetries {
			outcome = OutcomeFailed
			cur.Status = storage.StatusFailed
			cur.EncryptedPayload = ""
			cur.NextRetryAt = nil

			return nil
		}

		outcome = OutcomeRetryScheduled
		next := attemptAt.Add(Backoff(cur.RetryCount))
		cur.NextRetryAt = &next

		return nil
	})
	if errors.Is(err, storage.ErrClaimLost) {
		logger.WarnContext(ctx, "delivery claim expired before the attempt finished", "err", sendErr)

		return OutcomeClaimLost, nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to record delivery attempt: %w", err)
	}

	switch outcome {
	case OutcomeDelivered:
		logger.InfoContext(ctx, "transfer delivered",
			"to_entity", updated.ToEntity,
			"delivery_attempts", updated.DeliveryAttempts)
	case OutcomeRetryScheduled:
		logger.WarnContext(ctx, "delivery failed, retry scheduled",
			"retry_count", updated.RetryCount,
			"max_retries", updated.MaxRetries,
			"next_retry_at", updated.NextRetryAt,
			"err", sendErr)
	case OutcomeFailed:
		logger.ErrorContext(ctx, "delivery failed permanently",
			"retry_count", updated.RetryCount,
			"err", sendErr)
	case OutcomeStale:
		logger.InfoContext(ctx, "transfer changed during delivery, leaving it as is", "status", updated.Status)
	}

	return outcome, nil
}

// send runs detached from ctx cancellation so a dispatched attempt finishes
// or times out on its own.
func (e *Engine) send(ctx context.Context, rec storage.TransferRecord) error {
	url, err := e.callbackURL(ctx, rec.ToEntity)
	if err != nil {
		return err
	}

	err = e.notifier.Deliver(context.WithoutCancel(ctx), url, notifier.DeliveryNotice{
		RequestID:     rec.TransferID,
		Status:        notifier.DeliveryStatusSuccess,
		EncryptedData: rec.EncryptedPayload,
		DataCount:     rec.DataCount,
		ExpiresAt:     rec.ExpiresAt,
	})
	if err != nil {
		return &DeliveryError{Operation: "deliver", EntityID: rec.ToEntity, Err: err}
	}

	return nil
}

func failureReason(err error) string {
	var dirErr *DirectoryError
	if errors.As(err, &dirErr) && dirErr.Err == nil {
		return dirErr.Reason
	}

	return err.Error()
}

// ExpirePass purges held payloads past their expiry and returns how many
// records were purged.
func (e *Engine) ExpirePass(ctx context.Context) (int, error) {
	purged, err := cleanup.PurgeExpiredPayloads(ctx, e.store, e.clock.Now().UTC())

	if purged > 0 {
		e.telemetry.RecordExpired(ctx, purged)
	}

	return purged, err
}

func (e *Engine) translateStoreError(transferID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &NotFoundError{TransferID: transferID}
	}

	return err
}
