package storage

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrNotFound is returned when no transfer exists for the given id.
	ErrNotFound = errors.New("transfer not found")
	// ErrClaimLost is returned when an attempt is finalized by an owner that no longer holds the claim.
	ErrClaimLost = errors.New("transfer claim lost")
	// ErrNotDue is returned when a claim is attempted on a record that is not eligible for delivery.
	ErrNotDue = errors.New("transfer not due for delivery")
	// ErrAlreadyClaimed is returned when a transfer is already in flight under a live claim.
	ErrAlreadyClaimed = errors.New("transfer already claimed")
)

// Status is the lifecycle state of a transfer record.
type Status string

const (
	StatusRequested  Status = "REQUESTED"
	StatusForwarded  Status = "FORWARDED"
	StatusProcessing Status = "PROCESSING"
	StatusReady      Status = "READY"
	StatusDelivered  Status = "DELIVERED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// IsTerminal reports whether no further transitions leave the status.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusExpired
}

// CanHoldPayload reports whether a record in this status may carry ciphertext.
func (s Status) CanHoldPayload() bool {
	return s == StatusReady || s == StatusProcessing
}

// TransferRecord represents one payload handoff between two participants.
type TransferRecord struct {
	TransferID string
	ConsentRef string
	SubjectRef string
	FromEntity string
	ToEntity   string

	Status           Status
	DataCount        int
	EncryptedPayload string

	RetryCount       int
	MaxRetries       int
	NextRetryAt      *time.Time
	DeliveryAttempts int
	LastError        string

	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time

	LockedBy string
	LockedAt *time.Time
}

// HoldsPayload reports whether ciphertext is currently stored for the record.
func (r *TransferRecord) HoldsPayload() bool {
	return r.EncryptedPayload != ""
}

// MutateFunc changes a record inside a store transaction. Returning an error aborts the transaction.
type MutateFunc func(rec *TransferRecord) error

// TransferReadRepository exposes lookups over transfer records.
type TransferReadRepository interface {
	Get(ctx context.Context, transferID string) (TransferRecord, error)
	// ScanDue yields READY records with retries left, next_retry_at <= now and no live claim.
	ScanDue(ctx context.Context, now time.Time, lease time.Duration) iter.Seq2[TransferRecord, error]
	// ScanExpired yields records past expires_at that still hold ciphertext.
	ScanExpired(ctx context.Context, now time.Time) iter.Seq2[TransferRecord, error]
	ListByEntity(ctx context.Context, entityID string) ([]TransferRecord, error)
}

// TransferWriteRepository mutates transfer records. Every mutation is a single read-modify-write transaction.
type TransferWriteRepository interface {
	Create(ctx context.Context, rec TransferRecord) error
	Update(ctx context.Context, transferID string, mutate MutateFunc) (TransferRecord, error)
	// Claim marks a READY record as in flight for owner, unless another live claim exists.
	Claim(ctx context.Context, transferID, owner string, now time.Time, lease time.Duration) (TransferRecord, error)
	// Release applies mutate and drops the claim, provided owner still holds it.
	Release(ctx context.Context, transferID, owner string, mutate MutateFunc) (TransferRecord, error)
}

type TransferRepository interface {
	TransferReadRepository
	TransferWriteRepository
}

// Bridge is a participant registered in the entity directory.
type Bridge struct {
	BridgeID   string
	EntityType string
	Name       string
	WebhookURL string
}

// Consent is the authorization basis a transfer is created against.
type Consent struct {
	ConsentID string
	SubjectID string
	Status    string
}
