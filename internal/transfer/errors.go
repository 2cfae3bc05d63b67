package transfer

import (
	"errors"
	"fmt"

	"github.com/italolelis/exchange_gateway/internal/storage"
	"github.com/italolelis/exchange_gateway/internal/vault"
)

// ErrInvalidPayload is returned when submitted data fails validation.
var ErrInvalidPayload = errors.New("invalid payload")

// ConsentReason distinguishes why a consent check rejected a request.
type ConsentReason string

const (
	ConsentNotFound    ConsentReason = "not_found"
	ConsentNotApproved ConsentReason = "not_approved"
)

// ConsentError is returned when a transfer is requested against a consent
// that does not exist or is not approved. No record is created.
type ConsentError struct {
	ConsentID string
	Reason    ConsentReason
	Status    string // Current consent status, empty when not found
}

func (e *ConsentError) Error() string {
	if e.Reason == ConsentNotFound {
		return fmt.Sprintf("consent %s not found", e.ConsentID)
	}

	return fmt.Sprintf("consent %s is not approved (status %s)", e.ConsentID, e.Status)
}

// InvalidStateError represents an operation that is not valid for the
// transfer's current status.
type InvalidStateError struct {
	TransferID string
	Operation  string
	Status     storage.Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s transfer %s in status %s", e.Operation, e.TransferID, e.Status)
}

// NotFoundError is returned for an unknown transfer id.
type NotFoundError struct {
	TransferID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("transfer %s not found", e.TransferID)
}

func (e *NotFoundError) Unwrap() error {
	return storage.ErrNotFound
}

// DirectoryError represents a participant with no usable callback address.
type DirectoryError struct {
	EntityID string // The participant that could not be resolved
	Reason   string // Human-readable explanation of the directory error
	Err      error  // Underlying error, if any
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory error for '%s': %s", e.EntityID, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// DeliveryError represents a failed outbound call to a participant callback:
// transport errors, timeouts and non-2xx responses.
type DeliveryError struct {
	Operation string // "forward" or "deliver"
	EntityID  string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s to %s failed: %v", e.Operation, e.EntityID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// ForwardError is returned by CreateTransfer when the record was stored but
// the data holder could not be notified. The record stays REQUESTED.
type ForwardError struct {
	TransferID string
	Err        error // *DirectoryError or *DeliveryError
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forwarding transfer %s failed: %v", e.TransferID, e.Err)
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// CryptoError reports a payload that could not be sealed or opened.
type CryptoError = vault.CryptoError
