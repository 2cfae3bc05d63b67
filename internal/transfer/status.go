package transfer

import (
	"context"
	"time"

	"github.com/italolelis/exchange_gateway/internal/storage"
)

// RetryInfo is the delivery bookkeeping of a transfer. It is only reported
// for statuses that carry retry history.
type RetryInfo struct {
	RetryCount       int        `json:"retryCount"`
	MaxRetries       int        `json:"maxRetries"`
	DeliveryAttempts int        `json:"deliveryAttempts"`
	LastError        string     `json:"lastError,omitempty"`
	NextRetryAt      *time.Time `json:"nextRetryAt,omitempty"`
}

// StatusView is the read-only projection of a transfer served to pollers.
type StatusView struct {
	TransferID string         `json:"requestId"`
	Status     storage.Status `json:"status"`
	SubjectRef string         `json:"subjectId"`
	FromEntity string         `json:"fromEntity"`
	ToEntity   string         `json:"toEntity"`
	DataCount  int            `json:"dataCount"`
	DataStored bool           `json:"dataStored"`
	ExpiresAt  *time.Time     `json:"expiresAt,omitempty"`
	Retry      *RetryInfo     `json:"retry,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// NewStatusView projects rec. Retry counters appear for READY and FAILED
// records; the expiry appears only while a payload is held.
func NewStatusView(rec storage.TransferRecord) StatusView {
	view := StatusView{
		TransferID: rec.TransferID,
		Status:     rec.Status,
		SubjectRef: rec.SubjectRef,
		FromEntity: rec.FromEntity,
		ToEntity:   rec.ToEntity,
		DataCount:  rec.DataCount,
		DataStored: rec.HoldsPayload(),
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}

	if rec.Status == storage.StatusReady || rec.Status == storage.StatusFailed {
		view.Retry = &RetryInfo{
			RetryCount:       rec.RetryCount,
			MaxRetries:       rec.MaxRetries,
			DeliveryAttempts: rec.DeliveryAttempts,
			LastError:        rec.LastError,
			NextRetryAt:      rec.NextRetryAt,
		}
	}

	if view.DataStored {
		expiresAt := rec.ExpiresAt
		view.ExpiresAt = &expiresAt
	}

	return view
}

// GetStatus returns the current projection of a transfer.
func (e *Engine) GetStatus(ctx context.Context, transferID string) (StatusView, error) {
	rec, err := e.store.Get(ctx, transferID)
	if err != nil {
		return StatusView{}, e.translateStoreError(transferID, err)
	}

	return NewStatusView(rec), nil
}

// ListForEntity returns the transfers a participant takes part in on
// either side, newest first.
func (e *Engine) ListForEntity(ctx context.Context, entityID string) ([]StatusView, error) {
	records, err := e.store.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	views := make([]StatusView, 0, len(records))
	for _, rec := range records {
		views = append(views, NewStatusView(rec))
	}

	return views, nil
}
