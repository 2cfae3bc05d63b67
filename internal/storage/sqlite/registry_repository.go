package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/exchange_gateway/internal/storage"
)

// BridgeRepository is the entity directory: participants and their callback addresses.
type BridgeRepository struct {
	db *sql.DB
}

func NewBridgeRepository(dbConn *sql.DB) *BridgeRepository {
	return &BridgeRepository{db: dbConn}
}

// CallbackURL returns the webhook address registered for entityID. ok is
// false when the entity is unknown or has no address configured.
func (r *BridgeRepository) CallbackURL(ctx context.Context, entityID string) (string, bool, error) {
	var url sql.NullString

	err := r.db.QueryRowContext(ctx, `SELECT webhook_url FROM bridges WHERE bridge_id = ?`, entityID).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("failed to look up callback address: %w", err)
	}

	return url.String, url.String != "", nil
}

func (r *BridgeRepository) Get(ctx context.Context, bridgeID string) (storage.Bridge, error) {
	var (
		b   storage.Bridge
		url sql.NullString
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT bridge_id, entity_type, name, webhook_url FROM bridges WHERE bridge_id = ?`, bridgeID,
	).Scan(&b.BridgeID, &b.EntityType, &b.Name, &url)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Bridge{}, storage.ErrNotFound
	}

	if err != nil {
		return storage.Bridge{}, err
	}

	b.WebhookURL = url.String

	return b, nil
}

// Upsert registers a bridge or replaces its details.
func (r *BridgeRepository) Upsert(ctx context.Context, b storage.Bridge) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bridges (bridge_id, entity_type, name, webhook_url)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bridge_id) DO UPDATE SET
			entity_type = excluded.entity_type,
			name = excluded.name,
			webhook_url = excluded.webhook_url,
			updated_at = CURRENT_TIMESTAMP`,
		b.BridgeID, b.EntityType, b.Name, nullString(b.WebhookURL),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert bridge: %w", err)
	}

	return nil
}

// ConsentRepository answers consent status lookups.
type ConsentRepository struct {
	db *sql.DB
}

func NewConsentRepository(dbConn *sql.DB) *ConsentRepository {
	return &ConsentRepository{db: dbConn}
}

// ConsentStatus returns the status of consentID. ok is false when the consent does not exist.
func (r *ConsentRepository) ConsentStatus(ctx context.Context, consentID string) (string, bool, error) {
	var status string

	err := r.db.QueryRowContext(ctx, `SELECT status FROM consents WHERE consent_id = ?`, consentID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("failed to look up consent: %w", err)
	}

	return status, true, nil
}

func (r *ConsentRepository) Get(ctx context.Context, consentID string) (storage.Consent, error) {
	var c storage.Consent

	err := r.db.QueryRowContext(ctx,
		`SELECT consent_id, subject_id, status FROM consents WHERE consent_id = ?`, consentID,
	).Scan(&c.ConsentID, &c.SubjectID, &c.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Consent{}, storage.ErrNotFound
	}

	if err != nil {
		return storage.Consent{}, err
	}

	return c, nil
}

// Upsert records a consent or replaces its status.
func (r *ConsentRepository) Upsert(ctx context.Context, c storage.Consent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO consents (consent_id, subject_id, status)
		VALUES (?, ?, ?)
		ON CONFLICT(consent_id) DO UPDATE SET
			subject_id = excluded.subject_id,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		c.ConsentID, c.SubjectID, c.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert consent: %w", err)
	}

	return nil
}

// Registry groups the bridge and consent repositories for the admin endpoints.
type Registry struct {
	Bridges  *BridgeRepository
	Consents *ConsentRepository
}

func NewRegistry(dbConn *sql.DB) *Registry {
	return &Registry{Bridges: NewBridgeRepository(dbConn), Consents: NewConsentRepository(dbConn)}
}

func (r *Registry) UpsertBridge(ctx context.Context, b storage.Bridge) error {
	return r.Bridges.Upsert(ctx, b)
}

func (r *Registry) UpsertConsent(ctx context.Context, c storage.Consent) error {
	return r.Consents.Upsert(ctx, c)
}

func (r *Registry) Bridge(ctx context.Context, bridgeID string) (storage.Bridge, error) {
	return r.Bridges.Get(ctx, bridgeID)
}

func (r *Registry) Consent(ctx context.Context, consentID string) (storage.Consent, error) {
	return r.Consents.Get(ctx, consentID)
}
