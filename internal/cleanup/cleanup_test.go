package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/italolelis/exchange_gateway/internal/storage"
	"github.com/italolelis/exchange_gateway/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, repo *sqlite.TransferRepository, id string, status storage.Status, payload string, expiresAt time.Time) {
	t.Helper()

	next := now.Add(-time.Minute)

	require.NoError(t, repo.Create(context.Background(), storage.TransferRecord{
		TransferID:       id,
		ConsentRef:       "consent-1",
		SubjectRef:       "subject-1",
		FromEntity:       "bank-a",
		ToEntity:         "bank-b",
		Status:           status,
		EncryptedPayload: payload,
		MaxRetries:       3,
		NextRetryAt:      &next,
		ExpiresAt:        expiresAt,
		CreatedAt:        now.Add(-24 * time.Hour),
		UpdatedAt:        now.Add(-24 * time.Hour),
	}))
}

func TestPurgeExpiredPayloads(t *testing.T) {
	db, err := sqlite.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewTransferRepository(db)
	ctx := context.Background()

	seed(t, repo, "req-ready", storage.StatusReady, "sealed", now.Add(-time.Second))
	seed(t, repo, "req-delivered", storage.StatusDelivered, "residual", now.Add(-time.Second))
	seed(t, repo, "req-live", storage.StatusReady, "sealed", now.Add(time.Hour))
	seed(t, repo, "req-forwarded", storage.StatusForwarded, "", now.Add(-time.Second))

	purged, err := PurgeExpiredPayloads(ctx, repo, now)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	tests := []struct {
		id         string
		wantStatus storage.Status
		wantHeld   bool
	}{
		{id: "req-ready", wantStatus: storage.StatusExpired},
		{id: "req-delivered", wantStatus: storage.StatusDelivered},
		{id: "req-live", wantStatus: storage.StatusReady, wantHeld: true},
		{id: "req-forwarded", wantStatus: storage.StatusForwarded},
	}

	for _, tt := range tests {
		rec, err := repo.Get(ctx, tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.wantStatus, rec.Status, tt.id)
		assert.Equal(t, tt.wantHeld, rec.HoldsPayload(), tt.id)
	}

	expired, err := repo.Get(ctx, "req-ready")
	require.NoError(t, err)
	assert.Nil(t, expired.NextRetryAt)

	purged, err = PurgeExpiredPayloads(ctx, repo, now)
	require.NoError(t, err)
	assert.Zero(t, purged)
}
