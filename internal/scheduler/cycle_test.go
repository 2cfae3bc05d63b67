package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/exchange_gateway/internal/notifier"
	"github.com/italolelis/exchange_gateway/internal/storage"
	"github.com/italolelis/exchange_gateway/internal/storage/sqlite"
	"github.com/italolelis/exchange_gateway/internal/transfer"
	"github.com/italolelis/exchange_gateway/internal/vault"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two instances sharing one store deliver each transfer exactly once.
func TestRunCycle_TwoInstancesDeliverOnce(t *testing.T) {
	ctx := context.Background()

	var deliveries atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		deliveries.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	db, err := sqlite.InitDB(":memory:")
	require.NoError(t, err)
	defer db.Close()

	store := sqlite.NewTransferRepository(db)
	bridges := sqlite.NewBridgeRepository(db)
	consents := sqlite.NewConsentRepository(db)

	require.NoError(t, consents.Upsert(ctx, storage.Consent{ConsentID: "consent-1", SubjectID: "s-1", Status: transfer.ConsentApproved}))
	require.NoError(t, bridges.Upsert(ctx, storage.Bridge{BridgeID: "holder", EntityType: "DATA_HOLDER", Name: "Holder", WebhookURL: srv.URL}))
	require.NoError(t, bridges.Upsert(ctx, storage.Bridge{BridgeID: "requester", EntityType: "DATA_REQUESTER", Name: "Requester", WebhookURL: srv.URL}))

	v, err := vault.New("test-secret")
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

	newEngine := func(instance string) *transfer.Engine {
		return transfer.NewEngine(store, v, bridges, consents, notifier.NewWebhookClient(5*time.Second), transfer.Config{
			Clock:      mock,
			InstanceID: instance,
		})
	}

	first, second := newEngine("instance-a"), newEngine("instance-b")

	const transfers = 5

	for range transfers {
		receipt, err := first.CreateTransfer(ctx, transfer.CreateRequest{
			SubjectRef: "s-1", FromEntity: "holder", ToEntity: "requester", ConsentRef: "consent-1",
			DataTypes: []string{"labs"},
		})
		require.NoError(t, err)

		_, err = first.AcceptData(ctx, receipt.TransferID, vault.Bundle{Records: []map[string]any{{"id": "r-1"}}})
		require.NoError(t, err)
	}

	forwards := deliveries.Load()

	var wg sync.WaitGroup

	for _, engine := range []*transfer.Engine{first, second} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, New(engine, Config{MaxParallel: 3}).RunCycle(ctx))
		}()
	}

	wg.Wait()

	assert.EqualValues(t, transfers, deliveries.Load()-forwards)

	list, err := store.ListByEntity(ctx, "requester")
	require.NoError(t, err)

	for _, rec := range list {
		assert.Equal(t, storage.StatusDelivered, rec.Status)
		assert.False(t, rec.HoldsPayload())
	}
}
