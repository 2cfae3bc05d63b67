package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/italolelis/exchange_gateway/internal/storage"
	"github.com/italolelis/exchange_gateway/internal/transfer"
	"github.com/italolelis/exchange_gateway/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEngine struct {
	createFunc     func(ctx context.Context, req transfer.CreateRequest) (transfer.Receipt, error)
	acceptFunc     func(ctx context.Context, id string, b vault.Bundle) (storage.Status, error)
	processingFunc func(ctx context.Context, id string) (storage.Status, error)
	statusFunc     func(ctx context.Context, id string) (transfer.StatusView, error)
	listFunc       func(ctx context.Context, entityID string) ([]transfer.StatusView, error)

	lastCreate transfer.CreateRequest
	lastBundle vault.Bundle
}

func (m *mockEngine) CreateTransfer(ctx context.Context, req transfer.CreateRequest) (transfer.Receipt, error) {
	m.lastCreate = req
	if m.createFunc != nil {
		return m.createFunc(ctx, req)
	}

	return transfer.Receipt{TransferID: "req-1", Status: storage.StatusForwarded}, nil
}

func (m *mockEngine) AcceptData(ctx context.Context, id string, b vault.Bundle) (storage.Status, error) {
	m.lastBundle = b
	if m.acceptFunc != nil {
		return m.acceptFunc(ctx, id, b)
	}

	return storage.StatusReady, nil
}

func (m *mockEngine) MarkProcessing(ctx context.Context, id string) (storage.Status, error) {
	if m.processingFunc != nil {
		return m.processingFunc(ctx, id)
	}

	return storage.StatusProcessing, nil
}

func (m *mockEngine) GetStatus(ctx context.Context, id string) (transfer.StatusView, error) {
	if m.statusFunc != nil {
		return m.statusFunc(ctx, id)
	}

	return transfer.StatusView{TransferID: id, Status: storage.StatusForwarded}, nil
}

func (m *mockEngine) ListForEntity(ctx context.Context, entityID string) ([]transfer.StatusView, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, entityID)
	}

	return nil, nil
}

type mockRegistry struct {
	bridges  []storage.Bridge
	consents []storage.Consent
}

func (m *mockRegistry) UpsertBridge(_ context.Context, b storage.Bridge) error {
	m.bridges = append(m.bridges, b)

	return nil
}

func (m *mockRegistry) UpsertConsent(_ context.Context, c storage.Consent) error {
	m.consents = append(m.consents, c)

	return nil
}

func (m *mockRegistry) Bridge(_ context.Context, bridgeID string) (storage.Bridge, error) {
	for _, b := range m.bridges {
		if b.BridgeID == bridgeID {
			return b, nil
		}
	}

	return storage.Bridge{}, storage.ErrNotFound
}

func (m *mockRegistry) Consent(_ context.Context, consentID string) (storage.Consent, error) {
	for _, c := range m.consents {
		if c.ConsentID == consentID {
			return c, nil
		}
	}

	return storage.Consent{}, storage.ErrNotFound
}

func serve(t *testing.T, h *ExchangeHandler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, req)

	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return body
}

const validDataRequest = `{
	"subjectId": "subject-1",
	"fromEntity": "holder",
	"toEntity": "requester",
	"consentId": "consent-1",
	"itemIds": ["item-1"],
	"dataTypes": ["labs", "notes"]
}`

func TestHandleDataRequest_Created(t *testing.T) {
	engine := &mockEngine{}
	h := NewExchangeHandler(engine, &mockRegistry{})

	rec := serve(t, h, http.MethodPost, "/communication/data-request", validDataRequest)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "req-1", body["requestId"])
	assert.Equal(t, "FORWARDED", body["status"])

	assert.Equal(t, "holder", engine.lastCreate.FromEntity)
	assert.Equal(t, "requester", engine.lastCreate.ToEntity)
	assert.Equal(t, []string{"labs", "notes"}, engine.lastCreate.DataTypes)
}

func TestHandleDataRequest_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{
			name:       "malformed body",
			body:       `{"subjectId":`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
		{
			name:       "missing fields",
			body:       `{"subjectId":"subject-1"}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
		{
			name:       "consent not approved",
			body:       validDataRequest,
			err:        &transfer.ConsentError{ConsentID: "consent-1", Reason: transfer.ConsentNotApproved, Status: "PENDING"},
			wantStatus: http.StatusBadRequest,
			wantKind:   "consent_not_approved",
		},
		{
			name:       "consent not found",
			body:       validDataRequest,
			err:        &transfer.ConsentError{ConsentID: "consent-1", Reason: transfer.ConsentNotFound},
			wantStatus: http.StatusNotFound,
			wantKind:   "consent_not_found",
		},
		{
			name:       "store failure",
			body:       validDataRequest,
			err:        errors.New("disk full"),
			wantStatus: http.StatusInternalServerError,
			wantKind:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &mockEngine{
				createFunc: func(context.Context, transfer.CreateRequest) (transfer.Receipt, error) {
					return transfer.Receipt{}, tt.err
				},
			}

			rec := serve(t, NewExchangeHandler(engine, &mockRegistry{}), http.MethodPost, "/communication/data-request", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantKind, decodeBody(t, rec)["error"])
		})
	}
}

func TestHandleDataRequest_ForwardFailure(t *testing.T) {
	engine := &mockEngine{
		createFunc: func(context.Context, transfer.CreateRequest) (transfer.Receipt, error) {
			return transfer.Receipt{TransferID: "req-9", Status: storage.StatusRequested}, &transfer.ForwardError{
				TransferID: "req-9",
				Err:        &transfer.DirectoryError{EntityID: "holder", Reason: "callback address not configured"},
			}
		},
	}

	rec := serve(t, NewExchangeHandler(engine, &mockRegistry{}), http.MethodPost, "/communication/data-request", validDataRequest)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "req-9", body["requestId"])
	assert.Equal(t, "REQUESTED", body["status"])
	assert.Contains(t, body["error"], "callback address not configured")
}

func TestHandleDataResponse(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{
			name:       "accepted",
			body:       `{"requestId":"req-1","records":[{"id":"r-1"}],"metadata":{"source":"holder"}}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "missing request id",
			body:       `{"records":[]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid payload",
			body:       `{"requestId":"req-1"}`,
			err:        fmt.Errorf("%w: bundle has no records", transfer.ErrInvalidPayload),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrong state",
			body:       `{"requestId":"req-1","records":[]}`,
			err:        &transfer.InvalidStateError{TransferID: "req-1", Operation: "accept data for", Status: storage.StatusDelivered},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "unknown transfer",
			body:       `{"requestId":"req-404","records":[]}`,
			err:        &transfer.NotFoundError{TransferID: "req-404"},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "sealing failed",
			body:       `{"requestId":"req-1","records":[]}`,
			err:        &transfer.CryptoError{Op: "encode", Err: errors.New("unsupported type")},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &mockEngine{
				acceptFunc: func(context.Context, string, vault.Bundle) (storage.Status, error) {
					if tt.err != nil {
						return "", tt.err
					}

					return storage.StatusReady, nil
				},
			}

			rec := serve(t, NewExchangeHandler(engine, &mockRegistry{}), http.MethodPost, "/communication/data-response", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandleDataResponse_PassesBundle(t *testing.T) {
	engine := &mockEngine{}

	rec := serve(t, NewExchangeHandler(engine, &mockRegistry{}), http.MethodPost, "/communication/data-response",
		`{"requestId":"req-1","records":[{"id":"r-1"}],"metadata":{"source":"holder"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, "READY", decodeBody(t, rec)["status"])
	assert.Equal(t, []map[string]any{{"id": "r-1"}}, engine.lastBundle.Records)
	assert.Equal(t, map[string]any{"source": "holder"}, engine.lastBundle.Metadata)
}

func TestHandleProcessing(t *testing.T) {
	var gotID string

	engine := &mockEngine{
		processingFunc: func(_ context.Context, id string) (storage.Status, error) {
			gotID = id

			return storage.StatusProcessing, nil
		},
	}

	rec := serve(t, NewExchangeHandler(engine, &mockRegistry{}), http.MethodPost, "/communication/data-flow/req-7/processing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-7", gotID)
	assert.Equal(t, "PROCESSING", decodeBody(t, rec)["status"])
}

func TestHandleStatus(t *testing.T) {
	engine := &mockEngine{
		statusFunc: func(_ context.Context, id string) (transfer.StatusView, error) {
			if id == "req-404" {
				return transfer.StatusView{}, &transfer.NotFoundError{TransferID: id}
			}

			return transfer.StatusView{TransferID: id, Status: storage.StatusReady, DataStored: true}, nil
		},
	}
	h := NewExchangeHandler(engine, &mockRegistry{})

	rec := serve(t, h, http.MethodGet, "/data/request/req-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "req-1", body["requestId"])
	assert.Equal(t, "READY", body["status"])
	assert.Equal(t, true, body["dataStored"])

	rec = serve(t, h, http.MethodGet, "/data/request/req-404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMessages(t *testing.T) {
	engine := &mockEngine{
		listFunc: func(_ context.Context, entityID string) ([]transfer.StatusView, error) {
			return []transfer.StatusView{
				{TransferID: "req-2", Status: storage.StatusDelivered, ToEntity: entityID},
				{TransferID: "req-1", Status: storage.StatusFailed, ToEntity: entityID},
			}, nil
		},
	}

	rec := serve(t, NewExchangeHandler(engine, &mockRegistry{}), http.MethodGet, "/communication/messages/requester", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "requester", body["bridgeId"])
	assert.EqualValues(t, 2, body["count"])
	assert.Len(t, body["transfers"], 2)
}

func TestHandleRegistry(t *testing.T) {
	registry := &mockRegistry{}
	h := NewExchangeHandler(&mockEngine{}, registry)

	rec := serve(t, h, http.MethodPut, "/bridges/holder",
		`{"entityType":"DATA_HOLDER","name":"Holder","webhookUrl":"http://holder/hook"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, registry.bridges, 1)
	assert.Equal(t, "holder", registry.bridges[0].BridgeID)
	assert.Equal(t, "http://holder/hook", registry.bridges[0].WebhookURL)

	rec = serve(t, h, http.MethodPut, "/consents/consent-1", `{"subjectId":"subject-1","status":"APPROVED"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, registry.consents, 1)
	assert.Equal(t, "consent-1", registry.consents[0].ConsentID)

	rec = serve(t, h, http.MethodPut, "/consents/consent-2", `{"subjectId":"subject-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, http.MethodGet, "/bridges/holder", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://holder/hook", decodeBody(t, rec)["WebhookURL"])

	rec = serve(t, h, http.MethodGet, "/consents/consent-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "APPROVED", decodeBody(t, rec)["Status"])

	for _, path := range []string{"/bridges/unknown", "/consents/unknown"} {
		rec = serve(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "not_found", decodeBody(t, rec)["error"], path)
	}
}
