package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/exchange_gateway/internal/logctx"
	"github.com/italolelis/exchange_gateway/internal/storage"
	"github.com/italolelis/exchange_gateway/internal/transfer"
	"github.com/italolelis/exchange_gateway/internal/vault"
)

const maxBodySize = 10 * 1024 * 1024 // 10MB

// Engine is the set of transfer operations exposed over HTTP.
type Engine interface {
	CreateTransfer(ctx context.Context, req transfer.CreateRequest) (transfer.Receipt, error)
	AcceptData(ctx context.Context, transferID string, bundle vault.Bundle) (storage.Status, error)
	MarkProcessing(ctx context.Context, transferID string) (storage.Status, error)
	GetStatus(ctx context.Context, transferID string) (transfer.StatusView, error)
	ListForEntity(ctx context.Context, entityID string) ([]transfer.StatusView, error)
}

// Registry stores participants and consents.
type Registry interface {
	UpsertBridge(ctx context.Context, b storage.Bridge) error
	UpsertConsent(ctx context.Context, c storage.Consent) error
	Bridge(ctx context.Context, bridgeID string) (storage.Bridge, error)
	Consent(ctx context.Context, consentID string) (storage.Consent, error)
}

type DataRequest struct {
	SubjectID  string   `json:"subjectId"`
	FromEntity string   `json:"fromEntity"`
	ToEntity   string   `json:"toEntity"`
	ConsentID  string   `json:"consentId"`
	ItemIDs    []string `json:"itemIds"`
	DataTypes  []string `json:"dataTypes"`
}

type DataResponse struct {
	RequestID string           `json:"requestId"`
	Records   []map[string]any `json:"records"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

type TransferResponse struct {
	RequestID string         `json:"requestId"`
	Status    storage.Status `json:"status"`
	Error     string         `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type BridgeRequest struct {
	EntityType string `json:"entityType"`
	Name       string `json:"name"`
	WebhookURL string `json:"webhookUrl"`
}

type ConsentRequest struct {
	SubjectID string `json:"subjectId"`
	Status    string `json:"status"`
}

// ExchangeHandler serves the transfer API.
type ExchangeHandler struct {
	engine   Engine
	registry Registry
}

func NewExchangeHandler(engine Engine, registry Registry) *ExchangeHandler {
	return &ExchangeHandler{engine: engine, registry: registry}
}

// Routes returns the HTTP routes for the exchange handler.
func (h *ExchangeHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/communication", func(r chi.Router) {
		r.Post("/data-request", h.HandleDataRequest)
		r.Post("/data-response", h.HandleDataResponse)
		r.Post("/data-flow/{requestID}/processing", h.HandleProcessing)
		r.Get("/messages/{bridgeID}", h.HandleMessages)
	})

	r.Get("/data/request/{requestID}", h.HandleStatus)

	r.Get("/bridges/{bridgeID}", h.HandleGetBridge)
	r.Put("/bridges/{bridgeID}", h.HandlePutBridge)
	r.Get("/consents/{consentID}", h.HandleGetConsent)
	r.Put("/consents/{consentID}", h.HandlePutConsent)

	return r
}

func (h *ExchangeHandler) HandleDataRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req DataRequest
	if !decode(w, r, &req) {
		return
	}

	if req.SubjectID == "" || req.FromEntity == "" || req.ToEntity == "" || req.ConsentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "subjectId, fromEntity, toEntity and consentId are required")

		return
	}

	receipt, err := h.engine.CreateTransfer(ctx, transfer.CreateRequest{
		SubjectRef: req.SubjectID,
		FromEntity: req.FromEntity,
		ToEntity:   req.ToEntity,
		ConsentRef: req.ConsentID,
		ItemIDs:    req.ItemIDs,
		DataTypes:  req.DataTypes,
	})

	var forwardErr *transfer.ForwardError
	if errors.As(err, &forwardErr) {
		writeJSON(w, http.StatusBadGateway, TransferResponse{
			RequestID: receipt.TransferID,
			Status:    receipt.Status,
			Error:     forwardErr.Error(),
		})

		return
	}

	if err != nil {
		h.writeEngineError(ctx, w, err)

		return
	}

	logger.InfoContext(ctx, "data request accepted", "transfer_id", receipt.TransferID, "status", receipt.Status)

	writeJSON(w, http.StatusCreated, TransferResponse{RequestID: receipt.TransferID, Status: receipt.Status})
}

func (h *ExchangeHandler) HandleDataResponse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var resp DataResponse
	if !decode(w, r, &resp) {
		return
	}

	if resp.RequestID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "requestId is required")

		return
	}

	status, err := h.engine.AcceptData(ctx, resp.RequestID, vault.Bundle{Records: resp.Records, Metadata: resp.Metadata})
	if err != nil {
		h.writeEngineError(ctx, w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, TransferResponse{RequestID: resp.RequestID, Status: status})
}

func (h *ExchangeHandler) HandleProcessing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "requestID")

	status, err := h.engine.MarkProcessing(ctx, requestID)
	if err != nil {
		h.writeEngineError(ctx, w, err)

		return
	}

	writeJSON(w, http.StatusOK, TransferResponse{RequestID: requestID, Status: status})
}

func (h *ExchangeHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	view, err := h.engine.GetStatus(ctx, chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeEngineError(ctx, w, err)

		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (h *ExchangeHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bridgeID := chi.URLParam(r, "bridgeID")

	views, err := h.engine.ListForEntity(ctx, bridgeID)
	if err != nil {
		h.writeEngineError(ctx, w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bridgeId":  bridgeID,
		"transfers": views,
		"count":     len(views),
	})
}

func (h *ExchangeHandler) HandleGetBridge(w http.ResponseWriter, r *http.Request) {
	bridge, err := h.registry.Bridge(r.Context(), chi.URLParam(r, "bridgeID"))
	if err != nil {
		h.writeEngineError(r.Context(), w, err)

		return
	}

	writeJSON(w, http.StatusOK, bridge)
}

func (h *ExchangeHandler) HandleGetConsent(w http.ResponseWriter, r *http.Request) {
	consent, err := h.registry.Consent(r.Context(), chi.URLParam(r, "consentID"))
	if err != nil {
		h.writeEngineError(r.Context(), w, err)

		return
	}

	writeJSON(w, http.StatusOK, consent)
}

func (h *ExchangeHandler) HandlePutBridge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BridgeRequest
	if !decode(w, r, &req) {
		return
	}

	bridge := storage.Bridge{
		BridgeID:   chi.URLParam(r, "bridgeID"),
		EntityType: req.EntityType,
		Name:       req.Name,
		WebhookURL: req.WebhookURL,
	}

	if err := h.registry.UpsertBridge(ctx, bridge); err != nil {
		h.writeEngineError(ctx, w, err)

		return
	}

	writeJSON(w, http.StatusOK, bridge)
}

func (h *ExchangeHandler) HandlePutConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ConsentRequest
	if !decode(w, r, &req) {
		return
	}

	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "status is required")

		return
	}

	consent := storage.Consent{
		ConsentID: chi.URLParam(r, "consentID"),
		SubjectID: req.SubjectID,
		Status:    req.Status,
	}

	if err := h.registry.UpsertConsent(ctx, consent); err != nil {
		h.writeEngineError(ctx, w, err)

		return
	}

	writeJSON(w, http.StatusOK, consent)
}

// writeEngineError maps the transfer error taxonomy onto HTTP status codes.
func (h *ExchangeHandler) writeEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		consentErr  *transfer.ConsentError
		stateErr    *transfer.InvalidStateError
		notFoundErr *transfer.NotFoundError
		cryptoErr   *transfer.CryptoError
	)

	switch {
	case errors.As(err, &consentErr):
		status := http.StatusBadRequest
		if consentErr.Reason == transfer.ConsentNotFound {
			status = http.StatusNotFound
		}

		writeError(w, status, "consent_"+string(consentErr.Reason), err.Error())
	case errors.As(err, &stateErr):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.As(err, &notFoundErr):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, transfer.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
	case errors.As(err, &cryptoErr):
		logger.ErrorContext(ctx, "payload could not be sealed", "err", err)
		writeError(w, http.StatusInternalServerError, "crypto_error", "payload could not be processed")
	default:
		logger.ErrorContext(ctx, "request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).WarnContext(r.Context(), "failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")

		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{Error: kind, Message: message})
}
