package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RequestTypeDataRequest tags a forward call as a new data request.
const RequestTypeDataRequest = "DATA_REQUEST"

// DeliveryStatusSuccess marks a delivery call as carrying data.
const DeliveryStatusSuccess = "SUCCESS"

// ForwardRequest is the body sent to the data holder when a transfer is requested.
type ForwardRequest struct {
	RequestID   string   `json:"requestId"`
	RequestType string   `json:"requestType"`
	SubjectID   string   `json:"subjectId"`
	ConsentID   string   `json:"consentId"`
	ItemIDs     []string `json:"itemIds"`
	DataTypes   []string `json:"dataTypes"`
	FromEntity  string   `json:"fromEntity"`
	ToEntity    string   `json:"toEntity"`
}

// DeliveryNotice is the body sent to the data requester with the sealed payload.
type DeliveryNotice struct {
	RequestID     string    `json:"requestId"`
	Status        string    `json:"status"`
	EncryptedData string    `json:"encryptedData"`
	DataCount     int       `json:"dataCount"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// WebhookError reports a callback that answered with a non-2xx status.
type WebhookError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *WebhookError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("webhook %s failed with status %d: %s", e.URL, e.StatusCode, e.Body)
	}

	return fmt.Sprintf("webhook %s failed with status %d", e.URL, e.StatusCode)
}

// WebhookClient posts JSON to participant callback addresses.
type WebhookClient struct {
	client *http.Client
}

// NewWebhookClient returns a client whose calls give up after timeout.
func NewWebhookClient(timeout time.Duration) *WebhookClient {
	return &WebhookClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Forward notifies the data holder of a new transfer request.
func (c *WebhookClient) Forward(ctx context.Context, url string, req ForwardRequest) error {
	if req.RequestType == "" {
		req.RequestType = RequestTypeDataRequest
	}

	return c.post(ctx, url, req)
}

// Deliver hands the sealed payload to the data requester.
func (c *WebhookClient) Deliver(ctx context.Context, url string, notice DeliveryNotice) error {
	if notice.Status == "" {
		notice.Status = DeliveryStatusSuccess
	}

	return c.post(ctx, url, notice)
}

func (c *WebhookClient) post(ctx context.Context, url string, payload any) error {
	if url == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return &WebhookError{URL: url, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}
