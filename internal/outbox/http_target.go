package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lodeworks/lodestone/internal/storage"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPTarget delivers outbox payloads to a remote sync endpoint as JSON.
type HTTPTarget struct {
	endpoint string
	client   *http.Client
}

// NewHTTPTarget builds a target posting to endpoint.
func NewHTTPTarget(endpoint string, client *http.Client) *HTTPTarget {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPTarget{endpoint: endpoint, client: client}
}

type deliveryPayload struct {
	OutboxID string             `json:"outboxId"`
	DocID    string             `json:"docId"`
	Kind     storage.OutboxKind `json:"kind"`
	Payload  []byte             `json:"payload"`
}

// Deliver implements SyncTarget.
func (t *HTTPTarget) Deliver(ctx context.Context, item storage.OutboxItem) error {
	body, err := json.Marshal(deliveryPayload{
		OutboxID: item.OutboxID,
		DocID:    item.DocID,
		Kind:     item.Kind,
		Payload:  item.Payload,
	})
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := t.client.Do(request)
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("deliver: unexpected status %d", response.StatusCode)
	}
	return nil
}
