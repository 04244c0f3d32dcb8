package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fieldsync-go/config"
	"fieldsync-go/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// Client ist der HTTP-Client des Agenten für das Ingest-Gateway
type Client struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client
}

// TransientError kennzeichnet einen wiederholbaren Fehlschlag:
// Netzwerkfehler, Timeouts und 5xx-Antworten. Die SyncEngine wiederholt
// solche Übermittlungen automatisch mit Backoff.
type TransientError struct {
	StatusCode int // 0 bei reinen Transportfehlern
	Cause      error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient gateway error (status %d): %v", e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("transient network error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// ValidationError kennzeichnet einen permanenten Fehlschlag (4xx außer
// Duplikat). Die Operation wandert in den Status "failed"; eine Wiederholung
// erfordert eine Benutzeraktion.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("submission rejected (status %d): %s", e.StatusCode, e.Message)
}

// Record spiegelt den ServerRecord in der Gateway-Antwort
type Record struct {
	RecordID       string          `json:"record_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Domain         string          `json:"domain"`
	Target         string          `json:"target"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SubmitResult ist das Ergebnis einer erfolgreichen Einreichung.
// "duplicate" ist dabei gleichwertig zu "created": der Effekt ist bestätigt,
// die Operation kann aus der Warteschlange entfernt werden.
type SubmitResult struct {
	Status string  `json:"status"` // "created" oder "duplicate"
	Record *Record `json:"record"`
}

// submitRequest ist der Anfrage-Body der Einreichung
type submitRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Target         string          `json:"target"`
	Kind           string          `json:"kind"`
	DeviceID       string          `json:"device_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// errorResponse ist der Fehler-Body des Gateways
type errorResponse struct {
	Error string `json:"error"`
}

// NewClient erstellt einen neuen Gateway-Client
func NewClient(cfg config.AgentConfig) *Client {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.ServerURL, "/"),
		deviceID: cfg.DeviceID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Submit übermittelt eine Operation an das Gateway. Die Domäne wird aus dem
// Schlüsselpräfix abgeleitet (<domain>_<hex>), sodass das Gateway grob routen
// kann, ohne den Hash zu dekodieren.
func (c *Client) Submit(ctx context.Context, op *models.Operation) (*SubmitResult, error) {
	domain := keyDomain(op.IdempotencyKey)

	apiURL, err := url.JoinPath(c.baseURL, "/api/ingest/", domain)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest URL: %w", err)
	}

	body, err := json.Marshal(submitRequest{
		IdempotencyKey: op.IdempotencyKey,
		Target:         op.Target,
		Kind:           op.Kind,
		DeviceID:       c.deviceID,
		Payload:        json.RawMessage(op.Payload),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debugf("Submitting operation %d (key: %s) to %s", op.ID, op.IdempotencyKey, apiURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transportfehler und Timeouts sind grundsätzlich wiederholbar
		return nil, &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{StatusCode: resp.StatusCode, Cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusConflict:
		// 201 = erstmalig angewendet, 409 = Schlüssel existierte bereits.
		// Beides bestätigt den Effekt; der Unterschied ist nur informativ.
		var result SubmitResult
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, &TransientError{StatusCode: resp.StatusCode,
				Cause: fmt.Errorf("failed to decode gateway response: %w", err)}
		}
		return &result, nil

	case resp.StatusCode >= 500:
		return nil, &TransientError{StatusCode: resp.StatusCode,
			Cause: fmt.Errorf("gateway reported %s", resp.Status)}

	default:
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(respBody))
		}
		return nil, &ValidationError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
}

// Ping prüft, ob das Gateway erreichbar ist
func (c *Client) Ping(ctx context.Context) error {
	apiURL, err := url.JoinPath(c.baseURL, "/api/health")
	if err != nil {
		return fmt.Errorf("failed to create health URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TransientError{StatusCode: resp.StatusCode,
			Cause: fmt.Errorf("gateway health check returned %s", resp.Status)}
	}
	return nil
}

// keyDomain extrahiert das Domänen-Tag aus einem Idempotenzschlüssel
func keyDomain(key string) string {
	if idx := strings.Index(key, "_"); idx > 0 {
		return key[:idx]
	}
	return "unknown"
}
