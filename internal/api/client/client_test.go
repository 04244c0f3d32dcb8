package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"fieldsync-go/config"
	"fieldsync-go/internal/core/models"
)

func testOp(key string) *models.Operation {
	return &models.Operation{
		ID:             1,
		IdempotencyKey: key,
		Kind:           models.OpKindCreate,
		Target:         models.TargetSiteVisits,
		Payload:        datatypes.JSON(`{"employer_id":"E1"}`),
	}
}

func newTestClient(serverURL string) *Client {
	return NewClient(config.AgentConfig{
		ServerURL:      serverURL,
		DeviceID:       "device-1",
		RequestTimeout: 5,
	})
}

func TestSubmitCreated(t *testing.T) {
	var gotPath string
	var gotReq submitRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "created",
			"record": map[string]any{
				"record_id":       "r-1",
				"idempotency_key": gotReq.IdempotencyKey,
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	result, err := c.Submit(context.Background(), testOp("visit_abc"))
	require.NoError(t, err)

	assert.Equal(t, "/api/ingest/visit", gotPath)
	assert.Equal(t, "device-1", gotReq.DeviceID)
	assert.Equal(t, models.SubmissionCreated, result.Status)
	require.NotNil(t, result.Record)
	assert.Equal(t, "r-1", result.Record.RecordID)
}

// 409 ist eine Erfolgsantwort: der Effekt wurde bereits früher bestätigt
func TestSubmitDuplicateIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "duplicate",
			"record": map[string]any{"record_id": "r-1"},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	result, err := c.Submit(context.Background(), testOp("visit_abc"))
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionDuplicate, result.Status)
}

func TestSubmitServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Submit(context.Background(), testOp("visit_abc"))
	require.Error(t, err)

	var tErr *TransientError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, http.StatusBadGateway, tErr.StatusCode)
}

func TestSubmitConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // Verbindung wird abgelehnt

	c := newTestClient(srv.URL)
	_, err := c.Submit(context.Background(), testOp("visit_abc"))
	require.Error(t, err)

	var tErr *TransientError
	require.ErrorAs(t, err, &tErr)
	assert.Zero(t, tErr.StatusCode)
}

func TestSubmitRejectionIsValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "malformed idempotency key"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Submit(context.Background(), testOp("visit_abc"))
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, http.StatusUnprocessableEntity, vErr.StatusCode)
	assert.Equal(t, "malformed idempotency key", vErr.Message)
}

func TestSubmitUnstructuredErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such route", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Submit(context.Background(), testOp("visit_abc"))

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "no such route", vErr.Message)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	assert.NoError(t, c.Ping(context.Background()))

	down := newTestClient("http://127.0.0.1:1")
	err := down.Ping(context.Background())
	var tErr *TransientError
	require.ErrorAs(t, err, &tErr)
}

func TestKeyDomain(t *testing.T) {
	assert.Equal(t, "visit", keyDomain("visit_abc"))
	assert.Equal(t, "batch", keyDomain("batch_000"))
	assert.Equal(t, "unknown", keyDomain("nodomainhere"))
	assert.Equal(t, "unknown", keyDomain("_leading"))
}
