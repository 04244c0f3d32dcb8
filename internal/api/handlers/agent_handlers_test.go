package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync-go/config"
	apiclient "fieldsync-go/internal/api/client"
	"fieldsync-go/internal/core/models"
	"fieldsync-go/internal/server/sse"
	"fieldsync-go/internal/store"
	enginesync "fieldsync-go/internal/sync"
)

// stubGateway bestätigt jede Übermittlung sofort
type stubGateway struct{}

func (stubGateway) Submit(_ context.Context, op *models.Operation) (*apiclient.SubmitResult, error) {
	return &apiclient.SubmitResult{
		Status: models.SubmissionCreated,
		Record: &apiclient.Record{IdempotencyKey: op.IdempotencyKey},
	}, nil
}

func setupAgent(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := enginesync.NewEngine(st, stubGateway{}, config.SyncConfig{
		ProcessingInterval: 60,
		MaxRetries:         3,
		RetryInitialDelay:  1,
		RetryBackoffFactor: 2.0,
		RetryMaxDelay:      60,
		MaxInFlight:        2,
	})

	hub := sse.NewHub()
	go hub.Run()

	handler := NewAgentHandler(st, engine, hub)
	router := gin.New()
	api := router.Group("/api")
	handler.RegisterRoutes(api)
	return router, st
}

func enqueueBody(key string) []byte {
	body, _ := json.Marshal(map[string]any{
		"idempotency_key": key,
		"target":          models.TargetSiteVisits,
		"kind":            models.OpKindCreate,
		"payload":         map[string]any{"employer_id": "E1"},
	})
	return body
}

func postJSON(router *gin.Engine, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestEnqueueIdempotentOverAPI(t *testing.T) {
	router, _ := setupAgent(t)
	key := testKey("visit", "enqueue")

	w := postJSON(router, "/api/operations", enqueueBody(key))
	require.Equal(t, http.StatusCreated, w.Code)

	var first struct {
		Operation models.Operation `json:"operation"`
		Created   bool             `json:"created"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.True(t, first.Created)
	assert.Equal(t, models.OpStatusPending, first.Operation.Status)

	// Zweiter Versuch mit demselben Schlüssel: 200 mit dem vorhandenen Eintrag
	w = postJSON(router, "/api/operations", enqueueBody(key))
	require.Equal(t, http.StatusOK, w.Code)

	var second struct {
		Operation models.Operation `json:"operation"`
		Created   bool             `json:"created"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.False(t, second.Created)
	assert.Equal(t, first.Operation.ID, second.Operation.ID)
}

func TestEnqueueRejectsMalformedKey(t *testing.T) {
	router, _ := setupAgent(t)

	w := postJSON(router, "/api/operations", enqueueBody("not-a-key"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestListOperationsFiltered(t *testing.T) {
	router, st := setupAgent(t)

	w := postJSON(router, "/api/operations", enqueueBody(testKey("visit", "a")))
	require.Equal(t, http.StatusCreated, w.Code)
	w = postJSON(router, "/api/operations", enqueueBody(testKey("visit", "b")))
	require.Equal(t, http.StatusCreated, w.Code)

	ops, err := st.List("")
	require.NoError(t, err)
	failed := models.OpStatusFailed
	require.NoError(t, st.Update(ops[0].ID, store.Patch{Status: &failed}))

	req := httptest.NewRequest(http.MethodGet, "/api/operations?status=failed", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Operations []models.Operation `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Operations, 1)
}

func TestRetryEndpoint(t *testing.T) {
	router, st := setupAgent(t)

	w := postJSON(router, "/api/operations", enqueueBody(testKey("visit", "a")))
	require.Equal(t, http.StatusCreated, w.Code)

	ops, err := st.List("")
	require.NoError(t, err)
	id := ops[0].ID

	// Pending lässt sich nicht zurücksetzen
	w = postJSON(router, "/api/operations/"+itoa(id)+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	failed := models.OpStatusFailed
	require.NoError(t, st.Update(id, store.Patch{Status: &failed}))

	w = postJSON(router, "/api/operations/"+itoa(id)+"/retry", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	got, err := st.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.OpStatusPending, got.Status)

	w = postJSON(router, "/api/operations/9999/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRemoveEndpoint(t *testing.T) {
	router, st := setupAgent(t)

	w := postJSON(router, "/api/operations", enqueueBody(testKey("visit", "a")))
	require.Equal(t, http.StatusCreated, w.Code)
	w = postJSON(router, "/api/operations", enqueueBody(testKey("visit", "b")))
	require.Equal(t, http.StatusCreated, w.Code)

	ops, err := st.List("")
	require.NoError(t, err)

	// Ausstehende Operation: Abbruch
	req := httptest.NewRequest(http.MethodDelete, "/api/operations/"+itoa(ops[0].ID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Fehlgeschlagene Operation: Verwerfen
	failed := models.OpStatusFailed
	require.NoError(t, st.Update(ops[1].ID, store.Patch{Status: &failed}))
	req = httptest.NewRequest(http.MethodDelete, "/api/operations/"+itoa(ops[1].ID), nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	remaining, err := st.List("")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// Operation in Übermittlung: Konflikt
	w = postJSON(router, "/api/operations", enqueueBody(testKey("visit", "c")))
	require.Equal(t, http.StatusCreated, w.Code)
	ops, err = st.List("")
	require.NoError(t, err)
	_, err = st.MarkSyncing(ops[0].ID)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodDelete, "/api/operations/"+itoa(ops[0].ID), nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/operations/9999", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerSyncEndpoint(t *testing.T) {
	router, _ := setupAgent(t)

	w := postJSON(router, "/api/sync", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestAgentStatusEndpoint(t *testing.T) {
	router, _ := setupAgent(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Queue  models.SyncStats `json:"queue"`
		System map[string]any   `json:"system"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.System, "num_cpu")
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
