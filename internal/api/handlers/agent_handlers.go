package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"fieldsync-go/internal/core/models"
	"fieldsync-go/internal/server/sse"
	"fieldsync-go/internal/store"
	enginesync "fieldsync-go/internal/sync"
	"fieldsync-go/internal/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// AgentHandler behandelt die lokale Status- und Steuerungs-API des Agenten.
// Sie wird nur auf dem Gerät selbst angeboten und von der Erfassungs-UI
// sowie lokalen Werkzeugen konsumiert.
type AgentHandler struct {
	store  *store.Store
	engine *enginesync.Engine
	hub    *sse.Hub
}

// NewAgentHandler erstellt einen neuen Agent-Handler
func NewAgentHandler(st *store.Store, engine *enginesync.Engine, hub *sse.Hub) *AgentHandler {
	return &AgentHandler{
		store:  st,
		engine: engine,
		hub:    hub,
	}
}

// RegisterRoutes registriert alle Agent-Routen
func (h *AgentHandler) RegisterRoutes(router *gin.RouterGroup) {
	// Warteschlangen-Endpunkte
	router.GET("/operations", h.ListOperations)
	router.POST("/operations", h.EnqueueOperation)
	router.POST("/operations/:id/retry", h.RetryOperation)
	router.DELETE("/operations/:id", h.RemoveOperation)

	// Sync-Endpunkte
	router.POST("/sync", h.TriggerSync)
	router.GET("/status", h.GetStatus)
	router.GET("/events", h.StreamEvents)
}

// enqueueRequest ist der Anfrage-Body zum Einreihen einer Operation
type enqueueRequest struct {
	IdempotencyKey string         `json:"idempotency_key" binding:"required"`
	Target         string         `json:"target" binding:"required"`
	Kind           string         `json:"kind" binding:"required"`
	Payload        datatypes.JSON `json:"payload"`
}

// EnqueueOperation reiht eine Operation in die lokale Warteschlange ein.
// Ein wiederholter Aufruf mit demselben Schlüssel liefert den vorhandenen
// Eintrag zurück, ohne einen zweiten anzulegen.
func (h *AgentHandler) EnqueueOperation(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !keyPattern.MatchString(req.IdempotencyKey) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed idempotency key"})
		return
	}

	op, created, err := h.store.Enqueue(&models.Operation{
		IdempotencyKey: req.IdempotencyKey,
		Target:         req.Target,
		Kind:           req.Kind,
		Payload:        req.Payload,
	})
	if err != nil {
		log.WithError(err).Error("Fehler beim Einreihen der Operation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue operation"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.engine.TriggerSync()
	}
	c.JSON(status, gin.H{"operation": op, "created": created})
}

// ListOperations listet die Warteschlange, optional nach Status gefiltert
func (h *AgentHandler) ListOperations(c *gin.Context) {
	status := c.Query("status")
	ops, err := h.store.List(status)
	if err != nil {
		log.WithError(err).Error("Fehler beim Auflisten der Operationen")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list operations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

// RetryOperation setzt eine fehlgeschlagene Operation manuell zurück
func (h *AgentHandler) RetryOperation(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid operation id"})
		return
	}

	if err := h.engine.RetryOperation(uint(id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RemoveOperation bricht eine ausstehende Operation ab oder verwirft eine
// fehlgeschlagene. Operationen in Übermittlung können nicht entfernt werden.
func (h *AgentHandler) RemoveOperation(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid operation id"})
		return
	}

	err = h.engine.CancelOperation(uint(id))
	if errors.Is(err, store.ErrNotPending) {
		// Fehlgeschlagene Operationen dürfen verworfen werden
		err = h.engine.DiscardOperation(uint(id))
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// TriggerSync stößt einen sofortigen Durchlauf an
func (h *AgentHandler) TriggerSync(c *gin.Context) {
	h.engine.TriggerSync()
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// GetStatus liefert den Statusauszug der Warteschlange samt Prozessstatistiken
func (h *AgentHandler) GetStatus(c *gin.Context) {
	stats, err := h.engine.Stats()
	if err != nil {
		log.WithError(err).Error("Fehler beim Ermitteln des Warteschlangenstatus")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect status"})
		return
	}

	sys := utils.GetSystemStats()

	c.JSON(http.StatusOK, gin.H{
		"queue": stats,
		"system": gin.H{
			"num_cpu":      sys.NumCPU,
			"go_routines":  sys.GoRoutines,
			"cpu_usage":    sys.CPUUsage,
			"memory_alloc": utils.FormatBytes(sys.MemoryAlloc),
		},
	})
}

// StreamEvents streamt Statusänderungen als Server-Sent Events an die UI
func (h *AgentHandler) StreamEvents(c *gin.Context) {
	client := make(sse.Client, 10)
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-client:
			if !ok {
				return false
			}
			c.SSEvent("message", string(msg))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
