package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"fieldsync-go/config"
	"fieldsync-go/internal/core/models"
	"fieldsync-go/internal/db/repository"
	"fieldsync-go/internal/server/sse"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// keyPattern prüft das Schlüsselformat <domain>_<64 Hex-Zeichen>
var keyPattern = regexp.MustCompile(`^[a-z]+_[0-9a-f]{64}$`)

// RecordPublisher erhält frisch angewendete Datensätze (z.B. MQTT)
type RecordPublisher interface {
	PublishRecord(record models.ServerRecord, status string)
}

// IngestHandler behandelt die Einreichungs-API des Gateways
type IngestHandler struct {
	repo       repository.Repository
	cfg        *config.Config
	hub        *sse.Hub
	publishers []RecordPublisher
	startedAt  time.Time
}

// NewIngestHandler erstellt einen neuen Ingest-Handler
func NewIngestHandler(repo repository.Repository, cfg *config.Config, hub *sse.Hub) *IngestHandler {
	return &IngestHandler{
		repo:      repo,
		cfg:       cfg,
		hub:       hub,
		startedAt: time.Now(),
	}
}

// AddRecordPublisher registriert einen zusätzlichen Abnehmer für
// angewendete Datensätze
func (h *IngestHandler) AddRecordPublisher(p RecordPublisher) {
	h.publishers = append(h.publishers, p)
}

// RegisterRoutes registriert alle Gateway-Routen
func (h *IngestHandler) RegisterRoutes(router *gin.RouterGroup) {
	// Einreichungs-Endpunkte
	router.POST("/ingest/:domain", h.IngestOperation)

	// Datensatz-Endpunkte
	router.GET("/records", h.ListRecords)
	router.GET("/records/:key", h.GetRecord)

	// System-Endpunkte
	router.GET("/health", h.Health)
	router.GET("/status", h.GetStatus)
}

// ingestRequest ist der Anfrage-Body einer Einreichung
type ingestRequest struct {
	IdempotencyKey string         `json:"idempotency_key" binding:"required"`
	Target         string         `json:"target" binding:"required"`
	Kind           string         `json:"kind" binding:"required"`
	DeviceID       string         `json:"device_id"`
	Payload        datatypes.JSON `json:"payload"`
}

// recordResponse spiegelt einen ServerRecord in der API-Antwort
type recordResponse struct {
	RecordID       string         `json:"record_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Domain         string         `json:"domain"`
	Target         string         `json:"target"`
	Kind           string         `json:"kind"`
	Payload        datatypes.JSON `json:"payload"`
	CreatedAt      time.Time      `json:"created_at"`
}

func toRecordResponse(r *models.ServerRecord) recordResponse {
	return recordResponse{
		RecordID:       r.RecordID,
		IdempotencyKey: r.IdempotencyKey,
		Domain:         r.Domain,
		Target:         r.Target,
		Kind:           r.Kind,
		Payload:        r.Payload,
		CreatedAt:      r.CreatedAt,
	}
}

// IngestOperation nimmt eine Operation entgegen und wendet sie höchstens
// einmal an. Der Unique-Index auf dem Idempotenzschlüssel entscheidet das
// Rennen; die Verliererin einer nebenläufigen Einreichung erhält den bereits
// persistierten Datensatz mit dem Signal "duplicate" (HTTP 409).
func (h *IngestHandler) IngestOperation(c *gin.Context) {
	domain := c.Param("domain")

	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	if !keyPattern.MatchString(req.IdempotencyKey) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed idempotency key"})
		return
	}
	if keyDomain(req.IdempotencyKey) != domain {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": fmt.Sprintf("idempotency key domain does not match route domain %q", domain)})
		return
	}

	switch req.Kind {
	case models.OpKindCreate, models.OpKindUpdate, models.OpKindDelete:
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fmt.Sprintf("unknown operation kind %q", req.Kind)})
		return
	}

	record := &models.ServerRecord{
		RecordID:       uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		Domain:         domain,
		Target:         req.Target,
		Kind:           req.Kind,
		DeviceID:       req.DeviceID,
		Payload:        req.Payload,
	}

	persisted, created, err := h.repo.InsertOnce(record)
	if err != nil {
		log.WithError(err).Error("Fehler beim Persistieren der Einreichung")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist submission"})
		return
	}

	status := models.SubmissionDuplicate
	httpStatus := http.StatusConflict
	if created {
		status = models.SubmissionCreated
		httpStatus = http.StatusCreated
		log.Infof("Applied %s operation on '%s' (key: %s, record: %s)",
			persisted.Kind, persisted.Target, persisted.IdempotencyKey, persisted.RecordID)
	} else {
		log.Debugf("Duplicate submission for key %s, returning record %s",
			persisted.IdempotencyKey, persisted.RecordID)
	}

	// Nur die erste Anwendung wird verteilt; Duplikate haben keinen Effekt
	if created {
		if h.hub != nil {
			h.hub.BroadcastRecordApplied(*persisted, status)
		}
		for _, p := range h.publishers {
			p.PublishRecord(*persisted, status)
		}
	}

	c.JSON(httpStatus, gin.H{
		"status": status,
		"record": toRecordResponse(persisted),
	})
}

// GetRecord holt einen Datensatz anhand seines Idempotenzschlüssels
func (h *IngestHandler) GetRecord(c *gin.Context) {
	key := c.Param("key")
	if !keyPattern.MatchString(key) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed idempotency key"})
		return
	}

	record, err := h.repo.FindByKey(key)
	if err != nil {
		log.WithError(err).Error("Fehler beim Nachschlagen des Datensatzes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up record"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"record": toRecordResponse(record)})
}

// ListRecords holt Datensätze mit Pagination, optional gefiltert nach Domäne
func (h *IngestHandler) ListRecords(c *gin.Context) {
	domain := c.Query("domain")

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	records, total, err := h.repo.ListByDomain(domain, limit, offset)
	if err != nil {
		log.WithError(err).Error("Fehler beim Auflisten der Datensätze")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list records"})
		return
	}

	responses := make([]recordResponse, 0, len(records))
	for i := range records {
		responses = append(responses, toRecordResponse(&records[i]))
	}

	c.JSON(http.StatusOK, gin.H{
		"records": responses,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// Health ist der Liveness-Endpunkt für Agenten und Load-Balancer
func (h *IngestHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// keyDomain extrahiert das Domänen-Tag aus einem Idempotenzschlüssel
func keyDomain(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '_' {
			return key[:i]
		}
	}
	return ""
}
