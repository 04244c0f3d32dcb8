package handlers

import (
	"net/http"
	"time"

	"fieldsync-go/internal/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// GetStatus liefert den Systemstatus des Gateways: Datensatzbestand,
// Laufzeit und Prozessstatistiken
func (h *IngestHandler) GetStatus(c *gin.Context) {
	total, err := h.repo.CountRecords()
	if err != nil {
		log.WithError(err).Error("Fehler beim Zählen der Datensätze")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect status"})
		return
	}

	stats := utils.GetSystemStats()

	c.JSON(http.StatusOK, gin.H{
		"records_total": total,
		"uptime":        time.Since(h.startedAt).Round(time.Second).String(),
		"system": gin.H{
			"num_cpu":      stats.NumCPU,
			"go_routines":  stats.GoRoutines,
			"cpu_usage":    stats.CPUUsage,
			"memory_alloc": utils.FormatBytes(stats.MemoryAlloc),
			"memory_sys":   utils.FormatBytes(stats.MemorySys),
		},
	})
}
