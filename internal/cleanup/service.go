package cleanup

import (
	"time"

	"fieldsync-go/internal/core/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Service handles the automatic cleanup of old server records. Records older
// than the retention window are no longer needed for duplicate detection:
// clients never replay a submission that long after capture.
type Service struct {
	db            *gorm.DB
	retentionDays int
	checkInterval time.Duration
	stopChan      chan struct{} // Channel to signal stopping the background routine
}

// NewService creates a new cleanup service. Returns nil when cleanup is
// disabled via retention_days <= 0.
func NewService(db *gorm.DB, retentionDays int, checkInterval time.Duration) *Service {
	if retentionDays <= 0 {
		log.Info("Automatic cleanup disabled (retention_days <= 0).")
		return nil
	}
	if db == nil {
		log.Error("Cannot initialize cleanup service: database connection is nil")
		return nil
	}
	log.Infof("Initializing cleanup service: RetentionDays=%d, CheckInterval=%s", retentionDays, checkInterval)
	return &Service{
		db:            db,
		retentionDays: retentionDays,
		checkInterval: checkInterval,
		stopChan:      make(chan struct{}),
	}
}

// StartBackgroundCleanup starts a goroutine that periodically runs the cleanup cycle.
func (s *Service) StartBackgroundCleanup() {
	if s == nil {
		return // Service was not initialized (cleanup disabled)
	}
	log.Info("Starting background cleanup routine...")

	// Run cleanup once immediately on start
	go s.RunCleanupCycle()

	ticker := time.NewTicker(s.checkInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunCleanupCycle()
			case <-s.stopChan:
				log.Info("Background cleanup routine stopped.")
				return
			}
		}
	}()
}

// StopBackgroundCleanup signals the background routine to stop.
func (s *Service) StopBackgroundCleanup() {
	if s == nil {
		return
	}
	close(s.stopChan)
}

// RunCleanupCycle deletes all records older than the retention window.
func (s *Service) RunCleanupCycle() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	log.Debugf("Running cleanup cycle, deleting records created before %s", cutoff.Format(time.RFC3339))

	result := s.db.Where("created_at < ?", cutoff).Delete(&models.ServerRecord{})
	if result.Error != nil {
		log.WithError(result.Error).Error("Cleanup cycle failed")
		return
	}
	if result.RowsAffected > 0 {
		log.Infof("Cleanup removed %d expired server records", result.RowsAffected)
	}
}
