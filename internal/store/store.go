package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fieldsync-go/internal/core/models"
	"fieldsync-go/internal/util/timezone"

	"github.com/glebarez/sqlite" // Pure Go SQLite Treiber
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotPending wird zurückgegeben, wenn eine Operation abgebrochen werden
// soll, die bereits in Übermittlung ist. Eine laufende Übermittlung wird nie
// unterbrochen; der Ausgang des Netzwerkaufrufs wird immer abgewartet.
var ErrNotPending = errors.New("operation is not pending")

// ErrNotFound wird zurückgegeben, wenn keine Operation mit der ID existiert
var ErrNotFound = errors.New("operation not found")

// Store ist die dauerhafte, gerätelokale Warteschlange ausstehender
// Operationen. Jede Instanz besitzt ihre Datenbankdatei exklusiv; Tests
// können beliebig viele isolierte Instanzen öffnen.
type Store struct {
	db   *gorm.DB
	path string
}

// Open öffnet (oder erstellt) die Warteschlangen-Datenbank und führt die
// Absturz-Wiederherstellung durch: Operationen, die beim letzten Lauf in
// Übermittlung waren, gelten wieder als ausstehend. Das ist sicher, weil
// das erneute Abspielen per Konstruktion idempotent ist.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}

	gormLogger := logger.New(
		log.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second * 2,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	// busy_timeout statt SQLITE_BUSY-Fehlern, wenn mehrere Targets
	// nebenläufig in die Warteschlange schreiben
	dsn := path + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("queue database connection failed: %w", err)
	}

	if err := db.AutoMigrate(&models.Operation{}); err != nil {
		return nil, fmt.Errorf("queue database migration failed: %w", err)
	}

	s := &Store{db: db, path: path}

	if err := s.recoverInFlight(); err != nil {
		return nil, err
	}

	return s, nil
}

// Close schließt die darunterliegende Datenbankverbindung
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get queue database handle: %w", err)
	}
	return sqlDB.Close()
}

// recoverInFlight setzt Operationen im Status "syncing" auf "pending" zurück.
// Der vorherige Versuch hat seinen Abschluss nicht bestätigt, also wird die
// Operation erneut abgespielt; das Gateway dedupliziert über den Schlüssel.
func (s *Store) recoverInFlight() error {
	result := s.db.Model(&models.Operation{}).
		Where("status = ?", models.OpStatusSyncing).
		Update("status", models.OpStatusPending)
	if result.Error != nil {
		return fmt.Errorf("failed to recover in-flight operations: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Infof("Recovered %d in-flight operations back to pending", result.RowsAffected)
	}
	return nil
}

// Enqueue reiht eine Operation ein. Existiert bereits ein Eintrag mit
// demselben Idempotenzschlüssel, wird kein zweiter angelegt; der vorhandene
// Eintrag wird zurückgegeben. Das Einreihen selbst ist damit idempotent.
func (s *Store) Enqueue(op *models.Operation) (*models.Operation, bool, error) {
	if op.Status == "" {
		op.Status = models.OpStatusPending
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = timezone.Now()
	}

	err := s.db.Create(op).Error
	if err == nil {
		log.Infof("Enqueued %s operation for '%s' (id: %d, key: %s)",
			op.Kind, op.Target, op.ID, op.IdempotencyKey)
		return op, true, nil
	}

	// Unique-Verletzung auf dem Schlüssel: vorhandenen Eintrag zurückgeben.
	// Zwei nebenläufige Enqueues mit demselben Schlüssel laufen hier zusammen.
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var existing models.Operation
		if ferr := s.db.Where("idempotency_key = ?", op.IdempotencyKey).First(&existing).Error; ferr != nil {
			return nil, false, fmt.Errorf("failed to fetch existing operation: %w", ferr)
		}
		log.Debugf("Enqueue for key %s resolved to existing operation %d", op.IdempotencyKey, existing.ID)
		return &existing, false, nil
	}

	return nil, false, fmt.Errorf("failed to enqueue operation: %w", err)
}

// List gibt alle Operationen in Erstellungsreihenfolge zurück, optional nach
// Status gefiltert (leerer Status = alle).
func (s *Store) List(status string) ([]models.Operation, error) {
	var ops []models.Operation
	query := s.db.Order("id ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return ops, nil
}

// Get holt eine Operation anhand ihrer ID
func (s *Store) Get(id uint) (*models.Operation, error) {
	var op models.Operation
	if err := s.db.First(&op, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &op, nil
}

// Patch beschreibt eine atomare Teilaktualisierung einer Operation.
// Nur gesetzte Felder werden geschrieben.
type Patch struct {
	Status        *string
	RetryCount    *int
	LastError     *string
	LastAttemptAt *time.Time
}

// Update wendet eine Teilaktualisierung auf eine Operation an
func (s *Store) Update(id uint, patch Patch) error {
	updates := map[string]interface{}{}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.RetryCount != nil {
		updates["retry_count"] = *patch.RetryCount
	}
	if patch.LastError != nil {
		updates["last_error"] = *patch.LastError
	}
	if patch.LastAttemptAt != nil {
		updates["last_attempt_at"] = *patch.LastAttemptAt
	}
	if len(updates) == 0 {
		return nil
	}

	result := s.db.Model(&models.Operation{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update operation %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSyncing setzt eine ausstehende Operation auf "syncing". Der Übergang
// ist bedingt: war die Operation inzwischen abgebrochen oder schon in
// Bearbeitung, wird false zurückgegeben und nichts verändert.
func (s *Store) MarkSyncing(id uint) (bool, error) {
	result := s.db.Model(&models.Operation{}).
		Where("id = ? AND status = ?", id, models.OpStatusPending).
		Update("status", models.OpStatusSyncing)
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark operation %d syncing: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Remove löscht eine Operation endgültig. Wird nur nach bestätigtem
// Abschluss durch das Gateway oder beim Verwerfen einer fehlgeschlagenen
// Operation aufgerufen.
func (s *Store) Remove(id uint) error {
	result := s.db.Delete(&models.Operation{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to remove operation %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel entfernt eine Operation, solange sie noch nicht übermittelt wird.
// Eine Operation in Übermittlung kann nicht abgebrochen werden.
func (s *Store) Cancel(id uint) error {
	result := s.db.Where("id = ? AND status = ?", id, models.OpStatusPending).
		Delete(&models.Operation{})
	if result.Error != nil {
		return fmt.Errorf("failed to cancel operation %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(id); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

// Counts liefert den Statusauszug der Warteschlange für die Statusanzeige
func (s *Store) Counts() (models.SyncStats, error) {
	var stats models.SyncStats

	type row struct {
		Status string
		N      int
	}
	var rows []row
	err := s.db.Model(&models.Operation{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return stats, fmt.Errorf("failed to count operations: %w", err)
	}

	for _, r := range rows {
		switch r.Status {
		case models.OpStatusPending:
			stats.PendingCount = r.N
		case models.OpStatusSyncing:
			stats.SyncingCount = r.N
		case models.OpStatusFailed:
			stats.FailedCount = r.N
		}
	}
	return stats, nil
}
