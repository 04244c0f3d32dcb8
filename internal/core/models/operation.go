package models

import (
	"time"

	"gorm.io/datatypes"
)

// Operation repräsentiert eine ausstehende Mutation, die auf dem Gerät
// erfasst wurde und später gegen das Ingest-Gateway abgespielt wird.
// Der Idempotenzschlüssel ist eindeutig: ein erneutes Einreihen identischer
// Eingaben erzeugt keinen zweiten Eintrag.
type Operation struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	IdempotencyKey string         `gorm:"uniqueIndex;size:128;not null" json:"idempotency_key"` // <domain>_<sha256-hex>
	Kind           string         `gorm:"index;not null" json:"kind"`                           // "create", "update", "delete"
	Target         string         `gorm:"index;not null" json:"target"`                         // Logische Ressource, z.B. "site_visits"
	Payload        datatypes.JSON `json:"payload"`                                              // Opaker Inhalt der Geschäftsmutation
	Status         string         `gorm:"index;default:'pending'" json:"status"`
	RetryCount     int            `gorm:"default:0" json:"retry_count"` // Anzahl der bisherigen Fehlversuche
	LastError      string         `json:"last_error,omitempty"`         // Letzte Fehlermeldung
	CreatedAt      time.Time      `gorm:"index" json:"created_at"`
	LastAttemptAt  time.Time      `json:"last_attempt_at"` // Zeitpunkt des letzten Übermittlungsversuchs
}

// OperationKinds definiert die möglichen Mutationsarten
const (
	OpKindCreate = "create"
	OpKindUpdate = "update"
	OpKindDelete = "delete"
)

// OperationStatus definiert die möglichen Status.
// Übergänge laufen vorwärts; einzig "failed" darf durch eine vom Benutzer
// ausgelöste Wiederholung zurück auf "pending" gesetzt werden.
// "completed" ist flüchtig und wird nie gespeichert: eine bestätigte
// Operation wird unmittelbar aus der Warteschlange entfernt, der Status
// benennt lediglich den Endzustand des Automaten.
const (
	OpStatusPending   = "pending"
	OpStatusSyncing   = "syncing"
	OpStatusCompleted = "completed"
	OpStatusFailed    = "failed"
)

// OperationTargets definiert die bekannten Zielressourcen
const (
	TargetSiteVisits = "site_visits"
	TargetBatchJobs  = "batch_jobs"
	TargetRatings    = "ratings"
)

// SyncStats ist der schreibgeschützte Statusauszug der Warteschlange,
// der an die Präsentationsschicht gereicht wird.
type SyncStats struct {
	PendingCount int       `json:"pending_count"`
	SyncingCount int       `json:"syncing_count"`
	FailedCount  int       `json:"failed_count"`
	LastSyncAt   time.Time `json:"last_sync_at"`
}
