package models

import (
	"time"

	"gorm.io/datatypes"
)

// ServerRecord ist das dauerhafte Ergebnis einer erfolgreich angewendeten
// Operation. Der Idempotenzschlüssel trägt einen Unique-Index; der Datensatz
// wird beim ersten erfolgreichen Apply erzeugt und danach nie verändert.
// Doppelte Einreichungen erhalten den vorhandenen Datensatz zurück.
type ServerRecord struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	RecordID       string         `gorm:"uniqueIndex;size:36;not null" json:"record_id"` // Vom Server vergebene UUID
	IdempotencyKey string         `gorm:"uniqueIndex;size:128;not null" json:"idempotency_key"`
	Domain         string         `gorm:"index;not null" json:"domain"` // Domänen-Tag aus dem Schlüssel, z.B. "batch"
	Target         string         `gorm:"index;not null" json:"target"`
	Kind           string         `gorm:"not null" json:"kind"`
	DeviceID       string         `gorm:"index" json:"device_id,omitempty"` // Einreichendes Gerät (informativ)
	Payload        datatypes.JSON `json:"payload"`
	CreatedAt      time.Time      `gorm:"index" json:"created_at"`
}

// SubmissionStatus definiert die möglichen Ergebnisse einer Einreichung
const (
	SubmissionCreated   = "created"
	SubmissionDuplicate = "duplicate"
)
