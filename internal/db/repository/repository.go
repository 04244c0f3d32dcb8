package repository

import (
	"errors"
	"strings"

	"fieldsync-go/internal/core/models"

	"gorm.io/gorm"
)

// Repository definiert die Schnittstelle für die Gateway-Persistenz
type Repository interface {
	// InsertOnce persistiert einen ServerRecord unter dem Unique-Index des
	// Idempotenzschlüssels. Existiert der Schlüssel bereits, wird der
	// vorhandene Datensatz geholt und created=false zurückgegeben; der
	// Geschäftseffekt darf dann nicht erneut ausgeführt werden.
	InsertOnce(record *models.ServerRecord) (*models.ServerRecord, bool, error)

	// FindByKey holt einen ServerRecord anhand seines Idempotenzschlüssels
	FindByKey(key string) (*models.ServerRecord, error)

	// ListByDomain holt Datensätze einer Domäne mit Pagination
	ListByDomain(domain string, limit, offset int) ([]models.ServerRecord, int64, error)

	// Statistik für die Statusanzeige
	CountRecords() (int64, error)
}

// SQLiteRepository implementiert die Repository-Schnittstelle für SQLite
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository erstellt eine neue SQLite-Repository-Instanz
func NewSQLiteRepository(db *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// InsertOnce versucht den Insert und fällt bei einer Unique-Verletzung auf
// das Nachschlagen zurück. Bei zwei nebenläufigen Einreichungen desselben
// Schlüssels gewinnt genau eine; die Verliererin erhält den Datensatz der
// Gewinnerin. Der Unique-Index der Datenbank ist dabei das einzige Lock.
func (r *SQLiteRepository) InsertOnce(record *models.ServerRecord) (*models.ServerRecord, bool, error) {
	err := r.db.Create(record).Error
	if err == nil {
		return record, true, nil
	}

	if !IsUniqueViolation(err) {
		return nil, false, err
	}

	existing, ferr := r.FindByKey(record.IdempotencyKey)
	if ferr != nil {
		return nil, false, ferr
	}
	if existing == nil {
		// Unique-Verletzung ohne auffindbaren Datensatz: darf nicht
		// vorkommen, außer der Datensatz wurde gerade gelöscht
		return nil, false, err
	}
	return existing, false, nil
}

// FindByKey holt einen ServerRecord anhand seines Idempotenzschlüssels
func (r *SQLiteRepository) FindByKey(key string) (*models.ServerRecord, error) {
	var record models.ServerRecord
	result := r.db.Where("idempotency_key = ?", key).First(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &record, nil
}

// ListByDomain holt Datensätze einer Domäne mit Pagination
func (r *SQLiteRepository) ListByDomain(domain string, limit, offset int) ([]models.ServerRecord, int64, error) {
	var records []models.ServerRecord
	var total int64

	query := r.db.Model(&models.ServerRecord{})
	if domain != "" {
		query = query.Where("domain = ?", domain)
	}
	query.Count(&total)

	result := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&records)
	if result.Error != nil {
		return nil, 0, result.Error
	}

	return records, total, nil
}

// CountRecords zählt alle persistierten Datensätze
func (r *SQLiteRepository) CountRecords() (int64, error) {
	var total int64
	if err := r.db.Model(&models.ServerRecord{}).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// sqlStater wird von Postgres-Treibern implementiert (SQLSTATE 23505 =
// unique_violation). Der SQLite-Treiber liefert stattdessen übersetzte
// GORM-Fehler bzw. den Meldungstext.
type sqlStater interface {
	SQLState() string
}

// sqliteCoder deckt die Fehlercodes des modernc-basierten SQLite-Treibers ab
// (2067 = SQLITE_CONSTRAINT_UNIQUE, 1555 = SQLITE_CONSTRAINT_PRIMARYKEY).
type sqliteCoder interface {
	Code() int
}

// IsUniqueViolation klassifiziert einen Fehler als Unique-Verletzung.
// Strukturierte Signale (gorm.ErrDuplicatedKey, SQLSTATE, Treibercode)
// werden zuerst geprüft; der Textabgleich bleibt als Rückfallebene für
// Backends erhalten, die keine strukturierten Codes liefern.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var stater sqlStater
	if errors.As(err, &stater) {
		return stater.SQLState() == "23505"
	}

	var coder sqliteCoder
	if errors.As(err, &coder) {
		code := coder.Code()
		return code == 2067 || code == 1555
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key value")
}
