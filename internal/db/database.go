package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fieldsync-go/config"
	"fieldsync-go/internal/core/models"

	"github.com/glebarez/sqlite" // Pure Go SQLite Treiber
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Initialize öffnet die Gateway-Datenbank und führt die Migrationen durch.
// Die Verbindung wird explizit zurückgegeben statt global gehalten, damit
// Tests isolierte Instanzen aufbauen können.
func Initialize(cfg config.DBConfig) (*gorm.DB, error) {
	// Sicherstellen, dass das Verzeichnis für die Datenbankdatei existiert
	if cfg.File != "" {
		dbDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Konfiguration des GORM-Loggers
	gormLogger := logger.New(
		log.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second * 2,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Infof("Connecting to database: %s", cfg.File)

	// TranslateError bildet Treiberfehler auf gorm.ErrDuplicatedKey ab;
	// darauf stützt sich die Exactly-Once-Logik des Gateways
	// busy_timeout lässt nebenläufige Einreichungen auf die Schreibsperre
	// warten, statt mit SQLITE_BUSY zu scheitern
	dsn := cfg.File + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	// Verbindungs-Pool-Einstellungen
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("Database connection established successfully")

	// Auto-Migrationen durchführen
	if err := db.AutoMigrate(&models.ServerRecord{}); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	log.Info("Database migrations completed successfully")
	return db, nil
}
