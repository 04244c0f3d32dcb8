package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config repräsentiert die Hauptkonfiguration der Anwendung.
// Beide Binaries (Agent und Server) teilen sich dieselbe Struktur;
// nicht benötigte Abschnitte bleiben auf ihren Standardwerten.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Log     LogConfig     `mapstructure:"log"`
	DB      DBConfig      `mapstructure:"db"`
	Sync    SyncConfig    `mapstructure:"sync"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Cleanup CleanupConfig `mapstructure:"cleanup"`
}

// ServerConfig enthält Einstellungen für das Ingest-Gateway
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	DataDir      string   `mapstructure:"data_dir"`
	AllowOrigins []string `mapstructure:"allow_origins"`
	Timezone     string   `mapstructure:"timezone"`
}

// AgentConfig enthält Einstellungen für den Feldgeräte-Agenten
type AgentConfig struct {
	Host           string `mapstructure:"host"`            // Bind-Adresse der lokalen Status-API
	Port           int    `mapstructure:"port"`            // Port der lokalen Status-API
	QueueFile      string `mapstructure:"queue_file"`      // Pfad zur lokalen SQLite-Warteschlange
	DeviceID       string `mapstructure:"device_id"`       // Stabile Gerätekennung; leer = generieren
	ServerURL      string `mapstructure:"server_url"`      // Basis-URL des Ingest-Gateways
	RequestTimeout int    `mapstructure:"request_timeout"` // Timeout für Übermittlungen in Sekunden
}

// LogConfig enthält Log-Einstellungen
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DBConfig enthält Datenbankeinstellungen des Gateways
type DBConfig struct {
	File string `mapstructure:"file"` // für SQLite
}

// SyncConfig enthält Einstellungen für die Verarbeitung der Warteschlange
type SyncConfig struct {
	ProcessingInterval int     `mapstructure:"processing_interval"`  // Sekunden zwischen zwei Durchläufen
	MaxRetries         int     `mapstructure:"max_retries"`          // Maximale automatische Wiederholungen
	RetryInitialDelay  int     `mapstructure:"retry_initial_delay"`  // Erste Backoff-Verzögerung in Sekunden
	RetryBackoffFactor float64 `mapstructure:"retry_backoff_factor"` // Multiplikator pro Fehlversuch
	RetryMaxDelay      int     `mapstructure:"retry_max_delay"`      // Obergrenze der Verzögerung in Sekunden
	MaxInFlight        int     `mapstructure:"max_in_flight"`        // Gleichzeitige Übermittlungen über verschiedene Targets
}

// MQTTConfig enthält Einstellungen für die MQTT-Anbindung
type MQTTConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Broker       string `mapstructure:"broker"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	ClientID     string `mapstructure:"client_id"`
	StatusTopic  string `mapstructure:"status_topic"`  // Topic für Status-Broadcasts
	CommandTopic string `mapstructure:"command_topic"` // Topic für eingehende Kommandos (z.B. sync_now)
}

// CleanupConfig enthält Einstellungen für die automatische Datenbereinigung
type CleanupConfig struct {
	RetentionDays      int `mapstructure:"retention_days"`
	CheckIntervalHours int `mapstructure:"check_interval_hours"`
}

// Load lädt die Konfiguration aus Datei, Umgebungsvariablen und Standardwerten
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Standardwerte festlegen
	setDefaults(v)

	// Konfigurationsdatei laden, wenn vorhanden
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	// Umgebungsvariablen überlagern die Konfiguration
	v.AutomaticEnv()
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Konfiguration in Struct umwandeln
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Sicherstellen, dass erforderliche Verzeichnisse existieren
	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// setDefaults legt Standardwerte für die Konfiguration fest
func setDefaults(v *viper.Viper) {
	// Server-Standardwerte
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3100)
	v.SetDefault("server.data_dir", "/data")
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("server.timezone", "UTC")

	// Agent-Standardwerte
	v.SetDefault("agent.host", "127.0.0.1")
	v.SetDefault("agent.port", 3101)
	v.SetDefault("agent.queue_file", "/data/fieldsync-queue.db")
	v.SetDefault("agent.device_id", "")
	v.SetDefault("agent.server_url", "http://localhost:3100")
	v.SetDefault("agent.request_timeout", 30)

	// Log-Standardwerte
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	// DB-Standardwerte
	v.SetDefault("db.file", "/data/fieldsync.db")

	// Sync-Standardwerte
	v.SetDefault("sync.processing_interval", 15)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.retry_initial_delay", 5)
	v.SetDefault("sync.retry_backoff_factor", 2.0)
	v.SetDefault("sync.retry_max_delay", 300)
	v.SetDefault("sync.max_in_flight", 4)

	// MQTT-Standardwerte
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "fieldsync-go")
	v.SetDefault("mqtt.status_topic", "fieldsync/status")
	v.SetDefault("mqtt.command_topic", "fieldsync/command")

	// Cleanup-Standardwerte
	v.SetDefault("cleanup.retention_days", 90)
	v.SetDefault("cleanup.check_interval_hours", 24)
}

// ensureDirectories stellt sicher, dass alle erforderlichen Verzeichnisse existieren
func ensureDirectories(cfg *Config) error {
	if cfg.Server.DataDir != "" {
		if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0750); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}
