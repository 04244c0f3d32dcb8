package sse

import (
	"encoding/json"
	"sync"

	"fieldsync-go/internal/core/models"
	"fieldsync-go/internal/util/timezone"

	log "github.com/sirupsen/logrus"
)

// Client repräsentiert einen einzelnen verbundenen SSE-Client
type Client chan []byte

// Hub verwaltet die Menge der aktiven Clients und sendet Broadcasts an sie.
// Der Agent verteilt darüber Warteschlangen-Status an die lokale UI, das
// Gateway verteilt frisch angewendete Datensätze an Dashboards.
type Hub struct {
	// Registrierte Clients
	clients map[Client]bool

	// Eingehende Nachrichten von der Anwendung
	broadcast chan []byte

	// Registrierungsanfragen von Clients
	register chan Client

	// Abmeldeanfragen von Clients
	unregister chan Client

	// Mutex zum Schutz des simultanen Zugriffs auf die Clients-Map
	mu sync.Mutex
}

// Event ist der Rahmen jeder SSE-Nachricht
type Event struct {
	Type string      `json:"type"` // "sync_status" oder "record_applied"
	Data interface{} `json:"data"`
}

// RecordAppliedData beschreibt einen frisch angewendeten Datensatz
type RecordAppliedData struct {
	RecordID       string `json:"record_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Domain         string `json:"domain"`
	Target         string `json:"target"`
	Kind           string `json:"kind"`
	DeviceID       string `json:"device_id,omitempty"`
	Status         string `json:"status"` // "created" oder "duplicate"
	AppliedAt      string `json:"applied_at"`
}

// NewHub erstellt eine neue Hub-Instanz
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 100), // Puffer für 100 Nachrichten
		register:   make(chan Client),
		unregister: make(chan Client),
		clients:    make(map[Client]bool),
	}
}

// Run startet die Verarbeitungsschleife des Hubs
// Dies sollte in einer separaten Goroutine ausgeführt werden
func (h *Hub) Run() {
	log.Info("SSE Hub started and running")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()
			log.Infof("SSE client registered. Total clients: %d", clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
				clientCount := len(h.clients)
				log.Infof("SSE client unregistered. Total clients: %d", clientCount)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			log.Debugf("Broadcasting message to %d SSE clients", len(h.clients))

			for client := range h.clients {
				select {
				case client <- message:
					// Nachricht erfolgreich gesendet
				default:
					// Client-Kanal ist voll oder geschlossen
					log.Warn("SSE client channel full or closed, removing client")
					delete(h.clients, client)
					close(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register registriert einen neuen Client am Hub
func (h *Hub) Register(client Client) {
	h.register <- client
}

// Unregister meldet einen Client vom Hub ab
func (h *Hub) Unregister(client Client) {
	h.unregister <- client
}

// Broadcast sendet eine Nachricht an alle registrierten Clients
func (h *Hub) Broadcast(message []byte) {
	// Blockieren vermeiden, wenn der Broadcast-Kanal voll ist
	select {
	case h.broadcast <- message:
		// Nachricht erfolgreich zum Senden in die Queue gestellt
	default:
		log.Warn("SSE broadcast channel full, message dropped")
	}
}

// broadcastEvent serialisiert ein Event und sendet es als Broadcast
func (h *Hub) broadcastEvent(event Event) {
	jsonData, err := json.Marshal(event)
	if err != nil {
		log.Errorf("Failed to marshal SSE event: %v", err)
		return
	}
	h.Broadcast(jsonData)
}

// SyncStatusChanged implementiert den StatusListener der SyncEngine und
// verteilt den Statusauszug der Warteschlange an alle Clients
func (h *Hub) SyncStatusChanged(stats models.SyncStats) {
	h.broadcastEvent(Event{Type: "sync_status", Data: stats})
}

// BroadcastRecordApplied verteilt einen frisch angewendeten Datensatz
func (h *Hub) BroadcastRecordApplied(record models.ServerRecord, status string) {
	h.broadcastEvent(Event{Type: "record_applied", Data: RecordAppliedData{
		RecordID:       record.RecordID,
		IdempotencyKey: record.IdempotencyKey,
		Domain:         record.Domain,
		Target:         record.Target,
		Kind:           record.Kind,
		DeviceID:       record.DeviceID,
		Status:         status,
		AppliedAt:      timezone.Format(record.CreatedAt, "2006-01-02T15:04:05Z07:00"),
	}})
}
