package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"fieldsync-go/config"
	"fieldsync-go/internal/core/models"
	syncengine "fieldsync-go/internal/sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Client ist die MQTT-Anbindung. Auf dem Agenten dient sie als
// Plattform-Adapter des Schedulers: eingehende Kommandos und die
// Broker-Reconnects stoßen die SyncEngine an. Auf dem Gateway verteilt sie
// angewendete Datensätze und Statusauszüge an Dashboards.
type Client struct {
	config  config.MQTTConfig
	client  mqtt.Client
	trigger syncengine.Trigger // optional; nil auf dem Gateway
}

// commandMessage ist das Format auf dem Kommando-Topic
type commandMessage struct {
	Command string `json:"command"` // bisher nur "sync_now"
}

// statusMessage ist das Format der Status-Broadcasts
type statusMessage struct {
	Queue     models.SyncStats `json:"queue"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewClient erstellt einen neuen MQTT-Client. trigger darf nil sein, wenn
// keine Kommandos entgegengenommen werden sollen.
func NewClient(cfg config.MQTTConfig, trigger syncengine.Trigger) *Client {
	return &Client{
		config:  cfg,
		trigger: trigger,
	}
}

// Start verbindet den Client mit dem Broker und abonniert das Kommando-Topic
func (c *Client) Start() error {
	if !c.config.Enabled {
		log.Info("MQTT client is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	// Eindeutige Client-ID, damit parallele Instanzen sich nicht verdrängen
	opts.SetClientID(fmt.Sprintf("%s-%s", c.config.ClientID, uuid.NewString()[:8]))
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Infof("Connected to MQTT broker %s:%d", c.config.Broker, c.config.Port)

		if c.trigger != nil {
			// Ein (Re-)Connect ist das Konnektivitätssignal des Agenten
			c.trigger.OnConnectivityRestored()

			if token := client.Subscribe(c.config.CommandTopic, 1, c.handleCommand); token.Wait() && token.Error() != nil {
				log.WithError(token.Error()).Errorf("Failed to subscribe to %s", c.config.CommandTopic)
			} else {
				log.Infof("Subscribed to MQTT command topic %s", c.config.CommandTopic)
			}
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost")
	})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return nil
}

// Stop trennt die Verbindung zum Broker
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		log.Info("MQTT client disconnected")
	}
}

// handleCommand verarbeitet eingehende Kommandos
func (c *Client) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	var cmd commandMessage
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		log.WithError(err).Warnf("Ignoring malformed MQTT command on %s", msg.Topic())
		return
	}

	switch cmd.Command {
	case "sync_now":
		log.Info("Received sync_now command via MQTT")
		c.trigger.TriggerSync()
	default:
		log.Warnf("Unknown MQTT command: %s", cmd.Command)
	}
}

// publish serialisiert eine Nachricht und sendet sie an das Status-Topic
func (c *Client) publish(payload interface{}) {
	if c.client == nil || !c.client.IsConnected() {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).Error("Failed to marshal MQTT payload")
		return
	}

	if token := c.client.Publish(c.config.StatusTopic, 0, false, data); token.Wait() && token.Error() != nil {
		log.WithError(token.Error()).Warnf("Failed to publish to %s", c.config.StatusTopic)
	}
}

// SyncStatusChanged implementiert den StatusListener der SyncEngine
func (c *Client) SyncStatusChanged(stats models.SyncStats) {
	c.publish(statusMessage{Queue: stats, Timestamp: time.Now()})
}

// PublishRecord verteilt einen frisch angewendeten Datensatz
func (c *Client) PublishRecord(record models.ServerRecord, status string) {
	c.publish(map[string]interface{}{
		"record_id":       record.RecordID,
		"idempotency_key": record.IdempotencyKey,
		"domain":          record.Domain,
		"target":          record.Target,
		"kind":            record.Kind,
		"status":          status,
	})
}
