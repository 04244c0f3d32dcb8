package sync

// Trigger ist die Scheduler-Schnittstelle der Engine. Plattform-spezifische
// Adapter (MQTT-Kommandotopic, lokale HTTP-API, Konnektivitäts-Watcher)
// rufen ausschließlich diese Schnittstelle; die Engine selbst bleibt frei
// von Plattform-Eventloops.
type Trigger interface {
	// TriggerSync stößt einen sofortigen Durchlauf an (manueller Auslöser)
	TriggerSync()

	// OnConnectivityRestored meldet, dass das Netzwerk wieder verfügbar ist
	OnConnectivityRestored()
}

var _ Trigger = (*Engine)(nil)
