package sync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"fieldsync-go/config"
	"fieldsync-go/internal/api/client"
	"fieldsync-go/internal/core/models"
	"fieldsync-go/internal/store"
	"fieldsync-go/internal/util/timezone"

	log "github.com/sirupsen/logrus"
)

// Ingestor ist die Übermittlungsschnittstelle zum Gateway. Die Engine kennt
// nur diese Abstraktion; Tests ersetzen sie durch ein Fake.
type Ingestor interface {
	Submit(ctx context.Context, op *models.Operation) (*client.SubmitResult, error)
}

// StatusListener empfängt Statusauszüge der Warteschlange, sobald sich deren
// Zusammensetzung ändert (z.B. der SSE-Hub oder der MQTT-Publisher).
type StatusListener interface {
	SyncStatusChanged(stats models.SyncStats)
}

// Engine treibt ausstehende Operationen gegen das Gateway. Operationen mit
// demselben Target werden strikt in Erstellungsreihenfolge übermittelt;
// verschiedene Targets laufen nebenläufig, begrenzt durch MaxInFlight.
type Engine struct {
	store     *store.Store
	gateway   Ingestor
	cfg       config.SyncConfig
	listeners []StatusListener

	stopCh  chan struct{}
	kickCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mutex   sync.Mutex

	lastSyncMu sync.Mutex
	lastSyncAt time.Time
}

// NewEngine erstellt eine neue Engine-Instanz
func NewEngine(st *store.Store, gateway Ingestor, cfg config.SyncConfig) *Engine {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	return &Engine{
		store:   st,
		gateway: gateway,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		kickCh:  make(chan struct{}, 1),
	}
}

// AddStatusListener registriert einen Empfänger für Statusänderungen.
// Muss vor Start aufgerufen werden.
func (e *Engine) AddStatusListener(l StatusListener) {
	e.listeners = append(e.listeners, l)
}

// Start startet die Verarbeitungsschleife
func (e *Engine) Start() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.running {
		return
	}

	e.running = true
	e.stopCh = make(chan struct{})

	e.wg.Add(1)
	go e.processingLoop()

	log.Info("SyncEngine gestartet")
}

// Stop stoppt die Verarbeitungsschleife. Eine laufende Übermittlung wird
// nicht unterbrochen; Stop blockiert, bis der aktuelle Durchlauf beendet ist.
func (e *Engine) Stop() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !e.running {
		return
	}

	close(e.stopCh)
	e.wg.Wait()
	e.running = false

	log.Info("SyncEngine gestoppt")
}

// TriggerSync stößt einen sofortigen Durchlauf an (manueller Auslöser)
func (e *Engine) TriggerSync() {
	select {
	case e.kickCh <- struct{}{}:
	default:
		// Ein Durchlauf ist bereits angefordert
	}
}

// OnConnectivityRestored wird vom Plattform-Adapter gerufen, sobald die
// Netzwerkverbindung wiederhergestellt ist
func (e *Engine) OnConnectivityRestored() {
	log.Info("Connectivity restored, draining operation queue")
	e.TriggerSync()
}

// processingLoop ist die Hauptschleife, die regelmäßig oder auf Anstoß
// ausstehende Operationen verarbeitet
func (e *Engine) processingLoop() {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.ProcessingInterval) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Beim Start einmal sofort ausführen
	e.processPendingOperations()

	for {
		select {
		case <-ticker.C:
			e.processPendingOperations()
		case <-e.kickCh:
			e.processPendingOperations()
		case <-e.stopCh:
			return
		}
	}
}

// processPendingOperations verarbeitet alle fälligen Operationen. Pro Target
// wird sequenziell in Erstellungsreihenfolge übermittelt; die Targets selbst
// laufen nebenläufig hinter einem Semaphor.
func (e *Engine) processPendingOperations() {
	ops, err := e.store.List(models.OpStatusPending)
	if err != nil {
		log.WithError(err).Error("Fehler beim Abrufen ausstehender Operationen")
		return
	}

	// Fällige Operationen nach Target gruppieren, Reihenfolge erhalten
	groups := make(map[string][]models.Operation)
	var order []string
	for _, op := range ops {
		if !e.shouldRetryNow(&op) {
			continue
		}
		if _, ok := groups[op.Target]; !ok {
			order = append(order, op.Target)
		}
		groups[op.Target] = append(groups[op.Target], op)
	}

	if len(order) == 0 {
		return
	}

	total := 0
	for _, target := range order {
		total += len(groups[target])
	}
	log.Infof("Verarbeite %d ausstehende Operationen über %d Targets", total, len(order))

	sem := make(chan struct{}, e.cfg.MaxInFlight)
	var wg sync.WaitGroup

	for _, target := range order {
		group := groups[target]

		wg.Add(1)
		go func(target string, group []models.Operation) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			for i := range group {
				outcome := e.processOne(&group[i])
				if outcome == outcomeTransient {
					// Reihenfolge pro Target wahren: nachfolgende Operationen
					// erst nach dem fälligen Wiederholungsversuch anfassen
					log.Debugf("Deferring %d remaining operations for target '%s'",
						len(group)-i-1, target)
					return
				}
			}
		}(target, group)
	}

	wg.Wait()
	e.notifyStatus()
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeTransient
	outcomePermanent
	outcomeSkipped
)

// processOne übermittelt eine einzelne Operation und überführt sie in ihren
// Folgestatus: completed (entfernt), pending (Backoff) oder failed.
func (e *Engine) processOne(op *models.Operation) outcome {
	ok, err := e.store.MarkSyncing(op.ID)
	if err != nil {
		log.WithError(err).Errorf("Fehler beim Markieren der Operation %d", op.ID)
		return outcomeSkipped
	}
	if !ok {
		// Inzwischen abgebrochen oder von einem anderen Durchlauf übernommen
		return outcomeSkipped
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := e.gateway.Submit(ctx, op)
	now := timezone.Now()

	if err == nil {
		// "duplicate" ist kein Fehler: der Effekt ist bereits eingetreten,
		// die Antwort des früheren Versuchs ging lediglich verloren
		if result.Status == models.SubmissionDuplicate {
			log.Infof("Operation %d bereits angewendet (Schlüssel %s), räume auf",
				op.ID, op.IdempotencyKey)
		} else {
			log.Infof("Operation %d erfolgreich angewendet: %s auf %s",
				op.ID, op.Kind, op.Target)
		}

		if err := e.store.Remove(op.ID); err != nil {
			log.WithError(err).Errorf("Fehler beim Entfernen der abgeschlossenen Operation %d", op.ID)
		}
		e.lastSyncMu.Lock()
		e.lastSyncAt = now
		e.lastSyncMu.Unlock()
		return outcomeCompleted
	}

	var vErr *client.ValidationError
	if errors.As(err, &vErr) {
		// Permanenter Fehlschlag: keine automatische Wiederholung mehr.
		// Die Operation bleibt sichtbar, bis der Benutzer sie auflöst.
		log.Warnf("Operation %d permanent abgelehnt: %v", op.ID, vErr)
		e.failOperation(op.ID, op.RetryCount, vErr.Error(), now)
		return outcomePermanent
	}

	// Transienter Fehlschlag: Zähler erhöhen, Backoff setzen
	retries := op.RetryCount + 1
	msg := err.Error()

	if e.cfg.MaxRetries > 0 && retries >= e.cfg.MaxRetries {
		log.Warnf("Operation %d nach %d Versuchen als fehlgeschlagen markiert: %s",
			op.ID, retries, msg)
		e.failOperation(op.ID, retries, msg, now)
		return outcomePermanent
	}

	log.Infof("Operation %d transient fehlgeschlagen (Versuch %d/%d): %s",
		op.ID, retries, e.cfg.MaxRetries, msg)

	pending := models.OpStatusPending
	if uerr := e.store.Update(op.ID, store.Patch{
		Status:        &pending,
		RetryCount:    &retries,
		LastError:     &msg,
		LastAttemptAt: &now,
	}); uerr != nil {
		log.WithError(uerr).Errorf("Fehler beim Zurücksetzen der Operation %d", op.ID)
	}
	return outcomeTransient
}

// failOperation überführt eine Operation in den Status "failed"
func (e *Engine) failOperation(id uint, retries int, msg string, now time.Time) {
	failed := models.OpStatusFailed
	if err := e.store.Update(id, store.Patch{
		Status:        &failed,
		RetryCount:    &retries,
		LastError:     &msg,
		LastAttemptAt: &now,
	}); err != nil {
		log.WithError(err).Errorf("Fehler beim Speichern der fehlgeschlagenen Operation %d", id)
	}
}

// shouldRetryNow prüft, ob die Backoff-Verzögerung einer Operation abgelaufen ist
func (e *Engine) shouldRetryNow(op *models.Operation) bool {
	if op.RetryCount == 0 || op.LastAttemptAt.IsZero() {
		return true // Erster Versuch
	}

	// Exponentielles Backoff berechnen
	delaySeconds := float64(e.cfg.RetryInitialDelay) *
		math.Pow(e.cfg.RetryBackoffFactor, float64(op.RetryCount-1))

	// Delay auf Maximum begrenzen
	if delaySeconds > float64(e.cfg.RetryMaxDelay) {
		delaySeconds = float64(e.cfg.RetryMaxDelay)
	}

	delay := time.Duration(delaySeconds * float64(time.Second))
	return time.Since(op.LastAttemptAt) >= delay
}

// RetryOperation setzt eine fehlgeschlagene Operation zurück auf "pending"
// und stößt einen Durchlauf an (explizite Benutzeraktion)
func (e *Engine) RetryOperation(id uint) error {
	op, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if op.Status != models.OpStatusFailed {
		return fmt.Errorf("operation %d is %s, only failed operations can be retried", id, op.Status)
	}

	pending := models.OpStatusPending
	zero := 0
	empty := ""
	if err := e.store.Update(id, store.Patch{
		Status:     &pending,
		RetryCount: &zero,
		LastError:  &empty,
	}); err != nil {
		return err
	}

	log.Infof("Operation %d für erneuten Versuch zurückgesetzt", id)
	e.notifyStatus()
	e.TriggerSync()
	return nil
}

// DiscardOperation verwirft eine fehlgeschlagene Operation endgültig
func (e *Engine) DiscardOperation(id uint) error {
	op, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if op.Status != models.OpStatusFailed {
		return fmt.Errorf("operation %d is %s, only failed operations can be discarded", id, op.Status)
	}
	if err := e.store.Remove(id); err != nil {
		return err
	}
	log.Infof("Fehlgeschlagene Operation %d verworfen", id)
	e.notifyStatus()
	return nil
}

// CancelOperation entfernt eine noch nicht übermittelte Operation ("undo").
// Operationen in Übermittlung können nicht abgebrochen werden.
func (e *Engine) CancelOperation(id uint) error {
	if err := e.store.Cancel(id); err != nil {
		return err
	}
	log.Infof("Ausstehende Operation %d abgebrochen", id)
	e.notifyStatus()
	return nil
}

// Stats liefert den aktuellen Statusauszug der Warteschlange
func (e *Engine) Stats() (models.SyncStats, error) {
	stats, err := e.store.Counts()
	if err != nil {
		return stats, err
	}
	e.lastSyncMu.Lock()
	stats.LastSyncAt = e.lastSyncAt
	e.lastSyncMu.Unlock()
	return stats, nil
}

// notifyStatus verteilt den aktuellen Statusauszug an alle Listener
func (e *Engine) notifyStatus() {
	stats, err := e.Stats()
	if err != nil {
		log.WithError(err).Error("Fehler beim Ermitteln des Warteschlangenstatus")
		return
	}
	for _, l := range e.listeners {
		l.SyncStatusChanged(stats)
	}
}
