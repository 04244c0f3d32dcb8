package timezone

import (
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	currentLocation *time.Location
	initOnce        sync.Once
)

// Initialize setzt die Zeitzone anhand der TZ-Umgebungsvariable bzw. des
// übergebenen Namens. Ohne Konfiguration wird UTC verwendet.
func Initialize(tzName string) {
	if tzName == "" {
		tzName = os.Getenv("TZ")
	}
	if tzName == "" {
		tzName = "UTC"
	}

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		log.Warnf("Failed to load timezone %s: %v. Falling back to UTC.", tzName, err)
		currentLocation = time.UTC
		return
	}

	log.Infof("Timezone initialized to %s", tzName)
	currentLocation = loc
}

// Now gibt die aktuelle Zeit in der konfigurierten Zeitzone zurück
func Now() time.Time {
	ensureLocation()
	return time.Now().In(currentLocation)
}

// Format formatiert ein time.Time-Objekt mit der konfigurierten Zeitzone
func Format(t time.Time, layout string) string {
	ensureLocation()
	return t.In(currentLocation).Format(layout)
}

func ensureLocation() {
	initOnce.Do(func() {
		if currentLocation == nil {
			Initialize("")
		}
	})
}
