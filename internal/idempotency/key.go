package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Domänen-Tags für Idempotenzschlüssel. Das Tag wird dem Digest vorangestellt,
// damit Schlüssel verschiedener Operationsarten nie kollidieren können und
// grob nach Domäne geroutet werden kann, ohne den Hash zu dekodieren.
const (
	DomainBatch  = "batch"
	DomainJob    = "job"
	DomainVisit  = "visit"
	DomainRating = "rating"
)

// Set markiert eine Sammlung, deren Elementreihenfolge semantisch bedeutungslos
// ist. Die Elemente werden vor dem Hashen anhand ihrer kanonischen Darstellung
// stabil sortiert, sodass Permutationen denselben Schlüssel ergeben.
type Set []any

// Derive berechnet einen deterministischen Idempotenzschlüssel aus der
// geordneten Liste kanonischer Bestandteile. Nil-Bestandteile werden vor dem
// Hashen verworfen. Die Funktion ist rein: kein Salt, keine Uhrzeit, identische
// Eingabe ergibt immer identische Ausgabe.
//
// Format: <domain>_<64 Hex-Zeichen> (SHA-256).
func Derive(domain string, parts ...any) string {
	encoded := make([]string, 0, len(parts))
	for _, part := range parts {
		s, ok := canonical(part)
		if !ok {
			continue // nil wird verworfen
		}
		encoded = append(encoded, frame(s))
	}

	sum := sha256.Sum256([]byte(strings.Join(encoded, "|")))
	return domain + "_" + hex.EncodeToString(sum[:])
}

// frame stellt jedem Bestandteil seine Länge voran. Die Kodierung ist damit
// präfixfrei: Trennzeichen im Feldinhalt können nicht mit den Fugen zwischen
// Bestandteilen verschmelzen, Inhalte können also nie über Feldgrenzen
// hinweg verschoben werden, ohne den Schlüssel zu ändern.
func frame(s string) string {
	return strconv.Itoa(len(s)) + ":" + s
}

// canonical erzeugt die kanonische, typ-getaggte Darstellung eines Bestandteils.
// Der zweite Rückgabewert ist false, wenn der Wert verworfen wird (nil).
func canonical(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return "s:" + t, true
	case bool:
		return "b:" + strconv.FormatBool(t), true
	case int:
		return "i:" + strconv.FormatInt(int64(t), 10), true
	case int32:
		return "i:" + strconv.FormatInt(int64(t), 10), true
	case int64:
		return "i:" + strconv.FormatInt(t, 10), true
	case uint:
		return "i:" + strconv.FormatUint(uint64(t), 10), true
	case uint64:
		return "i:" + strconv.FormatUint(t, 10), true
	case float32:
		return "f:" + strconv.FormatFloat(float64(t), 'g', -1, 64), true
	case float64:
		return "f:" + strconv.FormatFloat(t, 'g', -1, 64), true
	case Set:
		// Unsortierte Sammlung: Elemente kanonisieren und stabil sortieren
		elems := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := canonical(e)
			if !ok {
				continue
			}
			elems = append(elems, s)
		}
		sort.Strings(elems)
		for i, e := range elems {
			elems[i] = frame(e)
		}
		return "u:{" + strings.Join(elems, ",") + "}", true
	case []any:
		// Geordnete Liste: Reihenfolge bleibt erhalten
		elems := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := canonical(e)
			if !ok {
				continue
			}
			elems = append(elems, frame(s))
		}
		return "l:[" + strings.Join(elems, ",") + "]", true
	case map[string]any:
		// Verschachteltes Objekt: Schlüssel sortieren
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		elems := make([]string, 0, len(keys))
		for _, k := range keys {
			s, ok := canonical(t[k])
			if !ok {
				continue
			}
			elems = append(elems, frame(k)+"="+frame(s))
		}
		return "m:{" + strings.Join(elems, ",") + "}", true
	default:
		// Unbekannte, aber wohlgeformte Typen: Ableitung darf niemals
		// fehlschlagen, daher die Fallback-Darstellung von fmt
		return "v:" + fmt.Sprintf("%v", t), true
	}
}
