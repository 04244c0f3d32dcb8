package idempotency

// Konkrete Ableitungen für die Geschäftsoperationen. Jede Ableitung definiert
// per Konstruktion eine Allow-List: nur die hier aufgeführten Felder fließen
// in den Schlüssel ein. Zusätzliche Felder (Debug-Metadaten, UI-Zustand)
// können den Schlüssel niemals verändern.
//
// RetryAttempt ist bewusst Teil der Kanonisierung: eine vom Benutzer
// ausgelöste Wiederholung zählt den Versuch hoch und erzeugt damit einen
// neuen Schlüssel (und einen neuen ServerRecord), während eine automatische
// Netzwerk-Wiederholung derselben Einreichung denselben Schlüssel wiederverwendet.

// PageRange bezeichnet einen inklusiven Seitenbereich innerhalb einer Datei
type PageRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// SubProjectDefinition beschreibt ein Teilprojekt einer Sammel-Einreichung:
// ein Seitenbereich, der Anlage-Modus und der Projektname.
type SubProjectDefinition struct {
	Pages PageRange `json:"pages"`
	Mode  string    `json:"mode"` // "new" oder "existing"
	Name  string    `json:"name"`
}

// BatchSubmission enthält die kanonischen Eingaben einer Sammel-Einreichung.
// Die Reihenfolge der Teilprojekt-Definitionen ist semantisch bedeutungslos.
type BatchSubmission struct {
	UserID       string
	FileName     string
	FileSize     int64
	PageCount    int
	Definitions  []SubProjectDefinition
	RetryAttempt int

	// Metadata ist ausdrücklich nicht Teil der Allow-List und wird bei der
	// Ableitung ignoriert (z.B. Upload-Fortschritt, Client-Version).
	Metadata map[string]any
}

// Key leitet den Idempotenzschlüssel der Sammel-Einreichung ab
func (b BatchSubmission) Key() string {
	defs := make(Set, 0, len(b.Definitions))
	for _, d := range b.Definitions {
		defs = append(defs, []any{d.Pages.First, d.Pages.Last, d.Mode, d.Name})
	}
	return Derive(DomainBatch,
		b.UserID, b.FileName, b.FileSize, b.PageCount, defs, b.RetryAttempt)
}

// JobSubmission enthält die kanonischen Eingaben eines Analyse-Jobs auf einer
// bereits hochgeladenen Datei. Die ausgewählten Seiten sind eine Menge.
type JobSubmission struct {
	UserID       string
	FileID       string
	JobType      string
	Pages        []int
	RetryAttempt int

	Metadata map[string]any
}

// Key leitet den Idempotenzschlüssel des Jobs ab
func (j JobSubmission) Key() string {
	pages := make(Set, 0, len(j.Pages))
	for _, p := range j.Pages {
		pages = append(pages, p)
	}
	return Derive(DomainJob,
		j.UserID, j.FileID, j.JobType, pages, j.RetryAttempt)
}

// SiteVisit enthält die kanonischen Eingaben eines Besuchsberichts
type SiteVisit struct {
	UserID       string
	EmployerID   string
	VisitedOn    string // ISO-Datum, kein Zeitstempel
	RetryAttempt int

	Metadata map[string]any
}

// Key leitet den Idempotenzschlüssel des Besuchsberichts ab
func (s SiteVisit) Key() string {
	return Derive(DomainVisit,
		s.UserID, s.EmployerID, s.VisitedOn, s.RetryAttempt)
}

// RatingEntry enthält die kanonischen Eingaben einer Bewertungserfassung.
// Die Menge der beantworteten Fragen ist ungeordnet.
type RatingEntry struct {
	UserID       string
	EmployerID   string
	CategoryID   string
	QuestionIDs  []string
	RetryAttempt int

	Metadata map[string]any
}

// Key leitet den Idempotenzschlüssel der Bewertungserfassung ab
func (r RatingEntry) Key() string {
	questions := make(Set, 0, len(r.QuestionIDs))
	for _, q := range r.QuestionIDs {
		questions = append(questions, q)
	}
	return Derive(DomainRating,
		r.UserID, r.EmployerID, r.CategoryID, questions, r.RetryAttempt)
}
