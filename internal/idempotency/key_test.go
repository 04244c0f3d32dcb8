package idempotency

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keyFormat = regexp.MustCompile(`^[a-z]+_[0-9a-f]{64}$`)

func sampleBatch() BatchSubmission {
	return BatchSubmission{
		UserID:    "U1",
		FileName:  "akte-nord.pdf",
		FileSize:  482113,
		PageCount: 10,
		Definitions: []SubProjectDefinition{
			{Pages: PageRange{First: 1, Last: 3}, Mode: "new", Name: "A"},
			{Pages: PageRange{First: 4, Last: 6}, Mode: "new", Name: "B"},
		},
	}
}

func TestDeriveFormat(t *testing.T) {
	key := sampleBatch().Key()
	assert.Regexp(t, keyFormat, key)
	assert.Equal(t, "batch", key[:5])
}

func TestDeriveDeterminism(t *testing.T) {
	first := sampleBatch().Key()
	second := sampleBatch().Key()
	assert.Equal(t, first, second)
}

func TestDeriveSensitivity(t *testing.T) {
	base := sampleBatch().Key()

	changedUser := sampleBatch()
	changedUser.UserID = "U2"
	assert.NotEqual(t, base, changedUser.Key())

	changedFile := sampleBatch()
	changedFile.FileName = "akte-sued.pdf"
	assert.NotEqual(t, base, changedFile.Key())

	changedSize := sampleBatch()
	changedSize.FileSize = 482114
	assert.NotEqual(t, base, changedSize.Key())

	changedDef := sampleBatch()
	changedDef.Definitions[1].Pages.Last = 5
	assert.NotEqual(t, base, changedDef.Key())
}

func TestDeriveDefinitionOrderIrrelevant(t *testing.T) {
	base := sampleBatch().Key()

	reordered := sampleBatch()
	reordered.Definitions[0], reordered.Definitions[1] = reordered.Definitions[1], reordered.Definitions[0]
	assert.Equal(t, base, reordered.Key())
}

func TestDeriveRetryAttemptDistinguishes(t *testing.T) {
	first := sampleBatch()
	retried := sampleBatch()
	retried.RetryAttempt = 1
	assert.NotEqual(t, first.Key(), retried.Key())
}

func TestDeriveMetadataInsulated(t *testing.T) {
	plain := sampleBatch()

	annotated := sampleBatch()
	annotated.Metadata = map[string]any{
		"client_version": "3.2.1",
		"upload_ms":      1532,
	}
	assert.Equal(t, plain.Key(), annotated.Key())
}

// Szenario aus der Praxis: Sammel-Einreichung mit zwei Teilprojekten.
// Umordnen der Definitionen ändert den Schlüssel nicht, Ändern eines
// Seitenbereichs schon.
func TestBatchSubmissionScenario(t *testing.T) {
	k1 := sampleBatch().Key()

	reordered := sampleBatch()
	reordered.Definitions = []SubProjectDefinition{
		{Pages: PageRange{First: 4, Last: 6}, Mode: "new", Name: "B"},
		{Pages: PageRange{First: 1, Last: 3}, Mode: "new", Name: "A"},
	}
	require.Equal(t, k1, reordered.Key())

	shrunk := sampleBatch()
	shrunk.Definitions[1].Pages = PageRange{First: 4, Last: 5}
	k2 := shrunk.Key()
	require.NotEqual(t, k1, k2)
}

func TestJobSubmissionPageSetUnordered(t *testing.T) {
	job := JobSubmission{
		UserID:  "U1",
		FileID:  "f-77",
		JobType: "ocr",
		Pages:   []int{2, 5, 9},
	}
	permuted := JobSubmission{
		UserID:  "U1",
		FileID:  "f-77",
		JobType: "ocr",
		Pages:   []int{9, 2, 5},
	}
	assert.Equal(t, job.Key(), permuted.Key())

	other := job
	other.Pages = []int{2, 5, 8}
	assert.NotEqual(t, job.Key(), other.Key())
}

func TestDomainsDoNotCollide(t *testing.T) {
	visit := SiteVisit{UserID: "U1", EmployerID: "E9", VisitedOn: "2025-11-03"}
	rating := RatingEntry{UserID: "U1", EmployerID: "E9", CategoryID: "2025-11-03"}

	vKey := visit.Key()
	rKey := rating.Key()
	assert.NotEqual(t, vKey, rKey)
	assert.Equal(t, "visit", vKey[:5])
	assert.Equal(t, "rating", rKey[:6])
}

func TestDeriveDropsNilParts(t *testing.T) {
	with := Derive(DomainJob, "a", nil, "b")
	without := Derive(DomainJob, "a", "b")
	assert.Equal(t, with, without)
}

// Trennzeichen im Feldinhalt dürfen Inhalte nicht über Feldgrenzen hinweg
// verschieben: die Kodierung ist längenpräfixiert und damit präfixfrei.
func TestDeriveDelimiterBearingFieldsDoNotCollide(t *testing.T) {
	left := sampleBatch()
	left.UserID = "A|s:B"
	left.FileName = "C"

	right := sampleBatch()
	right.UserID = "A"
	right.FileName = "B|s:C"

	assert.NotEqual(t, left.Key(), right.Key())

	// Dasselbe für die Fugen innerhalb von Sammlungen
	assert.NotEqual(t,
		Derive(DomainJob, Set{"x,y"}),
		Derive(DomainJob, Set{"x", "y"}))
	assert.NotEqual(t,
		Derive(DomainJob, []any{"x,y"}),
		Derive(DomainJob, []any{"x", "y"}))

	// Ein Feld darf nicht in zwei zerfallen und umgekehrt
	assert.NotEqual(t,
		Derive(DomainVisit, "a|b"),
		Derive(DomainVisit, "a", "b"))

	// Schlüssel/Wert-Fuge in verschachtelten Objekten
	assert.NotEqual(t,
		Derive(DomainVisit, map[string]any{"a=b": "c"}),
		Derive(DomainVisit, map[string]any{"a": "b=c"}))
}

func TestDeriveStableAcrossTypes(t *testing.T) {
	// Eine Zahl und ihr String-Gegenstück dürfen nicht kollidieren
	assert.NotEqual(t, Derive(DomainJob, 42), Derive(DomainJob, "42"))

	// Geordnete Liste vs. Menge derselben Elemente
	list := Derive(DomainJob, []any{"x", "y"})
	set := Derive(DomainJob, Set{"x", "y"})
	assert.NotEqual(t, list, set)

	// Mengen sind permutationsstabil, Listen nicht
	assert.Equal(t, Derive(DomainJob, Set{"x", "y"}), Derive(DomainJob, Set{"y", "x"}))
	assert.NotEqual(t, Derive(DomainJob, []any{"x", "y"}), Derive(DomainJob, []any{"y", "x"}))
}
