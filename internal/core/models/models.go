package models

import (
	"image"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UnknownIdentity ist das Label für ein Gesicht ohne Treffer
const UnknownIdentity = "unknown"

// Outcome beschreibt das Endergebnis einer Erkennungsanfrage
type Outcome string

const (
	// OutcomeMatch: eine Referenz lag unter dem Schwellenwert
	OutcomeMatch Outcome = "match"
	// OutcomeUnknown: Scan abgeschlossen, kein Treffer
	OutcomeUnknown Outcome = "unknown"
	// OutcomeNoFace: kein Gesicht gefunden, die Datenbank wurde nicht befragt
	OutcomeNoFace Outcome = "no_face"
)

// Reference repräsentiert ein registriertes Referenzbild einer Identität
type Reference struct {
	Identity string `json:"identity"`
	Filename string `json:"filename"`
	Locator  string `json:"-"` // Pfad im Dateisystem
}

// Key liefert den synthetischen Schlüssel aus Identität und Dateiname
func (r Reference) Key() string {
	return r.Identity + "_" + r.Filename
}

// Region ist die Begrenzungsbox eines Gesichts in einem Bild
type Region struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	W          int     `json:"w"`
	H          int     `json:"h"`
	Confidence float64 `json:"confidence"`
}

// Rect wandelt die Region in ein image.Rectangle um
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// Area liefert die Fläche der Region
func (r Region) Area() int {
	return r.W * r.H
}

// RegionFromRect erzeugt eine Region aus einem image.Rectangle
func RegionFromRect(rect image.Rectangle, confidence float64) Region {
	rect = rect.Canon()
	return Region{
		X:          rect.Min.X,
		Y:          rect.Min.Y,
		W:          rect.Dx(),
		H:          rect.Dy(),
		Confidence: confidence,
	}
}

// MatchResult ist das Ergebnis einer Erkennungsanfrage
type MatchResult struct {
	Outcome  Outcome  `json:"outcome"`
	Identity string   `json:"identity"`
	Score    *float64 `json:"score"`
	Region   *Region  `json:"region,omitempty"`

	// Matched ist die Referenz, die den Treffer ausgelöst hat
	Matched *Reference `json:"matched,omitempty"`

	// Compared zählt alle Vergleiche, Failed die fehlgeschlagenen darunter
	Compared int  `json:"compared"`
	Failed   int  `json:"failed"`
	TimedOut bool `json:"timed_out,omitempty"`

	AnnotatedImage string        `json:"img_extracted,omitempty"`
	Duration       time.Duration `json:"-"`
}

// AllFailed meldet, ob jeder Vergleich fehlgeschlagen ist
func (m *MatchResult) AllFailed() bool {
	return m.Compared > 0 && m.Failed == m.Compared
}

// RecognitionEvent protokolliert das Ergebnis einer Erkennungsanfrage
type RecognitionEvent struct {
	ID         uint `gorm:"primarykey"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
	Outcome    string         `gorm:"index;not null"`
	Identity   string         `gorm:"index"`
	Score      *float64       // nil, wenn kein Treffer
	Region     datatypes.JSON `gorm:"type:json;null"`
	Compared   int
	Failed     int
	TimedOut   bool
	DurationMS int64
	Detector   string `gorm:"index"`
	Model      string
	Source     string `gorm:"index"` // "api" oder "cli"
}

// EventType unterscheidet die verteilten Ereignisse
type EventType string

const (
	EventRecognition       EventType = "recognition"
	EventReferenceEnrolled EventType = "reference_enrolled"
	EventReferenceRemoved  EventType = "reference_removed"
	EventIdentityRemoved   EventType = "identity_removed"
)

// Event wird an SSE, MQTT und das Protokoll verteilt
type Event struct {
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Source    string       `json:"source,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	Identity  string       `json:"identity,omitempty"`
	Filename  string       `json:"filename,omitempty"`
	Detector  string       `json:"detector,omitempty"`
	Model     string       `json:"model,omitempty"`
	Result    *MatchResult `json:"result,omitempty"`
}

// Statistics fasst den Zustand der Datenbank und des Protokolls zusammen
type Statistics struct {
	Identities       int   `json:"identities"`
	References       int   `json:"references"`
	Recognitions     int64 `json:"recognitions"`
	Matches          int64 `json:"matches"`
	Unknowns         int64 `json:"unknowns"`
	NoFaces          int64 `json:"no_faces"`
	HistoryAvailable bool  `json:"history_available"`
}
