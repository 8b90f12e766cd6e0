package repository

import (
	"encoding/json"
	"errors"
	"time"

	"facegate/internal/core/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Filter schränkt die Abfrage des Protokolls ein
type Filter struct {
	Identity string
	Outcome  string
	Since    time.Time
}

// Repository definiert die Schnittstelle für das Erkennungsprotokoll
type Repository interface {
	SaveEvent(ev *models.RecognitionEvent) error
	GetEventByID(id uint) (*models.RecognitionEvent, error)
	GetEvents(filter Filter, limit, offset int) ([]models.RecognitionEvent, int64, error)
	DeleteEventsBefore(t time.Time) (int64, error)
	GetStatistics() (models.Statistics, error)
}

// SQLiteRepository implementiert die Repository-Schnittstelle für SQLite
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository erstellt eine neue SQLite-Repository-Instanz
func NewSQLiteRepository(db *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveEvent speichert ein Ereignis
func (r *SQLiteRepository) SaveEvent(ev *models.RecognitionEvent) error {
	return r.db.Create(ev).Error
}

// GetEventByID holt ein Ereignis anhand seiner ID; nil, wenn es nicht existiert
func (r *SQLiteRepository) GetEventByID(id uint) (*models.RecognitionEvent, error) {
	var ev models.RecognitionEvent
	result := r.db.First(&ev, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &ev, nil
}

// GetEvents holt Ereignisse mit Pagination, neueste zuerst
func (r *SQLiteRepository) GetEvents(filter Filter, limit, offset int) ([]models.RecognitionEvent, int64, error) {
	q := r.db.Model(&models.RecognitionEvent{})
	if filter.Identity != "" {
		q = q.Where("identity = ?", filter.Identity)
	}
	if filter.Outcome != "" {
		q = q.Where("outcome = ?", filter.Outcome)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.RecognitionEvent
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// DeleteEventsBefore löscht alle Ereignisse vor t endgültig
func (r *SQLiteRepository) DeleteEventsBefore(t time.Time) (int64, error) {
	result := r.db.Unscoped().Where("created_at < ?", t).Delete(&models.RecognitionEvent{})
	return result.RowsAffected, result.Error
}

// GetStatistics zählt die Ereignisse pro Ergebnis
func (r *SQLiteRepository) GetStatistics() (models.Statistics, error) {
	var stats models.Statistics
	var rows []struct {
		Outcome string
		Count   int64
	}
	if err := r.db.Model(&models.RecognitionEvent{}).
		Select("outcome, count(*) as count").
		Group("outcome").
		Scan(&rows).Error; err != nil {
		return stats, err
	}
	for _, row := range rows {
		stats.Recognitions += row.Count
		switch models.Outcome(row.Outcome) {
		case models.OutcomeMatch:
			stats.Matches = row.Count
		case models.OutcomeUnknown:
			stats.Unknowns = row.Count
		case models.OutcomeNoFace:
			stats.NoFaces = row.Count
		}
	}
	stats.HistoryAvailable = true
	return stats, nil
}

// EventRecorder schreibt Erkennungsereignisse in das Protokoll
type EventRecorder struct {
	repo Repository
}

// NewEventRecorder erstellt einen Recorder für processor.EventSink
func NewEventRecorder(repo Repository) *EventRecorder {
	return &EventRecorder{repo: repo}
}

// Publish speichert Erkennungen; andere Ereignisse werden ignoriert
func (e *EventRecorder) Publish(ev models.Event) {
	if ev.Type != models.EventRecognition || ev.Result == nil {
		return
	}
	rec := &models.RecognitionEvent{
		Outcome:    string(ev.Result.Outcome),
		Identity:   ev.Result.Identity,
		Score:      ev.Result.Score,
		Compared:   ev.Result.Compared,
		Failed:     ev.Result.Failed,
		TimedOut:   ev.Result.TimedOut,
		DurationMS: ev.Result.Duration.Milliseconds(),
		Detector:   ev.Detector,
		Model:      ev.Model,
		Source:     ev.Source,
	}
	if ev.Result.Region != nil {
		if b, err := json.Marshal(ev.Result.Region); err == nil {
			rec.Region = datatypes.JSON(b)
		}
	}
	if err := e.repo.SaveEvent(rec); err != nil {
		log.WithError(err).Error("Failed to save recognition event")
	}
}
