package cleanup

import (
	"context"
	"fmt"
	"time"

	"facegate/config"

	log "github.com/sirupsen/logrus"
)

// Pruner löscht Protokolleinträge vor einem Stichtag
type Pruner interface {
	DeleteEventsBefore(t time.Time) (int64, error)
}

// CleanupService entfernt alte Einträge aus dem Erkennungsprotokoll
type CleanupService struct {
	pruner        Pruner
	config        config.CleanupConfig
	checkInterval time.Duration
	now           func() time.Time
}

// NewCleanupService erstellt einen neuen Cleanup-Service
func NewCleanupService(pruner Pruner, cfg config.CleanupConfig) *CleanupService {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 24 * time.Hour // Standardmäßig einmal täglich prüfen
	}
	return &CleanupService{
		pruner:        pruner,
		config:        cfg,
		checkInterval: interval,
		now:           time.Now,
	}
}

// Start führt die Bereinigung sofort und danach periodisch aus, bis ctx endet
func (s *CleanupService) Start(ctx context.Context) {
	log.Infof("Cleanup service started (retention %d days, interval %s)", s.config.RetentionDays, s.checkInterval)

	if _, err := s.RunCleanup(ctx); err != nil {
		log.Errorf("Initial cleanup failed: %v", err)
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Debug("Running scheduled cleanup")
			if _, err := s.RunCleanup(ctx); err != nil {
				log.Errorf("Scheduled cleanup failed: %v", err)
			}
		case <-ctx.Done():
			log.Info("Cleanup service stopped")
			return
		}
	}
}

// RunCleanup löscht Einträge älter als retention_days und liefert deren Anzahl
func (s *CleanupService) RunCleanup(ctx context.Context) (int64, error) {
	if s.config.RetentionDays <= 0 {
		log.Debug("Cleanup disabled (retention days <= 0)")
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)
	deleted, err := s.pruner.DeleteEventsBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete history before %s: %w", cutoff.Format("2006-01-02"), err)
	}
	if deleted > 0 {
		log.Infof("Cleanup completed: removed %d history entries older than %s", deleted, cutoff.Format("2006-01-02"))
	}
	return deleted, nil
}
