package processor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"facegate/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// ErrPoolClosed wird nach Shutdown zurückgegeben
var ErrPoolClosed = errors.New("worker pool is shut down")

// WorkerPool begrenzt die Anzahl gleichzeitig laufender Erkennungen
type WorkerPool struct {
	processor       *ImageProcessor
	jobs            chan *recognizeJob
	workerCount     int
	activeJobs      int
	activeJobsMutex sync.Mutex
	shutdown        chan struct{}
	shutdownOnce    sync.Once
	wg              sync.WaitGroup
}

// recognizeJob repräsentiert eine einzelne Erkennungsanfrage
type recognizeJob struct {
	ctx      context.Context
	encoded  string
	source   string
	resultCh chan *recognizeResult // Individueller Ergebniskanal pro Job
}

type recognizeResult struct {
	result *models.MatchResult
	err    error
}

// DefaultWorkerCount liefert 75% der verfügbaren CPUs, mindestens 2
func DefaultWorkerCount() int {
	return max(2, (runtime.NumCPU()*3)/4)
}

// NewWorkerPool erstellt einen neuen Worker-Pool. workers <= 0 wählt DefaultWorkerCount.
func NewWorkerPool(processor *ImageProcessor, workers int) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkerCount()
	}

	log.Infof("Initializing recognition worker pool with %d workers", workers)

	pool := &WorkerPool{
		processor:   processor,
		jobs:        make(chan *recognizeJob, workers*2), // Puffer für Jobs
		workerCount: workers,
		shutdown:    make(chan struct{}),
	}

	pool.startWorkers()
	return pool
}

// startWorkers startet die Worker-Goroutinen
func (p *WorkerPool) startWorkers() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			log.Debugf("Worker %d started", workerID)

			for {
				select {
				case job := <-p.jobs:
					p.run(workerID, job)
				case <-p.shutdown:
					log.Debugf("Worker %d received shutdown signal", workerID)
					return
				}
			}
		}(i)
	}
}

func (p *WorkerPool) run(workerID int, job *recognizeJob) {
	// Anfrage wurde bereits aufgegeben
	if job.ctx.Err() != nil {
		job.resultCh <- &recognizeResult{err: job.ctx.Err()}
		return
	}

	p.activeJobsMutex.Lock()
	p.activeJobs++
	jobCount := p.activeJobs
	p.activeJobsMutex.Unlock()

	log.Debugf("Worker %d processing image from %s (active jobs: %d)", workerID, job.source, jobCount)
	startTime := time.Now()

	result, err := p.processor.Recognize(job.ctx, job.encoded, job.source)

	p.activeJobsMutex.Lock()
	p.activeJobs--
	p.activeJobsMutex.Unlock()

	// resultCh ist gepuffert, das Senden blockiert nie
	job.resultCh <- &recognizeResult{result: result, err: err}

	log.Debugf("Worker %d completed recognition in %v", workerID, time.Since(startTime))
}

// Recognize reiht eine Erkennung ein und wartet auf das Ergebnis
func (p *WorkerPool) Recognize(ctx context.Context, encoded, source string) (*models.MatchResult, error) {
	resultCh := make(chan *recognizeResult, 1)
	job := &recognizeJob{
		ctx:      ctx,
		encoded:  encoded,
		source:   source,
		resultCh: resultCh,
	}

	select {
	case p.jobs <- job:
	case <-p.shutdown:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-resultCh:
		return r.result, r.err
	case <-p.shutdown:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PoolStats beschreibt die Auslastung des Pools
type PoolStats struct {
	Workers       int `json:"workers"`
	ActiveJobs    int `json:"active_jobs"`
	QueuedJobs    int `json:"queued_jobs"`
	QueueCapacity int `json:"queue_capacity"`
}

// Stats liefert eine Momentaufnahme der Auslastung
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:       p.workerCount,
		ActiveJobs:    p.ActiveJobCount(),
		QueuedJobs:    len(p.jobs),
		QueueCapacity: cap(p.jobs),
	}
}

// ActiveJobCount gibt die Anzahl der aktuell aktiven Jobs zurück
func (p *WorkerPool) ActiveJobCount() int {
	p.activeJobsMutex.Lock()
	defer p.activeJobsMutex.Unlock()
	return p.activeJobs
}

// Processor liefert den zugrunde liegenden Prozessor
func (p *WorkerPool) Processor() *ImageProcessor {
	return p.processor
}

// Shutdown fährt den Worker-Pool herunter und wartet auf laufende Jobs
func (p *WorkerPool) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
	p.wg.Wait()
}
