// Package matcher vergleicht ein Probe-Gesicht der Reihe nach mit allen
// Referenzen der Datenbank und entscheidet über die Identität.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"facegate/internal/core/detector"
	"facegate/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// Policy bestimmt, wann der Scan endet
type Policy string

const (
	// PolicyFirst beendet den Scan beim ersten Treffer unter dem Schwellenwert
	PolicyFirst Policy = "first"
	// PolicyBest prüft alle Referenzen und wählt die kleinste Distanz
	PolicyBest Policy = "best"
)

// ErrInvalidDistance markiert Distanzen außerhalb von [0, inf)
var ErrInvalidDistance = errors.New("invalid distance")

// Options steuern den Abgleich
type Options struct {
	Threshold   float64
	Policy      Policy
	ScanTimeout time.Duration // 0 = unbegrenzt
}

// Candidate ist das Ergebnis eines einzelnen Vergleichs
type Candidate struct {
	Ref      models.Reference
	Distance float64
	Err      error
}

// Matcher führt den linearen Abgleich aus
type Matcher struct {
	verifier detector.Verifier
	opts     Options
}

// New erstellt einen Matcher. Eine leere Policy bedeutet PolicyFirst.
func New(verifier detector.Verifier, opts Options) (*Matcher, error) {
	if verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if opts.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %v", opts.Threshold)
	}
	switch opts.Policy {
	case "":
		opts.Policy = PolicyFirst
	case PolicyFirst, PolicyBest:
	default:
		return nil, fmt.Errorf("unknown match policy %q", opts.Policy)
	}
	return &Matcher{verifier: verifier, opts: opts}, nil
}

// Options liefert die wirksamen Optionen
func (m *Matcher) Options() Options {
	return m.opts
}

// fold sammelt die Kandidaten gemäß der Policy
type fold struct {
	policy    Policy
	threshold float64
	best      *Candidate
}

// consume verarbeitet einen Kandidaten und meldet, ob der Scan enden soll
func (f *fold) consume(c Candidate) bool {
	if c.Err != nil || c.Distance >= f.threshold {
		return false
	}
	if f.best == nil || c.Distance < f.best.Distance {
		cc := c
		f.best = &cc
	}
	return f.policy == PolicyFirst
}

// Match gleicht probe gegen refs in der gegebenen Reihenfolge ab.
// Fehler einzelner Vergleiche werden protokolliert und übersprungen.
func (m *Matcher) Match(ctx context.Context, probe image.Image, refs []models.Reference) *models.MatchResult {
	result := &models.MatchResult{
		Outcome:  models.OutcomeUnknown,
		Identity: models.UnknownIdentity,
	}

	scanCtx := ctx
	if m.opts.ScanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, m.opts.ScanTimeout)
		defer cancel()
	}

	acc := &fold{policy: m.opts.Policy, threshold: m.opts.Threshold}

	for _, ref := range refs {
		if scanCtx.Err() != nil {
			result.TimedOut = true
			break
		}

		c := m.compare(scanCtx, probe, ref)
		result.Compared++

		if c.Err != nil {
			if scanCtx.Err() != nil {
				result.TimedOut = true
				break
			}
			result.Failed++
			log.WithFields(log.Fields{
				"reference": ref.Key(),
			}).WithError(c.Err).Warn("Verification failed, skipping candidate")
			continue
		}

		log.WithFields(log.Fields{
			"reference": ref.Key(),
			"distance":  c.Distance,
		}).Debug("Candidate compared")

		if acc.consume(c) {
			break
		}
	}

	if result.TimedOut {
		log.WithFields(log.Fields{
			"compared": result.Compared,
			"total":    len(refs),
		}).Warn("Match scan aborted before completion")
		return result
	}

	if acc.best != nil {
		score := acc.best.Distance
		ref := acc.best.Ref
		result.Outcome = models.OutcomeMatch
		result.Identity = ref.Identity
		result.Score = &score
		result.Matched = &ref
	} else if result.AllFailed() {
		log.Warnf("All %d comparisons failed", result.Compared)
	}
	return result
}

func (m *Matcher) compare(ctx context.Context, probe image.Image, ref models.Reference) Candidate {
	d, err := m.verifier.Verify(ctx, probe, ref)
	if err == nil && (math.IsNaN(d) || d < 0) {
		err = fmt.Errorf("%w: %v", ErrInvalidDistance, d)
	}
	return Candidate{Ref: ref, Distance: d, Err: err}
}
