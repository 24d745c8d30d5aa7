package mapping

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/coinmap/internal/checkpoint"
	"github.com/navid-fn/coinmap/internal/models"
)

// Plan is the work a build has left, derived from the candidate list and
// the checkpoint found at startup.
type Plan struct {
	// StartIndex is the first candidate position to process.
	StartIndex int

	// Processed holds coin IDs that must not be looked up again.
	Processed map[string]struct{}

	// ProcessedIDs is Processed in the order the coins were handled.
	ProcessedIDs []string

	// Failed lists coin IDs that were processed without a mapping.
	Failed []string

	// Cache is the mapping the build starts from.
	Cache Cache

	// Skip means the previous build completed and nothing is pending.
	Skip bool

	// Resumed is set when the plan continues an in-progress checkpoint.
	Resumed bool

	// StartTime is the start of the build the plan belongs to.
	StartTime time.Time
}

// Planner decides whether a build starts fresh or resumes a checkpoint.
type Planner struct {
	cache  *CacheWriter
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewPlanner(cache *CacheWriter, logger logrus.FieldLogger) *Planner {
	return &Planner{
		cache:  cache,
		logger: logger.WithField("component", "resume_planner"),
		now:    time.Now,
	}
}

// Plan expects rec to be validated already; nil means no usable checkpoint.
func (p *Planner) Plan(candidates []models.Coin, rec *checkpoint.Record) *Plan {
	if rec == nil {
		p.cache.Reset()
		p.logger.WithField("total", len(candidates)).Info("No checkpoint found, starting a fresh mapping build")
		return &Plan{
			Processed:    map[string]struct{}{},
			ProcessedIDs: []string{},
			Failed:       []string{},
			Cache:        Cache{},
			StartTime:    p.now().UTC(),
		}
	}

	if rec.Status == checkpoint.StatusCompleted {
		p.logger.Info("Previous mapping build completed, nothing to resume")
		return &Plan{
			Processed:    map[string]struct{}{},
			ProcessedIDs: []string{},
			Failed:       []string{},
			Cache:        p.cache.LoadExisting(),
			Skip:         true,
			StartTime:    rec.StartTime,
		}
	}

	plan := &Plan{
		StartIndex:   rec.ResumeIndex(),
		Processed:    make(map[string]struct{}, len(rec.ProcessedCoinIDs)),
		ProcessedIDs: append([]string{}, rec.ProcessedCoinIDs...),
		Failed:       append([]string{}, rec.FailedCoinIDs...),
		Cache:        p.cache.LoadExisting(),
		Resumed:      true,
		StartTime:    rec.StartTime,
	}
	for _, id := range rec.ProcessedCoinIDs {
		plan.Processed[id] = struct{}{}
	}

	log := p.logger.WithFields(logrus.Fields{
		"start_index": plan.StartIndex,
		"processed":   rec.ProcessedCoins,
		"total":       len(candidates),
		"mapped":      len(plan.Cache),
	})

	if rec.TotalCoins != len(candidates) {
		log.WithField("checkpoint_total", rec.TotalCoins).
			Warn("Candidate list changed since the checkpoint was written, resuming by index anyway")
	}
	if last := rec.LastProcessedIndex; last >= 0 && last < len(candidates) {
		if _, ok := plan.Processed[candidates[last].ID]; !ok {
			log.WithField("coin_id", candidates[last].ID).
				Warn("Coin at the last processed index is not in the checkpoint, candidate ordering may have changed")
		}
	}
	if plan.StartIndex > len(candidates) {
		plan.StartIndex = len(candidates)
	}

	log.Info("Resuming mapping build from checkpoint")
	return plan
}
