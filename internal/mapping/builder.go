package mapping

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/coinmap/configs"
	"github.com/navid-fn/coinmap/internal/checkpoint"
	"github.com/navid-fn/coinmap/internal/models"
)

// ErrFatalBuild is returned when a build cannot run at all.
var ErrFatalBuild = errors.New("mapping build failed")

// Source returns the ordered candidate list.
type Source interface {
	FetchCandidates(ctx context.Context) ([]models.Coin, error)
}

// Resolver maps one coin to its exchange pair. Misses are reported with
// models.ErrNotFound.
type Resolver interface {
	Lookup(ctx context.Context, coin models.Coin) (*models.MappingEntry, error)
}

// Interrupter is polled between candidates.
type Interrupter interface {
	Interrupted() bool
}

// State is the build lifecycle state.
type State string

const (
	StateInit        State = "INIT"
	StateRunning     State = "RUNNING"
	StateCompleted   State = "COMPLETED"
	StateInterrupted State = "INTERRUPTED"
	StateFailed      State = "FAILED"
)

// Candidate outcomes reported to the Recorder.
const (
	OutcomeMapped   = "mapped"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
	OutcomeSkipped  = "skipped"
)

// Progress is emitted after every candidate.
type Progress struct {
	CoinID     string
	Index      int
	Processed  int
	Total      int
	Successful int
}

// Fraction returns Processed over Total.
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Processed) / float64(p.Total)
}

type ProgressFunc func(Progress)

// Recorder receives build metrics.
type Recorder interface {
	CandidateProcessed(outcome string)
	LookupObserved(d time.Duration)
	CheckpointSaved()
	MappedEntries(n int)
	RunFinished(state string)
}

type nopRecorder struct{}

func (nopRecorder) CandidateProcessed(string)    {}
func (nopRecorder) LookupObserved(time.Duration) {}
func (nopRecorder) CheckpointSaved()             {}
func (nopRecorder) MappedEntries(int)            {}
func (nopRecorder) RunFinished(string)           {}

// Result summarizes one Build call.
type Result struct {
	State State
	Cache Cache

	Total      int
	Processed  int
	Successful int
	Failed     int
	Skipped    int
	Resumed    bool

	// CheckpointPath is set when the build ended with work pending.
	CheckpointPath string

	// PersistErr is the last failed mapping file write, if any. The
	// checkpoint on disk never covers entries that were not persisted.
	PersistErr error
}

// Builder drives the candidate list through the resolver. A Builder runs one
// build at a time.
type Builder struct {
	cfg         configs.MappingConfig
	source      Source
	resolver    Resolver
	checkpoints *checkpoint.Store
	cache       *CacheWriter
	planner     *Planner
	interrupter Interrupter
	progress    ProgressFunc
	recorder    Recorder
	logger      logrus.FieldLogger
}

type BuilderOption func(*Builder)

// WithInterrupter sets the cancellation flag polled between candidates.
func WithInterrupter(i Interrupter) BuilderOption {
	return func(b *Builder) { b.interrupter = i }
}

// WithProgress registers a callback invoked after every candidate.
func WithProgress(fn ProgressFunc) BuilderOption {
	return func(b *Builder) { b.progress = fn }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) BuilderOption {
	return func(b *Builder) { b.recorder = r }
}

// NewBuilder wires a build. store may be nil when checkpointing is disabled.
func NewBuilder(
	cfg configs.MappingConfig,
	source Source,
	resolver Resolver,
	store *checkpoint.Store,
	cache *CacheWriter,
	logger logrus.FieldLogger,
	opts ...BuilderOption,
) *Builder {
	if cfg.CheckpointFrequency <= 0 {
		cfg.CheckpointFrequency = configs.DefaultCheckpointFrequency
	}
	if store == nil {
		cfg.CheckpointEnabled = false
	}

	b := &Builder{
		cfg:         cfg,
		source:      source,
		resolver:    resolver,
		checkpoints: store,
		cache:       cache,
		planner:     NewPlanner(cache, logger),
		recorder:    nopRecorder{},
		logger:      logger.WithField("component", "mapping_builder"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// run is the mutable state of one build.
type run struct {
	total        int
	startTime    time.Time
	lastIndex    int
	processed    map[string]struct{}
	processedIDs []string
	failed       []string
	pending      Cache
	sinceSave    int
	baseline     *checkpoint.Record
	result       *Result
}

// Build runs the mapping build until the candidate list is exhausted, the
// context is cancelled, or the interrupter fires. Per-candidate failures never
// escape; the only error is ErrFatalBuild when the candidate list is unavailable.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	b.logState(StateInit)

	rec := b.loadCheckpoint()

	candidates, err := b.source.FetchCandidates(ctx)
	if err != nil {
		if ctx.Err() != nil {
			b.logger.WithError(err).Warn("Build cancelled before the candidate list was fetched")
			return b.finish(&Result{
				State:          StateInterrupted,
				Cache:          b.cache.Snapshot(),
				CheckpointPath: b.checkpointPath(rec),
			}), nil
		}
		return b.fail(rec, err)
	}

	plan := b.planner.Plan(candidates, rec)
	if plan.Skip {
		if err := b.checkpoints.Clear(); err != nil {
			b.logger.WithError(err).Warn("Failed to clear completed checkpoint")
		}
		b.recorder.MappedEntries(len(plan.Cache))
		return b.finish(&Result{
			State:     StateCompleted,
			Cache:     plan.Cache,
			Total:     len(candidates),
			Processed: rec.ProcessedCoins,
			Skipped:   len(candidates),
		}), nil
	}

	r := &run{
		total:        len(candidates),
		startTime:    plan.StartTime,
		lastIndex:    plan.StartIndex - 1,
		processed:    plan.Processed,
		processedIDs: plan.ProcessedIDs,
		failed:       plan.Failed,
		pending:      Cache{},
		baseline:     rec,
		result: &Result{
			Total:   len(candidates),
			Skipped: plan.StartIndex,
			Resumed: plan.Resumed,
		},
	}

	b.logState(StateRunning)
	for i := plan.StartIndex; i < len(candidates); i++ {
		if b.stopRequested(ctx) {
			return b.interrupt(r), nil
		}

		coin := candidates[i]
		if _, done := r.processed[coin.ID]; done {
			b.logger.WithFields(logrus.Fields{"coin_id": coin.ID, "index": i}).Debug("Coin already processed, skipping")
			r.lastIndex = i
			r.result.Skipped++
			b.recorder.CandidateProcessed(OutcomeSkipped)
			b.emit(r, i, coin)
			continue
		}

		if !b.process(ctx, r, i, coin) {
			return b.interrupt(r), nil
		}
		b.emit(r, i, coin)

		if b.cfg.CheckpointEnabled && r.sinceSave >= b.cfg.CheckpointFrequency {
			b.save(r)
		}
	}

	return b.complete(r), nil
}

func (b *Builder) emit(r *run, index int, coin models.Coin) {
	if b.progress == nil {
		return
	}
	b.progress(Progress{
		CoinID:     coin.ID,
		Index:      index,
		Processed:  len(r.processedIDs),
		Total:      r.total,
		Successful: b.cache.Len() + len(r.pending),
	})
}

// process looks up one coin and records the outcome. It returns false when
// the lookup was abandoned because the context was cancelled.
func (b *Builder) process(ctx context.Context, r *run, index int, coin models.Coin) bool {
	log := b.logger.WithFields(logrus.Fields{"coin_id": coin.ID, "index": index})

	started := time.Now()
	entry, err := b.resolver.Lookup(ctx, coin)
	b.recorder.LookupObserved(time.Since(started))

	switch {
	case err == nil && entry != nil:
		r.pending[coin.ID] = *entry
		r.result.Successful++
		b.recorder.CandidateProcessed(OutcomeMapped)
		log.WithField("pair", entry.PairName).Debug("Coin mapped")
	case err == nil, errors.Is(err, models.ErrNotFound):
		r.failed = append(r.failed, coin.ID)
		r.result.Failed++
		b.recorder.CandidateProcessed(OutcomeNotFound)
		log.Debug("No pair found for coin")
	case ctx.Err() != nil:
		log.WithError(err).Debug("Lookup abandoned, build cancelled")
		return false
	default:
		r.failed = append(r.failed, coin.ID)
		r.result.Failed++
		b.recorder.CandidateProcessed(OutcomeError)
		log.WithError(err).Warn("Lookup failed, marking coin as failed")
	}

	r.processed[coin.ID] = struct{}{}
	r.processedIDs = append(r.processedIDs, coin.ID)
	r.lastIndex = index
	r.sinceSave++
	return true
}

// save persists pending entries and then the checkpoint. The checkpoint only
// advances once the entries it accounts for are on disk.
func (b *Builder) save(r *run) bool {
	r.sinceSave = 0

	if err := b.cache.MergeAndPersist(r.pending); err != nil {
		r.result.PersistErr = err
		b.logger.WithError(err).Error("Failed to persist mapping, keeping the previous checkpoint")
		return false
	}
	r.pending = Cache{}
	b.recorder.MappedEntries(b.cache.Len())

	if !b.cfg.CheckpointEnabled {
		return true
	}

	rec := b.record(r, checkpoint.StatusInProgress)
	if err := b.checkpoints.Save(rec); err != nil {
		b.logger.WithError(err).Error("Failed to save checkpoint")
		return false
	}
	r.baseline = rec
	b.recorder.CheckpointSaved()

	b.logger.WithFields(logrus.Fields{
		"processed": rec.ProcessedCoins,
		"total":     rec.TotalCoins,
		"mapped":    rec.PartialMappingCount,
	}).Info("Checkpoint saved")
	return true
}

func (b *Builder) complete(r *run) *Result {
	if err := b.cache.MergeAndPersist(r.pending); err != nil {
		r.result.PersistErr = err
		b.logger.WithError(err).Error("Failed to persist final mapping, keeping the last checkpoint for resume")
		return b.result(r, StateCompleted, true)
	}
	// The file now holds every entry, earlier write failures are moot.
	r.result.PersistErr = nil
	r.pending = Cache{}
	b.recorder.MappedEntries(b.cache.Len())

	if b.cfg.CheckpointEnabled {
		if err := b.checkpoints.Clear(); err != nil {
			b.logger.WithError(err).Warn("Failed to clear checkpoint, marking it completed instead")
			if err := b.checkpoints.Save(b.record(r, checkpoint.StatusCompleted)); err != nil {
				b.logger.WithError(err).Error("Failed to mark checkpoint completed")
			}
		}
	}
	return b.result(r, StateCompleted, false)
}

func (b *Builder) interrupt(r *run) *Result {
	b.logger.WithFields(logrus.Fields{
		"processed":  len(r.processedIDs),
		"total":      r.total,
		"last_index": r.lastIndex,
	}).Warn("Mapping build interrupted, saving progress")

	b.save(r)
	return b.result(r, StateInterrupted, true)
}

// fail handles an unavailable candidate list. A checkpoint loaded at startup
// is written back so the pending resume survives.
func (b *Builder) fail(rec *checkpoint.Record, cause error) (*Result, error) {
	b.logger.WithError(cause).Error("Candidate list unavailable")

	if rec != nil && rec.Status == checkpoint.StatusInProgress {
		if err := b.checkpoints.Save(rec); err != nil {
			b.logger.WithError(err).Error("Best effort checkpoint save failed")
		}
	}

	res := b.finish(&Result{
		State:          StateFailed,
		Cache:          b.cache.Snapshot(),
		CheckpointPath: b.checkpointPath(rec),
	})
	return res, fmt.Errorf("%w: %w", ErrFatalBuild, cause)
}

func (b *Builder) loadCheckpoint() *checkpoint.Record {
	if !b.cfg.CheckpointEnabled {
		return nil
	}

	rec, err := b.checkpoints.LoadValid()
	if err != nil {
		b.logger.WithError(err).Warn("Failed to load checkpoint, starting fresh")
		return nil
	}
	if rec != nil && !b.cfg.ResumeOnRestart {
		b.logger.Info("Resume on restart disabled, discarding checkpoint")
		if err := b.checkpoints.Clear(); err != nil {
			b.logger.WithError(err).Warn("Failed to clear checkpoint")
		}
		return nil
	}
	return rec
}

func (b *Builder) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return b.interrupter != nil && b.interrupter.Interrupted()
}

func (b *Builder) record(r *run, status checkpoint.Status) *checkpoint.Record {
	return &checkpoint.Record{
		Status:              status,
		TotalCoins:          r.total,
		ProcessedCoins:      len(r.processedIDs),
		LastProcessedIndex:  r.lastIndex,
		ProcessedCoinIDs:    append([]string{}, r.processedIDs...),
		FailedCoinIDs:       append([]string{}, r.failed...),
		StartTime:           r.startTime,
		CheckpointFrequency: b.cfg.CheckpointFrequency,
		MappingFile:         b.cache.Path(),
		PartialMappingCount: b.cache.Len(),
	}
}

func (b *Builder) result(r *run, state State, incomplete bool) *Result {
	res := r.result
	res.State = state
	res.Processed = len(r.processedIDs)
	res.Cache = b.cache.Snapshot()
	maps.Copy(res.Cache, r.pending)
	if incomplete {
		res.CheckpointPath = b.checkpointPath(r.baseline)
	}
	return b.finish(res)
}

func (b *Builder) checkpointPath(rec *checkpoint.Record) string {
	if !b.cfg.CheckpointEnabled || rec == nil {
		return ""
	}
	return b.checkpoints.Path()
}

func (b *Builder) finish(res *Result) *Result {
	b.recorder.RunFinished(string(res.State))
	b.logger.WithFields(logrus.Fields{
		"state":      res.State,
		"processed":  res.Processed,
		"total":      res.Total,
		"successful": res.Successful,
		"failed":     res.Failed,
		"skipped":    res.Skipped,
		"mapped":     len(res.Cache),
	}).Info("Mapping build finished")
	return res
}

func (b *Builder) logState(state State) {
	b.logger.WithField("state", state).Debug("Mapping build state")
}
