// Package commands implements the mapper CLI.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/navid-fn/coinmap/configs"
	"github.com/navid-fn/coinmap/internal/checkpoint"
	"github.com/navid-fn/coinmap/internal/drivers/coingecko"
	"github.com/navid-fn/coinmap/internal/drivers/kraken"
	"github.com/navid-fn/coinmap/internal/filter"
	"github.com/navid-fn/coinmap/internal/mapping"
	"github.com/navid-fn/coinmap/internal/models"
	"github.com/navid-fn/coinmap/internal/observability"
	"github.com/navid-fn/coinmap/internal/publisher"
	"github.com/navid-fn/coinmap/internal/storage"
)

// Pipeline is the set of external collaborators one build talks to.
type Pipeline struct {
	Source   mapping.Source
	Resolver mapping.Resolver
	Sinks    []mapping.Sink

	// Close releases sink connections, may be nil.
	Close func()
}

// ConnectFunc builds the pipeline of a run.
type ConnectFunc func(ctx context.Context, cfg *configs.AppConfig, logger logrus.FieldLogger) (*Pipeline, error)

// App holds the process wide dependencies shared by every command.
type App struct {
	Config   *configs.AppConfig
	Logger   *logrus.Logger
	Fs       afero.Fs
	Registry *prometheus.Registry
	Connect  ConnectFunc
	Now      func() time.Time

	metrics *observability.BuildMetrics
}

// NewApp wires the production dependencies.
func NewApp(cfg *configs.AppConfig, logger *logrus.Logger) *App {
	return &App{
		Config:   cfg,
		Logger:   logger,
		Fs:       afero.NewOsFs(),
		Registry: prometheus.NewRegistry(),
		Connect:  Connect,
		Now:      time.Now,
	}
}

func (a *App) checkpointStore() *checkpoint.Store {
	if !a.Config.Mapping.CheckpointEnabled {
		return nil
	}
	return checkpoint.NewStore(a.Fs, a.Config.Mapping.CheckpointFile, a.Logger,
		checkpoint.WithClock(a.Now),
		checkpoint.WithExpiry(a.Config.Mapping.CheckpointExpiry()))
}

func (a *App) cacheWriter() *mapping.CacheWriter {
	return mapping.NewCacheWriter(a.Fs, a.Config.Mapping.MappingFile, a.Logger)
}

func (a *App) buildMetrics() *observability.BuildMetrics {
	if a.metrics == nil {
		a.metrics = observability.NewBuildMetrics(a.Registry)
	}
	return a.metrics
}

// Connect builds the CoinGecko source, the Kraken resolver and the sinks
// enabled in cfg. A sink that cannot connect is logged and left out.
func Connect(ctx context.Context, cfg *configs.AppConfig, logger logrus.FieldLogger) (*Pipeline, error) {
	gecko := coingecko.NewClient(cfg.Coingecko, logger)
	mapper := kraken.NewMapper(cfg.Kraken, cfg.Mapping.TargetExchange, gecko, logger)
	if err := mapper.LoadPairs(ctx); err != nil {
		logger.WithError(err).Warn("Kraken pairs unavailable, pair names fall back to ticker symbols")
	}

	p := &Pipeline{
		Source:   filteredSource{source: gecko, filter: filter.New(cfg.Filter, logger)},
		Resolver: mapper,
	}

	var closers []func()
	if cfg.DBEnabled {
		store, err := storage.NewClickHouseStorage(cfg.DBDSN)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse sink disabled")
		} else {
			p.Sinks = append(p.Sinks, store)
			closers = append(closers, func() { _ = store.Close() })
		}
	}
	if cfg.Kafka.Enabled {
		pub, err := publisher.New(cfg.Kafka, logger)
		if err != nil {
			logger.WithError(err).Warn("Kafka sink disabled")
		} else {
			p.Sinks = append(p.Sinks, pub)
			closers = append(closers, pub.Close)
		}
	}

	p.Close = func() {
		for _, c := range closers {
			c()
		}
	}
	return p, nil
}

// filteredSource applies the candidate filter to every fetched list.
type filteredSource struct {
	source mapping.Source
	filter *filter.Filter
}

func (s filteredSource) FetchCandidates(ctx context.Context) ([]models.Coin, error) {
	coins, err := s.source.FetchCandidates(ctx)
	if err != nil {
		return nil, err
	}
	return s.filter.Apply(coins), nil
}

// BuildOutcome is what one build command run produced.
type BuildOutcome struct {
	Result *mapping.Result

	// FromCache is set when a fresh mapping file was served without a build.
	FromCache bool

	// SinkErr joins the sink failures of a completed build.
	SinkErr error
}

// RunBuild runs the mapping build once. It serves a fresh mapping file
// without building unless force is set.
func (a *App) RunBuild(ctx context.Context, force bool, interrupter mapping.Interrupter) (*BuildOutcome, error) {
	cfg := a.Config.Mapping
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mapping config: %w", err)
	}

	store := a.checkpointStore()
	cache := a.cacheWriter()
	log := a.Logger.WithField("command", "build")

	if !force && cfg.UseCachedMapping {
		fresh, err := a.cachedMappingFresh(store)
		if err != nil {
			return nil, err
		}
		if fresh {
			cached := cache.LoadExisting()
			log.WithField("entries", len(cached)).Info("Mapping file is fresh, skipping rebuild")
			return &BuildOutcome{
				Result: &mapping.Result{
					State:      mapping.StateCompleted,
					Cache:      cached,
					Total:      len(cached),
					Successful: len(cached),
				},
				FromCache: true,
			}, nil
		}
	}

	p, err := a.Connect(ctx, a.Config, a.Logger)
	if err != nil {
		return nil, err
	}
	if p.Close != nil {
		defer p.Close()
	}

	opts := []mapping.BuilderOption{
		mapping.WithRecorder(a.buildMetrics()),
		mapping.WithProgress(func(pr mapping.Progress) {
			if pr.Processed%cfg.CheckpointFrequency == 0 {
				log.WithFields(logrus.Fields{
					"processed":  pr.Processed,
					"total":      pr.Total,
					"successful": pr.Successful,
				}).Infof("Progress %.1f%%", pr.Fraction()*100)
			}
		}),
	}
	if interrupter != nil {
		opts = append(opts, mapping.WithInterrupter(interrupter))
	}

	builder := mapping.NewBuilder(cfg, p.Source, p.Resolver, store, cache, a.Logger, opts...)
	res, err := builder.Build(ctx)
	if err != nil {
		return &BuildOutcome{Result: res}, err
	}

	outcome := &BuildOutcome{Result: res}
	if res.State == mapping.StateCompleted && res.PersistErr == nil {
		outcome.SinkErr = mapping.Deliver(ctx, res.Cache, a.Logger, p.Sinks...)
	}
	return outcome, nil
}

// cachedMappingFresh reports whether the mapping file can be served as is.
// An in-progress checkpoint always means the build must continue.
func (a *App) cachedMappingFresh(store *checkpoint.Store) (bool, error) {
	if store != nil {
		rec, err := store.LoadValid()
		if err != nil {
			return false, err
		}
		if rec != nil && rec.Status == checkpoint.StatusInProgress {
			return false, nil
		}
	}

	rebuild, err := mapping.NeedsRebuild(a.Fs, a.Config.Mapping.MappingFile, a.Config.Mapping.RebuildAge(), a.Now())
	if err != nil {
		return false, err
	}
	return !rebuild, nil
}

// PrintSummary writes the human readable result of a build.
func PrintSummary(w io.Writer, o *BuildOutcome) {
	res := o.Result
	if res == nil {
		return
	}

	if o.FromCache {
		fmt.Fprintf(w, "Using cached mapping: %d entries\n", len(res.Cache))
		return
	}

	fmt.Fprintf(w, "Build %s\n", res.State)
	fmt.Fprintf(w, "  candidates: %d\n", res.Total)
	fmt.Fprintf(w, "  processed:  %d\n", res.Processed)
	fmt.Fprintf(w, "  successful: %d\n", res.Successful)
	fmt.Fprintf(w, "  failed:     %d\n", res.Failed)
	fmt.Fprintf(w, "  skipped:    %d\n", res.Skipped)
	if res.Resumed {
		fmt.Fprintln(w, "  resumed from checkpoint")
	}
	if res.CheckpointPath != "" {
		fmt.Fprintf(w, "  checkpoint: %s (run again to resume)\n", res.CheckpointPath)
	}
	if res.PersistErr != nil {
		fmt.Fprintf(w, "  mapping file write failed: %v\n", res.PersistErr)
	}
	if o.SinkErr != nil {
		fmt.Fprintf(w, "  sink delivery failed: %v\n", o.SinkErr)
	}
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, mapping.ErrFatalBuild):
		return 1
	default:
		return 2
	}
}
