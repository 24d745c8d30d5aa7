package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/coinmap/configs"
	"github.com/navid-fn/coinmap/internal/filter"
	"github.com/navid-fn/coinmap/internal/mapping"
	"github.com/navid-fn/coinmap/internal/models"
)

const (
	checkpointFile = "data/mapping_checkpoint.json"
	mappingFile    = "data/coingecko_kraken_mapping.json"
)

type listSource struct {
	coins []models.Coin
	err   error
}

func (s listSource) FetchCandidates(context.Context) ([]models.Coin, error) {
	return s.coins, s.err
}

type countingResolver struct {
	calls atomic.Int32
}

func (r *countingResolver) Lookup(_ context.Context, coin models.Coin) (*models.MappingEntry, error) {
	r.calls.Add(1)
	return &models.MappingEntry{
		ExchangeName:   "kraken",
		Symbol:         strings.ToUpper(coin.Symbol) + "USD",
		PairName:       strings.ToUpper(coin.Symbol) + "USD",
		BaseCurrency:   strings.ToUpper(coin.Symbol),
		TargetCurrency: "USD",
	}, nil
}

// afterCalls fires once the resolver has been called n times.
type afterCalls struct {
	resolver *countingResolver
	n        int32
}

func (a afterCalls) Interrupted() bool { return a.resolver.calls.Load() >= a.n }

type recordingSink struct {
	saved mapping.Cache
	err   error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) SaveMapping(_ context.Context, cache mapping.Cache) error {
	s.saved = cache
	return s.err
}

func coins(n int) []models.Coin {
	out := make([]models.Coin, n)
	for i := range out {
		out[i] = models.Coin{ID: fmt.Sprintf("coin-%d", i+1), Symbol: fmt.Sprintf("c%d", i+1)}
	}
	return out
}

type testEnv struct {
	app      *App
	resolver *countingResolver
	sink     *recordingSink
	source   listSource
	connects int
}

func newTestEnv(n int) *testEnv {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &testEnv{
		resolver: &countingResolver{},
		sink:     &recordingSink{},
		source:   listSource{coins: coins(n)},
	}
	env.app = &App{
		Config: &configs.AppConfig{
			Mapping: configs.MappingConfig{
				CheckpointEnabled:   true,
				CheckpointFrequency: 2,
				ResumeOnRestart:     true,
				CheckpointFile:      checkpointFile,
				MappingFile:         mappingFile,
				CacheExpiryHours:    24,
				UseCachedMapping:    true,
				RebuildMappingDays:  7,
				TargetExchange:      "kraken",
			},
		},
		Logger:   logger,
		Fs:       afero.NewMemMapFs(),
		Registry: prometheus.NewRegistry(),
		Now:      time.Now,
	}
	env.app.Connect = func(context.Context, *configs.AppConfig, logrus.FieldLogger) (*Pipeline, error) {
		env.connects++
		return &Pipeline{Source: env.source, Resolver: env.resolver, Sinks: []mapping.Sink{env.sink}}, nil
	}
	return env
}

func (e *testEnv) exists(t *testing.T, path string) bool {
	t.Helper()
	ok, err := afero.Exists(e.app.Fs, path)
	require.NoError(t, err)
	return ok
}

func TestRunBuildDeliversCompletedMapping(t *testing.T) {
	env := newTestEnv(3)

	outcome, err := env.app.RunBuild(context.Background(), false, nil)
	require.NoError(t, err)

	assert.False(t, outcome.FromCache)
	assert.Equal(t, mapping.StateCompleted, outcome.Result.State)
	assert.Len(t, env.sink.saved, 3)
	assert.NoError(t, outcome.SinkErr)
	assert.True(t, env.exists(t, mappingFile))
	assert.False(t, env.exists(t, checkpointFile))
}

func TestRunBuildServesFreshMapping(t *testing.T) {
	env := newTestEnv(3)
	_, err := env.app.RunBuild(context.Background(), false, nil)
	require.NoError(t, err)

	outcome, err := env.app.RunBuild(context.Background(), false, nil)
	require.NoError(t, err)
	assert.True(t, outcome.FromCache)
	assert.Len(t, outcome.Result.Cache, 3)
	assert.Equal(t, 1, env.connects)

	_, err = env.app.RunBuild(context.Background(), true, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, env.connects, "force rebuilds a fresh mapping")
}

func TestRunBuildStaleMappingRebuilds(t *testing.T) {
	env := newTestEnv(2)
	_, err := env.app.RunBuild(context.Background(), false, nil)
	require.NoError(t, err)

	env.app.Now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	outcome, err := env.app.RunBuild(context.Background(), false, nil)
	require.NoError(t, err)
	assert.False(t, outcome.FromCache)
	assert.Equal(t, 2, env.connects)
}

func TestRunBuildInterruptedThenResumed(t *testing.T) {
	env := newTestEnv(4)

	outcome, err := env.app.RunBuild(context.Background(), false, afterCalls{resolver: env.resolver, n: 2})
	require.NoError(t, err)
	assert.Equal(t, mapping.StateInterrupted, outcome.Result.State)
	assert.Nil(t, env.sink.saved, "interrupted builds are not delivered")
	assert.True(t, env.exists(t, checkpointFile))

	var out bytes.Buffer
	PrintSummary(&out, outcome)
	assert.Contains(t, out.String(), "Build INTERRUPTED")
	assert.Contains(t, out.String(), "run again to resume")

	outcome, err = env.app.RunBuild(context.Background(), false, nil)
	require.NoError(t, err)
	assert.False(t, outcome.FromCache, "an in-progress checkpoint wins over a fresh mapping file")
	assert.True(t, outcome.Result.Resumed)
	assert.Equal(t, mapping.StateCompleted, outcome.Result.State)
	assert.EqualValues(t, 4, env.resolver.calls.Load())
	assert.Len(t, env.sink.saved, 4)
}

func TestRunBuildSourceUnavailable(t *testing.T) {
	env := newTestEnv(0)
	env.source = listSource{err: fmt.Errorf("%w: connection refused", models.ErrSourceUnavailable)}

	outcome, err := env.app.RunBuild(context.Background(), false, nil)
	require.ErrorIs(t, err, mapping.ErrFatalBuild)
	assert.Equal(t, mapping.StateFailed, outcome.Result.State)
	assert.Equal(t, 1, ExitCode(err))
}

func TestRunBuildSinkFailureKeepsMapping(t *testing.T) {
	env := newTestEnv(2)
	env.sink.err = errors.New("broker unavailable")

	outcome, err := env.app.RunBuild(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Error(t, outcome.SinkErr)
	assert.True(t, env.exists(t, mappingFile))
}

func TestRunBuildInvalidConfig(t *testing.T) {
	env := newTestEnv(1)
	env.app.Config.Mapping.MappingFile = ""

	_, err := env.app.RunBuild(context.Background(), false, nil)
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
	assert.Zero(t, env.connects)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(fmt.Errorf("%w: boom", mapping.ErrFatalBuild)))
	assert.Equal(t, 2, ExitCode(errors.New("bad flag")))
}

func TestFilteredSource(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	src := filteredSource{
		source: listSource{coins: coins(5)},
		filter: filter.New(configs.FilterConfig{MaxCoins: 2}, logger),
	}
	got, err := src.FetchCandidates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coins(2), got)

	_, err = filteredSource{source: listSource{err: models.ErrSourceUnavailable}, filter: src.filter}.FetchCandidates(context.Background())
	assert.ErrorIs(t, err, models.ErrSourceUnavailable)
}
