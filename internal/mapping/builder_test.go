package mapping

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/coinmap/configs"
	"github.com/navid-fn/coinmap/internal/checkpoint"
	"github.com/navid-fn/coinmap/internal/interrupt"
	"github.com/navid-fn/coinmap/internal/models"
	"github.com/navid-fn/coinmap/pkg/atomicfile"
)

const (
	checkpointPath = "data/mapping_checkpoint.json"
	mappingPath    = "data/coingecko_kraken_mapping.json"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func makeCoins(n int) []models.Coin {
	coins := make([]models.Coin, n)
	for i := range coins {
		coins[i] = models.Coin{
			ID:     fmt.Sprintf("coin-%d", i+1),
			Symbol: fmt.Sprintf("c%d", i+1),
			Name:   fmt.Sprintf("Coin %d", i+1),
		}
	}
	return coins
}

type staticSource struct {
	coins []models.Coin
	err   error
}

func (s staticSource) FetchCandidates(context.Context) ([]models.Coin, error) {
	return s.coins, s.err
}

// fakeResolver maps every coin unless told otherwise and records each call.
type fakeResolver struct {
	calls    []string
	errs     map[string]error
	onLookup func(call int, coin models.Coin)
}

func (f *fakeResolver) Lookup(_ context.Context, coin models.Coin) (*models.MappingEntry, error) {
	f.calls = append(f.calls, coin.ID)
	if f.onLookup != nil {
		f.onLookup(len(f.calls), coin)
	}
	if err := f.errs[coin.ID]; err != nil {
		return nil, err
	}
	symbol := strings.ToUpper(coin.Symbol)
	return &models.MappingEntry{
		ExchangeName:   "kraken",
		Symbol:         symbol + "USD",
		PairName:       symbol + "USD",
		BaseCurrency:   symbol,
		TargetCurrency: "USD",
		IsActive:       true,
	}, nil
}

type fixture struct {
	fs    afero.Fs
	cfg   configs.MappingConfig
	store *checkpoint.Store
}

func newFixture(frequency int) *fixture {
	fs := afero.NewMemMapFs()
	return &fixture{
		fs: fs,
		cfg: configs.MappingConfig{
			CheckpointEnabled:   true,
			CheckpointFrequency: frequency,
			ResumeOnRestart:     true,
			CheckpointFile:      checkpointPath,
			MappingFile:         mappingPath,
			CacheExpiryHours:    24,
			TargetExchange:      "kraken",
		},
		store: checkpoint.NewStore(fs, checkpointPath, quietLogger()),
	}
}

func (f *fixture) builder(source Source, resolver Resolver, opts ...BuilderOption) *Builder {
	var store *checkpoint.Store
	if f.cfg.CheckpointEnabled {
		store = f.store
	}
	cache := NewCacheWriter(f.fs, mappingPath, quietLogger())
	return NewBuilder(f.cfg, source, resolver, store, cache, quietLogger(), opts...)
}

func (f *fixture) checkpointExists(t *testing.T) bool {
	t.Helper()
	exists, err := afero.Exists(f.fs, checkpointPath)
	require.NoError(t, err)
	return exists
}

func (f *fixture) loadCheckpoint(t *testing.T) *checkpoint.Record {
	t.Helper()
	rec, err := f.store.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func (f *fixture) mappingOnDisk(t *testing.T) Cache {
	t.Helper()
	return NewCacheWriter(f.fs, mappingPath, quietLogger()).LoadExisting()
}

func TestBuildFresh(t *testing.T) {
	f := newFixture(2)
	resolver := &fakeResolver{}
	var events []Progress

	res, err := f.builder(staticSource{coins: makeCoins(5)}, resolver,
		WithProgress(func(p Progress) { events = append(events, p) })).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 5, res.Successful)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Skipped)
	assert.Empty(t, res.CheckpointPath)
	assert.Len(t, res.Cache, 5)

	assert.False(t, f.checkpointExists(t), "checkpoint is cleared on completion")
	assert.Equal(t, res.Cache, f.mappingOnDisk(t))

	require.Len(t, events, 5)
	assert.Equal(t, Progress{CoinID: "coin-5", Index: 4, Processed: 5, Total: 5, Successful: 5}, events[4])
	assert.InDelta(t, 1.0, events[4].Fraction(), 1e-9)
}

func TestBuildIsolatesTransportErrors(t *testing.T) {
	f := newFixture(100)
	resolver := &fakeResolver{errs: map[string]error{
		"coin-2": fmt.Errorf("lookup coin-2: %w", models.ErrNotFound),
		"coin-3": fmt.Errorf("GET /coins/coin-3: %w", models.ErrTransport),
	}}

	res, err := f.builder(staticSource{coins: makeCoins(5)}, resolver).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, []string{"coin-1", "coin-2", "coin-3", "coin-4", "coin-5"}, resolver.calls)
	assert.Equal(t, 3, res.Successful)
	assert.Equal(t, 2, res.Failed)
	assert.NotContains(t, res.Cache, "coin-3")
	assert.Contains(t, res.Cache, "coin-4")
	assert.Contains(t, res.Cache, "coin-5")
}

func TestBuildInterruptSavesCheckpoint(t *testing.T) {
	f := newFixture(100)
	token := interrupt.NewToken()
	resolver := &fakeResolver{onLookup: func(call int, _ models.Coin) {
		if call == 7 {
			token.Cancel()
		}
	}}

	res, err := f.builder(staticSource{coins: makeCoins(10)}, resolver, WithInterrupter(token)).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateInterrupted, res.State)
	assert.Len(t, resolver.calls, 7)
	assert.Equal(t, checkpointPath, res.CheckpointPath)

	rec := f.loadCheckpoint(t)
	assert.Equal(t, checkpoint.StatusInProgress, rec.Status)
	assert.Equal(t, 6, rec.LastProcessedIndex)
	assert.Equal(t, 7, rec.ProcessedCoins)
	assert.Len(t, rec.ProcessedCoinIDs, 7)
	assert.Equal(t, 10, rec.TotalCoins)
	assert.Equal(t, 7, rec.PartialMappingCount)
	assert.Equal(t, mappingPath, rec.MappingFile)
	require.NoError(t, f.store.Validate(rec))

	assert.Len(t, f.mappingOnDisk(t), 7)
}

func TestBuildResumesWithoutRepeatingLookups(t *testing.T) {
	f := newFixture(3)
	coins := makeCoins(10)
	ctx, cancel := context.WithCancel(context.Background())

	first := &fakeResolver{onLookup: func(call int, _ models.Coin) {
		if call == 4 {
			cancel()
		}
	}}
	res, err := f.builder(staticSource{coins: coins}, first).Build(ctx)
	require.NoError(t, err)
	require.Equal(t, StateInterrupted, res.State)
	require.Equal(t, 4, res.Processed)

	second := &fakeResolver{}
	res, err = f.builder(staticSource{coins: coins}, second).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.True(t, res.Resumed)
	assert.Equal(t, 4, res.Skipped)
	assert.Equal(t, []string{"coin-5", "coin-6", "coin-7", "coin-8", "coin-9", "coin-10"}, second.calls)
	assert.Len(t, res.Cache, 10)
	assert.False(t, f.checkpointExists(t))
}

func TestBuildResumeSkipsProcessedIDs(t *testing.T) {
	f := newFixture(100)
	coins := makeCoins(4)
	// coin-1 shows up again after the resume point
	coins = append(coins, coins[0])

	rec := &checkpoint.Record{
		Status:              checkpoint.StatusInProgress,
		TotalCoins:          len(coins),
		ProcessedCoins:      2,
		LastProcessedIndex:  1,
		ProcessedCoinIDs:    []string{"coin-1", "coin-2"},
		FailedCoinIDs:       []string{},
		StartTime:           time.Now().Add(-time.Hour),
		CheckpointFrequency: 100,
		MappingFile:         mappingPath,
	}
	require.NoError(t, f.store.Save(rec))

	resolver := &fakeResolver{}
	res, err := f.builder(staticSource{coins: coins}, resolver).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"coin-3", "coin-4"}, resolver.calls)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 4, res.Processed)
}

func TestBuildPeriodicCheckpoint(t *testing.T) {
	f := newFixture(2)
	var seen *checkpoint.Record
	resolver := &fakeResolver{}
	resolver.onLookup = func(call int, _ models.Coin) {
		if call == 5 {
			seen = f.loadCheckpoint(t)
		}
	}

	_, err := f.builder(staticSource{coins: makeCoins(6)}, resolver).Build(context.Background())
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, 4, seen.ProcessedCoins)
	assert.Equal(t, 3, seen.LastProcessedIndex)
	assert.Equal(t, 4, seen.PartialMappingCount)
	assert.Equal(t, 2, seen.CheckpointFrequency)
}

func TestBuildIdempotentCompletion(t *testing.T) {
	f := newFixture(3)
	coins := makeCoins(7)
	resolver := &fakeResolver{errs: map[string]error{"coin-4": models.ErrNotFound}}

	first, err := f.builder(staticSource{coins: coins}, resolver).Build(context.Background())
	require.NoError(t, err)
	assert.False(t, f.checkpointExists(t))
	firstDisk, err := afero.ReadFile(f.fs, mappingPath)
	require.NoError(t, err)

	second, err := f.builder(staticSource{coins: coins}, resolver).Build(context.Background())
	require.NoError(t, err)
	assert.False(t, f.checkpointExists(t))
	secondDisk, err := afero.ReadFile(f.fs, mappingPath)
	require.NoError(t, err)

	assert.Equal(t, first.Cache, second.Cache)
	assert.Equal(t, string(firstDisk), string(secondDisk))
}

func TestBuildIgnoresInvalidCheckpoint(t *testing.T) {
	f := newFixture(100)
	rec := map[string]any{
		"status":               "in_progress",
		"total_coins":          5,
		"processed_coins":      4,
		"last_processed_index": 3,
		"processed_coin_ids":   []string{"coin-1"},
		"failed_coin_ids":      []string{},
		"start_time":           time.Now().UTC(),
		"last_checkpoint_time": time.Now().UTC(),
		"checkpoint_frequency": 100,
	}
	require.NoError(t, atomicfile.WriteJSON(f.fs, checkpointPath, rec))

	resolver := &fakeResolver{}
	res, err := f.builder(staticSource{coins: makeCoins(5)}, resolver).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.False(t, res.Resumed)
	assert.Len(t, resolver.calls, 5)
}

func TestBuildIgnoresCorruptedFiles(t *testing.T) {
	f := newFixture(100)
	require.NoError(t, afero.WriteFile(f.fs, checkpointPath, []byte("{not json"), 0o644))
	require.NoError(t, afero.WriteFile(f.fs, mappingPath, []byte("[1, 2"), 0o644))

	resolver := &fakeResolver{}
	res, err := f.builder(staticSource{coins: makeCoins(3)}, resolver).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Len(t, resolver.calls, 3)
	assert.Len(t, f.mappingOnDisk(t), 3)
}

func TestBuildExpiredCheckpointStartsFresh(t *testing.T) {
	f := newFixture(100)
	old := time.Now().Add(-25 * time.Hour)
	stale := checkpoint.NewStore(f.fs, checkpointPath, quietLogger(), checkpoint.WithClock(func() time.Time { return old }))
	require.NoError(t, stale.Save(&checkpoint.Record{
		Status:              checkpoint.StatusInProgress,
		TotalCoins:          3,
		ProcessedCoins:      2,
		LastProcessedIndex:  1,
		ProcessedCoinIDs:    []string{"coin-1", "coin-2"},
		FailedCoinIDs:       []string{},
		StartTime:           old,
		CheckpointFrequency: 100,
	}))

	resolver := &fakeResolver{}
	_, err := f.builder(staticSource{coins: makeCoins(3)}, resolver).Build(context.Background())
	require.NoError(t, err)
	assert.Len(t, resolver.calls, 3)
}

func TestBuildCompletedCheckpointSkips(t *testing.T) {
	f := newFixture(100)
	require.NoError(t, atomicfile.WriteJSON(f.fs, mappingPath, Cache{"coin-1": {PairName: "C1USD", TargetCurrency: "USD"}}))
	require.NoError(t, f.store.Save(&checkpoint.Record{
		Status:              checkpoint.StatusCompleted,
		TotalCoins:          2,
		ProcessedCoins:      2,
		LastProcessedIndex:  1,
		ProcessedCoinIDs:    []string{"coin-1", "coin-2"},
		FailedCoinIDs:       []string{"coin-2"},
		StartTime:           time.Now().Add(-time.Hour),
		CheckpointFrequency: 100,
	}))

	resolver := &fakeResolver{}
	res, err := f.builder(staticSource{coins: makeCoins(2)}, resolver).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Empty(t, resolver.calls)
	assert.Len(t, res.Cache, 1)
	assert.False(t, f.checkpointExists(t))
}

func TestBuildSourceUnavailable(t *testing.T) {
	f := newFixture(100)
	rec := &checkpoint.Record{
		Status:              checkpoint.StatusInProgress,
		TotalCoins:          5,
		ProcessedCoins:      1,
		LastProcessedIndex:  0,
		ProcessedCoinIDs:    []string{"coin-1"},
		FailedCoinIDs:       []string{},
		StartTime:           time.Now().Add(-time.Hour),
		CheckpointFrequency: 100,
	}
	require.NoError(t, f.store.Save(rec))

	source := staticSource{err: fmt.Errorf("GET /coins/list: %w", models.ErrSourceUnavailable)}
	res, err := f.builder(source, &fakeResolver{}).Build(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatalBuild)
	assert.ErrorIs(t, err, models.ErrSourceUnavailable)
	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, checkpointPath, res.CheckpointPath)

	kept := f.loadCheckpoint(t)
	assert.Equal(t, []string{"coin-1"}, kept.ProcessedCoinIDs)
}

func TestBuildCheckpointingDisabled(t *testing.T) {
	f := newFixture(1)
	f.cfg.CheckpointEnabled = false
	token := interrupt.NewToken()
	resolver := &fakeResolver{onLookup: func(call int, _ models.Coin) {
		if call == 2 {
			token.Cancel()
		}
	}}

	res, err := f.builder(staticSource{coins: makeCoins(4)}, resolver, WithInterrupter(token)).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateInterrupted, res.State)
	assert.Empty(t, res.CheckpointPath)
	assert.False(t, f.checkpointExists(t))
	assert.Len(t, f.mappingOnDisk(t), 2)
}

func TestBuildResumeDisabledClearsCheckpoint(t *testing.T) {
	f := newFixture(100)
	require.NoError(t, f.store.Save(&checkpoint.Record{
		Status:              checkpoint.StatusInProgress,
		TotalCoins:          3,
		ProcessedCoins:      1,
		LastProcessedIndex:  0,
		ProcessedCoinIDs:    []string{"coin-1"},
		FailedCoinIDs:       []string{},
		StartTime:           time.Now(),
		CheckpointFrequency: 100,
	}))
	f.cfg.ResumeOnRestart = false

	resolver := &fakeResolver{}
	_, err := f.builder(staticSource{coins: makeCoins(3)}, resolver).Build(context.Background())
	require.NoError(t, err)
	assert.Len(t, resolver.calls, 3)
}

func TestBuildReportsProgressForSkippedCoins(t *testing.T) {
	f := newFixture(100)
	require.NoError(t, f.store.Save(&checkpoint.Record{
		Status:              checkpoint.StatusInProgress,
		TotalCoins:          4,
		ProcessedCoins:      2,
		LastProcessedIndex:  0,
		ProcessedCoinIDs:    []string{"coin-1", "coin-3"},
		FailedCoinIDs:       []string{},
		StartTime:           time.Now(),
		CheckpointFrequency: 100,
	}))

	resolver := &fakeResolver{}
	var events []Progress
	_, err := f.builder(staticSource{coins: makeCoins(4)}, resolver,
		WithProgress(func(p Progress) { events = append(events, p) })).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"coin-2", "coin-4"}, resolver.calls)
	require.Len(t, events, 3)
	assert.Equal(t, "coin-3", events[1].CoinID)
	assert.Equal(t, 2, events[1].Index)
	assert.Equal(t, 3, events[1].Processed)
	assert.Equal(t, 4, events[2].Processed)
}

// failMappingRenameFs refuses to replace the mapping file only.
type failMappingRenameFs struct {
	afero.Fs
}

func (fs failMappingRenameFs) Rename(oldname, newname string) error {
	if newname == mappingPath {
		return errors.New("disk full")
	}
	return fs.Fs.Rename(oldname, newname)
}

func TestBuildCheckpointWaitsForMappingWrite(t *testing.T) {
	f := newFixture(2)
	f.fs = failMappingRenameFs{Fs: f.fs}
	f.store = checkpoint.NewStore(f.fs, checkpointPath, quietLogger())

	res, err := f.builder(staticSource{coins: makeCoins(4)}, &fakeResolver{}).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Error(t, res.PersistErr)
	assert.Len(t, res.Cache, 4, "entries remain available to the caller")
	assert.False(t, f.checkpointExists(t), "no checkpoint may claim coins whose mapping was not written")
}
