package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/coinmap/internal/checkpoint"
	"github.com/navid-fn/coinmap/internal/mapping"
	"github.com/navid-fn/coinmap/internal/models"
	"github.com/navid-fn/coinmap/pkg/faulttolerance"
	"github.com/navid-fn/coinmap/server/internal/handler"
	"github.com/navid-fn/coinmap/server/internal/model"
	"github.com/navid-fn/coinmap/server/internal/service"
)

type fakeRepository struct {
	mappings   []model.Mapping
	err        error
	lastTarget string
	lastLimit  int
}

func (f *fakeRepository) GetMappings(_ context.Context, target string, limit int) ([]model.Mapping, error) {
	f.lastTarget, f.lastLimit = target, limit
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Mapping
	for _, m := range f.mappings {
		if target == "" || m.TargetCurrency == target {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeRepository) GetMapping(_ context.Context, coinID string) (*model.Mapping, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, m := range f.mappings {
		if m.CoinID == coinID {
			return &m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrNotFound, coinID)
}

func (f *fakeRepository) GetCountGroupByTarget(context.Context) (map[string]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	counts := map[string]int{}
	for _, m := range f.mappings {
		counts[m.TargetCurrency]++
	}
	return counts, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestRouter(t *testing.T, repo *fakeRepository, store *checkpoint.Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	health := faulttolerance.NewHealthMonitor(quietLogger(), time.Minute)
	health.AddCheck("clickhouse", true, func(context.Context) error { return nil })
	health.RunChecks(context.Background())

	svc := service.NewMappingService(repo, store)
	return NewRouter(&Config{
		MappingHandler: handler.NewMappingHandler(svc, quietLogger()),
		Health:         health,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "coinmap_build_runs_total 1\n")
		}),
	})
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func sampleRepository() *fakeRepository {
	return &fakeRepository{mappings: []model.Mapping{
		{CoinID: "bitcoin", PairName: "XXBTZUSD", TargetCurrency: "USD"},
		{CoinID: "ethereum", PairName: "XETHZEUR", TargetCurrency: "EUR"},
		{CoinID: "solana", PairName: "SOLUSD", TargetCurrency: "USD"},
	}}
}

func TestListMappings(t *testing.T) {
	repo := sampleRepository()
	r := newTestRouter(t, repo, nil)

	w := get(r, "/v1/mapping?target=usd")
	require.Equal(t, http.StatusOK, w.Code)

	var got []model.Mapping
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Len(t, got, 2)
	assert.Equal(t, "USD", repo.lastTarget)
	assert.Equal(t, service.DefaultLimit, repo.lastLimit)
}

func TestListMappingsBadLimit(t *testing.T) {
	w := get(newTestRouter(t, sampleRepository(), nil), "/v1/mapping?limit=ten")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetMapping(t *testing.T) {
	r := newTestRouter(t, sampleRepository(), nil)

	w := get(r, "/v1/mapping/Bitcoin")
	require.Equal(t, http.StatusOK, w.Code)
	var got model.Mapping
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "XXBTZUSD", got.PairName)

	assert.Equal(t, http.StatusNotFound, get(r, "/v1/mapping/dogecoin").Code)
}

func TestStats(t *testing.T) {
	w := get(newTestRouter(t, sampleRepository(), nil), "/v1/mapping/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var got mapping.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, map[string]int{"USD": 2, "EUR": 1}, got.ByTarget)
}

func TestRepositoryFailure(t *testing.T) {
	r := newTestRouter(t, &fakeRepository{err: errors.New("connection refused")}, nil)

	for _, path := range []string{"/v1/mapping", "/v1/mapping/stats", "/v1/mapping/bitcoin"} {
		w := get(r, path)
		assert.Equal(t, http.StatusInternalServerError, w.Code, path)
		assert.NotContains(t, w.Body.String(), "connection refused", path)
	}
}

func TestCheckpoint(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := checkpoint.NewStore(fs, "data/mapping_checkpoint.json", quietLogger())
	r := newTestRouter(t, sampleRepository(), store)

	assert.Equal(t, http.StatusNotFound, get(r, "/v1/checkpoint").Code)

	require.NoError(t, store.Save(&checkpoint.Record{
		Status:              checkpoint.StatusInProgress,
		TotalCoins:          4,
		ProcessedCoins:      2,
		LastProcessedIndex:  1,
		ProcessedCoinIDs:    []string{"bitcoin", "ethereum"},
		FailedCoinIDs:       []string{},
		StartTime:           time.Now().Add(-time.Minute),
		CheckpointFrequency: 2,
	}))

	w := get(r, "/v1/checkpoint")
	require.Equal(t, http.StatusOK, w.Code)

	var got service.CheckpointStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Resumable)
	assert.InDelta(t, 0.5, got.Progress, 1e-9)
	assert.Equal(t, 2, got.Checkpoint.ProcessedCoins)
	assert.Empty(t, got.Reason)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(t, sampleRepository(), nil)

	assert.Equal(t, http.StatusOK, get(r, "/health").Code)
	assert.Equal(t, http.StatusOK, get(r, "/health/live").Code)

	w := get(r, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "coinmap_build_runs_total")
}
