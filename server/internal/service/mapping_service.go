package service

import (
	"context"
	"strings"

	"github.com/navid-fn/coinmap/internal/checkpoint"
	"github.com/navid-fn/coinmap/internal/mapping"
	"github.com/navid-fn/coinmap/server/internal/model"
	"github.com/navid-fn/coinmap/server/internal/repository"
)

// DefaultLimit caps list responses when the caller does not ask for a size.
const DefaultLimit = 500

type MappingService struct {
	repo        repository.MappingRepository
	checkpoints *checkpoint.Store
}

// NewMappingService wires the repository and, optionally, the checkpoint
// store of the build whose progress the API reports. A nil store disables
// checkpoint reporting.
func NewMappingService(repo repository.MappingRepository, checkpoints *checkpoint.Store) *MappingService {
	return &MappingService{
		repo:        repo,
		checkpoints: checkpoints,
	}
}

func (s *MappingService) GetMappings(ctx context.Context, target string, limit int) ([]model.Mapping, error) {
	if limit <= 0 || limit > DefaultLimit {
		limit = DefaultLimit
	}
	return s.repo.GetMappings(ctx, strings.ToUpper(target), limit)
}

func (s *MappingService) GetMapping(ctx context.Context, coinID string) (*model.Mapping, error) {
	return s.repo.GetMapping(ctx, strings.ToLower(coinID))
}

func (s *MappingService) GetStats(ctx context.Context) (mapping.Summary, error) {
	counts, err := s.repo.GetCountGroupByTarget(ctx)
	if err != nil {
		return mapping.Summary{}, err
	}

	summary := mapping.Summary{ByTarget: counts}
	for _, n := range counts {
		summary.Total += n
	}
	return summary, nil
}

// CheckpointStatus describes the checkpoint of the current or last build.
type CheckpointStatus struct {
	Checkpoint *checkpoint.Record `json:"checkpoint"`
	Progress   float64            `json:"progress"`
	Resumable  bool               `json:"resumable"`
	Reason     string             `json:"reason,omitempty"`
}

// GetCheckpoint returns nil when no checkpoint exists.
func (s *MappingService) GetCheckpoint() (*CheckpointStatus, error) {
	if s.checkpoints == nil {
		return nil, nil
	}

	rec, err := s.checkpoints.Load()
	if err != nil || rec == nil {
		return nil, err
	}

	status := &CheckpointStatus{Checkpoint: rec, Progress: rec.Progress()}
	if err := s.checkpoints.Validate(rec); err != nil {
		status.Reason = err.Error()
	} else {
		status.Resumable = rec.Status == checkpoint.StatusInProgress
	}
	return status, nil
}
