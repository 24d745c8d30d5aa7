package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/navid-fn/coinmap/internal/models"
	"github.com/navid-fn/coinmap/server/internal/model"
)

// finalTable reads kraken_mapping with replaced rows collapsed.
const finalTable = "kraken_mapping FINAL"

type MappingRepository interface {
	GetMappings(ctx context.Context, target string, limit int) ([]model.Mapping, error)
	GetMapping(ctx context.Context, coinID string) (*model.Mapping, error)
	GetCountGroupByTarget(ctx context.Context) (map[string]int, error)
}

type gormMappingRepository struct {
	db *gorm.DB
}

func NewGormMappingRepository(db *gorm.DB) MappingRepository {
	return &gormMappingRepository{db: db}
}

func (r *gormMappingRepository) GetMappings(ctx context.Context, target string, limit int) ([]model.Mapping, error) {
	var mappings []model.Mapping
	query := r.db.WithContext(ctx).Table(finalTable).Order("coin_id")
	if target != "" {
		query = query.Where("target_currency = ?", target)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	return mappings, nil
}

func (r *gormMappingRepository) GetMapping(ctx context.Context, coinID string) (*model.Mapping, error) {
	var mappings []model.Mapping
	err := r.db.WithContext(ctx).Table(finalTable).
		Where("coin_id = ?", coinID).
		Limit(1).
		Find(&mappings).Error
	if err != nil {
		return nil, fmt.Errorf("query mapping %s: %w", coinID, err)
	}
	if len(mappings) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, coinID)
	}
	return &mappings[0], nil
}

func (r *gormMappingRepository) GetCountGroupByTarget(ctx context.Context) (map[string]int, error) {
	type targetCount struct {
		TargetCurrency string
		Count          int
	}
	var rows []targetCount
	err := r.db.WithContext(ctx).Table(finalTable).
		Select("target_currency, count(*) as count").
		Group("target_currency").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count mappings: %w", err)
	}

	result := make(map[string]int, len(rows))
	for _, row := range rows {
		result[row.TargetCurrency] = row.Count
	}
	return result, nil
}
