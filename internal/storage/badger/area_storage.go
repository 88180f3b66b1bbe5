package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

// AreaStorage implements the AreaStorage interface for Badger
type AreaStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAreaStorage creates a new AreaStorage instance
func NewAreaStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AreaStorage {
	return &AreaStorage{
		db:     db,
		logger: logger,
	}
}

// InsertAreaIfAbsent creates the area on first discovery. An existing row
// is kept as-is, except a missing gitlab_id is backfilled when the new
// discovery carries one.
func (s *AreaStorage) InsertAreaIfAbsent(ctx context.Context, area *models.Area) (bool, error) {
	if area.FullPath == "" {
		return false, fmt.Errorf("area full_path is required")
	}

	var existing models.Area
	err := s.db.Store().Get(area.FullPath, &existing)
	if err == nil {
		if existing.GitLabID == "" && area.GitLabID != "" {
			existing.GitLabID = area.GitLabID
			if err := s.db.Store().Upsert(existing.FullPath, &existing); err != nil {
				return false, fmt.Errorf("failed to backfill area id: %w", err)
			}
		}
		return false, nil
	}
	if err != badgerhold.ErrNotFound {
		return false, fmt.Errorf("failed to get area: %w", err)
	}

	if area.DiscoveredAt.IsZero() {
		area.DiscoveredAt = time.Now()
	}
	if err := s.db.Store().Insert(area.FullPath, area); err != nil {
		return false, fmt.Errorf("failed to insert area: %w", err)
	}
	return true, nil
}

func (s *AreaStorage) GetArea(ctx context.Context, fullPath string) (*models.Area, error) {
	var area models.Area
	if err := s.db.Store().Get(fullPath, &area); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get area: %w", err)
	}
	return &area, nil
}

func (s *AreaStorage) ListAreas(ctx context.Context, areaType models.AreaType) ([]*models.Area, error) {
	query := badgerhold.Where("FullPath").Ne("")
	if areaType != "" {
		query = query.And("Type").Eq(areaType)
	}

	var areas []models.Area
	if err := s.db.Store().Find(&areas, query.SortBy("FullPath")); err != nil {
		return nil, fmt.Errorf("failed to list areas: %w", err)
	}

	result := make([]*models.Area, len(areas))
	for i := range areas {
		result[i] = &areas[i]
	}
	return result, nil
}

func (s *AreaStorage) CountAreas(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Area{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count areas: %w", err)
	}
	return int(count), nil
}
