package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chatsync/internal/models"
)

// ProgressStore persists resume points and the history of invocations.
type ProgressStore interface {
	// Load returns the stored progress of an instance, or nil when there is none.
	Load(ctx context.Context, instance string) (*models.ImportProgress, error)
	Save(ctx context.Context, p *models.ImportProgress) error
	Clear(ctx context.Context, instance string) error
	RecordRun(ctx context.Context, run *models.SyncRun) error
}

// GormProgressStore keeps progress in the gorm ledger.
type GormProgressStore struct {
	db *gorm.DB
}

// NewGormProgressStore creates a GormProgressStore.
func NewGormProgressStore(db *gorm.DB) (*GormProgressStore, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger connection cannot be nil")
	}
	return &GormProgressStore{db: db}, nil
}

func (s *GormProgressStore) Load(ctx context.Context, instance string) (*models.ImportProgress, error) {
	var p models.ImportProgress
	err := s.db.WithContext(ctx).Where("instance_name = ?", instance).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load progress of %s: %w", instance, err)
	}
	return &p, nil
}

// Save upserts the progress row of p.InstanceName.
func (s *GormProgressStore) Save(ctx context.Context, p *models.ImportProgress) error {
	row := models.ImportProgress{
		InstanceName: p.InstanceName,
		Phase:        p.Phase,
		Offset:       p.Offset,
		Pinned:       p.Pinned,
		StartedAt:    p.StartedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"phase", "next_offset", "pinned", "started_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save progress of %s: %w", p.InstanceName, err)
	}
	log.Debug().Str("instance", p.InstanceName).Str("phase", p.Phase).Int("offset", p.Offset).Msg("Progress saved")
	return nil
}

func (s *GormProgressStore) Clear(ctx context.Context, instance string) error {
	err := s.db.WithContext(ctx).Where("instance_name = ?", instance).Delete(&models.ImportProgress{}).Error
	if err != nil {
		return fmt.Errorf("clear progress of %s: %w", instance, err)
	}
	return nil
}

func (s *GormProgressStore) RecordRun(ctx context.Context, run *models.SyncRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("record run of %s: %w", run.InstanceName, err)
	}
	return nil
}

// RecentRuns returns the newest runs of an instance, newest first.
func (s *GormProgressStore) RecentRuns(ctx context.Context, instance string, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []models.SyncRun
	err := s.db.WithContext(ctx).
		Where("instance_name = ?", instance).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", instance, err)
	}
	return runs, nil
}
