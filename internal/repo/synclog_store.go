package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"wgsync/internal/models"
)

// SyncLogStore — append-only журнал прогонов. Строки никогда
// не обновляются; Prune удаляет старые по возрасту.
type SyncLogStore struct{ db *gorm.DB }

func NewSyncLogStore(db *gorm.DB) *SyncLogStore { return &SyncLogStore{db: db} }

func (s *SyncLogStore) Append(ctx context.Context, row *models.SyncStatus) error {
	if row.LastSync.IsZero() {
		row.LastSync = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *SyncLogStore) Latest(ctx context.Context) (*models.SyncStatus, error) {
	var row models.SyncStatus
	err := s.db.WithContext(ctx).Order("last_sync DESC").First(&row).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

func (s *SyncLogStore) Recent(ctx context.Context, limit int) ([]models.SyncStatus, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []models.SyncStatus
	err := s.db.WithContext(ctx).Order("last_sync DESC").Limit(limit).Find(&out).Error
	return out, err
}

// PruneOlderThan удаляет записи старше age; возвращает число удалённых.
func (s *SyncLogStore) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	res := s.db.WithContext(ctx).Where("last_sync < ?", cutoff).Delete(&models.SyncStatus{})
	return res.RowsAffected, res.Error
}
