package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"wgsync/internal/models"
)

type InterfaceStore struct{ db *gorm.DB }

func NewInterfaceStore(db *gorm.DB) *InterfaceStore { return &InterfaceStore{db: db} }

func (s *InterfaceStore) GetByName(ctx context.Context, name string) (*models.Interface, error) {
	var iface models.Interface
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&iface).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &iface, nil
}

func (s *InterfaceStore) List(ctx context.Context) ([]models.Interface, error) {
	var out []models.Interface
	err := s.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, err
}

func (s *InterfaceStore) Create(ctx context.Context, iface *models.Interface) error {
	if iface.LastUpdated.IsZero() {
		iface.LastUpdated = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(iface).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// Update перезаписывает строку целиком и трогает last_updated.
func (s *InterfaceStore) Update(ctx context.Context, iface *models.Interface) error {
	iface.LastUpdated = time.Now().UTC()
	return s.db.WithContext(ctx).Save(iface).Error
}

// Delete — только административное удаление; пиров уносит каскад,
// server_keys чистим явно (отдельная таблица без FK).
func (s *InterfaceStore) Delete(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("interface_name = ?", name).Delete(&models.Peer{}).Error; err != nil {
			return err
		}
		if err := tx.Where("interface_name = ?", name).Delete(&models.ServerKey{}).Error; err != nil {
			return err
		}
		res := tx.Where("name = ?", name).Delete(&models.Interface{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
