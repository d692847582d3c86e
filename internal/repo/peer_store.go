package repo

import (
	"context"

	"gorm.io/gorm"

	"wgsync/internal/models"
)

type PeerStore struct{ db *gorm.DB }

func NewPeerStore(db *gorm.DB) *PeerStore { return &PeerStore{db: db} }

func (s *PeerStore) ListByInterface(ctx context.Context, iface string) ([]models.Peer, error) {
	var out []models.Peer
	err := s.db.WithContext(ctx).
		Where("interface_name = ?", iface).
		Order("public_key").
		Find(&out).Error
	return out, err
}

// ListEnabledByInterface — пиры для restore: только включённые,
// в порядке имён (стабильный рендер).
func (s *PeerStore) ListEnabledByInterface(ctx context.Context, iface string) ([]models.Peer, error) {
	var out []models.Peer
	err := s.db.WithContext(ctx).
		Where("interface_name = ? AND enabled = ?", iface, true).
		Order("name").
		Find(&out).Error
	return out, err
}

func (s *PeerStore) GetByKey(ctx context.Context, iface, publicKey string) (*models.Peer, error) {
	var p models.Peer
	err := s.db.WithContext(ctx).
		Where("interface_name = ? AND public_key = ?", iface, publicKey).
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *PeerStore) Create(ctx context.Context, p *models.Peer) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *PeerStore) Update(ctx context.Context, p *models.Peer) error {
	return s.db.WithContext(ctx).Save(p).Error
}

func (s *PeerStore) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Peer{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PeerStore) CountByInterface(ctx context.Context, iface string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Peer{}).
		Where("interface_name = ?", iface).
		Count(&n).Error
	return int(n), err
}

func (s *PeerStore) CountEnabledByInterface(ctx context.Context, iface string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Peer{}).
		Where("interface_name = ? AND enabled = ?", iface, true).
		Count(&n).Error
	return int(n), err
}
