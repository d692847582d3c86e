package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"wgsync/internal/models"
)

type ServerKeyStore struct{ db *gorm.DB }

func NewServerKeyStore(db *gorm.DB) *ServerKeyStore { return &ServerKeyStore{db: db} }

func (s *ServerKeyStore) Get(ctx context.Context, iface string) (*models.ServerKey, error) {
	var sk models.ServerKey
	err := s.db.WithContext(ctx).Where("interface_name = ?", iface).First(&sk).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sk, nil
}

// Upsert пишет ключ ВСЕГДА, даже если значение не менялось: ключ
// перешифрован свежим шифром, ротация ключа шифрования проходит
// прозрачно.
func (s *ServerKeyStore) Upsert(ctx context.Context, sk *models.ServerKey) error {
	var existing models.ServerKey
	err := s.db.WithContext(ctx).Where("interface_name = ?", sk.InterfaceName).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if cerr := s.db.WithContext(ctx).Create(sk).Error; cerr != nil {
			if isDuplicate(cerr) {
				return ErrDuplicate
			}
			return cerr
		}
		return nil
	}
	if err != nil {
		return err
	}
	existing.PrivateKey = sk.PrivateKey
	existing.PublicKey = sk.PublicKey
	existing.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Save(&existing).Error
}
