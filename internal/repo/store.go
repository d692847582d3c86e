package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Store — фасад над хранилищами всех таблиц. Внутри транзакции
// используйте InTx: колбэк получает Store, привязанный к tx.
type Store struct {
	db         *gorm.DB
	Interfaces *InterfaceStore
	Peers      *PeerStore
	ServerKeys *ServerKeyStore
	SyncLog    *SyncLogStore
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:         db,
		Interfaces: NewInterfaceStore(db),
		Peers:      NewPeerStore(db),
		ServerKeys: NewServerKeyStore(db),
		SyncLog:    NewSyncLogStore(db),
	}
}

// InTx выполняет fn в одной транзакции БД. Откат — при любой ошибке.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}

// DB отдаёт низкоуровневый хэндл (health-check, миграции).
func (s *Store) DB() *gorm.DB { return s.db }

// isDuplicate распознаёт нарушение уникального индекса у всех трёх
// поддерживаемых драйверов.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
