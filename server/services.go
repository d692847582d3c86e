package server

import (
	"fmt"

	"wgsync/config"
	"wgsync/internal/controller"
	"wgsync/internal/db"
	"wgsync/internal/models"
	"wgsync/internal/repo"
	"wgsync/internal/restore"
	"wgsync/internal/secrets"
	"wgsync/internal/snapshot"
	"wgsync/internal/wgrest"

	"gorm.io/gorm"
)

// Services — собранный доменный слой без HTTP-обвязки.
// Используется и демоном, и one-shot командами CLI.
type Services struct {
	DB       *gorm.DB
	Store    *repo.Store
	Rec      *controller.Reconciler
	Restorer *restore.Reconstructor
}

// BuildServices открывает БД, прогоняет миграции и собирает доменные сервисы.
func BuildServices(cfg *config.Config) (*Services, error) {
	gdb, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := gdb.AutoMigrate(
		&models.Interface{},
		&models.Peer{},
		&models.ServerKey{},
		&models.SyncStatus{},
	); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}

	cipher, err := secrets.New(cfg.Encryption.Key, cfg.WGRest.APIKey)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}

	api := wgrest.New(cfg.WGRest.Addr, cfg.WGRest.APIKey)
	store := repo.NewStore(gdb)
	source := snapshot.NewReader(api, cfg)

	return &Services{
		DB:       gdb,
		Store:    store,
		Rec:      controller.NewReconciler(store, source, cipher, cfg),
		Restorer: restore.NewReconstructor(store, cipher, api, cfg),
	}, nil
}
