package controller

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"wgsync/config"
	"wgsync/internal/logs"
	"wgsync/internal/repo"
)

// Janitor раз в сутки (cleanup.at) удаляет из sync_status строки
// старше cleanup.older_than. Журнал append-only, без чистки он
// растёт на каждую синхронизацию.
type Janitor struct {
	store *repo.Store
	cfg   *config.Config
	log   *logrus.Entry
}

func NewJanitor(store *repo.Store, cfg *config.Config) *Janitor {
	return &Janitor{store: store, cfg: cfg, log: logs.Component("janitor")}
}

// Run блокирует до отмены контекста.
func (j *Janitor) Run(ctx context.Context) {
	for {
		next := nextRunAfter(time.Now(), j.cfg.Cleanup.At)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		j.Prune(ctx)
	}
}

// Prune — одна итерация чистки.
func (j *Janitor) Prune(ctx context.Context) {
	n, err := j.store.SyncLog.PruneOlderThan(ctx, j.cfg.Cleanup.OlderThan)
	if err != nil {
		j.log.WithError(err).Error("sync_status prune failed")
		return
	}
	if n > 0 {
		j.log.WithField("rows", n).Info("pruned old sync_status rows")
	}
}

// nextRunAfter — ближайшее будущее вхождение времени HH:MM.
func nextRunAfter(now time.Time, at string) time.Time {
	hm, err := time.Parse("15:04", at)
	if err != nil {
		// конфиг валидируется на старте; подстраховка на прямые вызовы
		hm, _ = time.Parse("15:04", "02:00")
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), hm.Hour(), hm.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
