package trigger

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"wgsync/config"
	"wgsync/internal/controller"
	"wgsync/internal/logs"
	"wgsync/internal/metrics"
)

// Источники триггеров (метка метрики).
const (
	SourceFile     = "file"
	SourceWebhook  = "webhook"
	SourceInterval = "interval"
	SourceManual   = "manual"
)

// Syncer — то, что оркестратор запускает.
type Syncer interface {
	Sync(ctx context.Context) (*controller.SyncResult, error)
}

// Фазы жизненного цикла (отдаются в GET /status).
const (
	stateIdle int32 = iota
	stateDebouncing
	stateRunning
)

// Orchestrator превращает поток триггеров (файловые события, вебхук,
// периодический таймер) в последовательные запуски синка. Канал
// pending ёмкостью 1 сливает любое число триггеров, пришедших во
// время работы или окна дебаунса, в один отложенный запуск.
type Orchestrator struct {
	syncer  Syncer
	cfg     *config.Config
	log     *logrus.Entry
	pending chan struct{}

	state    atomic.Int32
	degraded atomic.Bool // последний успешный проход шёл по файлам
}

func New(syncer Syncer, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		syncer:  syncer,
		cfg:     cfg,
		log:     logs.Component("orchestrator"),
		pending: make(chan struct{}, 1),
	}
}

// Kick — неблокирующий триггер синхронизации.
func (o *Orchestrator) Kick(source string) {
	metrics.Default().TriggerEvents.WithLabelValues(source).Inc()
	select {
	case o.pending <- struct{}{}:
	default:
		// запуск уже запланирован
	}
}

// State — текущая фаза оркестратора.
func (o *Orchestrator) State() string {
	switch o.state.Load() {
	case stateDebouncing:
		return "debouncing"
	case stateRunning:
		return "running"
	default:
		return "idle"
	}
}

// Degraded — собирался ли последний успешный снапшот из файлов,
// а не из control plane.
func (o *Orchestrator) Degraded() bool { return o.degraded.Load() }

// Run блокирует до отмены контекста. На старте выполняется один
// безусловный проход: после рестарта сервиса состояние надо свести.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Sync.Mode == "event-driven" {
		watcher, err := o.watchConfDir(ctx)
		if err != nil {
			o.log.WithError(err).Warn("conf dir watch unavailable, falling back to interval only")
		} else {
			defer watcher.Close()
		}
	}

	ticker := time.NewTicker(o.cfg.Sync.Interval)
	defer ticker.Stop()

	o.runSync(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Kick(SourceInterval)
		case <-o.pending:
			o.state.Store(stateDebouncing)
			o.debounce(ctx)
			o.runSync(ctx)
		}
	}
}

// debounce выдерживает окно тишины после триггера; каждый новый
// триггер внутри окна перезапускает отсчёт.
func (o *Orchestrator) debounce(ctx context.Context) {
	if o.cfg.Sync.Debounce <= 0 {
		return
	}
	timer := time.NewTimer(o.cfg.Sync.Debounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.pending:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(o.cfg.Sync.Debounce)
		case <-timer.C:
			return
		}
	}
}

func (o *Orchestrator) runSync(ctx context.Context) {
	defer o.state.Store(stateIdle)
	if ctx.Err() != nil {
		return
	}
	o.state.Store(stateRunning)
	res, err := o.syncer.Sync(ctx)
	if err != nil {
		o.log.WithError(err).Error("sync run failed")
		return
	}
	o.degraded.Store(res.Degraded)
}

// watchConfDir подписывается на изменения *.conf в каталоге
// WireGuard и переводит их в Kick(SourceFile).
func (o *Orchestrator) watchConfDir(ctx context.Context) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(o.cfg.WireGuard.ConfDir); err != nil {
		watcher.Close()
		return nil, err
	}
	o.log.WithField("dir", o.cfg.WireGuard.ConfDir).Info("watching conf dir")

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".conf") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				o.log.WithFields(logrus.Fields{"file": filepath.Base(ev.Name), "op": ev.Op.String()}).Debug("conf change detected")
				o.Kick(SourceFile)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				o.log.WithError(err).Warn("conf dir watch error")
			}
		}
	}()
	return watcher, nil
}
