package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"wgsync/config"
	"wgsync/internal/admin"
	"wgsync/internal/controller"
	"wgsync/internal/health"
	"wgsync/internal/logs"
	"wgsync/internal/metrics"
	"wgsync/internal/middleware"
	"wgsync/internal/trigger"
	"wgsync/internal/webhook"

	"github.com/gorilla/mux"
)

type App struct {
	cfg        *config.Config
	svc        *Services
	Router     *mux.Router
	httpServer *http.Server

	orch    *trigger.Orchestrator
	janitor *controller.Janitor

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) Доменный слой: БД + миграции, шифрование, control-plane клиент */
	svc, err := BuildServices(cfg)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	a.svc = svc

	/* 3) Фоновые контуры: оркестратор синка и чистка журнала */
	a.orch = trigger.New(svc.Rec, cfg)
	a.janitor = controller.NewJanitor(svc.Store, cfg)

	/* 4) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	/* 5) Маршруты: health, метрики, webhook-триггер, admin API */
	health.RegisterRoutes(a.Router, svc.DB) // /healthz, /readyz
	a.Router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	webhook.Attach(a.Router, a.orch, svc.Store, a.cfg.WebhookToken())
	admin.Attach(a.Router, admin.Dependencies{
		Store:    svc.Store,
		Restorer: svc.Restorer,
		Rec:      svc.Rec,
	}, a.cfg.WebhookToken())

	/* (необязательно) вывести известные маршруты в лог при старте */
	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	// Оркестратор гоняет синк-проходы, janitor чистит журнал по расписанию.
	a.bg.Add(2)
	go func() {
		defer a.bg.Done()
		if err := a.orch.Run(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logs.Logger.Errorf("orchestrator stopped: %v", err)
		}
	}()
	go func() {
		defer a.bg.Done()
		a.janitor.Run(a.ctx)
	}()

	// Жёсткие таймауты — это важно для production
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	a.bg.Wait()
	return nil
}
