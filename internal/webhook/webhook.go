package webhook

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"wgsync/internal/logs"
	"wgsync/internal/middleware"
	"wgsync/internal/models"
	"wgsync/internal/repo"
	"wgsync/internal/trigger"
)

// Kicker — то, что получает триггер от вебхука.
type Kicker interface {
	Kick(source string)
}

// StateReporter — необязательный самоотчёт оркестратора: текущая фаза
// и деградация последнего снапшота. Оркестратор его реализует, заглушки
// в тестах — не обязаны.
type StateReporter interface {
	State() string
	Degraded() bool
}

// Handler обслуживает внешний стык: POST /sync от wgrest-хуков
// и GET /status для мониторинга.
type Handler struct {
	kicker Kicker
	store  *repo.Store
	log    *logrus.Entry
}

// Attach вешает маршруты на корневой роутер за bearer-аутентификацией.
func Attach(r *mux.Router, kicker Kicker, store *repo.Store, token string) {
	h := &Handler{kicker: kicker, store: store, log: logs.Component("webhook")}

	sec := r.NewRoute().Subrouter()
	sec.Use(middleware.BearerAuth(token))
	sec.HandleFunc("/sync", h.TriggerSync).Methods(http.MethodPost)
	sec.HandleFunc("/status", h.Status).Methods(http.MethodGet)
}

// TriggerSync ставит синхронизацию в очередь и сразу отвечает:
// сам прогон идёт в фоне, хук wgrest ждать не обязан.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.kicker.Kick(trigger.SourceWebhook)
	h.log.WithField("remote", r.RemoteAddr).Info("sync triggered via webhook")
	models.WriteJSON(w, http.StatusOK, map[string]string{"status": "sync_triggered"})
}

// statusResponse — ответ GET /status.
type statusResponse struct {
	Status       string              `json:"status"`
	Orchestrator string              `json:"orchestrator,omitempty"`
	Degraded     *bool               `json:"degraded,omitempty"`
	LastSync     *time.Time          `json:"last_sync,omitempty"`
	PeerCounts   map[string]int      `json:"peer_counts,omitempty"`
	StoredCounts map[string]int      `json:"stored_counts,omitempty"`
	History      []models.SyncStatus `json:"history,omitempty"`
}

// Status отдаёт последний результат синхронизации, текущее состояние
// оркестратора, число пиров в БД и короткую историю.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := statusResponse{Status: "unknown"}
	if sr, ok := h.kicker.(StateReporter); ok {
		resp.Orchestrator = sr.State()
		d := sr.Degraded()
		resp.Degraded = &d
	}
	resp.StoredCounts = h.storedCounts(ctx)

	latest, err := h.store.SyncLog.Latest(ctx)
	if err != nil {
		models.WriteJSON(w, http.StatusOK, resp)
		return
	}

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	history, err := h.store.SyncLog.Recent(ctx, limit)
	if err != nil {
		h.log.WithError(err).Error("sync log read failed")
	}

	ts := latest.LastSync
	resp.Status = latest.Status
	resp.LastSync = &ts
	resp.PeerCounts = latest.CountMap()
	resp.History = history
	models.WriteJSON(w, http.StatusOK, resp)
}

// storedCounts — сколько пиров лежит в БД по каждому интерфейсу.
func (h *Handler) storedCounts(ctx context.Context) map[string]int {
	ifaces, err := h.store.Interfaces.List(ctx)
	if err != nil {
		h.log.WithError(err).Error("interface list failed")
		return nil
	}
	out := make(map[string]int, len(ifaces))
	for i := range ifaces {
		n, err := h.store.Peers.CountByInterface(ctx, ifaces[i].Name)
		if err != nil {
			h.log.WithError(err).WithField("iface", ifaces[i].Name).Error("peer count failed")
			continue
		}
		out[ifaces[i].Name] = n
	}
	return out
}
