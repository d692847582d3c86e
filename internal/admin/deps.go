package admin

import (
	"net/http"

	"github.com/gorilla/mux"

	"wgsync/internal/controller"
	"wgsync/internal/logs"
	"wgsync/internal/middleware"
	"wgsync/internal/repo"
	"wgsync/internal/restore"
)

type Dependencies struct {
	Store    *repo.Store
	Restorer *restore.Reconstructor
	Rec      *controller.Reconciler
}

// Attach вешает операторский JSON API на /admin/api за bearer-аутентификацией.
func Attach(r *mux.Router, d Dependencies, token string) {
	h := &Handler{d: d, log: logs.Component("admin")}
	sub := r.PathPrefix("/admin/api").Subrouter()
	sub.Use(middleware.BearerAuth(token))

	sub.HandleFunc("/restore", h.RestoreAll).Methods(http.MethodPost)
	sub.HandleFunc("/restore/{iface}", h.RestoreOne).Methods(http.MethodPost)
	sub.HandleFunc("/diff", h.Diff).Methods(http.MethodGet)
	sub.HandleFunc("/config/{iface}", h.ConfigText).Methods(http.MethodGet)
	sub.HandleFunc("/backup", h.Backup).Methods(http.MethodGet)
	sub.HandleFunc("/synclog", h.SyncLog).Methods(http.MethodGet)
}
