package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"wgsync/internal/models"
	"wgsync/internal/repo"
	"wgsync/internal/restore"
	"wgsync/internal/tarball"
)

type Handler struct {
	d   Dependencies
	log *logrus.Entry
}

// restoreRequest — необязательное тело POST /restore*: позволяет
// выключить запись файлов или повторную публикацию.
type restoreRequest struct {
	WriteFiles *bool `json:"write_files"`
	Republish  *bool `json:"republish"`
}

func parseRestoreOptions(r *http.Request) restore.Options {
	opts := restore.Options{WriteFiles: true, Republish: true}
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
		if req.WriteFiles != nil {
			opts.WriteFiles = *req.WriteFiles
		}
		if req.Republish != nil {
			opts.Republish = *req.Republish
		}
	}
	return opts
}

// RestoreOne — POST /admin/api/restore/{iface}.
func (h *Handler) RestoreOne(w http.ResponseWriter, r *http.Request) {
	iface := mux.Vars(r)["iface"]
	rep, err := h.d.Restorer.Restore(r.Context(), iface, parseRestoreOptions(r))
	if errors.Is(err, repo.ErrNotFound) {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "unknown interface: "+iface, nil)
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("iface", iface).Error("restore failed")
		models.WriteProblem(w, http.StatusInternalServerError, "Restore failed", err.Error(), rep)
		return
	}
	models.WriteJSON(w, http.StatusOK, rep)
}

// RestoreAll — POST /admin/api/restore.
func (h *Handler) RestoreAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.d.Restorer.RestoreAll(r.Context(), parseRestoreOptions(r))
	if err != nil {
		h.log.WithError(err).Error("restore failed")
		models.WriteProblem(w, http.StatusInternalServerError, "Restore failed", err.Error(),
			map[string]any{"reports": reports})
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

// Diff — GET /admin/api/diff: что изменил бы следующий синк.
func (h *Handler) Diff(w http.ResponseWriter, r *http.Request) {
	rep, err := h.d.Rec.Diff(r.Context())
	if err != nil {
		models.WriteProblem(w, http.StatusBadGateway, "Live state unavailable", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, rep)
}

// ConfigText — GET /admin/api/config/{iface}: текст конфига из БД.
func (h *Handler) ConfigText(w http.ResponseWriter, r *http.Request) {
	iface := mux.Vars(r)["iface"]
	conf, err := h.d.Restorer.RenderConfig(r.Context(), iface)
	if errors.Is(err, repo.ErrNotFound) {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "unknown interface: "+iface, nil)
		return
	}
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Render failed", err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(conf))
}

// Backup — GET /admin/api/backup: tar.gz всех конфигов с контрольной
// суммой в заголовке. Архив детерминированный: один и тот же стейт
// даёт одну и ту же сумму.
func (h *Handler) Backup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ifaces, err := h.d.Store.Interfaces.List(ctx)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Backup failed", err.Error(), nil)
		return
	}

	files := make([]tarball.File, 0, len(ifaces))
	for i := range ifaces {
		conf, err := h.d.Restorer.RenderConfig(ctx, ifaces[i].Name)
		if err != nil {
			models.WriteProblem(w, http.StatusInternalServerError, "Backup failed",
				ifaces[i].Name+": "+err.Error(), nil)
			return
		}
		files = append(files, tarball.File{Name: ifaces[i].Name + ".conf", Data: []byte(conf)})
	}

	archive, sum, err := tarball.Build(files)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Backup failed", err.Error(), nil)
		return
	}

	name := "wgsync-backup-" + time.Now().UTC().Format("20060102T150405Z") + ".tar.gz"
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("X-Checksum-Sha256", sum)
	_, _ = w.Write(archive)
}

// SyncLog — GET /admin/api/synclog?limit=N.
func (h *Handler) SyncLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	rows, err := h.d.Store.SyncLog.Recent(r.Context(), limit)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Sync log unavailable", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"entries": rows})
}
