package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set — все метрики сервиса на собственном Registry,
// чтобы не тащить глобальные коллекторы клиентской библиотеки.
type Set struct {
	Registry *prometheus.Registry

	SyncRuns         *prometheus.CounterVec // завершённые проходы по статусу
	SyncDuration     prometheus.Histogram   // длительность прохода
	PeersManaged     *prometheus.GaugeVec   // пиров в живом состоянии по интерфейсу
	PeerChanges      *prometheus.CounterVec // применённые изменения строк пиров по действию
	RestoredPeers    *prometheus.CounterVec // результаты republish по исходу
	TriggerEvents    *prometheus.CounterVec // причины запуска синка
	DecryptFallbacks *prometheus.CounterVec // расшифровки секретов, вернувшие вход как есть
}

var (
	once sync.Once
	def  *Set
)

// Default — процессный синглтон; первый вызов регистрирует коллекторы.
func Default() *Set {
	once.Do(func() { def = newSet() })
	return def
}

func newSet() *Set {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Set{
		Registry: reg,
		SyncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wgsync_sync_runs_total",
			Help: "Completed sync passes by resulting status.",
		}, []string{"status"}),
		SyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wgsync_sync_duration_seconds",
			Help:    "Wall time of a full sync pass.",
			Buckets: prometheus.DefBuckets,
		}),
		PeersManaged: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wgsync_peers_managed",
			Help: "Peers observed in live state per interface.",
		}, []string{"interface"}),
		PeerChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wgsync_peer_changes_total",
			Help: "Applied peer row changes by action.",
		}, []string{"action"}),
		RestoredPeers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wgsync_restored_peers_total",
			Help: "Peers pushed back to the control plane by outcome.",
		}, []string{"outcome"}),
		TriggerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wgsync_trigger_events_total",
			Help: "Sync trigger events by source.",
		}, []string{"source"}),
		DecryptFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wgsync_decrypt_fallbacks_total",
			Help: "Secret decrypts that returned the input unchanged, by field.",
		}, []string{"field"}),
	}
}

// Handler отдаёт /metrics для дефолтного набора.
func Handler() http.Handler {
	return promhttp.HandlerFor(Default().Registry, promhttp.HandlerOpts{})
}
