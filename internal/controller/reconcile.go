package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"wgsync/config"
	"wgsync/internal/keys"
	"wgsync/internal/logs"
	"wgsync/internal/metrics"
	"wgsync/internal/models"
	"wgsync/internal/repo"
	"wgsync/internal/secrets"
	"wgsync/internal/snapshot"
)

// SnapshotSource — срез ридера живого состояния.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*snapshot.Snapshot, error)
}

// SyncResult — счётчики одного прохода. Считаются только строки
// пиров: перешифровка server_keys и правки interfaces в счётчики
// не входят, иначе каждый проход выглядел бы как изменение.
type SyncResult struct {
	Status     string         `json:"status"`
	Degraded   bool           `json:"degraded"`
	Inserted   int            `json:"inserted"`
	Updated    int            `json:"updated"`
	Deleted    int            `json:"deleted"`
	Unchanged  int            `json:"unchanged"`
	Skipped    int            `json:"skipped"`
	Failed     []string       `json:"failed,omitempty"`
	PeerCounts map[string]int `json:"peer_counts"`
	Took       time.Duration  `json:"-"`
}

// Changed — суммарное число применённых изменений.
func (r *SyncResult) Changed() int { return r.Inserted + r.Updated + r.Deleted }

// SchemaError — живое состояние интерфейса нарушает схему;
// транзакция по нему не начинается, остальные интерфейсы идут дальше.
type SchemaError struct {
	Iface string
	Msg   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation on %s: %s", e.Iface, e.Msg)
}

// Reconciler сводит живое состояние с БД: по одной транзакции на
// интерфейс, итог — строка в sync_status.
type Reconciler struct {
	store  *repo.Store
	source SnapshotSource
	cipher *secrets.Cipher
	cfg    *config.Config
	log    *logrus.Entry

	mu sync.Mutex // один проход за раз
}

func NewReconciler(store *repo.Store, source SnapshotSource, cipher *secrets.Cipher, cfg *config.Config) *Reconciler {
	return &Reconciler{store: store, source: source, cipher: cipher, cfg: cfg, log: logs.Component("reconciler")}
}

// Sync выполняет один полный проход. Ошибка возвращается, только
// если проход не состоялся вовсе (снапшот не собрался); отказ части
// интерфейсов отражается в Status и Failed.
func (r *Reconciler) Sync(ctx context.Context) (*SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := time.Now()
	snap, err := r.source.Snapshot(ctx)
	if err != nil {
		r.recordStatus(ctx, &SyncResult{Status: models.SyncFailed, PeerCounts: map[string]int{}})
		metrics.Default().SyncRuns.WithLabelValues(models.SyncFailed).Inc()
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	for _, name := range r.cfg.InterfaceNames() {
		if _, ok := snap.Interfaces[name]; !ok {
			r.log.WithField("iface", name).Warn("configured interface absent from live state")
		}
	}

	res := &SyncResult{PeerCounts: map[string]int{}, Degraded: snap.Degraded}
	names := make([]string, 0, len(snap.Interfaces))
	for name := range snap.Interfaces {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		st := snap.Interfaces[name]
		res.PeerCounts[name] = len(st.Peers)
		t, err := r.syncInterface(ctx, st, snap.Degraded)
		if err != nil {
			r.log.WithError(err).WithField("iface", name).Error("interface sync failed, rolled back")
			res.Failed = append(res.Failed, name)
			continue
		}
		res.Inserted += t.inserted
		res.Updated += t.updated
		res.Deleted += t.deleted
		res.Unchanged += t.unchanged
		res.Skipped += t.skipped
	}

	res.Status = deriveStatus(res, len(names))
	res.Took = time.Since(started)
	r.recordStatus(ctx, res)

	m := metrics.Default()
	m.SyncRuns.WithLabelValues(res.Status).Inc()
	m.SyncDuration.Observe(res.Took.Seconds())
	m.PeerChanges.WithLabelValues("insert").Add(float64(res.Inserted))
	m.PeerChanges.WithLabelValues("update").Add(float64(res.Updated))
	m.PeerChanges.WithLabelValues("delete").Add(float64(res.Deleted))
	for iface, n := range res.PeerCounts {
		m.PeersManaged.WithLabelValues(iface).Set(float64(n))
	}

	r.log.WithFields(logrus.Fields{
		"status":    res.Status,
		"degraded":  res.Degraded,
		"inserted":  res.Inserted,
		"updated":   res.Updated,
		"deleted":   res.Deleted,
		"unchanged": res.Unchanged,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
		"took":      res.Took.Round(time.Millisecond).String(),
	}).Info("sync pass finished")
	return res, nil
}

func deriveStatus(res *SyncResult, total int) string {
	switch {
	case total > 0 && len(res.Failed) == total:
		return models.SyncFailed
	case len(res.Failed) > 0 || res.Degraded:
		return models.SyncPartial
	default:
		return models.SyncCompleted
	}
}

// recordStatus пишет журнал вне интерфейсных транзакций:
// неудавшийся проход тоже оставляет след.
func (r *Reconciler) recordStatus(ctx context.Context, res *SyncResult) {
	row := &models.SyncStatus{LastSync: time.Now().UTC(), Status: res.Status}
	row.SetCounts(res.PeerCounts)
	if err := r.store.SyncLog.Append(ctx, row); err != nil {
		r.log.WithError(err).Error("sync_status append failed")
	}
}

// tallies — счётчики одного интерфейса; вливаются в SyncResult
// только после коммита его транзакции.
type tallies struct {
	inserted, updated, deleted, unchanged, skipped int
}

func (r *Reconciler) syncInterface(ctx context.Context, st *snapshot.InterfaceState, degraded bool) (tallies, error) {
	var t tallies
	if err := validateState(st); err != nil {
		return t, err
	}
	err := r.store.InTx(ctx, func(tx *repo.Store) error {
		t = tallies{}
		if err := r.upsertInterface(ctx, tx, st); err != nil {
			return err
		}
		if err := r.upsertServerKey(ctx, tx, st); err != nil {
			return err
		}
		return r.syncPeers(ctx, tx, st, degraded, &t)
	})
	if err != nil {
		return tallies{}, err
	}
	return t, nil
}

func validateState(st *snapshot.InterfaceState) error {
	if st.Name == "" {
		return &SchemaError{Iface: "?", Msg: "interface name is empty"}
	}
	seen := make(map[string]struct{}, len(st.Peers))
	for _, p := range st.Peers {
		if p.PublicKey == "" {
			return &SchemaError{Iface: st.Name, Msg: fmt.Sprintf("peer %q has empty public key", p.Name)}
		}
		if _, dup := seen[p.PublicKey]; dup {
			return &SchemaError{Iface: st.Name, Msg: "duplicate peer public key " + p.PublicKey}
		}
		seen[p.PublicKey] = struct{}{}
	}
	if st.PrivateKey != "" && st.PublicKey != "" && !keys.Matches(st.PrivateKey, st.PublicKey) {
		return &SchemaError{Iface: st.Name, Msg: "interface public key does not match private key"}
	}
	return nil
}

// upsertInterface подводит строку interfaces под живое состояние.
// Пустые значения снапшота означают «неизвестно» и ничего не затирают.
func (r *Reconciler) upsertInterface(ctx context.Context, tx *repo.Store, st *snapshot.InterfaceState) error {
	existing, err := tx.Interfaces.GetByName(ctx, st.Name)
	if errors.Is(err, repo.ErrNotFound) {
		enc, err := r.cipher.Encrypt(st.PrivateKey)
		if err != nil {
			return err
		}
		return tx.Interfaces.Create(ctx, &models.Interface{
			Name:       st.Name,
			PrivateKey: enc,
			PublicKey:  st.PublicKey,
			Address:    st.Address,
			ListenPort: st.ListenPort,
			Subnet:     st.Subnet,
			Endpoint:   st.Endpoint,
		})
	}
	if err != nil {
		return err
	}

	changed := false
	if st.PublicKey != "" && existing.PublicKey != st.PublicKey {
		existing.PublicKey = st.PublicKey
		changed = true
	}
	if st.Address != "" && existing.Address != st.Address {
		existing.Address = st.Address
		changed = true
	}
	if st.ListenPort != 0 && existing.ListenPort != st.ListenPort {
		existing.ListenPort = st.ListenPort
		changed = true
	}
	if st.Subnet != "" && existing.Subnet != st.Subnet {
		existing.Subnet = st.Subnet
		changed = true
	}
	if st.Endpoint != "" && existing.Endpoint != st.Endpoint {
		existing.Endpoint = st.Endpoint
		changed = true
	}
	if st.PrivateKey != "" && !r.secretEqual("interface_private_key", st.PrivateKey, existing.PrivateKey) {
		enc, err := r.cipher.Encrypt(st.PrivateKey)
		if err != nil {
			return err
		}
		existing.PrivateKey = enc
		changed = true
	}
	if changed {
		return tx.Interfaces.Update(ctx, existing)
	}
	return nil
}

// upsertServerKey перешифровывает резервную копию ключа при каждом
// проходе (свежий nonce); когда ключ неизвестен, прежняя копия
// остаётся нетронутой.
func (r *Reconciler) upsertServerKey(ctx context.Context, tx *repo.Store, st *snapshot.InterfaceState) error {
	if st.PrivateKey == "" {
		return nil
	}
	enc, err := r.cipher.Encrypt(st.PrivateKey)
	if err != nil {
		return err
	}
	return tx.ServerKeys.Upsert(ctx, &models.ServerKey{
		InterfaceName: st.Name,
		PrivateKey:    enc,
		PublicKey:     st.PublicKey,
	})
}

func (r *Reconciler) syncPeers(ctx context.Context, tx *repo.Store, st *snapshot.InterfaceState, degraded bool, t *tallies) error {
	stored, err := tx.Peers.ListByInterface(ctx, st.Name)
	if err != nil {
		return err
	}
	toInsert, matched, toDelete := splitPeers(stored, st.Peers)

	for _, live := range toInsert {
		row, err := r.newPeerRow(st.Name, live)
		if err != nil {
			return err
		}
		if err := tx.Peers.Create(ctx, row); err != nil {
			return err
		}
		t.inserted++
	}

	for _, pair := range matched {
		changed, err := r.applyPeerFields(pair.stored, pair.live, degraded)
		if err != nil {
			return err
		}
		if !changed {
			t.unchanged++
			continue
		}
		if err := tx.Peers.Update(ctx, pair.stored); err != nil {
			return err
		}
		t.updated++
	}

	for _, gone := range toDelete {
		if degraded {
			// файловый снапшот не доказывает, что пир исчез
			t.skipped++
			continue
		}
		if err := tx.Peers.Delete(ctx, gone.ID); err != nil {
			return err
		}
		t.deleted++
	}
	return nil
}

func (r *Reconciler) newPeerRow(iface string, live snapshot.PeerState) (*models.Peer, error) {
	row := &models.Peer{
		InterfaceName:       iface,
		Name:                live.Name,
		PublicKey:           live.PublicKey,
		Endpoint:            live.Endpoint,
		PersistentKeepalive: live.PersistentKeepalive,
		Enabled:             live.Enabled,
		LatestHandshake:     live.LatestHandshake,
	}
	row.SetAllowedIPs(live.AllowedIPs)
	var err error
	if row.PresharedKey, err = r.cipher.Encrypt(live.PresharedKey); err != nil {
		return nil, err
	}
	if row.PrivateKey, err = r.cipher.Encrypt(live.PrivateKey); err != nil {
		return nil, err
	}
	return row, nil
}

// secretEqual — совпадает ли открытый текст с хранимым шифртекстом.
// Сравниваются расшифрованные значения: повторное шифрование даёт
// другой токен при том же содержимом.
func (r *Reconciler) secretEqual(field, plaintext, storedCiphertext string) bool {
	dec, outcome := r.cipher.Decrypt(storedCiphertext)
	if outcome == secrets.UnchangedFallback && storedCiphertext != "" {
		metrics.Default().DecryptFallbacks.WithLabelValues(field).Inc()
		if secrets.IsToken(storedCiphertext) {
			r.log.WithField("field", field).Warn("stored secret token failed authentication, comparing as-is")
		} else {
			r.log.WithField("field", field).Debug("stored secret is not an encryption token, comparing as-is")
		}
	}
	return dec == plaintext
}
