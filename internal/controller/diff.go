package controller

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"wgsync/internal/models"
	"wgsync/internal/snapshot"
)

// peerPair — сохранённый пир и его живой двойник.
type peerPair struct {
	stored *models.Peer
	live   snapshot.PeerState
}

// splitPeers раскладывает пиров по ключу public_key на три группы:
// только живые, сопоставленные и только сохранённые.
func splitPeers(stored []models.Peer, live []snapshot.PeerState) (toInsert []snapshot.PeerState, matched []peerPair, toDelete []*models.Peer) {
	byKey := make(map[string]*models.Peer, len(stored))
	for i := range stored {
		byKey[stored[i].PublicKey] = &stored[i]
	}
	seen := make(map[string]struct{}, len(live))
	for _, lp := range live {
		seen[lp.PublicKey] = struct{}{}
		if sp, ok := byKey[lp.PublicKey]; ok {
			matched = append(matched, peerPair{stored: sp, live: lp})
		} else {
			toInsert = append(toInsert, lp)
		}
	}
	for i := range stored {
		if _, ok := seen[stored[i].PublicKey]; !ok {
			toDelete = append(toDelete, &stored[i])
		}
	}
	return toInsert, matched, toDelete
}

// applyPeerFields подводит сохранённого пира под живое состояние и
// сообщает, есть ли что писать. Деградированный снапшот видит меньше,
// чем API, поэтому в этом режиме имя и preshared-ключ не трогаются.
func (r *Reconciler) applyPeerFields(p *models.Peer, live snapshot.PeerState, degraded bool) (bool, error) {
	changed := false
	if !degraded && live.Name != "" && p.Name != live.Name {
		p.Name = live.Name
		changed = true
	}
	if !slices.Equal(snapshot.NormalizeAllowedIPs(p.AllowedIPList()), live.AllowedIPs) {
		p.SetAllowedIPs(live.AllowedIPs)
		changed = true
	}
	if p.Endpoint != live.Endpoint {
		p.Endpoint = live.Endpoint
		changed = true
	}
	if p.PersistentKeepalive != live.PersistentKeepalive {
		p.PersistentKeepalive = live.PersistentKeepalive
		changed = true
	}
	if p.Enabled != live.Enabled {
		p.Enabled = live.Enabled
		changed = true
	}
	if !degraded && !r.secretEqual("peer_preshared_key", live.PresharedKey, p.PresharedKey) {
		enc, err := r.cipher.Encrypt(live.PresharedKey)
		if err != nil {
			return false, err
		}
		p.PresharedKey = enc
		changed = true
	}
	if live.PrivateKey != "" && !r.secretEqual("peer_private_key", live.PrivateKey, p.PrivateKey) {
		enc, err := r.cipher.Encrypt(live.PrivateKey)
		if err != nil {
			return false, err
		}
		p.PrivateKey = enc
		changed = true
	}
	if handshakeAdvanced(p.LatestHandshake, live.LatestHandshake) {
		p.LatestHandshake = live.LatestHandshake
		changed = true
	}
	return changed, nil
}

// handshakeAdvanced: рукопожатие только накапливается — отсутствие
// значения в снапшоте не стирает последнее наблюдавшееся.
func handshakeAdvanced(stored, live *time.Time) bool {
	if live == nil {
		return false
	}
	return stored == nil || !stored.Equal(*live)
}

// DiffEntry — планируемые изменения по одному интерфейсу.
type DiffEntry struct {
	Interface string   `json:"interface"`
	Insert    []string `json:"insert,omitempty"`
	Update    []string `json:"update,omitempty"`
	Delete    []string `json:"delete,omitempty"`
	Held      []string `json:"held,omitempty"` // удаления, отложенные деградированным снапшотом
	Unchanged int      `json:"unchanged"`
}

// DiffReport — сухой прогон синхронизации.
type DiffReport struct {
	Degraded bool        `json:"degraded"`
	TakenAt  time.Time   `json:"taken_at"`
	Entries  []DiffEntry `json:"entries"`
}

// Diff отвечает, что изменил бы следующий проход, не трогая БД.
// Сравнение то же, что в боевом проходе: поля примеряются к копии
// сохранённого пира.
func (r *Reconciler) Diff(ctx context.Context) (*DiffReport, error) {
	snap, err := r.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	rep := &DiffReport{Degraded: snap.Degraded, TakenAt: snap.TakenAt}

	names := make([]string, 0, len(snap.Interfaces))
	for name := range snap.Interfaces {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		st := snap.Interfaces[name]
		entry := DiffEntry{Interface: name}

		stored, err := r.store.Peers.ListByInterface(ctx, name)
		if err != nil {
			return nil, err
		}
		toInsert, matched, toDelete := splitPeers(stored, st.Peers)
		for _, lp := range toInsert {
			entry.Insert = append(entry.Insert, lp.PublicKey)
		}
		for _, pair := range matched {
			probe := *pair.stored
			changed, err := r.applyPeerFields(&probe, pair.live, snap.Degraded)
			if err != nil {
				return nil, err
			}
			if changed {
				entry.Update = append(entry.Update, pair.stored.PublicKey)
			} else {
				entry.Unchanged++
			}
		}
		for _, sp := range toDelete {
			if snap.Degraded {
				entry.Held = append(entry.Held, sp.PublicKey)
			} else {
				entry.Delete = append(entry.Delete, sp.PublicKey)
			}
		}
		rep.Entries = append(rep.Entries, entry)
	}
	return rep, nil
}
