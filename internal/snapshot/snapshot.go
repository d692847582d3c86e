package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"wgsync/config"
	"wgsync/internal/keys"
	"wgsync/internal/logs"
	"wgsync/internal/wgconf"
	"wgsync/internal/wgrest"
)

// PeerState — нормализованный пир живого состояния.
type PeerState struct {
	Name                string
	PrivateKey          string // есть только сразу после создания пира сервером
	PublicKey           string
	PresharedKey        string
	AllowedIPs          []string // канонически отсортированы
	Endpoint            string
	PersistentKeepalive int
	Enabled             bool
	LatestHandshake     *time.Time // nil — рукопожатия ещё не было
}

// InterfaceState — один интерфейс вместе с его пирами.
type InterfaceState struct {
	Name       string
	PrivateKey string // из conf-файла: API его не отдаёт
	PublicKey  string
	Address    string
	ListenPort int
	Subnet     string
	Endpoint   string
	Peers      []PeerState
}

// Snapshot — «что живо сейчас», нормализованное для сравнения.
type Snapshot struct {
	Interfaces map[string]*InterfaceState
	Degraded   bool // собран из файлов: без preshared-ключей, API недоступен
	TakenAt    time.Time
}

// ControlPlane — срез клиента wgrest, нужный ридеру.
type ControlPlane interface {
	ListDevices(ctx context.Context) ([]wgrest.Device, error)
	ListPeers(ctx context.Context, device string) ([]wgrest.Peer, error)
}

// Reader собирает снапшот: первичный источник — control plane,
// при его недоступности — conf-файлы (деградированный режим).
type Reader struct {
	api ControlPlane
	cfg *config.Config
	log *logrus.Entry
}

func NewReader(api ControlPlane, cfg *config.Config) *Reader {
	return &Reader{api: api, cfg: cfg, log: logs.Component("snapshot")}
}

func (r *Reader) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap, err := r.fromAPI(ctx)
	if err == nil {
		return snap, nil
	}
	if !wgrest.IsTransient(err) {
		return nil, err
	}
	r.log.WithError(err).Warn("control plane unreachable, falling back to conf files")
	fb, fbErr := r.fromFiles()
	if fbErr != nil {
		return nil, fmt.Errorf("fallback after %v: %w", err, fbErr)
	}
	return fb, nil
}

func (r *Reader) fromAPI(ctx context.Context) (*Snapshot, error) {
	devices, err := r.api.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Interfaces: map[string]*InterfaceState{}, TakenAt: time.Now().UTC()}
	for _, d := range devices {
		st := &InterfaceState{
			Name:       d.Name,
			ListenPort: d.ListenPort,
			PublicKey:  d.PublicKey,
		}
		if spec := r.cfg.IfaceSpecFor(d.Name); spec != nil {
			st.Subnet = spec.Subnet
			st.Endpoint = r.cfg.Endpoint(*spec)
			if st.ListenPort == 0 {
				st.ListenPort = spec.ListenPort
			}
		}
		r.enrichFromFile(st)

		peers, err := r.api.ListPeers(ctx, d.Name)
		if err != nil {
			if wgrest.IsPermanent(err) {
				// отказ по одному интерфейсу не валит остальные
				r.log.WithError(err).WithField("iface", d.Name).Warn("skipping interface: peers not readable")
				continue
			}
			return nil, err
		}
		for _, p := range peers {
			st.Peers = append(st.Peers, normalizeAPIPeer(p))
		}
		sortPeers(st.Peers)
		snap.Interfaces[d.Name] = st
	}
	return snap, nil
}

// enrichFromFile дочитывает из conf-файла то, чего нет в API:
// приватный ключ и адрес. Ошибка разбора здесь не фатальна.
func (r *Reader) enrichFromFile(st *InterfaceState) {
	text, err := os.ReadFile(r.confPath(st.Name))
	if err != nil {
		return
	}
	dev, err := wgconf.Parse(string(text))
	if err != nil {
		r.log.WithError(err).WithField("iface", st.Name).Warn("conf file unusable, continuing without it")
		return
	}
	if st.Address == "" {
		st.Address = dev.Interface.Address
	}
	if st.ListenPort == 0 {
		if port, err := strconv.Atoi(dev.Interface.ListenPort); err == nil {
			st.ListenPort = port
		}
	}
	priv := dev.Interface.PrivateKey
	if priv == "" {
		return
	}
	if st.PublicKey != "" && !keys.Matches(priv, st.PublicKey) {
		// файл отстал от живого ключа; хранить рассинхрон нельзя
		r.log.WithField("iface", st.Name).Warn("conf private key does not match live public key, dropping it")
		return
	}
	st.PrivateKey = priv
	if st.PublicKey == "" {
		if pub, err := keys.DerivePublic(priv); err == nil {
			st.PublicKey = pub
		}
	}
}

// fromFiles строит деградированный снапшот по conf-файлам
// сконфигурированных интерфейсов. ConfigParseError здесь фатален.
func (r *Reader) fromFiles() (*Snapshot, error) {
	snap := &Snapshot{
		Interfaces: map[string]*InterfaceState{},
		Degraded:   true,
		TakenAt:    time.Now().UTC(),
	}
	for _, spec := range r.cfg.WireGuard.Interfaces {
		text, err := os.ReadFile(r.confPath(spec.Name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		dev, err := wgconf.Parse(string(text))
		if err != nil {
			return nil, err
		}

		st := &InterfaceState{
			Name:       spec.Name,
			PrivateKey: dev.Interface.PrivateKey,
			Address:    dev.Interface.Address,
			Subnet:     spec.Subnet,
			Endpoint:   r.cfg.Endpoint(spec),
			ListenPort: spec.ListenPort,
		}
		if port, err := strconv.Atoi(dev.Interface.ListenPort); err == nil && port != 0 {
			st.ListenPort = port
		}
		if st.PrivateKey != "" {
			if pub, err := keys.DerivePublic(st.PrivateKey); err == nil {
				st.PublicKey = pub
			}
		}
		for _, p := range dev.Peers {
			st.Peers = append(st.Peers, normalizeFilePeer(p))
		}
		sortPeers(st.Peers)
		snap.Interfaces[spec.Name] = st
	}
	return snap, nil
}

func (r *Reader) confPath(name string) string {
	return filepath.Join(r.cfg.WireGuard.ConfDir, name+".conf")
}

func normalizeAPIPeer(p wgrest.Peer) PeerState {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = FallbackPeerName(p.PublicKey)
	}
	return PeerState{
		Name:                name,
		PrivateKey:          p.PrivateKey,
		PublicKey:           p.PublicKey,
		PresharedKey:        p.PresharedKey,
		AllowedIPs:          NormalizeAllowedIPs(p.AllowedIPs),
		Endpoint:            p.Endpoint,
		PersistentKeepalive: int(p.Keepalive),
		Enabled:             p.IsEnabled(),
		LatestHandshake:     parseHandshake(p.LastHandshakeTime),
	}
}

// parseHandshake: нулевое или кривое время считается «не было».
func parseHandshake(s string) *time.Time {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil || ts.Unix() <= 0 {
		return nil
	}
	ts = ts.UTC()
	return &ts
}

// normalizeFilePeer: preshared-ключи из файлов не переносятся —
// деградированный снапшот не должен затирать их в БД.
func normalizeFilePeer(p wgconf.Peer) PeerState {
	keepalive, _ := strconv.Atoi(p.PersistentKeepalive)
	return PeerState{
		Name:                FallbackPeerName(p.PublicKey),
		PublicKey:           p.PublicKey,
		AllowedIPs:          NormalizeAllowedIPs(p.AllowedIPs),
		Endpoint:            p.Endpoint,
		PersistentKeepalive: keepalive,
		Enabled:             true,
	}
}

// FallbackPeerName — имя по умолчанию: peer_<последние 8 символов ключа>.
func FallbackPeerName(publicKey string) string {
	if len(publicKey) <= 8 {
		return "peer_" + publicKey
	}
	return "peer_" + publicKey[len(publicKey)-8:]
}

// NormalizeAllowedIPs приводит список к каноническому виду: trim,
// без пустых, отсортирован, без повторов. Сравнение множеств
// становится сравнением срезов.
func NormalizeAllowedIPs(ips []string) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if t := strings.TrimSpace(ip); t != "" {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

func sortPeers(peers []PeerState) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].PublicKey < peers[j].PublicKey })
}
